package main

import (
	"bufio"
	"flag"
	"io/ioutil"
	"os"
	"runtime"
	"strings"

	libmft "github.com/rpkibox/mftpki/validator/lib"
	log "github.com/sirupsen/logrus"
)

var (
	StrictCms = flag.Bool("strict.cms", false, "Fail decoding when the inner CMS signature does not check out")
	LogLevel  = flag.String("loglevel", "info", "Log level")
)

// decodeOne turns one cache path into a result frame. Errors never stop
// the stream, they travel inside the frame.
func decodeOne(dc *libmft.DecoderConfig, path string) *libmft.ManifestResult {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return &libmft.ManifestResult{Path: path, Err: err.Error()}
	}

	mft, err := dc.DecodeManifest(path, data)
	if err != nil {
		return &libmft.ManifestResult{Path: path, Err: err.Error()}
	}

	return &libmft.ManifestResult{Path: path, Manifest: mft.Manifest}
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Parse()
	lvl, _ := log.ParseLevel(*LogLevel)
	log.SetLevel(lvl)

	// Stdout carries result frames, logging must stay on stderr.
	log.SetOutput(os.Stderr)

	dc := &libmft.DecoderConfig{
		ValidateStrict: *StrictCms,
	}

	out := bufio.NewWriter(os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		path := strings.TrimSpace(scanner.Text())
		if path == "" {
			continue
		}

		log.Debugf("Decoding %v", path)
		res := decodeOne(dc, path)
		if res.Err != "" {
			log.Debugf("Decode %v failed: %v", path, res.Err)
		}

		if err := libmft.WriteManifestResult(out, res); err != nil {
			log.Fatalf("Failed to write result for %q: %v", path, err)
		}
		if err := out.Flush(); err != nil {
			log.Fatalf("Failed to flush result for %q: %v", path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Failed to read paths: %v", err)
	}
}
