package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rpkibox/mftpki/api/schemas"
	syncmft "github.com/rpkibox/mftpki/sync/lib"
	libmft "github.com/rpkibox/mftpki/validator/lib"
	"github.com/rpkibox/mftpki/validator/pki"
	log "github.com/sirupsen/logrus"
)

// collectManifestPaths walks the mapped cache directories for manifest
// files to hand to the worker.
func (s *MFTPKI) collectManifestPaths() []string {
	paths := make([]string, 0)
	for _, localPath := range s.Fetcher.MapDirectory {
		filepath.Walk(localPath, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				// The cache may not exist before the first sync.
				return nil
			}
			if info.IsDir() {
				return nil
			}
			if pki.DetermineType(path) == pki.TYPE_MFT {
				paths = append(paths, path)
			}
			return nil
		})
	}
	sort.Strings(paths)
	return paths
}

// localToURI maps a cache path back to the URI it was fetched from.
func (s *MFTPKI) localToURI(path string) string {
	for uriPrefix, localPrefix := range s.Fetcher.MapDirectory {
		if strings.HasPrefix(path, localPrefix) {
			return uriPrefix + strings.TrimPrefix(path, localPrefix)
		}
	}
	return path
}

// runWorker hands object paths to a decode subprocess and reads result
// frames back until the stream closes. A fault in the middle of a frame
// panics in the codec and surfaces here as an error, alongside whatever
// exit status the worker died with.
func (s *MFTPKI) runWorker(ctx context.Context, paths []string) ([]*libmft.ManifestResult, error) {
	args := []string{"-loglevel", *LogLevel}
	if *StrictCms {
		args = append(args, "-strict.cms")
	}
	cmd := exec.CommandContext(ctx, *ParserBin, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		for _, path := range paths {
			fmt.Fprintln(stdin, path)
		}
		stdin.Close()
	}()

	results := make([]*libmft.ManifestResult, 0, len(paths))
	readErr := func() (ferr error) {
		defer func() {
			if r := recover(); r != nil {
				ferr = fmt.Errorf("worker stream fault: %v", r)
			}
		}()
		rd := bufio.NewReader(stdout)
		for {
			res, err := libmft.ReadManifestResult(rd)
			if err == io.EOF {
				return nil
			}
			results = append(results, res)
		}
	}()

	if werr := cmd.Wait(); werr != nil && readErr == nil {
		readErr = fmt.Errorf("worker exited: %v", werr)
	}

	return results, readErr
}

// workerValidation builds the manifest list from worker result frames
// instead of the in-process explorer. The frames carry the decoded file
// list, so digest verification runs here against the cache siblings.
func (s *MFTPKI) workerValidation(span opentracing.Span) {
	wSpan := s.tracer.StartSpan("worker-decode", opentracing.ChildOf(span.Context()))
	defer wSpan.Finish()

	paths := s.collectManifestPaths()
	wSpan.LogKV("manifests", len(paths))

	results, err := s.runWorker(context.Background(), paths)
	if err != nil {
		wSpan.SetTag("error", true)
		log.Errorf("worker decode: %v", err)
		sentry.CaptureException(err)
	}

	list := &schemas.ManifestsJSON{
		Manifests: make([]*schemas.OutputManifest, 0),
	}
	ctData := make([][]*pki.PKIFile, 0)
	var countFiles, digestFailures int
	states := make(map[string]int)

	for _, res := range results {
		uri := s.localToURI(res.Path)

		if res.Manifest == nil {
			states[libmft.ValidityToName[libmft.VALIDITY_INVALID]]++
			list.Manifests = append(list.Manifests, &schemas.OutputManifest{
				Path:   uri,
				State:  libmft.ValidityToName[libmft.VALIDITY_INVALID],
				Errors: []string{res.Err},
			})
			continue
		}

		m := res.Manifest
		state := libmft.ValidityToName[libmft.VALIDITY_VALID]
		if m.Stale {
			state = libmft.ValidityToName[libmft.VALIDITY_STALE]
		}

		om := &schemas.OutputManifest{
			Path:           uri,
			SubjectKeyId:   m.SKI,
			AuthorityKeyId: m.AKI,
			AIA:            m.AIA,
			State:          state,
			Stale:          m.Stale,
		}

		for j := range m.Files {
			entry := &m.Files[j]
			om.Files = append(om.Files, &schemas.OutputFile{
				Name:   entry.Name,
				Digest: hex.EncodeToString(entry.Digest[:]),
			})

			// The worker only decodes, hashing the siblings stays here.
			sibling := filepath.Join(filepath.Dir(res.Path), entry.Name)
			ok, err := libmft.DigestMatches(sibling, entry.Digest)
			if err != nil {
				om.Errors = append(om.Errors, fmt.Sprintf("cannot check %s: %v", entry.Name, err))
			} else if !ok {
				om.Errors = append(om.Errors, fmt.Sprintf("bad message digest for %s", entry.Name))
				digestFailures++
			}
		}
		countFiles += len(m.Files)

		if base, _, err := syncmft.ExtractRsyncDomainModule(uri); err == nil {
			s.RsyncFetchJobs[base] = true
			s.CurrentRepos[base] = time.Now()
		}

		states[state]++
		list.Manifests = append(list.Manifests, om)
		ctData = append(ctData, []*pki.PKIFile{{Path: uri, Type: pki.TYPE_MFT}})
	}

	for _, state := range libmft.ValidityToName {
		MetricManifestsCount.With(prometheus.Labels{"point": "all", "state": state}).Set(float64(states[state]))
	}
	MetricFileCounts.With(prometheus.Labels{"address": "all", "type": "listed"}).Set(float64(countFiles))
	MetricDigestFailures.With(prometheus.Labels{"point": "all"}).Set(float64(digestFailures))

	s.stats.MftsPointsCount = []MftsPoint{{Point: "all", Count: len(list.Manifests)}}

	s.setManifestList(s.finalizeManifestList(list, span))

	if *CertTransparency {
		s.SendCertificateTransparency(span, ctData, *CertTransparencyThreads, *CertTransparencyTimeout)
	}
}
