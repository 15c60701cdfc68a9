package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rpkibox/mftpki/api/schemas"
	syncmft "github.com/rpkibox/mftpki/sync/lib"
	libmft "github.com/rpkibox/mftpki/validator/lib"
	"github.com/rpkibox/mftpki/validator/pki"
	log "github.com/sirupsen/logrus"
)

var (
	PathRoot    = flag.String("path.root", "rsync://rpki.ripe.net/repository/ripe-ncc-ta.mft", "List of seed manifests separated by comma")
	MapDir      = flag.String("map.dir", "rsync://rpki.ripe.net/repository/=./rpki.ripe.net/repository/", "Map of the paths separated by commas")
	UseManifest = flag.Bool("manifest.use", true, "Use manifests file to explore instead of going into the repository")
	StrictCms   = flag.Bool("strict.cms", false, "Decode the CMS envelope with strict checks")
	ValidTime   = flag.String("valid.time", "now", "Validation time (now/timestamp/RFC3339)")
	LogLevel    = flag.String("loglevel", "info", "Log level")
	Output      = flag.String("output", "manifests.json", "Output file")
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Parse()
	lvl, _ := log.ParseLevel(*LogLevel)
	log.SetLevel(lvl)
	log.Infof("Manifest checker started")

	mapDir := syncmft.ParseMapDirectory(*MapDir)

	s := syncmft.LocalFetch{
		MapDirectory: mapDir,
		Log:          log.StandardLogger(),
	}

	var vt time.Time
	if *ValidTime == "now" {
		vt = time.Now().UTC()
	} else if ts, err := strconv.ParseInt(*ValidTime, 10, 64); err == nil {
		vt = time.Unix(int64(ts), 0)
		log.Infof("Setting time to %v (timestamp)", vt)
	} else if vttmp, err := time.Parse(time.RFC3339, *ValidTime); err == nil {
		vt = vttmp
		log.Infof("Setting time to %v (RFC3339)", vt)
	}

	seeds := strings.Split(*PathRoot, ",")
	list := schemas.ManifestsJSON{
		Manifests: make([]*schemas.OutputManifest, 0),
	}
	for _, seed := range seeds {
		validator := pki.NewValidator()
		validator.SetValidityTime(vt)
		validator.DecoderConfig.ValidateStrict = *StrictCms

		manager := pki.NewSimpleManager()
		manager.Validator = validator
		manager.FileSeeker = &s
		manager.Log = log.StandardLogger()

		manager.AddInitial([]*pki.PKIFile{
			&pki.PKIFile{
				Path: seed,
				Type: pki.TYPE_MFT,
			},
		})

		manager.Explore(!*UseManifest, false)

		for ski, res := range validator.Manifests {
			mft := res.Resource.(*libmft.RPKIManifest)
			path := res.File.ComputePath()

			state := libmft.ValidityToName[libmft.VALIDITY_INVALID]
			if _, ok := validator.ValidManifests[ski]; ok {
				state = libmft.ValidityToName[validator.ManifestState(mft)]
			}

			om := &schemas.OutputManifest{
				Path:           path,
				SubjectKeyId:   mft.Manifest.SKI,
				AuthorityKeyId: mft.Manifest.AKI,
				AIA:            mft.Manifest.AIA,
				ManifestNumber: mft.Manifest.SequenceNumber,
				ThisUpdate:     int(mft.Manifest.ThisUpdate.Unix()),
				NextUpdate:     int(mft.Manifest.NextUpdate.Unix()),
				State:          state,
				Stale:          mft.Manifest.Stale,
			}
			for j := range mft.Manifest.Files {
				entry := &mft.Manifest.Files[j]
				om.Files = append(om.Files, &schemas.OutputFile{
					Name:   entry.Name,
					Digest: hex.EncodeToString(entry.Digest[:]),
				})
			}
			for _, ferr := range validator.FileErrors(path) {
				om.Errors = append(om.Errors, ferr.Error())
			}

			list.Manifests = append(list.Manifests, om)
		}
	}

	sort.Slice(list.Manifests, func(i, j int) bool {
		return list.Manifests[i].Path < list.Manifests[j].Path
	})
	list.Metadata = schemas.MetaData{
		Counts:    len(list.Manifests),
		Generated: int(time.Now().Unix()),
	}

	var buf io.Writer
	var err error
	if *Output != "" {
		buf, err = os.Create(*Output)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		buf = os.Stdout
	}

	enc := json.NewEncoder(buf)
	enc.Encode(list)
}
