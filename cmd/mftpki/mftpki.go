package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	syncmft "github.com/rpkibox/mftpki/sync/lib"
	libmft "github.com/rpkibox/mftpki/validator/lib"
	"github.com/rpkibox/mftpki/validator/pki"

	"github.com/rs/cors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpkibox/mftpki/api/schemas"
	log "github.com/sirupsen/logrus"

	// Debugging
	"net/http/pprof"

	"github.com/getsentry/sentry-go"
	"github.com/opentracing/opentracing-go"
	jcfg "github.com/uber/jaeger-client-go/config"
)

var (
	version    = ""
	buildinfos = ""
	AppVersion = "MFTPKI " + version + " " + buildinfos
	AllowRoot  = flag.Bool("allow.root", false, "Allow starting as root")

	// Validator Options
	PublicationPoints = flag.String("publication.points", "rsync://rpki.ripe.net/repository/ripe-ncc-ta.mft", "List of publication point manifests separated by comma")
	PointNames        = flag.String("publication.names", "RIPE", "Name of the publication points")
	UseManifest       = flag.Bool("manifest.use", true, "Use manifests file to explore instead of going into the repository")
	Basepath          = flag.String("cache", "cache/", "Base directory to store certificates")
	MapDir            = flag.String("map.dir", "", "Map of the paths separated by commas (defaults to rsync://=cache directory)")
	LogLevel          = flag.String("loglevel", "info", "Log level")
	Refresh           = flag.Duration("refresh", time.Minute*20, "Revalidation interval")
	MaxIterations     = flag.Int("max.iterations", 32, "Specify the max number of iterations mftpki will make before failing to generate the output")

	StrictCms = flag.Bool("strict.cms", false, "Decode CMS with strict settings")

	// Rsync Options
	RsyncTimeout = flag.Duration("rsync.timeout", time.Minute*20, "Rsync command timeout")
	RsyncBin     = flag.String("rsync.bin", DefaultBin(), "The rsync binary to use")
	RsyncWorkers = flag.Int("rsync.workers", 4, "Number of concurrent rsync fetches")

	// Worker decode options
	ParserSubprocess = flag.Bool("parser.subprocess", false, "Decode manifests in worker subprocesses instead of in-process")
	ParserBin        = flag.String("parser.bin", "mftworker", "The worker binary used with -parser.subprocess")

	Mode       = flag.String("mode", "server", "Select output mode (server/oneoff)")
	WaitStable = flag.Bool("output.wait", true, "Wait until stable state to create the file (returns 503 when unstable on HTTP)")

	// Serving Options
	Addr        = flag.String("http.addr", ":8081", "Listening address")
	CacheHeader = flag.Bool("http.cache", true, "Enable cache header")
	MetricsPath = flag.String("http.metrics", "/metrics", "Prometheus metrics endpoint")
	InfoPath    = flag.String("http.info", "/infos", "Information URL")
	HealthPath  = flag.String("http.health", "/health", "Health URL")

	CorsOrigins = flag.String("cors.origins", "*", "Cors origins separated by comma")
	CorsCreds   = flag.Bool("cors.creds", false, "Cors enable credentials")

	// File option
	Output           = flag.String("output.manifests", "manifests.json", "Output manifest list file")
	OutputStale      = flag.Bool("output.stale", true, "Keep stale manifests in the output")
	Sign             = flag.Bool("output.sign", true, "Sign output")
	SignKey          = flag.String("output.sign.key", "private.pem", "ECDSA signing key")
	ValidityDuration = flag.Duration("output.sign.validity", time.Hour, "Validity")

	// Debugging options
	Pprof     = flag.Bool("pprof", false, "Enable pprof endpoint")
	Tracer    = flag.Bool("tracer", false, "Enable tracer")
	SentryDSN = flag.String("sentry.dsn", "", "Send errors to Sentry")

	Version = flag.Bool("version", false, "Print version")
)

var (
	MetricFileCounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "file_count_repository",
			Help: "Counts of files per repository.",
		},
		[]string{"address", "type"},
	)
	MetricRsyncErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rsync_errors",
			Help: "Rsync error count.",
		},
		[]string{"address"},
	)
	MetricManifestsCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manifests",
			Help: "Manifests by publication point and validity state.",
		},
		[]string{"point", "state"},
	)
	MetricDigestFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "digest_failures",
			Help: "Listed files whose hash does not match the manifest entry.",
		},
		[]string{"point"},
	)
	MetricState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "state",
			Help: "State of the monitor (1 = stable, 0 = unstable).",
		},
	)
	MetricLastStableValidation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "last_stable_validation",
			Help: "Timestamp of last stable validation.",
		},
	)
	MetricLastValidation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "last_validation",
			Help: "Timestamp of last validation.",
		},
	)
	MetricOperationTime = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "operation_time",
			Help:       "Time to run an operation.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"type"},
	)
	MetricLastFetch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "last_fetch",
			Help: "Rsync last timestamp.",
		},
		[]string{"address", "type"},
	)
)

func DefaultBin() string {
	path, _ := exec.LookPath("rsync")
	return path
}

var errKeyNotParsed = fmt.Errorf("Failed to PEM decode key")

func ReadKey(key []byte, isPem bool) (*ecdsa.PrivateKey, error) {
	if isPem {
		block, _ := pem.Decode(key)
		if block == nil {
			return nil, errKeyNotParsed
		}
		key = block.Bytes
	}

	k, err := x509.ParseECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return k, nil
}

type Stats struct {
	URI       string  `json:"uri"`
	Count     int     `json:"file-count"`
	Iteration int     `json:"iteration"`
	Errors    int     `json:"errors"`
	Duration  float64 `json:"duration"`

	LastFetch      int `json:"last-fetch"`
	LastFetchError int `json:"last-fetch-error,omitempty"`

	LastError string `json:"last-error,omitempty"`
}

type MftsPoint struct {
	Point string `json:"point,omitempty"`
	Count int    `json:"count,omitempty"`
}

type MFTPKI struct {
	Points     []*pki.PKIFile
	PointNames []string

	LastComputed time.Time
	Key          *ecdsa.PrivateKey
	CTPath       string

	Stable            atomic.Bool // Nothing new was added to the fetch list during the last iteration
	HasPreviousStable atomic.Bool
	Fetcher           *syncmft.LocalFetch

	PrevRepos    map[string]time.Time
	CurrentRepos map[string]time.Time

	RsyncFetchJobs map[string]bool

	ManifestList   *schemas.ManifestsJSON
	ManifestListMu sync.RWMutex

	InfoRepositories     [][]string
	InfoRepositoriesLock sync.RWMutex

	stats  *mftPKIStats
	tracer opentracing.Tracer
}

type mftPKIStats struct {
	mu                 sync.Mutex
	RsyncStats         map[string]*Stats
	ValidationDuration time.Duration
	Iteration          int
	MftsPointsCount    []MftsPoint
}

func newMFTPKIStats() *mftPKIStats {
	return &mftPKIStats{
		RsyncStats:      make(map[string]*Stats),
		MftsPointsCount: make([]MftsPoint, 0),
	}
}

func (s *MFTPKI) rsyncStatsFor(uri string) *Stats {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	st, exists := s.stats.RsyncStats[uri]
	if !exists {
		st = &Stats{}
		s.stats.RsyncStats[uri] = st
	}
	return st
}

func (s *MFTPKI) MainReduce() bool {
	t1 := time.Now()
	defer func() {
		t2 := time.Now()
		MetricOperationTime.With(prometheus.Labels{"type": "reduce"}).Observe(float64(t2.Sub(t1).Seconds()))
	}()

	var hasChanged bool
	for rsync, ts := range s.CurrentRepos {
		if _, ok := s.PrevRepos[rsync]; !ok {
			s.PrevRepos[rsync] = ts
			hasChanged = true
			log.Debugf("Repository %s has appeared at %v", rsync, ts)
		}
	}

	s.Fetcher.SetRepositories(s.CurrentRepos)

	if len(s.PrevRepos) != len(s.CurrentRepos) {
		return true
	}

	return hasChanged
}

func (s *MFTPKI) mainRsync(pSpan opentracing.Span) {
	t1 := time.Now()
	span := s.tracer.StartSpan("rsync", opentracing.ChildOf(pSpan.Context()))
	defer span.Finish()

	// Collapse the fetch list so nested publication points are not
	// downloaded twice.
	prefixes := make(map[string]syncmft.SubMap)
	for uri := range s.RsyncFetchJobs {
		syncmft.AddInMap(uri, prefixes)
	}

	rf := newRsyncFetcher(s, *RsyncWorkers, span)
	for _, uri := range syncmft.ReduceMap(prefixes) {
		rf.fetch(uri)
	}
	rf.done()
	rf.wait()

	t2 := time.Now()
	MetricOperationTime.With(prometheus.Labels{"type": "rsync"}).Observe(float64(t2.Sub(t1).Seconds()))
}

func mustExtractFoldersPathFromRsyncURL(rsyncURL string) string {
	downloadPath, err := syncmft.ExtractFoldersPathFromRsyncURL(rsyncURL)
	if err != nil {
		log.Fatalf("Failed to extract folder path from rsync URL: %v", err)
	}

	return downloadPath
}

func (s *MFTPKI) fetchRsync(uri string, span opentracing.Span) {
	rSpan := s.tracer.StartSpan("sync", opentracing.ChildOf(span.Context()))
	defer rSpan.Finish()
	rSpan.SetTag("rsync", uri)
	rSpan.SetTag("type", "rsync")

	// A trailing slash makes rsync copy the directory contents rather
	// than the directory itself, matching the local path mapping.
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}

	log.Infof("Rsync sync %v", uri)
	downloadPath := mustExtractFoldersPathFromRsyncURL(uri)

	st := s.rsyncStatsFor(uri)
	st.URI = uri
	st.Iteration++
	st.Count = 0

	path := filepath.Join(*Basepath, downloadPath)
	ctxRsync, cancelRsync := context.WithTimeout(context.Background(), *RsyncTimeout)
	rsys := &syncmft.RsyncSystem{Log: log.StandardLogger()}
	t1 := time.Now()
	files, err := rsys.RunRsync(ctxRsync, uri, *RsyncBin, path)
	t2 := time.Now()
	if err != nil {
		s.rsyncError(uri, path, err, t1, t2, rSpan)
	} else {
		rSpan.LogKV("event", "rsync", "type", "success", "message", "rsync successfully fetched")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelInfo)
			scope.SetTag("Rsync", uri)
			sentry.AddBreadcrumb(&sentry.Breadcrumb{
				Message:  fmt.Sprintf("fetch | %s", uri),
				Category: "rsync",
			})
			sentry.CaptureMessage("fetched rsync successfully")
		})
	}
	cancelRsync()

	MetricFileCounts.With(prometheus.Labels{"address": uri, "type": "rsync"}).Set(float64(len(files)))
	lastFetch := time.Now().Unix()
	MetricLastFetch.With(prometheus.Labels{"address": uri, "type": "rsync"}).Set(float64(lastFetch))

	st.LastFetch = int(lastFetch)
	st.Count = len(files)
	st.Duration = t2.Sub(t1).Seconds()
}

func (s *MFTPKI) rsyncError(uri string, path string, err error, t1 time.Time, t2 time.Time, rSpan opentracing.Span) {
	rSpan.SetTag("error", true)
	rSpan.LogKV("event", "rsync failure", "message", err)
	log.Errorf("Error when processing %v: %v. Will retry.", path, err)
	sentry.WithScope(func(scope *sentry.Scope) {
		if errC, ok := err.(interface{ SetSentryScope(*sentry.Scope) }); ok {
			errC.SetSentryScope(scope)
		}
		scope.SetTag("Rsync", uri)
		sentry.CaptureException(err)
	})

	MetricRsyncErrors.With(prometheus.Labels{"address": uri}).Inc()

	st := s.rsyncStatsFor(uri)
	st.Errors++
	st.LastFetchError = int(time.Now().Unix())
	st.LastError = err.Error()
	st.Duration = t2.Sub(t1).Seconds()
}

func (s *MFTPKI) reportErrors(v *pki.Validator, point *pki.PKIFile, tSpan opentracing.Span) {
	for _, merr := range v.Errors {
		tSpan.SetTag("error", true)
		tSpan.LogKV("event", "manifest issue", "type", pki.ErrorTypeToName[merr.EType], "message", merr)
		log.Error(merr)
		sentry.WithScope(func(scope *sentry.Scope) {
			merr.SetSentryScope(scope)
			scope.SetTag("PublicationPoint", point.Path)
			sentry.CaptureException(merr)
		})
	}
}

func (s *MFTPKI) generateManifestList(validators []*pki.Validator, span opentracing.Span) *schemas.ManifestsJSON {
	list := &schemas.ManifestsJSON{
		Manifests: make([]*schemas.OutputManifest, 0),
	}
	s.stats.MftsPointsCount = make([]MftsPoint, 0)
	for i, point := range s.Points {
		eSpan := s.tracer.StartSpan("extract", opentracing.ChildOf(span.Context()))
		eSpan.SetTag("point", point.Path)
		pointname := point.Path
		if len(s.PointNames) == len(s.Points) {
			pointname = s.PointNames[i]
		}

		v := validators[i]
		if v == nil {
			eSpan.Finish()
			continue
		}

		var countpoint, countFiles, digestFailures int
		states := make(map[string]int)
		for ski, res := range v.Manifests {
			mft := res.Resource.(*libmft.RPKIManifest)
			path := res.File.ComputePath()

			state := libmft.ValidityToName[libmft.VALIDITY_INVALID]
			if _, ok := v.ValidManifests[ski]; ok {
				state = libmft.ValidityToName[v.ManifestState(mft)]
			}

			om := &schemas.OutputManifest{
				Path:             path,
				PublicationPoint: pointname,
				SubjectKeyId:     mft.Manifest.SKI,
				AuthorityKeyId:   mft.Manifest.AKI,
				AIA:              mft.Manifest.AIA,
				ManifestNumber:   mft.Manifest.SequenceNumber,
				ThisUpdate:       int(mft.Manifest.ThisUpdate.Unix()),
				NextUpdate:       int(mft.Manifest.NextUpdate.Unix()),
				State:            state,
				Stale:            mft.Manifest.Stale,
			}
			for j := range mft.Manifest.Files {
				entry := &mft.Manifest.Files[j]
				om.Files = append(om.Files, &schemas.OutputFile{
					Name:   entry.Name,
					Digest: hex.EncodeToString(entry.Digest[:]),
				})
			}
			countFiles += len(mft.Manifest.Files)

			for _, ferr := range v.FileErrors(path) {
				om.Errors = append(om.Errors, ferr.Error())
				if ferr.EType == pki.ERROR_MANIFEST_DIGEST {
					digestFailures++
				}
			}

			states[state]++
			countpoint++
			list.Manifests = append(list.Manifests, om)
		}

		for _, state := range libmft.ValidityToName {
			MetricManifestsCount.With(prometheus.Labels{"point": pointname, "state": state}).Set(float64(states[state]))
		}
		MetricFileCounts.With(prometheus.Labels{"address": pointname, "type": "listed"}).Set(float64(countFiles))
		MetricDigestFailures.With(prometheus.Labels{"point": pointname}).Set(float64(digestFailures))
		eSpan.Finish()

		s.stats.MftsPointsCount = append(s.stats.MftsPointsCount, MftsPoint{Point: pointname, Count: countpoint})
	}

	return s.finalizeManifestList(list, span)
}

// finalizeManifestList orders, filters, stamps and signs an assembled
// manifest list. Ordering comes first: the manifests arrive from map
// iteration and both the ETag and the signature need a stable document.
func (s *MFTPKI) finalizeManifestList(list *schemas.ManifestsJSON, span opentracing.Span) *schemas.ManifestsJSON {
	sort.Slice(list.Manifests, func(i, j int) bool {
		return list.Manifests[i].Path < list.Manifests[j].Path
	})

	list.Manifests = FilterDuplicates(list.Manifests)
	if !*OutputStale {
		list.Manifests = FilterStale(list.Manifests)
	}

	curTime := time.Now()
	s.LastComputed = curTime
	validTime := curTime.Add(*ValidityDuration)
	list.Metadata = schemas.MetaData{
		Counts:    len(list.Manifests),
		Generated: int(curTime.Unix()),
		Valid:     int(validTime.Unix()),
	}

	if *Sign {
		s.signManifestList(list, span)
	}

	return list
}

func (s *MFTPKI) signManifestList(list *schemas.ManifestsJSON, span opentracing.Span) {
	sSpan := s.tracer.StartSpan("sign", opentracing.ChildOf(span.Context()))
	defer sSpan.Finish()

	signdate, sign, err := list.Sign(s.Key)
	if err != nil {
		log.Error(err)
		sentry.CaptureException(err)
	}
	list.Metadata.Signature = sign
	list.Metadata.SignatureDate = signdate
}

func (s *MFTPKI) mainValidation(pSpan opentracing.Span) {
	t1 := time.Now()

	span := s.tracer.StartSpan("validation", opentracing.ChildOf(pSpan.Context()))
	defer span.Finish()

	if *ParserSubprocess {
		s.workerValidation(span)
	} else {
		s.explorerValidation(span)
	}

	t2 := time.Now()
	s.stats.ValidationDuration = t2.Sub(t1)
	MetricOperationTime.With(prometheus.Labels{"type": "validation"}).Observe(float64(s.stats.ValidationDuration.Seconds()))
	MetricLastValidation.Set(float64(s.LastComputed.Unix()))
}

func (s *MFTPKI) explorerValidation(span opentracing.Span) {
	ia := make([][]string, len(s.Points))
	for i := 0; i < len(ia); i++ {
		ia[i] = make([]string, 0)
	}

	validators := make([]*pki.Validator, len(s.Points))
	for i, point := range s.Points {
		tSpan := s.tracer.StartSpan("explore", opentracing.ChildOf(span.Context()))
		tSpan.SetTag("point", point.Path)

		validator := pki.NewValidator()
		validator.DecoderConfig.ValidateStrict = *StrictCms
		validators[i] = validator

		sm := pki.NewSimpleManager()
		sm.Validator = validator
		sm.FileSeeker = s.Fetcher
		sm.Log = log.StandardLogger()

		sm.AddInitial([]*pki.PKIFile{point})
		countExplore := sm.Explore(!*UseManifest, false)

		s.reportErrors(validator, point, tSpan)

		// The rsync bases of every registered manifest feed the next
		// rsync pass.
		repos := make(map[string]bool)
		for _, res := range validator.Manifests {
			base, _, err := syncmft.ExtractRsyncDomainModule(res.File.ComputePath())
			if err != nil {
				log.Errorf("Could not derive the rsync base of %s: %v", res.File.Path, err)
				continue
			}
			repos[base] = true
			s.RsyncFetchJobs[base] = true
			s.CurrentRepos[base] = time.Now()
		}
		for repo := range repos {
			ia[i] = append(ia[i], repo)
		}
		sort.Strings(ia[i])

		tSpan.LogKV("count-valid", len(validator.ValidManifests), "count-total", countExplore)
		tSpan.Finish()
	}

	s.setInfoRepositories(ia)
	s.setManifestList(s.generateManifestList(validators, span))

	if *CertTransparency {
		s.SendCertificateTransparency(span, s.ctChains(validators), *CertTransparencyThreads, *CertTransparencyTimeout)
	}
}

func (s *MFTPKI) ctChains(validators []*pki.Validator) [][]*pki.PKIFile {
	ctData := make([][]*pki.PKIFile, 0)
	for _, v := range validators {
		if v == nil {
			continue
		}
		for _, res := range v.ValidManifests {
			ctData = append(ctData, []*pki.PKIFile{res.File})
		}
	}
	return ctData
}

func (s *MFTPKI) setInfoRepositories(ia [][]string) {
	s.InfoRepositoriesLock.Lock()
	defer s.InfoRepositoriesLock.Unlock()

	s.InfoRepositories = ia
}

func (s *MFTPKI) setManifestList(list *schemas.ManifestsJSON) {
	s.ManifestListMu.Lock()
	defer s.ManifestListMu.Unlock()

	s.ManifestList = list
}

func (s *MFTPKI) getManifestList() *schemas.ManifestsJSON {
	s.ManifestListMu.RLock()
	defer s.ManifestListMu.RUnlock()

	return s.ManifestList
}

func computeETag(md schemas.MetaData) string {
	etag := sha256.Sum256([]byte(fmt.Sprintf("%v/%v", md.Generated, md.Counts)))
	return hex.EncodeToString(etag[:])
}

func (s *MFTPKI) ServeManifests(w http.ResponseWriter, r *http.Request) {
	if !s.Stable.Load() && *WaitStable && !s.HasPreviousStable.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("File not ready yet"))
		return
	}

	upTo := s.LastComputed.Add(*ValidityDuration)
	maxAge := int(upTo.Sub(time.Now()).Seconds())

	w.Header().Set("Content-Type", "application/json")

	if maxAge > 0 && *CacheHeader {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%v", maxAge))
	}

	list := s.getManifestList()

	etagSumHex := computeETag(list.Metadata)

	if match := r.Header.Get("If-None-Match"); match != "" {
		if match == etagSumHex {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("Etag", etagSumHex)
	enc := json.NewEncoder(w)
	enc.Encode(list)
}

func (s *MFTPKI) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if s.Stable.Load() || s.HasPreviousStable.Load() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("Not ready yet"))
}

type InfoPublicationPoint struct {
	Name         string   `json:"name"`
	Repositories []string `json:"repositories"`
}

type InfoResult struct {
	Stable             bool                   `json:"stable"`
	Points             []InfoPublicationPoint `json:"points"`
	Iteration          int                    `json:"iteration"`
	LastValidation     int                    `json:"validation-last"`
	ValidationDuration float64                `json:"validation-duration"`
	MftsPoints         []MftsPoint            `json:"manifests-point-count"`
	ManifestCount      int                    `json:"manifests-count"`
}

func (s *MFTPKI) ServeInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.InfoRepositoriesLock.RLock()
	ia := s.InfoRepositories
	s.InfoRepositoriesLock.RUnlock()

	ias := make([]InfoPublicationPoint, 0)
	for i, point := range s.Points {
		if len(ia) <= i {
			break
		}
		if ia[i] == nil {
			continue
		}

		pointname := point.Path
		if len(s.PointNames) == len(s.Points) {
			pointname = s.PointNames[i]
		}

		ias = append(ias, InfoPublicationPoint{
			Name:         pointname,
			Repositories: ia[i],
		})
	}

	ir := InfoResult{
		Points:             ias,
		ManifestCount:      len(s.getManifestList().Manifests),
		MftsPoints:         s.stats.MftsPointsCount,
		Stable:             s.Stable.Load(),
		LastValidation:     int(s.LastComputed.Unix()),
		ValidationDuration: s.stats.ValidationDuration.Seconds(),
		Iteration:          s.stats.Iteration,
	}
	enc := json.NewEncoder(w)
	enc.Encode(ir)
}

func (s *MFTPKI) Serve(addr string, path string, metricsPath string, infoPath string, healthPath string, corsOrigin string, corsCreds bool) {
	fullPath := path
	if len(path) > 0 && string(path[0]) != "/" {
		fullPath = "/" + path
	}
	log.Infof("Serving HTTP on %v%v", addr, fullPath)

	r := http.NewServeMux()

	r.HandleFunc(fullPath, s.ServeManifests)
	r.HandleFunc(infoPath, s.ServeInfo)
	r.HandleFunc(healthPath, s.ServeHealth)
	r.Handle(metricsPath, promhttp.Handler())

	if *Pprof {
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.HandleFunc("/debug/pprof/", pprof.Index)
	}

	corsReq := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(corsOrigin, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowCredentials: corsCreds,
	}).Handler(r)

	log.Fatal(http.ListenAndServe(addr, corsReq))
}

func init() {
	if !*AllowRoot && runningAsRoot() {
		panic("Running as root is not allowed by default")
	}

	prometheus.MustRegister(MetricFileCounts)
	prometheus.MustRegister(MetricRsyncErrors)
	prometheus.MustRegister(MetricManifestsCount)
	prometheus.MustRegister(MetricDigestFailures)
	prometheus.MustRegister(MetricState)
	prometheus.MustRegister(MetricLastStableValidation)
	prometheus.MustRegister(MetricLastValidation)
	prometheus.MustRegister(MetricOperationTime)
	prometheus.MustRegister(MetricLastFetch)
}

func runningAsRoot() bool {
	return os.Geteuid() == 0 || os.Getegid() == 0
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Parse()
	if *Version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}

	lvl, _ := log.ParseLevel(*LogLevel)
	log.SetLevel(lvl)

	sentryDsn := *SentryDSN
	if sentryDsn == "" {
		sentryDsn = os.Getenv("SENTRY_DSN")
	}
	if sentryDsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn: sentryDsn,
		})
		if err != nil {
			log.Fatalf("failed initializing sentry: %s", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	log.Info("Manifest monitor started")

	if *Tracer {
		cfg, err := jcfg.FromEnv()
		if err != nil {
			log.Fatal(err)
		}
		tracer, closer, err := cfg.NewTracer()
		if err != nil {
			log.Fatal(err)
		}
		defer closer.Close()
		opentracing.SetGlobalTracer(tracer)
	}

	pointPaths := strings.Split(*PublicationPoints, ",")
	pointNames := strings.Split(*PointNames, ",")
	points := make([]*pki.PKIFile, 0)
	for _, point := range pointPaths {
		points = append(points, &pki.PKIFile{
			Path: point,
			Type: pki.TYPE_MFT,
		})
	}

	err := os.MkdirAll(*Basepath, os.ModePerm)
	if err != nil {
		log.Fatalf("Failed to create directories %q: %v", *Basepath, err)
	}

	mapDir := *MapDir
	if mapDir == "" {
		mapDir = syncmft.RsyncProtoPrefix + "=" + *Basepath
	}
	fetcher := syncmft.NewLocalFetch(syncmft.ParseMapDirectory(mapDir), log.StandardLogger())

	s := NewMFTPKI(points, pointNames, fetcher)

	if *Sign {
		keyFile, err := os.Open(*SignKey)
		if err != nil {
			log.Fatal(err)
		}
		keyBytes, err := ioutil.ReadAll(keyFile)
		if err != nil {
			log.Fatal(err)
		}
		keyFile.Close()
		keyDec, err := ReadKey(keyBytes, true)
		if err != nil {
			log.Fatal(err)
		}
		s.Key = keyDec
	}

	if *Mode == "server" {
		go s.Serve(*Addr, *Output, *MetricsPath, *InfoPath, *HealthPath, *CorsOrigins, *CorsCreds)
	} else if *Mode != "oneoff" {
		log.Fatalf("Mode %v is not specified. Choose either server or oneoff", *Mode)
	}

	s.validationLoop()
}

func NewMFTPKI(points []*pki.PKIFile, pointNames []string, fetcher *syncmft.LocalFetch) *MFTPKI {
	s := &MFTPKI{
		Points:           points,
		PointNames:       pointNames,
		CTPath:           *CertTransparencyAddr,
		PrevRepos:        make(map[string]time.Time),
		CurrentRepos:     make(map[string]time.Time),
		RsyncFetchJobs:   make(map[string]bool),
		Fetcher:          fetcher,
		ManifestList:     newManifestList(),
		stats:            newMFTPKIStats(),
		InfoRepositories: make([][]string, 0),
		tracer:           opentracing.GlobalTracer(),
	}

	// The publication points seed the repository set, validation grows it.
	// Repositories are keyed by their rsync base (host and module), the
	// same form the fetcher checks before declaring a file missing.
	for _, point := range points {
		base, _, err := syncmft.ExtractRsyncDomainModule(point.Path)
		if err != nil {
			log.Errorf("Could not derive the rsync base of %s: %v", point.Path, err)
			continue
		}
		s.RsyncFetchJobs[base] = true
		s.CurrentRepos[base] = time.Now()
	}

	return s
}

func newManifestList() *schemas.ManifestsJSON {
	return &schemas.ManifestsJSON{
		Manifests: make([]*schemas.OutputManifest, 0),
	}
}

func (s *MFTPKI) validationLoop() {
	var spanActive bool
	var pSpan opentracing.Span
	var iterationsUntilStable int
	for {
		if !spanActive {
			pSpan = s.tracer.StartSpan("multoperation")
			spanActive = true
			iterationsUntilStable = 0
		}

		span := s.tracer.StartSpan("operation", opentracing.ChildOf(pSpan.Context()))

		s.stats.Iteration++
		iterationsUntilStable++
		if iterationsUntilStable > *MaxIterations {
			log.Fatal("Max iterations has been reached. This number can be adjusted with -max.iterations")
		}
		span.SetTag("iteration", s.stats.Iteration)

		s.mainRsync(span)

		s.mainValidation(span)

		changed := s.MainReduce()
		s.Stable.Store(!changed && s.stats.Iteration > 1)
		s.HasPreviousStable.Store(s.Stable.Load())

		if *Mode == "oneoff" && (s.Stable.Load() || !*WaitStable) {
			s.mustOutput()
		}

		span.SetTag("stable", s.Stable.Load())
		span.Finish()

		if *Mode == "oneoff" && s.Stable.Load() {
			log.Info("Stable, terminating")
			break
		}

		if s.Stable.Load() {
			MetricLastStableValidation.Set(float64(s.LastComputed.Unix()))
			MetricState.Set(float64(1))

			pSpan.SetTag("iterations", iterationsUntilStable)
			pSpan.Finish()
			spanActive = false

			log.Infof("Stable state. Revalidating in %v", *Refresh)
			<-time.After(*Refresh)
			s.Stable.Store(false)
			continue
		}

		MetricState.Set(float64(0))
		log.Info("Still exploring. Revalidating now")
	}
}

func (s *MFTPKI) mustOutput() {
	err := s.output()
	if err != nil {
		log.Fatalf("Output failed: %v", err)
	}
}

func (s *MFTPKI) output() error {
	fc, err := json.Marshal(s.getManifestList())
	if err != nil {
		return fmt.Errorf("unable to marshal manifest list: %v", err)
	}

	if *Output == "" {
		fmt.Println(string(fc))
	} else {
		err := ioutil.WriteFile(*Output, fc, 0600)
		if err != nil {
			return fmt.Errorf("Unable to write manifest list to %q: %v", *Output, err)
		}
	}

	return nil
}
