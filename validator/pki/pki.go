package pki

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	libmft "github.com/rpkibox/mftpki/validator/lib"
)

const (
	TYPE_UNKNOWN = iota
	TYPE_CER
	TYPE_MFT
	TYPE_CRL
	TYPE_ROA
	TYPE_GBR
)

var TypeToName = map[int]string{
	TYPE_UNKNOWN: "unknown",
	TYPE_CER:     "certificate",
	TYPE_MFT:     "manifest",
	TYPE_CRL:     "crl",
	TYPE_ROA:     "roa",
	TYPE_GBR:     "gbr",
}

// Resource is a node of the exploration tree: a manifest with the files
// it lists as children.
type Resource struct {
	Type     int
	Parent   *Resource
	File     *PKIFile
	Resource interface{}
	Childs   []*Resource
}

func (res *Resource) GetIdentifier() (bool, []byte) {
	switch rpki := res.Resource.(type) {
	case *libmft.RPKIManifest:
		return true, rpki.Certificate.Certificate.SubjectKeyId
	}
	return false, nil
}

type SeekFile struct {
	Repo   string
	File   string
	Data   []byte
	Sha256 []byte
}

type PKIFile struct {
	Parent *PKIFile
	Repo   string
	Path   string
	Type   int
	Trust  bool
}

// ComputePath resolves a relative manifest entry name against the
// repository of the manifest that lists it. Absolute URIs pass through.
func (f *PKIFile) ComputePath() string {
	pathRep := f.Path
	if f.Parent != nil && f.Parent.Type == TYPE_MFT && !strings.Contains(pathRep, "://") {
		pathRep = f.Parent.Repo
		if len(pathRep) > 0 && pathRep[len(pathRep)-1] != '/' && len(f.Path) > 0 && f.Path[0] != '/' {
			pathRep += "/"
		}
		pathRep += f.Path
	}
	return pathRep
}

type CallbackExplore func(file *PKIFile, seekFile *SeekFile, addInvalidChilds bool)

type FileSeeker interface {
	GetFile(*PKIFile) (*SeekFile, error)
	GetRepository(*PKIFile, CallbackExplore) error
}

type Log interface {
	Debugf(string, ...interface{})
	Printf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})
}

type SimpleManager struct {
	PathOfResource  map[*Resource]*PKIFile
	ToExplore       []*PKIFile
	FileSeeker      FileSeeker
	Validator       *Validator
	Explored        map[string]bool
	ToExploreUnique map[string]bool

	Log Log
}

func NewSimpleManager() *SimpleManager {
	return &SimpleManager{
		PathOfResource:  make(map[*Resource]*PKIFile),
		Explored:        make(map[string]bool),
		ToExploreUnique: make(map[string]bool),
	}
}

func (sm *SimpleManager) PutFiles(fileList []*PKIFile) {
	for _, file := range fileList {
		if file.Type == TYPE_MFT && file.Repo == "" {
			file.Repo = RepoOf(file.Path)
		}
		path := file.ComputePath()
		if _, ok := sm.ToExploreUnique[path]; ok {
			if sm.Log != nil {
				sm.Log.Debugf("Skipping %v, already been explored", path)
			}
		} else {
			sm.ToExploreUnique[path] = true
			sm.ToExplore = append(sm.ToExplore, file)
		}
	}
}

func (sm *SimpleManager) HasMore() bool {
	return len(sm.ToExplore) > 0
}

func (sm *SimpleManager) GetNextExplore() (*PKIFile, bool, error) {
	if len(sm.ToExplore) == 0 {
		return nil, false, errors.New("EOF")
	}
	curExplore := sm.ToExplore[0]
	sm.ToExplore = sm.ToExplore[1:]
	return curExplore, len(sm.ToExplore) > 0, nil
}

func (sm *SimpleManager) GetNextFile(curExplore *PKIFile) (*SeekFile, error) {
	if sm.FileSeeker == nil {
		return nil, fmt.Errorf("no file seeker to explore %v", curExplore.Path)
	}
	return sm.FileSeeker.GetFile(curExplore)
}

func (sm *SimpleManager) GetNextRepository(curExplore *PKIFile, callback CallbackExplore) error {
	if sm.FileSeeker == nil {
		return fmt.Errorf("no file seeker to explore %v", curExplore.Path)
	}
	return sm.FileSeeker.GetRepository(curExplore, callback)
}

func (sm *SimpleManager) AddInitial(fileList []*PKIFile) {
	sm.PutFiles(fileList)
}

func (sm *SimpleManager) ExploreAdd(file *PKIFile, data *SeekFile, addInvalidChilds bool) {
	sm.Explored[file.ComputePath()] = true
	valid, subFiles, res, err := sm.Validator.AddResource(file, data.Data)
	if err != nil {
		if merr, ok := err.(*ManifestError); ok {
			merr.AddFileErrorInfo(file, data)
		}
		if sm.Log != nil {
			sm.Log.Errorf("Error adding resource %v: %v", file.Path, err)
		}
	} else if !valid && sm.Log != nil {
		sm.Log.Warnf("Resource %v is invalid", file.Path)
	}
	if valid || addInvalidChilds {
		sm.PutFiles(subFiles)
		if res != nil {
			sm.PathOfResource[res] = file
		}
	}
}

// Explore drains the queue. Manifests listed files are put back on the
// queue so their digests get checked against the manifest that lists
// them. When notMFT is set, a manifest file triggers the exploration of
// its whole repository through the FileSeeker callback instead of a
// single fetch.
func (sm *SimpleManager) Explore(notMFT bool, addInvalidChilds bool) int {
	hasMore := sm.HasMore()
	var count int
	for hasMore {
		var file *PKIFile
		var err error
		file, hasMore, err = sm.GetNextExplore()
		if err != nil {
			if sm.Log != nil {
				sm.Log.Errorf("Error getting file: %v", err)
			}
			continue
		}
		count++

		if !notMFT || file.Type != TYPE_MFT {
			var data *SeekFile
			data, err = sm.GetNextFile(file)
			if err != nil {
				if sm.Validator != nil {
					sm.Validator.AddMissingFile(file, err)
				}
				if sm.Log != nil {
					sm.Log.Errorf("Error exploring file: %v", err)
				}
			} else if data != nil {
				sm.ExploreAdd(file, data, addInvalidChilds)
				hasMore = sm.HasMore()
			} else if sm.Log != nil {
				sm.Log.Debugf("GetNextFile returned nothing")
			}
		} else {
			err = sm.GetNextRepository(file, sm.ExploreAdd)
			if err != nil && sm.Log != nil {
				sm.Log.Errorf("Error exploring repository: %v", err)
			}
			sm.Explored[file.Repo] = true
			hasMore = sm.HasMore()
		}
	}
	return count
}

// FileResult is the digest verdict for one manifest entry. A nil Error
// means the listed file was present with the expected hash.
type FileResult struct {
	File  *PKIFile
	Entry *libmft.FileEntry
	Error *ManifestError
}

type Validator struct {
	DecoderConfig *libmft.DecoderConfig

	Time time.Time

	// Key by subject key identifier of the signing certificate
	ValidManifests map[string]*Resource
	Manifests      map[string]*Resource

	// Key by manifest path
	ManifestByPath map[string]*Resource
	FileResults    map[string][]*FileResult

	Errors []*ManifestError
}

func NewValidator() *Validator {
	now := time.Now().UTC()
	return &Validator{
		DecoderConfig:  &libmft.DecoderConfig{ValidityTime: now},
		Time:           now,
		ValidManifests: make(map[string]*Resource),
		Manifests:      make(map[string]*Resource),
		ManifestByPath: make(map[string]*Resource),
		FileResults:    make(map[string][]*FileResult),
	}
}

// SetValidityTime pins both the explorer clock and the decoder clock,
// so staleness is evaluated against the same instant everywhere.
func (v *Validator) SetValidityTime(t time.Time) {
	v.Time = t
	v.DecoderConfig.ValidityTime = t
}

func (v *Validator) AddResource(pkifile *PKIFile, data []byte) (bool, []*PKIFile, *Resource, error) {
	resType := pkifile.Type
	switch resType {
	case TYPE_MFT:
		mft, err := v.DecoderConfig.DecodeManifest(pkifile.ComputePath(), data)
		if err != nil {
			merr := wrapDecodeError(err)
			merr.File = pkifile
			v.Errors = append(v.Errors, merr)
			return false, nil, nil, merr
		}
		valid, pathCert, res, err := v.AddManifest(pkifile, mft)
		for _, pc := range pathCert {
			pc.Parent = pkifile
		}
		return valid, pathCert, res, err
	case TYPE_CER, TYPE_CRL, TYPE_ROA, TYPE_GBR:
		valid, res, err := v.AddListedFile(pkifile, data)
		return valid, nil, res, err
	}
	return false, nil, nil, errors.New("file type not supported")
}

// AddManifest registers a decoded manifest. An expired signing
// certificate or a failed inner signature makes it invalid; staleness
// does not.
func (v *Validator) AddManifest(pkifile *PKIFile, mft *libmft.RPKIManifest) (bool, []*PKIFile, *Resource, error) {
	pathCert := ExtractPathManifest(mft)

	res := ObjectToResource(mft)
	res.Type = TYPE_MFT
	res.File = pkifile

	valid := true
	var err error
	if merr := v.ValidateManifest(mft); merr != nil {
		valid = false
		err = merr
		v.Errors = append(v.Errors, merr)
	}

	key := string(mft.Certificate.Certificate.SubjectKeyId)
	if valid {
		v.ValidManifests[key] = res
	}
	v.Manifests[key] = res
	v.ManifestByPath[pkifile.ComputePath()] = res

	return valid, pathCert, res, err
}

func (v *Validator) ValidateManifest(mft *libmft.RPKIManifest) *ManifestError {
	if err := mft.Certificate.ValidateTime(v.Time); err != nil {
		return NewManifestErrorCertificate(mft, err)
	}
	if !mft.InnerValid {
		return NewManifestErrorCertificate(mft, mft.InnerValidityError)
	}
	return nil
}

// AddListedFile hashes a fetched file against the entry of the manifest
// that listed it.
func (v *Validator) AddListedFile(pkifile *PKIFile, data []byte) (bool, *Resource, error) {
	parent := pkifile.Parent
	if parent == nil || parent.Type != TYPE_MFT {
		return false, nil, fmt.Errorf("%s is not listed by a manifest", pkifile.Path)
	}
	path := parent.ComputePath()
	mftres, ok := v.ManifestByPath[path]
	if !ok {
		return false, nil, fmt.Errorf("no manifest registered for %s", path)
	}
	mft := mftres.Resource.(*libmft.RPKIManifest)

	entry := findEntry(mft, pkifile.Path)
	if entry == nil {
		return false, nil, fmt.Errorf("%s is not listed by %s", pkifile.Path, path)
	}

	res := &Resource{
		Type:   pkifile.Type,
		File:   pkifile,
		Parent: mftres,
	}
	mftres.Childs = append(mftres.Childs, res)

	result := &FileResult{File: pkifile, Entry: entry}
	digest := sha256.Sum256(data)
	if digest != entry.Digest {
		merr := NewManifestErrorDigest(mft, entry, digest)
		merr.File = pkifile
		result.Error = merr
		v.Errors = append(v.Errors, merr)
	}
	v.FileResults[path] = append(v.FileResults[path], result)

	if result.Error != nil {
		return false, res, result.Error
	}
	return true, res, nil
}

// AddMissingFile records a listed file the seeker could not produce.
func (v *Validator) AddMissingFile(pkifile *PKIFile, err error) {
	parent := pkifile.Parent
	if parent == nil || parent.Type != TYPE_MFT {
		return
	}
	path := parent.ComputePath()
	mftres, ok := v.ManifestByPath[path]
	if !ok {
		return
	}
	mft := mftres.Resource.(*libmft.RPKIManifest)
	entry := findEntry(mft, pkifile.Path)
	if entry == nil {
		return
	}
	merr := NewManifestErrorFile(mft, entry, err)
	merr.File = pkifile
	v.Errors = append(v.Errors, merr)
	v.FileResults[path] = append(v.FileResults[path], &FileResult{File: pkifile, Entry: entry, Error: merr})
}

// FileErrors returns the failed entries of one manifest.
func (v *Validator) FileErrors(path string) []*ManifestError {
	errs := make([]*ManifestError, 0)
	for _, result := range v.FileResults[path] {
		if result.Error != nil {
			errs = append(errs, result.Error)
		}
	}
	return errs
}

// ManifestState re-evaluates the update window of a decoded manifest
// against the explorer clock.
func (v *Validator) ManifestState(mft *libmft.RPKIManifest) int {
	return libmft.CheckValidity(mft.Manifest.ThisUpdate, mft.Manifest.NextUpdate, v.Time)
}

func wrapDecodeError(err error) *ManifestError {
	if _, ok := err.(*libmft.ValidityError); ok {
		return NewManifestErrorTimeWindow(err)
	}
	return NewManifestErrorStructure(err)
}

// findEntry locates a manifest entry by file name. Entry names carry no
// path components, so an absolute path is matched by its last segment.
func findEntry(mft *libmft.RPKIManifest, name string) *libmft.FileEntry {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	for i := range mft.Manifest.Files {
		if mft.Manifest.Files[i].Name == name {
			return &mft.Manifest.Files[i]
		}
	}
	return nil
}

func ObjectToResource(data interface{}) *Resource {
	res := &Resource{
		Resource: data,
		Childs:   make([]*Resource, 0),
	}
	return res
}

func ExtractPathManifest(mft *libmft.RPKIManifest) []*PKIFile {
	fileList := make([]*PKIFile, 0)
	for _, file := range mft.Manifest.Files {
		curFile := file.Name
		path := PKIFile{
			Type: DetermineType(curFile),
			Path: curFile,
		}
		fileList = append(fileList, &path)
	}
	return fileList
}

func DetermineType(path string) int {
	if len(path) > 4 {
		specific := path[len(path)-4:]
		switch specific {
		case ".cer":
			return TYPE_CER
		case ".mft":
			return TYPE_MFT
		case ".crl":
			return TYPE_CRL
		case ".roa":
			return TYPE_ROA
		case ".gbr":
			return TYPE_GBR
		}
	}
	return TYPE_UNKNOWN
}

// RepoOf returns the publication point directory of an object URI,
// including the trailing slash.
func RepoOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return ""
	}
	return path[:idx+1]
}
