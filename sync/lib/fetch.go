package syncmft

import (
	"crypto/sha256"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	libmft "github.com/rpkibox/mftpki/validator/lib"
	"github.com/rpkibox/mftpki/validator/pki"
)

// LocalFetch resolves rsync URIs against a local cache directory and
// feeds the explorer. Until SetRepositories is called, a missing file
// is an error; afterwards files of repositories that have not been
// synchronized yet are silently absent.
type LocalFetch struct {
	MapDirectory map[string]string
	Log          Logger
	repositories map[string]time.Time
}

func NewLocalFetch(mapDirectory map[string]string, log Logger) *LocalFetch {
	return &LocalFetch{
		MapDirectory: mapDirectory,
		Log:          log,
	}
}

func (s *LocalFetch) SetRepositories(repositories map[string]time.Time) {
	s.repositories = repositories
}

func GetLocalPath(pathRep string, replace map[string]string) string {
	sep := fmt.Sprintf("%c", os.PathSeparator)

	for repKey, repVal := range replace {
		if !strings.HasSuffix(repVal, sep) {
			repVal += sep
		}

		pathRep = strings.Replace(pathRep, repKey, repVal, -1)
	}
	return pathRep
}

func ReplacePath(file *pki.PKIFile, replace map[string]string) string {
	return GetLocalPath(file.ComputePath(), replace)
}

// FetchFile reads a file and hashes it. The digest covers the bytes as
// published; the BER conversion, when asked for, only applies to the
// returned data.
func FetchFile(path string, conv bool) ([]byte, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	data, err := ioutil.ReadAll(f)
	if err != nil {
		return data, nil, err
	}

	hash := sha256.Sum256(data)

	if conv {
		data, err = libmft.BER2DER(data)
		if err != nil {
			return data, hash[:], err
		}
	}
	return data, hash[:], nil
}

func ParseMapDirectory(mapdir string) map[string]string {
	mapDirectoryFinal := make(map[string]string)
	for _, item := range strings.Split(mapdir, ",") {
		itemSplit := strings.Split(item, "=")
		if len(itemSplit) == 2 {
			mapDirectoryFinal[itemSplit[0]] = itemSplit[1]
		}
	}
	return mapDirectoryFinal
}

func (s *LocalFetch) GetFile(file *pki.PKIFile) (*pki.SeekFile, error) {
	// Only manifests get decoded, everything else is digest-checked
	// over the published bytes.
	return s.GetFileConv(file, file.Type == pki.TYPE_MFT)
}

func (s *LocalFetch) GetFileConv(file *pki.PKIFile, convert bool) (*pki.SeekFile, error) {
	newPath := ReplacePath(file, s.MapDirectory)
	if s.Log != nil {
		s.Log.Debugf("Fetching %v->%v", file.Path, newPath)
	}
	data, hash, err := FetchFile(newPath, convert)
	if os.IsNotExist(err) && len(s.repositories) > 0 {
		rsyncBase, _, errExtract := ExtractRsyncDomainModule(file.ComputePath())
		if errExtract != nil && s.Log != nil {
			s.Log.Errorf("error extracting rsync base of %s: %v", file.Path, errExtract)
		}
		if _, ok := s.repositories[rsyncBase]; !ok {
			if s.Log != nil {
				s.Log.Debugf("%s is missing but its repository has not been synchronized yet", file.Path)
			}
			return nil, nil
		}
	}
	if err != nil {
		return nil, NewFetchErrorFile(newPath, err)
	}
	return &pki.SeekFile{
		File:   file.ComputePath(),
		Data:   data,
		Sha256: hash,
	}, nil
}

// GetRepository walks a publication point directory and hands every
// object file to the explorer callback.
func (s *LocalFetch) GetRepository(file *pki.PKIFile, callback pki.CallbackExplore) error {
	newPath := GetLocalPath(file.Repo, s.MapDirectory)
	repoFile, err := os.Open(newPath)
	if err != nil {
		return err
	}
	defer repoFile.Close()
	files, err := repoFile.Readdir(0)
	if err != nil {
		return err
	}

	repo := file.Repo
	if len(repo) > 0 && repo[len(repo)-1] != '/' {
		repo += "/"
	}
	if len(newPath) > 0 && newPath[len(newPath)-1] != os.PathSeparator {
		newPath += string(os.PathSeparator)
	}

	// Manifests first, so listed files find the manifest that names them.
	ordered := make([]os.FileInfo, 0, len(files))
	for _, fileDir := range files {
		if fileDir != nil && !fileDir.IsDir() && pki.DetermineType(fileDir.Name()) == pki.TYPE_MFT {
			ordered = append(ordered, fileDir)
		}
	}
	for _, fileDir := range files {
		if fileDir != nil && !fileDir.IsDir() && pki.DetermineType(fileDir.Name()) != pki.TYPE_MFT {
			ordered = append(ordered, fileDir)
		}
	}

	for _, fileDir := range ordered {
		fileType := pki.DetermineType(fileDir.Name())
		if fileType == pki.TYPE_UNKNOWN {
			continue
		}

		data, hash, err := FetchFile(newPath+fileDir.Name(), fileType == pki.TYPE_MFT)
		if err != nil {
			return err
		}

		callback(
			&pki.PKIFile{
				Parent: file,
				Type:   fileType,
				Repo:   repo,
				Path:   repo + fileDir.Name(),
			},
			&pki.SeekFile{
				File:   repo + fileDir.Name(),
				Data:   data,
				Sha256: hash,
			}, false)
	}
	return nil
}
