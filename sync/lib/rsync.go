package syncmft

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var (
	reDeletion = regexp.MustCompile("^deleting (.*)")
	reMatch    = regexp.MustCompile("(.*\\.(cer|mft|crl|roa|gbr))$")
)

// Check if string is an object file
func GetMatch(str string) bool {
	return reMatch.MatchString(str)
}

// ExtractFoldersPathFromRsyncURL returns the host and folder part of an
// rsync URL, without the protocol and without a file component.
func ExtractFoldersPathFromRsyncURL(url string) (string, error) {
	if len(url) <= 8 || url[0:8] != "rsync://" {
		return "", fmt.Errorf("%s is not an rsync URL", url)
	}

	toJoin := strings.Split(url[8:], "/")
	if GetMatch(url) && len(toJoin) > 1 {
		toJoin = toJoin[:len(toJoin)-1]
	}
	return strings.Join(toJoin, "/"), nil
}

// Determines if file has been deleted
func FilterMatch(line string) (string, bool, error) {
	results := reDeletion.FindAllStringSubmatch(line, -1)
	if len(results) > 0 {
		return results[0][1], true, nil
	}
	return line, false, nil
}

type FileStat struct {
	Path    string
	Deleted bool
}

type RsyncSystem struct {
	Log Logger
}

// RunRsync runs the rsync binary against a publication point and
// reports the object files it transferred or deleted.
func (s *RsyncSystem) RunRsync(ctx context.Context, uri string, bin string, dirPath string) ([]*FileStat, error) {
	if bin == "" {
		return nil, errors.New("rsync binary missing")
	}

	if len(uri) <= 8 || uri[0:8] != "rsync://" {
		return nil, fmt.Errorf("%s is not an rsync URL", uri)
	}

	// Without a trailing slash rsync replicates the directory itself
	// into the destination, so received paths carry its name.
	baseuri := uri
	uriSplit := strings.Split(baseuri[8:], "/")
	if uri[len(uri)-1] != '/' && len(uriSplit) > 2 {
		baseuri = "rsync://" + strings.Join(uriSplit[0:len(uriSplit)-1], "/")
	} else {
		baseuri = strings.TrimSuffix(baseuri, "/")
	}

	if err := os.MkdirAll(dirPath, os.ModePerm); err != nil {
		return nil, NewFetchErrorRsync(uri, err)
	}

	cmd := exec.CommandContext(ctx, bin, "-var", uri, dirPath)
	if s.Log != nil {
		s.Log.Debugf("Command ran: %v", cmd)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, NewFetchErrorRsync(uri, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if s.Log != nil {
				s.Log.Error(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil && s.Log != nil {
			s.Log.Errorf("%v: %v", uri, err)
		}
	}()

	files := make([]*FileStat, 0)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		match := GetMatch(line)
		if s.Log != nil {
			s.Log.Debugf("Rsync received from %v: %v (match=%v)", uri, line, match)
		}
		if match {
			file, deleted, err := FilterMatch(line)
			if err != nil {
				return nil, err
			}

			files = append(files, &FileStat{
				Path:    fmt.Sprintf("%v/%v", baseuri, file),
				Deleted: deleted,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return files, NewFetchErrorRsync(uri, err)
	}
	if err := cmd.Wait(); err != nil {
		return files, NewFetchErrorRsync(uri, err)
	}
	return files, nil
}
