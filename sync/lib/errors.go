package syncmft

import (
	"fmt"
	"runtime"

	"github.com/getsentry/sentry-go"
)

const (
	ERROR_FETCH_UNKNOWN = iota
	ERROR_FETCH_RSYNC
	ERROR_FETCH_FILE
)

type stack []uintptr
type Frame uintptr

var (
	ErrorTypeToName = map[int]string{
		ERROR_FETCH_UNKNOWN: "unknown",
		ERROR_FETCH_RSYNC:   "rsync",
		ERROR_FETCH_FILE:    "file",
	}
)

type FetchError struct {
	EType int

	InnerErr error
	Message  string

	URI  string
	Path string

	Stack *stack
}

func callers() *stack {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// This function returns the Stacktrace of the error.
// The naming scheme corresponds to what Sentry fetches
// https://github.com/getsentry/sentry-go/blob/master/stacktrace.go#L49
func StackTrace(s *stack) []Frame {
	f := make([]Frame, len(*s))
	for i := 0; i < len(f); i++ {
		f[i] = Frame((*s)[i])
	}
	return f
}

func (e *FetchError) StackTrace() []Frame {
	return StackTrace(e.Stack)
}

func (e *FetchError) Error() string {
	repoinfo := ""
	if e.URI != "" {
		repoinfo = fmt.Sprintf(" for repo %s", e.URI)
	} else if e.Path != "" {
		repoinfo = fmt.Sprintf(" for file %s", e.Path)
	}

	var err string
	if e.InnerErr != nil {
		err = fmt.Sprintf(": %s", e.InnerErr.Error())
	}

	return fmt.Sprintf("%s%s%v", e.Message, repoinfo, err)
}

func (e *FetchError) SetSentryScope(scope *sentry.Scope) {
	scope.SetTag("Type", ErrorTypeToName[e.EType])
	if e.URI != "" {
		scope.SetTag("Repository.rsync", e.URI)
	}
	if e.Path != "" {
		scope.SetTag("File.Path", e.Path)
	}
}

func NewFetchErrorRsync(uri string, err error) *FetchError {
	return &FetchError{
		EType:    ERROR_FETCH_RSYNC,
		URI:      uri,
		InnerErr: err,
		Message:  "error synchronizing",
		Stack:    callers(),
	}
}

func NewFetchErrorFile(path string, err error) *FetchError {
	return &FetchError{
		EType:    ERROR_FETCH_FILE,
		Path:     path,
		InnerErr: err,
		Message:  "error reading",
		Stack:    callers(),
	}
}
