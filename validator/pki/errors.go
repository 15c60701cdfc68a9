package pki

import (
	"encoding/hex"
	"fmt"
	"runtime"

	"github.com/getsentry/sentry-go"
	libmft "github.com/rpkibox/mftpki/validator/lib"
)

const (
	ERROR_MANIFEST_STRUCTURE = iota
	ERROR_MANIFEST_TIMEWINDOW
	ERROR_MANIFEST_DIGEST
	ERROR_MANIFEST_FILE
	ERROR_MANIFEST_CERTIFICATE
)

type stack []uintptr
type Frame uintptr

var (
	ErrorTypeToName = map[int]string{
		ERROR_MANIFEST_STRUCTURE:   "structure",
		ERROR_MANIFEST_TIMEWINDOW:  "timewindow",
		ERROR_MANIFEST_DIGEST:      "digest",
		ERROR_MANIFEST_FILE:        "file",
		ERROR_MANIFEST_CERTIFICATE: "certificate",
	}
)

type ManifestError struct {
	EType int

	InnerErr error
	Message  string

	Manifest *libmft.RPKIManifest
	Entry    *libmft.FileEntry

	Stack *stack

	File     *PKIFile
	SeekFile *SeekFile
}

func callers() *stack {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// Note: the naming scheme corresponds to what Sentry fetches
// https://github.com/getsentry/sentry-go/blob/master/stacktrace.go#L49
func (s *stack) StackTrace() []Frame {
	f := make([]Frame, len(*s))
	for i := 0; i < len(f); i++ {
		f[i] = Frame((*s)[i])
	}
	return f
}

func (e *ManifestError) StackTrace() []Frame {
	return e.Stack.StackTrace()
}

func (e *ManifestError) AddFileErrorInfo(file *PKIFile, seek *SeekFile) {
	e.File = file
	e.SeekFile = seek
}

func (e *ManifestError) Error() string {
	mftinfo := ""
	if e.Manifest != nil && e.Manifest.Manifest != nil {
		mftinfo = fmt.Sprintf(" for manifest %s (seqnum: %s)", e.Manifest.Manifest.Path, e.Manifest.Manifest.SequenceNumber)
	} else if e.File != nil {
		mftinfo = fmt.Sprintf(" for file %s", e.File.Path)
	}
	innererr := ""
	if e.InnerErr != nil {
		innererr = fmt.Sprintf(" (%v)", e.InnerErr)
	}
	return fmt.Sprintf("%s error%s: %s%s", ErrorTypeToName[e.EType], mftinfo, e.Message, innererr)
}

func (e *ManifestError) SetSentryScope(scope *sentry.Scope) {
	scope.SetTag("Type", ErrorTypeToName[e.EType])

	if e.Manifest != nil {
		if e.Manifest.Manifest != nil {
			scope.SetTag("Manifest.SequenceNumber", e.Manifest.Manifest.SequenceNumber)
			scope.SetTag("Manifest.AKI", e.Manifest.Manifest.AKI)
			scope.SetExtra("Manifest.ThisUpdate", e.Manifest.Manifest.ThisUpdate)
			scope.SetExtra("Manifest.NextUpdate", e.Manifest.Manifest.NextUpdate)
			scope.SetExtra("Manifest.Stale", e.Manifest.Manifest.Stale)
			scope.SetExtra("Manifest.FileCount", len(e.Manifest.Manifest.Files))
		}
		if e.Manifest.Certificate != nil && e.Manifest.Certificate.Certificate != nil {
			cert := e.Manifest.Certificate.Certificate
			scope.SetTag("Certificate.SubjectKeyId", hex.EncodeToString(cert.SubjectKeyId))
			scope.SetTag("Certificate.AuthorityKeyId", hex.EncodeToString(cert.AuthorityKeyId))
			scope.SetTag("Certificate.SerialNumber", cert.SerialNumber.String())
			scope.SetExtra("Certificate.NotBefore", cert.NotBefore)
			scope.SetExtra("Certificate.NotAfter", cert.NotAfter)
		}
	}

	if e.Entry != nil {
		scope.SetTag("Entry.Name", e.Entry.Name)
		scope.SetExtra("Entry.Digest", hex.EncodeToString(e.Entry.Digest[:]))
	}

	if e.File != nil {
		scope.SetTag("File.Repository", e.File.Repo)
		scope.SetTag("File.Path", e.File.Path)
		scope.SetTag("File.Type", TypeToName[e.File.Type])
		scope.SetExtra("File.Trust", e.File.Trust)
	}
	if e.SeekFile != nil && e.SeekFile.Data != nil {
		scope.SetExtra("File.Length", len(e.SeekFile.Data))
	}
}

func NewManifestErrorStructure(err error) *ManifestError {
	return &ManifestError{
		EType:    ERROR_MANIFEST_STRUCTURE,
		InnerErr: err,
		Message:  "decode failure",
		Stack:    callers(),
	}
}

func NewManifestErrorTimeWindow(err error) *ManifestError {
	return &ManifestError{
		EType:    ERROR_MANIFEST_TIMEWINDOW,
		InnerErr: err,
		Message:  "update interval failure",
		Stack:    callers(),
	}
}

func NewManifestErrorDigest(mft *libmft.RPKIManifest, entry *libmft.FileEntry, have [32]byte) *ManifestError {
	return &ManifestError{
		EType:    ERROR_MANIFEST_DIGEST,
		Manifest: mft,
		Entry:    entry,
		Message:  fmt.Sprintf("bad message digest for %s (have %x, want %x)", entry.Name, have, entry.Digest),
		Stack:    callers(),
	}
}

func NewManifestErrorFile(mft *libmft.RPKIManifest, entry *libmft.FileEntry, err error) *ManifestError {
	return &ManifestError{
		EType:    ERROR_MANIFEST_FILE,
		InnerErr: err,
		Manifest: mft,
		Entry:    entry,
		Message:  fmt.Sprintf("cannot check %s", entry.Name),
		Stack:    callers(),
	}
}

func NewManifestErrorCertificate(mft *libmft.RPKIManifest, err error) *ManifestError {
	return &ManifestError{
		EType:    ERROR_MANIFEST_CERTIFICATE,
		InnerErr: err,
		Manifest: mft,
		Message:  "invalid signing certificate",
		Stack:    callers(),
	}
}
