package syncmft

import (
	"crypto/sha256"
	"encoding/asn1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rpkibox/mftpki/validator/pki"
)

func TestGetLocalPath(t *testing.T) {
	tests := []struct {
		name     string
		pathRep  string
		replace  map[string]string
		expected string
	}{
		{
			name:    "With trailing slash",
			pathRep: "rsync://rpki.apnic.net/repository/apnic-rpki-root-iana-origin.cer",
			replace: map[string]string{
				"rsync://": "cache/",
			},
			expected: "cache/rpki.apnic.net/repository/apnic-rpki-root-iana-origin.cer",
		},
		{
			name:    "Without trailing slash (this is a regresion test)",
			pathRep: "rsync://rpki.apnic.net/repository/apnic-rpki-root-iana-origin.cer",
			replace: map[string]string{
				"rsync://": "cache",
			},
			expected: "cache/rpki.apnic.net/repository/apnic-rpki-root-iana-origin.cer",
		},
	}

	for _, test := range tests {
		res := GetLocalPath(test.pathRep, test.replace)
		assert.Equal(t, test.expected, res, test.name)
	}
}

func TestParseMapDirectory(t *testing.T) {
	mapdir := ParseMapDirectory("rsync://=cache/rsync/,https://=cache/https/")
	assert.Equal(t, map[string]string{
		"rsync://": "cache/rsync/",
		"https://": "cache/https/",
	}, mapdir)

	assert.Len(t, ParseMapDirectory("garbage"), 0)
}

func TestFetchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aaaaa.cer")
	payload := []byte("cer-payload")
	assert.Nil(t, os.WriteFile(path, payload, 0644))

	data, hash, err := FetchFile(path, false)
	assert.Nil(t, err)
	assert.Equal(t, payload, data)
	expected := sha256.Sum256(payload)
	assert.Equal(t, expected[:], hash)

	_, _, err = FetchFile(filepath.Join(dir, "missing.cer"), false)
	assert.True(t, os.IsNotExist(err))
}

func TestFetchFileConv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.mft")
	payload, err := asn1.Marshal([]byte{0xca, 0xfe})
	assert.Nil(t, err)
	assert.Nil(t, os.WriteFile(path, payload, 0644))

	// DER in, DER out; the digest still covers the published bytes.
	data, hash, err := FetchFile(path, true)
	assert.Nil(t, err)
	assert.Equal(t, payload, data)
	expected := sha256.Sum256(payload)
	assert.Equal(t, expected[:], hash)
}

func TestLocalFetchGetFile(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, os.MkdirAll(filepath.Join(dir, "lambda", "module"), 0755))
	payload := []byte("roa-payload")
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "lambda", "module", "fffff.roa"), payload, 0644))

	fetch := NewLocalFetch(map[string]string{"rsync://": dir + "/"}, nil)

	seek, err := fetch.GetFile(&pki.PKIFile{
		Type: pki.TYPE_ROA,
		Path: "rsync://lambda/module/fffff.roa",
	})
	assert.Nil(t, err)
	assert.Equal(t, "rsync://lambda/module/fffff.roa", seek.File)
	assert.Equal(t, payload, seek.Data)
	expected := sha256.Sum256(payload)
	assert.Equal(t, expected[:], seek.Sha256)

	// Before SetRepositories a missing file is an error.
	missing := &pki.PKIFile{
		Type: pki.TYPE_CRL,
		Path: "rsync://lambda/module/ggggg.crl",
	}
	_, err = fetch.GetFile(missing)
	assert.NotNil(t, err)

	// Afterwards, files of repositories not synchronized yet are
	// silently absent.
	fetch.SetRepositories(map[string]time.Time{
		"rsync://other/module": time.Now().UTC(),
	})
	seek, err = fetch.GetFile(missing)
	assert.Nil(t, err)
	assert.Nil(t, seek)

	// A synchronized repository reports its missing files.
	fetch.SetRepositories(map[string]time.Time{
		"rsync://lambda/module": time.Now().UTC(),
	})
	_, err = fetch.GetFile(missing)
	assert.NotNil(t, err)
}

func TestGetRepository(t *testing.T) {
	dir := t.TempDir()
	repoDir := filepath.Join(dir, "lambda", "module")
	assert.Nil(t, os.MkdirAll(filepath.Join(repoDir, "sub"), 0755))

	mftPayload, err := asn1.Marshal([]byte{0x01})
	assert.Nil(t, err)
	assert.Nil(t, os.WriteFile(filepath.Join(repoDir, "root.mft"), mftPayload, 0644))
	assert.Nil(t, os.WriteFile(filepath.Join(repoDir, "aaaaa.cer"), []byte("cer-payload"), 0644))
	assert.Nil(t, os.WriteFile(filepath.Join(repoDir, "notes.txt"), []byte("skipped"), 0644))

	fetch := NewLocalFetch(map[string]string{"rsync://": dir + "/"}, nil)

	parent := &pki.PKIFile{
		Type: pki.TYPE_MFT,
		Repo: "rsync://lambda/module/",
		Path: "rsync://lambda/module/root.mft",
	}

	var seen []*pki.PKIFile
	err = fetch.GetRepository(parent, func(file *pki.PKIFile, seek *pki.SeekFile, addInvalidChilds bool) {
		assert.NotNil(t, seek.Data)
		assert.Len(t, seek.Sha256, sha256.Size)
		assert.Equal(t, file.ComputePath(), seek.File)
		seen = append(seen, file)
	})
	assert.Nil(t, err)

	// The manifest comes first, unknown extensions and directories are
	// skipped.
	assert.Len(t, seen, 2)
	assert.Equal(t, pki.TYPE_MFT, seen[0].Type)
	assert.Equal(t, "rsync://lambda/module/root.mft", seen[0].Path)
	assert.Equal(t, pki.TYPE_CER, seen[1].Type)
	assert.Equal(t, "rsync://lambda/module/aaaaa.cer", seen[1].Path)
}
