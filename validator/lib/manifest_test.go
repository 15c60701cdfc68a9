package libmft

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func MakeManifestContent() ManifestContent {
	cerhash := sha256.Sum256([]byte("cerhash"))
	roahash := sha256.Sum256([]byte("roahash"))
	return ManifestContent{
		ManifestNumber: big.NewInt(0x1EA5),
		ThisUpdate:     time.Now().UTC().Add(-time.Hour),
		NextUpdate:     time.Now().UTC().Add(24 * time.Hour),
		FileHashAlg:    SHA256OID,
		FileList: []FileAndHash{
			{
				File: "aaaaa.cer",
				Hash: asn1.BitString{Bytes: cerhash[:], BitLength: 256},
			},
			{
				File: "bbbbb.roa",
				Hash: asn1.BitString{Bytes: roahash[:], BitLength: 256},
			},
		},
	}
}

func MakeSignedManifestKeys(t *testing.T, content ManifestContent, signKey *rsa.PrivateKey, certKey *rsa.PrivateKey) []byte {
	contentEnc, err := EncodeManifestContent(content)
	assert.Nil(t, err)

	cms, err := EncodeCMS(nil, contentEnc, time.Now().UTC())
	assert.Nil(t, err)

	ski, err := HashRSAPublicKey(certKey.PublicKey)
	assert.Nil(t, err)

	cert := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject: pkix.Name{
			Country:      []string{"USA"},
			Organization: []string{"MFT Test"},
		},
		SubjectKeyId:          ski,
		AuthorityKeyId:        ski,
		IssuingCertificateURL: []string{"rsync://rpki.example.com/repo/parent.cer"},
		NotBefore:             time.Now().UTC().Add(-time.Hour),
		NotAfter:              time.Now().UTC().Add(24 * time.Hour),
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, cert, cert, certKey.Public(), certKey)
	assert.Nil(t, err)

	encap, err := ManifestToEncap(contentEnc)
	assert.Nil(t, err)
	err = cms.Sign(rand.Reader, ski, encap, signKey, certBytes)
	assert.Nil(t, err)

	data, err := asn1.Marshal(*cms)
	assert.Nil(t, err)
	return data
}

func MakeSignedManifest(t *testing.T, content ManifestContent) []byte {
	privkey, err := rsa.GenerateKey(rand.Reader, 1024)
	assert.Nil(t, err)
	return MakeSignedManifestKeys(t, content, privkey, privkey)
}

func TestEncodeManifestContent(t *testing.T) {
	data := MakeSignedManifest(t, MakeManifestContent())

	mft, err := DecodeManifest("test.mft", data)
	assert.Nil(t, err)
	assert.True(t, mft.InnerValid)
	assert.False(t, mft.Manifest.Stale)
	assert.Equal(t, "1EA5", mft.Manifest.SequenceNumber)
	assert.Len(t, mft.Manifest.Files, 2)
}

func TestDecodeManifest(t *testing.T) {
	dir := t.TempDir()
	cerBytes := []byte("certificate payload")
	roaBytes := []byte("roa payload")
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "aaaaa.cer"), cerBytes, 0644))
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "bbbbb.roa"), roaBytes, 0644))
	cerHash := sha256.Sum256(cerBytes)
	roaHash := sha256.Sum256(roaBytes)

	seqnum := new(big.Int).Lsh(big.NewInt(1), 159)
	content := ManifestContent{
		ManifestNumber: seqnum,
		ThisUpdate:     time.Now().UTC().Add(-15 * 24 * time.Hour),
		NextUpdate:     time.Now().UTC().Add(15 * 24 * time.Hour),
		FileHashAlg:    SHA256OID,
		FileList: []FileAndHash{
			{File: "aaaaa.cer", Hash: asn1.BitString{Bytes: cerHash[:], BitLength: 256}},
			{File: "bbbbb.roa", Hash: asn1.BitString{Bytes: roaHash[:], BitLength: 256}},
		},
	}

	path := filepath.Join(dir, "test.mft")
	mft, err := DecodeManifest(path, MakeSignedManifest(t, content))
	assert.Nil(t, err)
	assert.True(t, mft.InnerValid)
	assert.False(t, mft.Manifest.Stale)
	assert.Equal(t, fmt.Sprintf("%X", seqnum), mft.Manifest.SequenceNumber)
	assert.Len(t, mft.Manifest.Files, 2)
	assert.Equal(t, "aaaaa.cer", mft.Manifest.Files[0].Name)
	assert.Equal(t, "bbbbb.roa", mft.Manifest.Files[1].Name)
	assert.NotEmpty(t, mft.Manifest.AIA)
	assert.NotEmpty(t, mft.Manifest.AKI)
	assert.NotEmpty(t, mft.Manifest.SKI)
	assert.Equal(t, mft.Manifest.AKI, mft.Manifest.SKI)

	assert.Len(t, mft.Manifest.VerifyFiles(), 0)

	var buf bytes.Buffer
	assert.Nil(t, WriteManifest(&buf, mft.Manifest))
	back, err := ReadManifest(&buf)
	assert.Nil(t, err)

	want := *mft.Manifest
	want.SequenceNumber = ""
	want.ThisUpdate = time.Time{}
	want.NextUpdate = time.Time{}
	assert.Equal(t, &want, back)
}

func TestDecodeManifestStale(t *testing.T) {
	content := MakeManifestContent()
	content.ThisUpdate = time.Now().UTC().Add(-48 * time.Hour)
	content.NextUpdate = time.Now().UTC().Add(-24 * time.Hour)

	mft, err := DecodeManifest("test.mft", MakeSignedManifest(t, content))
	assert.Nil(t, err)
	assert.True(t, mft.Manifest.Stale)
	assert.Len(t, mft.Manifest.Files, 0)
	assert.Equal(t, "1EA5", mft.Manifest.SequenceNumber)
	assert.NotEmpty(t, mft.Manifest.SKI)
}

func TestDecodeManifestStrict(t *testing.T) {
	signKey, err := rsa.GenerateKey(rand.Reader, 1024)
	assert.Nil(t, err)
	certKey, err := rsa.GenerateKey(rand.Reader, 1024)
	assert.Nil(t, err)
	data := MakeSignedManifestKeys(t, MakeManifestContent(), signKey, certKey)

	mft, err := DecodeManifest("test.mft", data)
	assert.Nil(t, err)
	assert.False(t, mft.InnerValid)
	assert.Error(t, mft.InnerValidityError)

	cf := &DecoderConfig{ValidateStrict: true}
	_, err = cf.DecodeManifest("test.mft", data)
	assert.Error(t, err)
}

func TestDecodeManifestContent(t *testing.T) {
	thisUpdate := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	nextUpdate := time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	hash := sha256.Sum256([]byte("payload"))
	content := ManifestContent{
		ManifestNumber: big.NewInt(0x1EA5),
		ThisUpdate:     thisUpdate,
		NextUpdate:     nextUpdate,
		FileHashAlg:    SHA256OID,
		FileList: []FileAndHash{
			{File: "a.roa", Hash: asn1.BitString{Bytes: hash[:], BitLength: 256}},
		},
	}
	data, err := asn1.Marshal(content)
	assert.Nil(t, err)

	cf := &DecoderConfig{ValidityTime: time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC)}
	mft, err := cf.DecodeManifestContent("test.mft", data)
	assert.Nil(t, err)
	assert.Equal(t, "1EA5", mft.SequenceNumber)
	assert.Equal(t, thisUpdate, mft.ThisUpdate)
	assert.Equal(t, nextUpdate, mft.NextUpdate)
	assert.False(t, mft.Stale)
	assert.Len(t, mft.Files, 1)
	assert.Equal(t, "a.roa", mft.Files[0].Name)
	assert.Equal(t, hash, mft.Files[0].Digest)
}

func TestDecodeManifestContentStale(t *testing.T) {
	content := MakeManifestContent()
	content.ThisUpdate = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	content.NextUpdate = time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	data, err := asn1.Marshal(content)
	assert.Nil(t, err)

	cf := &DecoderConfig{ValidityTime: time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)}
	mft, err := cf.DecodeManifestContent("test.mft", data)
	assert.Nil(t, err)
	assert.True(t, mft.Stale)
	assert.Len(t, mft.Files, 0)
	assert.Equal(t, "1EA5", mft.SequenceNumber)
	assert.Equal(t, content.ThisUpdate, mft.ThisUpdate)
}

func TestDecodeManifestContentWindow(t *testing.T) {
	cf := &DecoderConfig{ValidityTime: time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC)}

	content := MakeManifestContent()
	content.ThisUpdate = time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	content.NextUpdate = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err := asn1.Marshal(content)
	assert.Nil(t, err)
	_, err = cf.DecodeManifestContent("test.mft", data)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bad update interval")

	content.ThisUpdate = time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	content.NextUpdate = time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	data, err = asn1.Marshal(content)
	assert.Nil(t, err)
	_, err = cf.DecodeManifestContent("test.mft", data)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not yet valid")
}

func TestDecodeManifestContentSeqnum(t *testing.T) {
	cf := &DecoderConfig{ValidityTime: time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC)}

	content := MakeManifestContent()
	content.ThisUpdate = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	content.NextUpdate = time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)

	content.ManifestNumber = big.NewInt(-5)
	data, err := asn1.Marshal(content)
	assert.Nil(t, err)
	_, err = cf.DecodeManifestContent("test.mft", data)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "want positive integer")

	content.ManifestNumber = new(big.Int).Lsh(big.NewInt(1), 160)
	data, err = asn1.Marshal(content)
	assert.Nil(t, err)
	_, err = cf.DecodeManifestContent("test.mft", data)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "20 or less octets")

	content.ManifestNumber = new(big.Int).Lsh(big.NewInt(1), 159)
	data, err = asn1.Marshal(content)
	assert.Nil(t, err)
	mft, err := cf.DecodeManifestContent("test.mft", data)
	assert.Nil(t, err)
	assert.Equal(t, fmt.Sprintf("%X", content.ManifestNumber), mft.SequenceNumber)

	content.ManifestNumber = big.NewInt(0)
	data, err = asn1.Marshal(content)
	assert.Nil(t, err)
	mft, err = cf.DecodeManifestContent("test.mft", data)
	assert.Nil(t, err)
	assert.Equal(t, "0", mft.SequenceNumber)
}

type versionedManifestContent struct {
	Version        int `asn1:"explicit,tag:0"`
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []FileAndHash
}

func TestDecodeManifestContentVersion(t *testing.T) {
	cf := &DecoderConfig{ValidityTime: time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC)}
	content := versionedManifestContent{
		Version:        0,
		ManifestNumber: big.NewInt(1),
		ThisUpdate:     time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		NextUpdate:     time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC),
		FileHashAlg:    SHA256OID,
	}

	data, err := asn1.Marshal(content)
	assert.Nil(t, err)
	_, err = cf.DecodeManifestContent("test.mft", data)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "incorrect encoding for version 0")

	content.Version = 1
	data, err = asn1.Marshal(content)
	assert.Nil(t, err)
	_, err = cf.DecodeManifestContent("test.mft", data)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "version 1 not supported")
}

type fourElementContent struct {
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
}

type badTimeContent struct {
	ManifestNumber *big.Int
	ThisUpdate     int
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []FileAndHash
}

type intListContent struct {
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []int
}

type threeFieldEntry struct {
	File  string `asn1:"ia5"`
	Hash  asn1.BitString
	Extra int
}

type threeFieldEntryContent struct {
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []threeFieldEntry
}

type printableEntry struct {
	File string
	Hash asn1.BitString
}

type printableEntryContent struct {
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []printableEntry
}

func TestDecodeManifestContentMalformed(t *testing.T) {
	thisUpdate := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	nextUpdate := time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	hash := sha256.Sum256([]byte("payload"))
	entry := func(name string, h []byte) FileAndHash {
		return FileAndHash{File: name, Hash: asn1.BitString{Bytes: h, BitLength: len(h) * 8}}
	}
	withList := func(files ...FileAndHash) ManifestContent {
		return ManifestContent{
			ManifestNumber: big.NewInt(1),
			ThisUpdate:     thisUpdate,
			NextUpdate:     nextUpdate,
			FileHashAlg:    SHA256OID,
			FileList:       files,
		}
	}

	tests := []struct {
		name    string
		content interface{}
		wantErr string
	}{
		{
			"not a sequence",
			big.NewInt(5),
			"want ASN.1 sequence",
		},
		{
			"four elements",
			fourElementContent{big.NewInt(1), thisUpdate, nextUpdate, SHA256OID},
			"want 5 or 6 elements, have 4",
		},
		{
			"integer where time expected",
			badTimeContent{big.NewInt(1), 42, nextUpdate, SHA256OID, nil},
			"thisUpdate",
		},
		{
			"wrong digest algorithm",
			ManifestContent{big.NewInt(1), thisUpdate, nextUpdate, asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}, nil},
			"want SHA256 object",
		},
		{
			"file list of integers",
			intListContent{big.NewInt(1), thisUpdate, nextUpdate, SHA256OID, []int{1, 2}},
			"fileList: want ASN.1 sequence",
		},
		{
			"entry with three fields",
			threeFieldEntryContent{big.NewInt(1), thisUpdate, nextUpdate, SHA256OID,
				[]threeFieldEntry{{"aaaaa.cer", asn1.BitString{Bytes: hash[:], BitLength: 256}, 9}}},
			"want 2 elements, have 3",
		},
		{
			"printable string filename",
			printableEntryContent{big.NewInt(1), thisUpdate, nextUpdate, SHA256OID,
				[]printableEntry{{"aaaaa.cer", asn1.BitString{Bytes: hash[:], BitLength: 256}}}},
			"want ASN.1 IA5 string",
		},
		{
			"path separator in filename",
			withList(entry("bad/name.roa", hash[:])),
			"path components disallowed in filename",
		},
		{
			"filename too short",
			withList(entry("a.cr", hash[:])),
			"filename must be large enough for suffix part",
		},
		{
			"short digest",
			withList(entry("aaaaa.cer", hash[:31])),
			"invalid SHA256 length, have 31",
		},
	}

	cf := &DecoderConfig{ValidityTime: time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := asn1.Marshal(tt.content)
			assert.Nil(t, err)
			_, err = cf.DecodeManifestContent("test.mft", data)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "test.mft")
		})
	}
}

func TestDecodeManifestContentFiveCharName(t *testing.T) {
	hash := sha256.Sum256([]byte("payload"))
	content := MakeManifestContent()
	content.ThisUpdate = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	content.NextUpdate = time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	content.FileList = []FileAndHash{
		{File: "a.roa", Hash: asn1.BitString{Bytes: hash[:], BitLength: 256}},
	}
	data, err := asn1.Marshal(content)
	assert.Nil(t, err)

	cf := &DecoderConfig{ValidityTime: time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC)}
	mft, err := cf.DecodeManifestContent("test.mft", data)
	assert.Nil(t, err)
	assert.Equal(t, "a.roa", mft.Files[0].Name)
}

func TestDecodeManifestContentTrailing(t *testing.T) {
	content := MakeManifestContent()
	content.ThisUpdate = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	content.NextUpdate = time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	data, err := asn1.Marshal(content)
	assert.Nil(t, err)
	data = append(data, 0x00)

	cf := &DecoderConfig{ValidityTime: time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC)}
	_, err = cf.DecodeManifestContent("test.mft", data)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestCheckValidity(t *testing.T) {
	now := time.Date(2022, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		from time.Time
		to   time.Time
		want int
	}{
		{"valid", now.Add(-time.Hour), now.Add(time.Hour), VALIDITY_VALID},
		{"boundary", now, now, VALIDITY_VALID},
		{"stale", now.Add(-2 * time.Hour), now.Add(-time.Hour), VALIDITY_STALE},
		{"inverted interval", now.Add(time.Hour), now.Add(-time.Hour), VALIDITY_INVALID},
		{"not yet valid", now.Add(time.Hour), now.Add(2 * time.Hour), VALIDITY_INVALID},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CheckValidity(tt.from, tt.to, now), tt.name)
	}
}

func TestVerifyFiles(t *testing.T) {
	dir := t.TempDir()
	good := []byte("good content")
	bad := []byte("tampered content")
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "aaaaa.cer"), good, 0644))
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "bbbbb.roa"), bad, 0644))

	goodHash := sha256.Sum256(good)
	wrongHash := sha256.Sum256([]byte("expected content"))
	m := &Manifest{
		Path: filepath.Join(dir, "test.mft"),
		Files: []FileEntry{
			{Name: "aaaaa.cer", Digest: goodHash},
			{Name: "bbbbb.roa", Digest: wrongHash},
			{Name: "ccccc.crl", Digest: goodHash},
		},
	}

	errs := m.VerifyFiles()
	assert.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "bad message digest for bbbbb.roa")
	assert.Contains(t, errs[1].Error(), "cannot check ccccc.crl")
}

func TestStripEntries(t *testing.T) {
	m := &Manifest{
		Path:           "test.mft",
		SequenceNumber: "1EA5",
		Files:          []FileEntry{{Name: "aaaaa.cer"}},
	}
	m.StripEntries()
	assert.True(t, m.Stale)
	assert.Len(t, m.Files, 0)
	assert.Equal(t, "1EA5", m.SequenceNumber)

	var nilManifest *Manifest
	nilManifest.StripEntries()
}

func TestRelease(t *testing.T) {
	m := &Manifest{
		Path:           "test.mft",
		SequenceNumber: "1EA5",
		Files:          []FileEntry{{Name: "aaaaa.cer"}},
		AIA:            "rsync://rpki.example.com/repo/parent.cer",
		AKI:            "AB:CD",
		SKI:            "AB:CD",
	}
	m.Release()
	m.Release()
	assert.Len(t, m.Files, 0)
	assert.Empty(t, m.Path)
	assert.Empty(t, m.SKI)

	var nilManifest *Manifest
	nilManifest.Release()
}
