package libmft

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	SIAManifest = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 10}
	ManifestOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 26}
	SHA256OID   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// Outcome of the time window evaluation (RFC 6486 section 4.4).
const (
	VALIDITY_INVALID = iota
	VALIDITY_STALE
	VALIDITY_VALID
)

var ValidityToName = map[int]string{
	VALIDITY_INVALID: "invalid",
	VALIDITY_STALE:   "stale",
	VALIDITY_VALID:   "valid",
}

// The sequence number must fit in 20 octets (RFC 6486 section 4.2.1).
const MaxSeqnumOctets = 20

// ValidityError is a time window failure: the interval is inverted or the
// manifest is not yet valid. Staleness is not an error.
type ValidityError struct {
	Path    string
	Message string
}

func (e *ValidityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FileEntry is one (filename, digest) pair listed by a manifest.
type FileEntry struct {
	Name   string
	Digest [sha256.Size]byte
}

// Manifest is the parsed content of one manifest object together with the
// attributes of its signing certificate. It is built by the decoder and
// owned by the caller afterwards.
type Manifest struct {
	Path           string
	SequenceNumber string
	ThisUpdate     time.Time
	NextUpdate     time.Time
	Stale          bool
	Files          []FileEntry

	AIA string
	AKI string
	SKI string
}

// Encode-side representation, used to build test objects and fixtures.
type FileAndHash struct {
	File string `asn1:"ia5"`
	Hash asn1.BitString
}

type ManifestContent struct {
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []FileAndHash
}

type ManifestEncap struct {
	OID      asn1.ObjectIdentifier
	EContent asn1.RawValue `asn1:"tag:0,explicit,optional"`
}

// RPKIManifest wraps a decoded Manifest with its envelope information.
type RPKIManifest struct {
	Manifest    *Manifest
	Certificate *RPKICertificate
	SigningTime time.Time

	BadFormat          bool
	InnerValid         bool
	InnerValidityError error
}

func ManifestToEncap(encap *ManifestEncap) ([]byte, error) {
	return EContentToEncap(encap.EContent.FullBytes)
}

func EncodeManifestContent(eContent ManifestContent) (*ManifestEncap, error) {
	eContentEnc, err := asn1.Marshal(eContent)
	if err != nil {
		return nil, err
	}

	eContentEnc, err = asn1.MarshalWithParams(eContentEnc, "tag:0,explicit")
	if err != nil {
		return nil, err
	}

	mft := &ManifestEncap{
		OID:      ManifestOID,
		EContent: asn1.RawValue{FullBytes: eContentEnc},
	}
	return mft, nil
}

// CheckValidity classifies a manifest time window against now.
func CheckValidity(thisUpdate, nextUpdate, now time.Time) int {
	if nextUpdate.Before(thisUpdate) {
		return VALIDITY_INVALID
	}
	if thisUpdate.After(now) {
		return VALIDITY_INVALID
	}
	if nextUpdate.Before(now) {
		return VALIDITY_STALE
	}
	return VALIDITY_VALID
}

func splitElements(data []byte) ([]asn1.RawValue, error) {
	var elements []asn1.RawValue
	rest := data
	for len(rest) > 0 {
		var el asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &el)
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// sequenceNumberHex renders a manifest number the way operators read it,
// as uppercase hex ("0" when zero).
func sequenceNumberHex(num *big.Int) string {
	return fmt.Sprintf("%X", num)
}

func DecodeManifestContent(path string, data []byte) (*Manifest, error) {
	return DefaultDecoderConfig.DecodeManifestContent(path, data)
}

// DecodeManifestContent walks the eContent grammar (RFC 6486 section 4.2)
// element by element, checking the expected tag at every position. A stale
// time window returns the header with no file list.
func (cf *DecoderConfig) DecodeManifestContent(path string, data []byte) (*Manifest, error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(data, &seq)
	if err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2: Manifest: failed ASN.1 sequence parse: %v", path, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2: Manifest: %d bytes of trailing data", path, len(rest))
	}
	if seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence || !seq.IsCompound {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2: Manifest: want ASN.1 sequence, have class %d tag %d", path, seq.Class, seq.Tag)
	}

	elements, err := splitElements(seq.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2: Manifest: failed ASN.1 sequence parse: %v", path, err)
	}
	if len(elements) != 5 && len(elements) != 6 {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2: Manifest: want 5 or 6 elements, have %d", path, len(elements))
	}

	i := 0

	// The optional profile version field has no accepted value so far.
	if len(elements) == 6 {
		el := elements[i]
		if el.Class != asn1.ClassContextSpecific || el.Tag != 0 {
			return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: version: want explicit context tag 0, have class %d tag %d", path, el.Class, el.Tag)
		}
		var version int
		if _, err := asn1.Unmarshal(el.Bytes, &version); err != nil {
			return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: version: %v", path, err)
		}
		if version == 0 {
			return nil, fmt.Errorf("%s: incorrect encoding for version 0", path)
		}
		return nil, fmt.Errorf("%s: version %d not supported (yet)", path, version)
	}

	mft := &Manifest{Path: path}

	// Manifest sequence number.
	el := elements[i]
	i++
	if el.Class != asn1.ClassUniversal || el.Tag != asn1.TagInteger {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: manifestNumber: want ASN.1 integer, have class %d tag %d", path, el.Class, el.Tag)
	}
	var seqnum *big.Int
	if _, err := asn1.Unmarshal(el.FullBytes, &seqnum); err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: manifestNumber: %v", path, err)
	}
	if seqnum.Sign() == -1 {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: manifestNumber: want positive integer, have negative", path)
	}
	if len(seqnum.Bytes()) > MaxSeqnumOctets {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: manifestNumber: want 20 or less octets, have more", path)
	}
	mft.SequenceNumber = sequenceNumberHex(seqnum)

	// This and next update time. The current date must fall into the
	// interval (RFC 6486 section 4.4); past the interval the manifest is
	// stale, not broken.
	mft.ThisUpdate, err = decodeGeneralizedTime(elements[i])
	if err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: thisUpdate: %v", path, err)
	}
	i++
	mft.NextUpdate, err = decodeGeneralizedTime(elements[i])
	if err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: nextUpdate: %v", path, err)
	}
	i++

	switch CheckValidity(mft.ThisUpdate, mft.NextUpdate, cf.now()) {
	case VALIDITY_INVALID:
		if mft.NextUpdate.Before(mft.ThisUpdate) {
			return nil, &ValidityError{Path: path, Message: "bad update interval"}
		}
		return nil, &ValidityError{Path: path, Message: fmt.Sprintf("mft not yet valid %v", mft.ThisUpdate)}
	case VALIDITY_STALE:
		mft.Stale = true
		return mft, nil
	}

	// File hash algorithm.
	el = elements[i]
	i++
	if el.Class != asn1.ClassUniversal || el.Tag != asn1.TagOID {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: fileHashAlg: want ASN.1 object, have class %d tag %d", path, el.Class, el.Tag)
	}
	var hashAlg asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(el.FullBytes, &hashAlg); err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: fileHashAlg: %v", path, err)
	}
	if !hashAlg.Equal(SHA256OID) {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: fileHashAlg: want SHA256 object, have %v", path, hashAlg)
	}

	// File list.
	el = elements[i]
	if el.Class != asn1.ClassUniversal || el.Tag != asn1.TagSequence || !el.IsCompound {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: fileList: want ASN.1 sequence, have class %d tag %d", path, el.Class, el.Tag)
	}
	mft.Files, err = decodeFileList(path, el.Bytes)
	if err != nil {
		return nil, err
	}

	return mft, nil
}

func decodeGeneralizedTime(el asn1.RawValue) (time.Time, error) {
	var t time.Time
	if el.Class != asn1.ClassUniversal || el.Tag != asn1.TagGeneralizedTime {
		return t, fmt.Errorf("want ASN.1 generalized time, have class %d tag %d", el.Class, el.Tag)
	}
	if _, err := asn1.UnmarshalWithParams(el.FullBytes, &t, "generalized"); err != nil {
		return t, err
	}
	return t, nil
}

// decodeFileList parses the FileAndHash sequence (RFC 6486 section 4.2).
// A failure on any element drops the whole list.
func decodeFileList(path string, data []byte) ([]FileEntry, error) {
	var entries []FileEntry
	rest := data
	for len(rest) > 0 {
		var el asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &el)
		if err != nil {
			return nil, fmt.Errorf("%s: RFC 6486 section 4.2: fileList: failed ASN.1 sequence parse: %v", path, err)
		}
		if el.Class != asn1.ClassUniversal || el.Tag != asn1.TagSequence || !el.IsCompound {
			return nil, fmt.Errorf("%s: RFC 6486 section 4.2: fileList: want ASN.1 sequence, have class %d tag %d", path, el.Class, el.Tag)
		}
		entry, err := decodeFileAndHash(path, el.Bytes)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func decodeFileAndHash(path string, data []byte) (*FileEntry, error) {
	elements, err := splitElements(data)
	if err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: FileAndHash: failed ASN.1 sequence parse: %v", path, err)
	}
	if len(elements) != 2 {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: FileAndHash: want 2 elements, have %d", path, len(elements))
	}

	// First is the filename itself. Arbitrary paths and names too short
	// to carry an extension would screw up the sibling lookup, so they
	// are rejected here.
	el := elements[0]
	if el.Class != asn1.ClassUniversal || el.Tag != asn1.TagIA5String {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: FileAndHash: want ASN.1 IA5 string, have class %d tag %d", path, el.Class, el.Tag)
	}
	var name string
	if _, err := asn1.UnmarshalWithParams(el.FullBytes, &name, "ia5"); err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: FileAndHash: %v", path, err)
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("%s: path components disallowed in filename: %s", path, name)
	}
	if len(name) <= 4 {
		return nil, fmt.Errorf("%s: filename must be large enough for suffix part: %s", path, name)
	}

	// Now hash value.
	el = elements[1]
	if el.Class != asn1.ClassUniversal || el.Tag != asn1.TagBitString {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: FileAndHash: want ASN.1 bit string, have class %d tag %d", path, el.Class, el.Tag)
	}
	var hash asn1.BitString
	if _, err := asn1.Unmarshal(el.FullBytes, &hash); err != nil {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: FileAndHash: %v", path, err)
	}
	if len(hash.Bytes) != sha256.Size {
		return nil, fmt.Errorf("%s: RFC 6486 section 4.2.1: hash in file %s: invalid SHA256 length, have %d", path, name, len(hash.Bytes))
	}

	entry := &FileEntry{Name: name}
	copy(entry.Digest[:], hash.Bytes)
	return entry, nil
}

// StripEntries drops every file reference, marking the manifest stale.
// The header fields stay so the caller can still report the object's
// identity.
func (m *Manifest) StripEntries() {
	if m == nil {
		return
	}
	m.Files = nil
	m.Stale = true
}

// Release clears everything the manifest owns. Safe to call on nil and
// more than once.
func (m *Manifest) Release() {
	if m == nil {
		return
	}
	m.Files = nil
	m.Path = ""
	m.SequenceNumber = ""
	m.AIA = ""
	m.AKI = ""
	m.SKI = ""
}

// DigestMatches recomputes the SHA-256 digest of the file at path and
// compares it against the expected value.
func DigestMatches(path string, digest [sha256.Size]byte) (bool, error) {
	fp, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fp.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fp); err != nil {
		return false, err
	}
	return bytes.Equal(h.Sum(nil), digest[:]), nil
}

// VerifyFiles checks each listed file against its recorded digest in the
// directory containing the manifest. A mismatch does not stop the batch:
// every failing entry is reported so the caller sees all of them.
func (m *Manifest) VerifyFiles() []error {
	var errs []error
	dir := filepath.Dir(m.Path)
	for _, f := range m.Files {
		match, err := DigestMatches(filepath.Join(dir, f.Name), f.Digest)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: cannot check %s: %v", m.Path, f.Name, err))
			continue
		}
		if !match {
			errs = append(errs, fmt.Errorf("%s: bad message digest for %s", m.Path, f.Name))
		}
	}
	return errs
}

func DecodeManifest(path string, data []byte) (*RPKIManifest, error) {
	return DefaultDecoderConfig.DecodeManifest(path, data)
}

// DecodeManifest unwraps the signed envelope and decodes the manifest
// content. The signing certificate must carry AIA, AKI and SKI; the inner
// signature is checked and, with ValidateStrict, a mismatch fails the
// decode.
func (cf *DecoderConfig) DecodeManifest(path string, data []byte) (*RPKIManifest, error) {
	c, err := DecodeCMS(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	cert, err := c.GetRPKICertificate()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to extract EE certificate: %v", path, err)
	}

	aia, aki, ski := ManifestCertAttributes(cert.Certificate)
	if aia == "" || aki == "" || ski == "" {
		return nil, fmt.Errorf("%s: RFC 6487 section 4.8: missing AIA, AKI or SKI X509 extension", path)
	}

	var encap ManifestEncap
	if _, err := asn1.Unmarshal(c.SignedData.EncapContentInfo.FullBytes, &encap); err != nil {
		return nil, fmt.Errorf("%s: failed to parse encapsulated content: %v", path, err)
	}
	if !encap.OID.Equal(ManifestOID) {
		return nil, fmt.Errorf("%s: RFC 6488: eContentType %v is not a manifest", path, encap.OID)
	}
	if len(encap.EContent.Bytes) == 0 {
		return nil, fmt.Errorf("%s: RFC 6488: no eContent in envelope", path)
	}

	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(encap.EContent.Bytes, &inner); err != nil {
		return nil, fmt.Errorf("%s: failed to parse eContent octet string: %v", path, err)
	}

	fullbytes, badformat, err := BadFormatGroup(inner.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to regroup eContent: %v", path, err)
	}

	fullbytes, err = BER2DER(fullbytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	mft, err := cf.DecodeManifestContent(path, fullbytes)
	if err != nil {
		return nil, err
	}
	mft.AIA = aia
	mft.AKI = aki
	mft.SKI = ski
	if mft.Stale {
		mft.StripEntries()
	}

	rpkiManifest := &RPKIManifest{
		Manifest:    mft,
		Certificate: cert,
		BadFormat:   badformat,
	}
	rpkiManifest.SigningTime, _ = c.GetSigningTime()

	// Validate the content of the CMS
	err = c.Validate(fullbytes, cert.Certificate)
	if err != nil {
		rpkiManifest.InnerValidityError = err
		if cf.ValidateStrict {
			return nil, fmt.Errorf("%s: CMS signature check failed: %v", path, err)
		}
	} else {
		rpkiManifest.InnerValid = true
	}

	return rpkiManifest, nil
}
