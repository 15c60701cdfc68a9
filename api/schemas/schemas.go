package schemas

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

type OutputFile struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

type OutputManifest struct {
	Path             string `json:"path"`
	PublicationPoint string `json:"publication-point,omitempty"`
	SubjectKeyId     string `json:"subject-key-id,omitempty"`
	AuthorityKeyId   string `json:"authority-key-id,omitempty"`
	AIA              string `json:"aia,omitempty"`

	ManifestNumber string        `json:"mft-number,omitempty"`
	ThisUpdate     int           `json:"mft-thisupdate,omitempty"`
	NextUpdate     int           `json:"mft-nextupdate,omitempty"`
	Files          []*OutputFile `json:"mft-files,omitempty"`

	State string `json:"state"`
	Stale bool   `json:"stale,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

type MetaData struct {
	Counts    int `json:"counts"`
	Generated int `json:"generated"`
	Valid     int `json:"valid,omitempty"`

	Signature     string `json:"signature,omitempty"`
	SignatureDate string `json:"signatureDate,omitempty"`
}

func (md MetaData) GetSignDate() (time.Time, error) {
	return time.Parse(time.RFC3339, md.SignatureDate)
}

type ManifestsJSON struct {
	Metadata  MetaData          `json:"metadata,omitempty"`
	Manifests []*OutputManifest `json:"manifests"`
}

// digest covers the manifest array and the signature date, not the rest
// of the metadata, so counters can change without breaking verification.
func (l *ManifestsJSON) digest(signdate string) ([]byte, error) {
	data, err := json.Marshal(l.Manifests)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(append(data, []byte(signdate)...))
	return hash[:], nil
}

// Sign computes a detached ECDSA signature over the manifest list and
// returns the signature date and the signature, the latter as base64 of
// r and s at fixed curve width.
func (l *ManifestsJSON) Sign(key *ecdsa.PrivateKey) (string, string, error) {
	signdate := time.Now().UTC().Format(time.RFC3339)
	digest, err := l.digest(signdate)
	if err != nil {
		return "", "", err
	}

	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return "", "", err
	}
	n := (key.Curve.Params().N.BitLen() + 7) / 8
	sig := make([]byte, 2*n)
	r.FillBytes(sig[:n])
	s.FillBytes(sig[n:])

	return signdate, base64.StdEncoding.EncodeToString(sig), nil
}

// CheckSignature verifies the detached signature in the metadata against
// the current manifest array.
func (l *ManifestsJSON) CheckSignature(key *ecdsa.PublicKey) error {
	if l.Metadata.Signature == "" {
		return errors.New("no signature in metadata")
	}
	sig, err := base64.StdEncoding.DecodeString(l.Metadata.Signature)
	if err != nil {
		return err
	}
	n := (key.Curve.Params().N.BitLen() + 7) / 8
	if len(sig) != 2*n {
		return fmt.Errorf("signature length %d does not match curve width", len(sig))
	}

	digest, err := l.digest(l.Metadata.SignatureDate)
	if err != nil {
		return err
	}

	r := new(big.Int).SetBytes(sig[:n])
	s := new(big.Int).SetBytes(sig[n:])
	if !ecdsa.Verify(key, digest, r, s) {
		return errors.New("signature mismatch")
	}
	return nil
}
