package libmft

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
	"time"
)

// https://tools.ietf.org/html/rfc6487

var (
	SubjectInfoAccess   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	AuthorityInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}

	SubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	AuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}

	CertRepository  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}
	CertCAIssuers   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 2}
	CertRRDP        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 13}
	SIASignedObject = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}
)

type SIA struct {
	AccessMethod asn1.ObjectIdentifier
	GeneralName  []byte `asn1:"tag:6"`
}

func (sia *SIA) String() string {
	return fmt.Sprintf("SIA %v %v", sia.AccessMethod, string(sia.GeneralName))
}

func DecodeSubjectInformationAccess(data []byte) ([]SIA, error) {
	var sias []SIA
	_, err := asn1.Unmarshal(data, &sias)
	if err != nil {
		return sias, err
	}
	return sias, nil
}

type RPKICertificate struct {
	SubjectInformationAccess []SIA

	Certificate *x509.Certificate
}

func (cert *RPKICertificate) ValidateTime(comp time.Time) error {
	if cert.Certificate == nil {
		return errors.New("No certificate found")
	}
	if cert.Certificate.NotBefore.After(comp) {
		return errors.New(fmt.Sprintf("Certificate beginning of validity: %v is after: %v", cert.Certificate.NotBefore, comp))
	}
	if comp.After(cert.Certificate.NotAfter) {
		return errors.New(fmt.Sprintf("Certificate end of validity: %v is before: %v", cert.Certificate.NotAfter, comp))
	}
	return nil
}

// SignedObjectURI returns the id-ad-signedObject access from the subject
// information access extension, empty when absent.
func (cert *RPKICertificate) SignedObjectURI() string {
	for _, sia := range cert.SubjectInformationAccess {
		if sia.AccessMethod.Equal(SIASignedObject) {
			return string(sia.GeneralName)
		}
	}
	return ""
}

func (cert *RPKICertificate) String() string {
	s := "RPKI Certificate: "

	s += fmt.Sprintf("KeyIdentifier: %v / Emitter: %v",
		SubjectKeyID(cert.Certificate),
		AuthorityKeyID(cert.Certificate))

	sias := ""
	for _, i := range cert.SubjectInformationAccess {
		sias += fmt.Sprintf("%v, ", i.String())
	}
	s += fmt.Sprintf(" SIA: [ %v]", sias)

	return s
}

// FormatKeyIdentifier renders a key identifier the canonical way:
// uppercase hex pairs joined by colons.
func FormatKeyIdentifier(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// SubjectKeyID returns the formatted subject key identifier, empty when
// the extension is missing.
func SubjectKeyID(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return FormatKeyIdentifier(cert.SubjectKeyId)
}

// AuthorityKeyID returns the formatted authority key identifier, empty
// when the extension is missing.
func AuthorityKeyID(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return FormatKeyIdentifier(cert.AuthorityKeyId)
}

// AuthorityInfoAccessURI returns the caIssuers URI of the authority
// information access extension, empty when the extension is missing.
func AuthorityInfoAccessURI(cert *x509.Certificate) string {
	if cert == nil || len(cert.IssuingCertificateURL) == 0 {
		return ""
	}
	return cert.IssuingCertificateURL[0]
}

// ManifestCertAttributes returns the three attributes a manifest records
// from its signing certificate, each empty when the extension is missing.
func ManifestCertAttributes(cert *x509.Certificate) (aia string, aki string, ski string) {
	return AuthorityInfoAccessURI(cert), AuthorityKeyID(cert), SubjectKeyID(cert)
}

func DecodeCertificate(data []byte) (*RPKICertificate, error) {
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	rpkiCert := RPKICertificate{
		Certificate: cert,
	}
	for _, extension := range cert.Extensions {
		if extension.Id.Equal(SubjectInfoAccess) {
			sias, err := DecodeSubjectInformationAccess(extension.Value)
			rpkiCert.SubjectInformationAccess = sias
			if err != nil {
				return &rpkiCert, err
			}
		}
	}

	return &rpkiCert, nil
}
