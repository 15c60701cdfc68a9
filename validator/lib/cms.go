package libmft

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"
)

var (
	SignedDataOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	MessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	SigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	RSAOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
)

type Attribute struct {
	AttrType  asn1.ObjectIdentifier
	AttrValue []asn1.RawValue `asn1:"set"`
}

type SignerInfo struct {
	Version            int
	Sid                asn1.RawValue
	DigestAlgorithms   []asn1.RawValue
	SignedAttrs        []Attribute `asn1:"optional,tag:0,implicit,set"`
	SignatureAlgorithm asn1.RawValue
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1,implicit"`
}

type CmsSignedData struct {
	Version          int
	DigestAlgorithms []asn1.RawValue `asn1:"set"`
	EncapContentInfo asn1.RawValue
	Certificates     asn1.RawValue `asn1:"tag:0,optional"`
	CRLs             asn1.RawValue `asn1:"tag:1,optional"`
	SignerInfos      []SignerInfo  `asn1:"set"`
}

type CMS struct {
	OID        asn1.ObjectIdentifier
	SignedData CmsSignedData `asn1:"explicit,tag:0"`
}

// DecoderConfig tunes the manifest decoder. A zero ValidityTime means the
// wall clock at decode time.
type DecoderConfig struct {
	ValidateStrict bool
	ValidityTime   time.Time
}

var (
	DefaultDecoderConfig = &DecoderConfig{
		ValidateStrict: false,
	}
)

func (cf *DecoderConfig) now() time.Time {
	if cf.ValidityTime.IsZero() {
		return time.Now().UTC()
	}
	return cf.ValidityTime
}

// https://stackoverflow.com/questions/44852289/decrypt-with-public-key
func RSA_public_decrypt(pubKey *rsa.PublicKey, data []byte) []byte {
	c := new(big.Int)
	m := new(big.Int)
	m.SetBytes(data)
	e := big.NewInt(int64(pubKey.E))
	c.Exp(m, e, pubKey.N)
	out := c.Bytes()
	skip := 0
	for i := 2; i < len(out); i++ {
		if i+1 >= len(out) {
			break
		}
		if out[i] == 0xff && out[i+1] == 0 {
			skip = i + 2
			break
		}
	}
	return out[skip:]
}

type SignatureInner struct {
	OID asn1.ObjectIdentifier
}

type SignatureDecoded struct {
	Inner SignatureInner
	Hash  []byte
}

type SignedAttributesDigest struct {
	SignedAttrs []Attribute `asn1:"set"`
}

func DecryptSignatureRSA(signature []byte, pubKey *rsa.PublicKey) ([]byte, error) {
	dataDecrypted := RSA_public_decrypt(pubKey, signature)
	var signDec SignatureDecoded
	_, err := asn1.Unmarshal(dataDecrypted, &signDec)
	if err != nil {
		return nil, err
	}
	return signDec.Hash, nil
}

// Won't validate if signedattributes is empty
func (cms *CMS) Validate(encap []byte, cert *x509.Certificate) error {
	if len(cms.SignedData.SignerInfos) == 0 {
		return errors.New("CMS has no signer info")
	}
	signedAttributes := cms.SignedData.SignerInfos[0].SignedAttrs

	var messageDigest []byte
	for _, sAttr := range signedAttributes {

		// https://tools.ietf.org/html/rfc5652#section-5.4
		if sAttr.AttrType.Equal(MessageDigest) && len(sAttr.AttrValue) == 1 {
			messageDigest = sAttr.AttrValue[0].Bytes
		}
	}

	h := sha256.New()
	h.Write(encap)
	contentHash := h.Sum(nil)
	if !bytes.Equal(contentHash, messageDigest) {
		return errors.New(fmt.Sprintf("CMS digest (%x) and encapsulated digest (%x) are different", contentHash, messageDigest))
	}

	var sad SignedAttributesDigest
	sad.SignedAttrs = signedAttributes
	b, err := asn1.Marshal(sad)
	if err != nil {
		return err
	}
	h = sha256.New()
	if len(b) < 2 {
		return errors.New("Error with length of signed attributes")
	}
	h.Write(b[2:]) // removes the "sequence"
	signedAttributesHash := h.Sum(nil)

	pubKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("CMS signer certificate does not carry an RSA key")
	}
	decryptedHash, err := DecryptSignatureRSA(cms.SignedData.SignerInfos[0].Signature, pubKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(signedAttributesHash, decryptedHash) {
		return errors.New(fmt.Sprintf("CMS encrypted digest (%x) and calculated digest (%x) are different", decryptedHash, signedAttributesHash))
	}
	return nil
}

func BadFormatGroup(data []byte) ([]byte, bool, error) {
	var offset int
	fullbytes := make([]byte, 0)

	var err error
	var k []byte
	var iterations int

	var preTag asn1.RawValue
	_, err = asn1.Unmarshal(data, &preTag)
	if preTag.Tag == asn1.TagOctetString {
		for {
			var tmp []byte
			k, err = asn1.Unmarshal(data[offset:], &tmp)

			offset = len(data) - len(k)
			fullbytes = append(fullbytes, tmp...)
			iterations++
			if len(k) == 0 || err != nil {
				break
			}
		}
	} else {
		fullbytes = preTag.FullBytes
	}

	return fullbytes, iterations > 1, err
}

func (cms *CMS) GetRPKICertificate() (*RPKICertificate, error) {
	rpkiCert, err := DecodeCertificate(cms.SignedData.Certificates.Bytes)
	if err != nil {
		return nil, err
	}
	return rpkiCert, nil
}

func (cms *CMS) GetSigningTime() (time.Time, error) {
	var signingTime time.Time
	if len(cms.SignedData.SignerInfos) == 0 {
		return signingTime, nil
	}
	signedAttributes := cms.SignedData.SignerInfos[0].SignedAttrs
	for _, sAttr := range signedAttributes {
		if sAttr.AttrType.Equal(SigningTime) && len(sAttr.AttrValue) > 0 {
			_, err := asn1.Unmarshal(sAttr.AttrValue[0].FullBytes, &signingTime)
			return signingTime, err
		}
	}
	return signingTime, nil
}

// EContentToEncap strips the explicit content wrapper and the octet string
// around a signed object's eContent, returning the bytes the message
// digest covers.
func EContentToEncap(data []byte) ([]byte, error) {
	var wrapper asn1.RawValue
	_, err := asn1.Unmarshal(data, &wrapper)
	if err != nil {
		return nil, err
	}
	var inner asn1.RawValue
	_, err = asn1.Unmarshal(wrapper.Bytes, &inner)
	if err != nil {
		return nil, err
	}
	return inner.Bytes, nil
}

// HashRSAPublicKey computes the RFC 6487 key identifier (SHA-1 over the
// encoded public key).
func HashRSAPublicKey(key rsa.PublicKey) ([]byte, error) {
	keyBytes, err := asn1.Marshal(key)
	if err != nil {
		return nil, err
	}

	hash := sha1.Sum(keyBytes)
	return hash[:], nil
}

// EncodeCMS builds an unsigned SignedData structure around a manifest
// encap. Sign completes it.
func EncodeCMS(certificate []byte, encap *ManifestEncap, signingTime time.Time) (*CMS, error) {
	certVal := asn1.RawValue{}
	if certificate != nil {
		certVal = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: certificate}
	}

	encapBytes, err := asn1.Marshal(*encap)
	if err != nil {
		return nil, err
	}

	// SET OF AlgorithmIdentifier at the SignedData level, the identifier
	// contents inside the SignerInfo.
	digestAlgSeq, err := asn1.Marshal(SignatureInner{OID: SHA256OID})
	if err != nil {
		return nil, err
	}
	digestAlgOID, err := asn1.Marshal(SHA256OID)
	if err != nil {
		return nil, err
	}

	signingTimeBytes, err := asn1.Marshal(signingTime)
	if err != nil {
		return nil, err
	}

	return &CMS{
		OID: SignedDataOID,
		SignedData: CmsSignedData{
			Version: 3,
			DigestAlgorithms: []asn1.RawValue{
				{FullBytes: digestAlgSeq},
			},
			EncapContentInfo: asn1.RawValue{FullBytes: encapBytes},
			Certificates:     certVal,
			SignerInfos: []SignerInfo{
				{
					Version: 3,
					DigestAlgorithms: []asn1.RawValue{
						{FullBytes: digestAlgOID},
					},
					SignedAttrs: []Attribute{
						{
							AttrType: SigningTime,
							AttrValue: []asn1.RawValue{
								{FullBytes: signingTimeBytes},
							},
						},
					},
				},
			},
		},
	}, nil
}

func (cms *CMS) AddCRLs(crls []byte) error {
	cms.SignedData.CRLs = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: crls}
	return nil
}

// Sign fills the first signer info: signer identifier (by key id), the
// message-digest attribute over encap, and the signature over the signed
// attributes. The signature carries the same decrypted layout Validate
// expects.
func (cms *CMS) Sign(rand io.Reader, ski []byte, encap []byte, priv *rsa.PrivateKey, certificate []byte) error {
	if len(cms.SignedData.SignerInfos) == 0 {
		return errors.New("CMS has no signer info to fill")
	}

	sid, err := asn1.MarshalWithParams(ski, "tag:0")
	if err != nil {
		return err
	}
	cms.SignedData.SignerInfos[0].Sid = asn1.RawValue{FullBytes: sid}

	h := sha256.New()
	h.Write(encap)
	messageDigest, err := asn1.Marshal(h.Sum(nil))
	if err != nil {
		return err
	}
	cms.SignedData.SignerInfos[0].SignedAttrs = append(cms.SignedData.SignerInfos[0].SignedAttrs,
		Attribute{
			AttrType: MessageDigest,
			AttrValue: []asn1.RawValue{
				{FullBytes: messageDigest},
			},
		})

	sigAlg, err := asn1.Marshal(SignatureInner{OID: RSAOID})
	if err != nil {
		return err
	}
	cms.SignedData.SignerInfos[0].SignatureAlgorithm = asn1.RawValue{FullBytes: sigAlg}

	var sad SignedAttributesDigest
	sad.SignedAttrs = cms.SignedData.SignerInfos[0].SignedAttrs
	b, err := asn1.Marshal(sad)
	if err != nil {
		return err
	}
	if len(b) < 2 {
		return errors.New("Error with length of signed attributes")
	}
	h = sha256.New()
	h.Write(b[2:]) // removes the "sequence"
	signedAttributesHash := h.Sum(nil)

	sigContents, err := asn1.Marshal(SignatureDecoded{
		Inner: SignatureInner{OID: SHA256OID},
		Hash:  signedAttributesHash,
	})
	if err != nil {
		return err
	}
	signature, err := rsa.SignPKCS1v15(rand, priv, 0, sigContents)
	if err != nil {
		return err
	}
	cms.SignedData.SignerInfos[0].Signature = signature

	if certificate != nil {
		cms.SignedData.Certificates = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: certificate}
	}
	return nil
}

func DecodeCMS(data []byte) (*CMS, error) {
	var c CMS
	_, err := asn1.Unmarshal(data, &c)
	if err != nil {
		return nil, err
	}
	if !c.OID.Equal(SignedDataOID) {
		return nil, errors.New(fmt.Sprintf("content type %v is not signed data", c.OID))
	}

	return &c, nil
}
