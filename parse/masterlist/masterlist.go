// Package masterlist implements the CMS SignedData "Master List" parser
// of spec §4.4.2: verify the envelope against a configured trust anchor,
// then decode the inner CscaMasterList SET OF Certificate.
package masterlist

import (
	"crypto/x509"
	"fmt"
	"strconv"
	"time"

	asn1 "github.com/google/certificate-transparency-go/asn1"
	"go.mozilla.org/pkcs7"

	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/pkderrors"
)

// Result is the outcome of parsing and verifying one Master List.
type Result struct {
	ParsedFile *core.ParsedFile
	MasterList core.MasterList
}

// Parse verifies der as a CMS SignedData envelope against anchor, then
// decodes its eContent as a CscaMasterList, emitting each inner
// certificate as a CSCA CertificateRecord.
func Parse(der []byte, anchor *x509.Certificate, uploadID core.UploadID, country core.CountryCode) (*Result, error) {
	started := time.Now()

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, pkderrors.MLEnvelopeInvalid("parsing CMS SignedData: %s", err)
	}

	p7.Certificates = append(p7.Certificates, anchor)
	if err := p7.VerifyWithChain(chainPool(anchor)); err != nil {
		return nil, pkderrors.MLSignatureInvalid("master list signature verification failed: %s", err)
	}

	version, inner, err := decodeCscaMasterList(p7.Content)
	if err != nil {
		return nil, pkderrors.MLEnvelopeInvalid("decoding CscaMasterList: %s", err)
	}

	parsed := &core.ParsedFile{UploadID: uploadID, StartedAt: started}
	for _, certDER := range inner {
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			parsed.Errors = append(parsed.Errors, core.ParseError{
				Type: core.ParseErrorBadCert, Location: "CscaMasterList", Message: err.Error(),
			})
			continue
		}
		parsed.Certificates = append(parsed.Certificates, core.CertificateRecord{
			DER:         certDER,
			Subject:     core.NewDistinguishedName(cert.Subject),
			Issuer:      core.NewDistinguishedName(cert.Issuer),
			SerialHex:   fmt.Sprintf("%X", cert.SerialNumber),
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
			Fingerprint: core.HashBytes(certDER),
			Type:        core.CertTypeCSCA,
			Country:     country,
		})
	}
	parsed.FinishedAt = time.Now()

	signer := core.SignerInfo{}
	if len(p7.Certificates) > 0 {
		signer.IssuerDN = core.NewDistinguishedName(p7.Certificates[0].Issuer)
		signer.SignatureAlgorithm = p7.Certificates[0].SignatureAlgorithm.String()
	}

	return &Result{
		ParsedFile: parsed,
		MasterList: core.MasterList{
			UploadID:   uploadID,
			Country:    country,
			Version:    strconv.Itoa(version),
			Signer:     signer,
			RawBytes:   der,
			CSCACount:  len(parsed.Certificates),
			VerifiedAt: time.Now(),
		},
	}, nil
}

func chainPool(anchor *x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(anchor)
	return pool
}

// cscaMasterList mirrors the ASN.1 SEQUENCE { version INTEGER, certList
// SET OF Certificate } structure carried as the CMS eContent, decoded with
// asn1.RawValue so each inner certificate's original DER is preserved
// byte-for-byte for fingerprinting.
type cscaMasterList struct {
	Version  int
	CertList []asn1.RawValue `asn1:"set"`
}

func decodeCscaMasterList(content []byte) (version int, certs [][]byte, err error) {
	var ml cscaMasterList
	if _, err := asn1.Unmarshal(content, &ml); err != nil {
		return 0, nil, err
	}
	certs = make([][]byte, 0, len(ml.CertList))
	for _, raw := range ml.CertList {
		certs = append(certs, raw.FullBytes)
	}
	return ml.Version, certs, nil
}
