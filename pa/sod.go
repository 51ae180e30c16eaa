// Package pa implements the Passive Authentication engine of spec §4.8.
package pa

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"

	"github.com/icao-pkd/pkd-eval/core"
)

// icaoApplicationTag21 is the leading byte of the optional outer wrapper
// around an SOD, per spec §4.8 step 1 ("ICAO application tag 0x77").
const icaoApplicationTag21 = 0x77

// unwrapSOD peels the optional 0x77 application-tag wrapper by ASN.1 TLV,
// returning the inner CMS SignedData bytes.
func unwrapSOD(sod []byte) ([]byte, error) {
	if len(sod) == 0 {
		return nil, fmt.Errorf("empty SOD")
	}
	if sod[0] != icaoApplicationTag21 {
		return sod, nil
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(sod, &raw); err != nil {
		return nil, fmt.Errorf("unwrapping SOD application tag: %w", err)
	}
	return raw.Bytes, nil
}

// ldsSecurityObject mirrors the ICAO 9303 Part 10 LDSSecurityObject ASN.1
// structure carried as the SOD's CMS eContent.
type ldsSecurityObject struct {
	Version          int
	DigestAlgorithm  pkix.AlgorithmIdentifier
	DataGroupHashes  []dataGroupHash
}

type dataGroupHash struct {
	DataGroupNumber int
	Digest          []byte
}

// parsedSOD is the decoded form of an SOD used by the rest of the engine.
type parsedSOD struct {
	p7                *pkcs7.PKCS7
	dsc               *x509.Certificate
	securityObject    ldsSecurityObject
}

func parseSOD(sodBytes []byte) (*parsedSOD, error) {
	inner, err := unwrapSOD(sodBytes)
	if err != nil {
		return nil, err
	}
	p7, err := pkcs7.Parse(inner)
	if err != nil {
		return nil, fmt.Errorf("parsing SOD CMS envelope: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, fmt.Errorf("SOD carries no certificates; cannot extract DSC")
	}
	dsc := p7.Certificates[0]

	var lso ldsSecurityObject
	if _, err := asn1.Unmarshal(p7.Content, &lso); err != nil {
		return nil, fmt.Errorf("decoding LDSSecurityObject: %w", err)
	}

	return &parsedSOD{p7: p7, dsc: dsc, securityObject: lso}, nil
}

func (s *parsedSOD) dscSubjectDN() core.DistinguishedName {
	return core.NewDistinguishedName(s.dsc.Subject)
}

func (s *parsedSOD) dscIssuerDN() core.DistinguishedName {
	return core.NewDistinguishedName(s.dsc.Issuer)
}

func (s *parsedSOD) dscSerialHex() string {
	return fmt.Sprintf("%X", s.dsc.SerialNumber)
}

// verifySignature verifies the CMS SignerInfo against the DSC certificate,
// per spec §4.8 step 7.
func (s *parsedSOD) verifySignature() core.SODSignatureResult {
	if err := s.p7.Verify(); err != nil {
		return core.SODSignatureResult{Valid: false, Error: err.Error()}
	}
	return core.SODSignatureResult{Valid: true}
}
