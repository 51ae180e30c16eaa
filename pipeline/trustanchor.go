package pipeline

import (
	"crypto/x509"
	"fmt"

	"github.com/icao-pkd/pkd-eval/core"
)

// StaticTrustAnchor implements TrustAnchorLookup for the single
// globally-configured `masterlist.trust-anchor` certificate, per spec
// §4.4.2: one anchor (e.g. the UN CSCA) is supplied by configuration and
// used regardless of the Master List's publishing country.
type StaticTrustAnchor struct {
	cert *x509.Certificate
}

// NewStaticTrustAnchor parses der once at startup.
func NewStaticTrustAnchor(der []byte) (*StaticTrustAnchor, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing trust anchor certificate: %w", err)
	}
	return &StaticTrustAnchor{cert: cert}, nil
}

// TrustAnchorFor ignores country and returns the configured anchor.
func (s *StaticTrustAnchor) TrustAnchorFor(country core.CountryCode) (*x509.Certificate, error) {
	return s.cert, nil
}
