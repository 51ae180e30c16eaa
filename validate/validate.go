// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package validate implements the validator (C5) of spec §4.5: temporal,
// structural, chain, and CRL-cross-reference checks over a ParsedFile's
// certificates and CRLs. Weak-signature-algorithm rejection follows the
// teacher's own badSignatureAlgorithms table in ca/certificate-authority.go,
// generalized from CSR signing to CSCA/DSC acceptance. Structural checks
// are supplemented by zmap/zlint's RFC 5280 lint set (see lint.go) for
// encoding defects crypto/x509 itself doesn't surface.
package validate

import (
	"crypto/x509"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/metrics"
)

// badSignatureAlgorithms are rejected outright regardless of chain
// validity, mirroring the teacher's CSR-signing guard.
var badSignatureAlgorithms = map[x509.SignatureAlgorithm]bool{
	x509.UnknownSignatureAlgorithm: true,
	x509.MD2WithRSA:                true,
	x509.MD5WithRSA:                true,
	x509.DSAWithSHA1:               true,
	x509.DSAWithSHA256:             true,
	x509.ECDSAWithSHA1:             true,
}

// CSCALookup resolves a DSC's issuer to a CSCA certificate, first within
// the current parsed batch, then in LDAP, per spec §4.5.
type CSCALookup interface {
	FindCSCABySubjectDN(dn core.DistinguishedName, country core.CountryCode) (*x509.Certificate, error)
}

// Result partitions a ParsedFile's records into valid and invalid
// sequences, preserving insertion order, per spec §4.5.
type Result struct {
	ValidCertificates   []core.CertificateRecord
	InvalidCertificates []core.CertificateRecord
	ValidCRLs           []core.CRLRecord
	InvalidCRLs         []core.CRLRecord
}

// ProgressFunc reports fractional progress (0.0-1.0) through the batch, to
// be mapped onto the validator's 70-85% progress band by the caller.
type ProgressFunc func(fraction float64)

// Validator runs the checks of spec §4.5 over a single ParsedFile.
type Validator struct {
	clk    clock.Clock
	lookup CSCALookup
	stats  metrics.Scope
}

// New constructs a Validator. lookup may be nil, in which case chain
// checks only consider CSCAs present in the same batch. stats may be
// metrics.NewNoopScope() outside of a wired service.
func New(clk clock.Clock, lookup CSCALookup, stats metrics.Scope) *Validator {
	return &Validator{clk: clk, lookup: lookup, stats: stats}
}

// Run validates every certificate and CRL in p, in order.
func (v *Validator) Run(p *core.ParsedFile, onProgress ProgressFunc) Result {
	var result Result

	cscasBySubject := indexCSCAsBySubject(p.Certificates)
	crlsByIssuer := indexCRLsByIssuer(p.CRLs)

	total := len(p.Certificates) + len(p.CRLs)
	done := 0
	report := func() {
		done++
		if onProgress != nil && total > 0 {
			onProgress(float64(done) / float64(total))
		}
	}

	for _, cert := range p.Certificates {
		cert.Validity = v.validateCertificate(cert, cscasBySubject, crlsByIssuer)
		if cert.Validity == core.ValidityValid {
			result.ValidCertificates = append(result.ValidCertificates, cert)
		} else {
			result.InvalidCertificates = append(result.InvalidCertificates, cert)
		}
		report()
	}

	for _, crl := range p.CRLs {
		crl.Validity = v.validateCRL(crl)
		if crl.Validity == core.ValidityValid {
			result.ValidCRLs = append(result.ValidCRLs, crl)
		} else {
			result.InvalidCRLs = append(result.InvalidCRLs, crl)
		}
		report()
	}

	return result
}

func indexCSCAsBySubject(certs []core.CertificateRecord) map[string]core.CertificateRecord {
	idx := map[string]core.CertificateRecord{}
	for _, c := range certs {
		if c.Type == core.CertTypeCSCA {
			idx[c.Subject.Canonical] = c
		}
	}
	return idx
}

func indexCRLsByIssuer(crls []core.CRLRecord) map[string]core.CRLRecord {
	idx := map[string]core.CRLRecord{}
	for _, c := range crls {
		idx[c.Issuer.Canonical] = c
	}
	return idx
}

func (v *Validator) validateCertificate(c core.CertificateRecord, cscasBySubject map[string]core.CertificateRecord, crlsByIssuer map[string]core.CRLRecord) core.ValidityStatus {
	cert, err := x509.ParseCertificate(c.DER)
	if err != nil {
		return core.ValidityStructural
	}
	if badSignatureAlgorithms[cert.SignatureAlgorithm] {
		return core.ValidityStructural
	}
	if !structurallyValid(cert, c.Type) {
		return core.ValidityStructural
	}
	if names := lintErrorNames(c.DER); len(names) > 0 && v.stats != nil {
		v.stats.Inc("lint_errors."+string(c.Type), 1)
	}

	now := v.clk.Now()
	if now.Before(c.NotBefore) {
		return core.ValidityNotYetValid
	}
	if now.After(c.NotAfter) {
		return core.ValidityExpired
	}

	if c.Type == core.CertTypeDSC {
		csca, ok := cscasBySubject[c.Issuer.Canonical]
		var cscaCert *x509.Certificate
		if ok {
			cscaCert, err = x509.ParseCertificate(csca.DER)
		} else if v.lookup != nil {
			cscaCert, err = v.lookup.FindCSCABySubjectDN(c.Issuer, c.Country)
		} else {
			return core.ValidityChainFailed
		}
		if err != nil || cscaCert == nil {
			return core.ValidityChainFailed
		}
		if err := cert.CheckSignatureFrom(cscaCert); err != nil {
			return core.ValidityChainFailed
		}
		if crl, ok := crlsByIssuer[c.Issuer.Canonical]; ok {
			if _, revoked := crl.HasSerial(c.SerialHex); revoked {
				return core.ValidityRevoked
			}
		}
	}

	return core.ValidityValid
}

func structurallyValid(cert *x509.Certificate, certType core.CertificateType) bool {
	switch certType {
	case core.CertTypeCSCA:
		return cert.IsCA && cert.BasicConstraintsValid && cert.KeyUsage&x509.KeyUsageCertSign != 0
	case core.CertTypeDSC:
		return len(cert.ExtKeyUsage) > 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature != 0
	default:
		return false
	}
}

func (v *Validator) validateCRL(c core.CRLRecord) core.ValidityStatus {
	now := v.clk.Now()
	if now.Before(c.ThisUpdate) {
		return core.ValidityNotYetValid
	}
	if c.HasNextUpdate() && now.After(c.NextUpdate) {
		return core.ValidityExpired
	}
	return core.ValidityValid
}
