// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pa

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"hash"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
)

// CSCALookup resolves a DSC's issuer DN to a CSCA certificate via LDAP,
// per spec §4.8 step 4.
type CSCALookup interface {
	FindCSCABySubjectDN(dn core.DistinguishedName, country core.CountryCode) (*x509.Certificate, error)
}

// Request is the input to one Passive Authentication run, per spec §4.8.
type Request struct {
	IssuingCountry core.CountryCode
	DocumentNumber string
	SODBytes       []byte
	DataGroups     map[int][]byte
	Metadata       core.RequestMetadata
}

// Engine runs the Passive Authentication algorithm of spec §4.8.
type Engine struct {
	clk      clock.Clock
	cscas    CSCALookup
	crlCache *CRLCache
	log      pkdlog.Logger
}

// New constructs an Engine.
func New(clk clock.Clock, cscas CSCALookup, crlCache *CRLCache) *Engine {
	return &Engine{clk: clk, cscas: cscas, crlCache: crlCache, log: pkdlog.Get()}
}

// Verify runs steps 1-9 of spec §4.8 and returns the resulting
// PassportDataRecord. The caller is responsible for persisting it (step
// 10) via the history store.
func (e *Engine) Verify(ctx context.Context, req Request) *core.PassportDataRecord {
	rec := &core.PassportDataRecord{
		ID:             core.NewVerificationID(),
		IssuingCountry: req.IssuingCountry,
		DocumentNumber: req.DocumentNumber,
		SODBytes:       req.SODBytes,
		Metadata:       req.Metadata,
		StartedAt:      e.clk.Now(),
	}

	sod, err := parseSOD(req.SODBytes)
	if err != nil {
		rec.Status = core.PAStatusError
		rec.Errors = append(rec.Errors, core.PAError{
			Code: core.ErrSODMalformed, Severity: core.PASeverityCritical, Message: err.Error(),
		})
		rec.FinishedAt = e.clk.Now()
		return rec
	}

	rec.DSCSubject = sod.dscSubjectDN()
	rec.DSCSerialHex = sod.dscSerialHex()

	e.checkChain(ctx, rec, sod)
	e.checkCRL(ctx, rec, sod)

	rec.SODSignature = sod.verifySignature()
	if !rec.SODSignature.Valid {
		rec.Errors = append(rec.Errors, core.PAError{
			Code: core.ErrSODSignatureInvalid, Severity: core.PASeverityCritical, Message: rec.SODSignature.Error,
		})
	}

	rec.DataGroups = e.checkDataGroups(sod, req.DataGroups)
	for _, dg := range rec.DataGroups {
		if dg.Missing {
			rec.Errors = append(rec.Errors, core.PAError{
				Code: core.ErrDGHashMissing, Severity: core.PASeverityWarning,
				Message: fmt.Sprintf("DG%d was not supplied", dg.DGNumber),
			})
		} else if !dg.Valid {
			rec.Errors = append(rec.Errors, core.PAError{
				Code: core.ErrDGHashMismatch, Severity: core.PASeverityCritical,
				Message: fmt.Sprintf("DG%d hash mismatch: expected %s, got %s", dg.DGNumber, dg.Expected, dg.Actual),
			})
		}
	}

	rec.FinishedAt = e.clk.Now()
	rec.Status = e.overallStatus(rec)
	return rec
}

func (e *Engine) checkChain(ctx context.Context, rec *core.PassportDataRecord, sod *parsedSOD) {
	issuerDN := sod.dscIssuerDN()
	csca, err := e.cscas.FindCSCABySubjectDN(issuerDN, rec.IssuingCountry)
	if err != nil {
		rec.Chain = core.ChainCheckResult{Valid: false, Error: err.Error()}
		rec.Errors = append(rec.Errors, core.PAError{
			Code: core.ErrCSCANotFound, Severity: core.PASeverityCritical, Message: err.Error(),
		})
		return
	}
	rec.CSCASubject = core.NewDistinguishedName(csca.Subject)

	if err := sod.dsc.CheckSignatureFrom(csca); err != nil {
		rec.Chain = core.ChainCheckResult{Valid: false, CSCASubject: rec.CSCASubject, Error: err.Error()}
		rec.Errors = append(rec.Errors, core.PAError{
			Code: core.ErrChainValidationFailed, Severity: core.PASeverityCritical, Message: err.Error(),
		})
		return
	}
	rec.Chain = core.ChainCheckResult{Valid: true, CSCASubject: rec.CSCASubject}
}

func (e *Engine) checkCRL(ctx context.Context, rec *core.PassportDataRecord, sod *parsedSOD) {
	if !rec.Chain.Valid {
		return
	}
	crl, err := e.crlCache.Get(ctx, rec.CSCASubject, rec.IssuingCountry)
	if err != nil {
		rec.CRL = core.CrlCheckResult{Status: core.CrlStatusUnavailable, SerialHex: rec.DSCSerialHex}
		rec.Errors = append(rec.Errors, core.PAError{
			Code: core.ErrCRLUnavailable, Severity: core.PASeverityWarning, Message: err.Error(),
		})
		return
	}
	if e.clk.Now().After(crl.NextUpdate) && !crl.NextUpdate.IsZero() {
		rec.CRL = core.CrlCheckResult{Status: core.CrlStatusExpired, SerialHex: rec.DSCSerialHex}
		rec.Errors = append(rec.Errors, core.PAError{
			Code: core.ErrCRLUnavailable, Severity: core.PASeverityWarning, Message: "CRL has expired",
		})
		return
	}
	for _, entry := range crl.RevokedCertificateEntries {
		if fmt.Sprintf("%X", entry.SerialNumber) == rec.DSCSerialHex {
			rec.CRL = core.CrlCheckResult{
				Status: core.CrlStatusRevoked, SerialHex: rec.DSCSerialHex,
				Reason: core.CRLReasonCode(entry.ReasonCode), RevocationTime: entry.RevocationTime,
			}
			rec.Chain.Valid = false
			rec.Errors = append(rec.Errors, core.PAError{
				Code: core.ErrCertificateRevoked, Severity: core.PASeverityCritical,
				Message: fmt.Sprintf("DSC serial %s is revoked", rec.DSCSerialHex),
			})
			return
		}
	}
	rec.CRL = core.CrlCheckResult{Status: core.CrlStatusValid, SerialHex: rec.DSCSerialHex}
}

func (e *Engine) checkDataGroups(sod *parsedSOD, supplied map[int][]byte) []core.DGCheckResult {
	results := make([]core.DGCheckResult, 0, len(sod.securityObject.DataGroupHashes))
	digester := digesterFor(sod.securityObject.DigestAlgorithm.Algorithm.String())

	for _, dgh := range sod.securityObject.DataGroupHashes {
		expected := fmt.Sprintf("%X", dgh.Digest)
		data, ok := supplied[dgh.DataGroupNumber]
		if !ok {
			results = append(results, core.DGCheckResult{DGNumber: dgh.DataGroupNumber, Expected: expected, Missing: true})
			continue
		}
		h := digester()
		h.Write(data)
		actual := fmt.Sprintf("%X", h.Sum(nil))
		results = append(results, core.DGCheckResult{
			DGNumber: dgh.DataGroupNumber, Expected: expected, Actual: actual, Valid: actual == expected,
		})
	}
	return results
}

// digesterFor returns a hash constructor for the SOD-declared digest
// algorithm OID; unrecognized OIDs default to SHA-256, the ICAO 9303
// default.
func digesterFor(oid string) func() hash.Hash {
	switch oid {
	case "2.16.840.1.101.3.4.2.2":
		return sha512.New384
	case "2.16.840.1.101.3.4.2.3":
		return sha512.New
	default:
		return sha256.New
	}
}

func (e *Engine) overallStatus(rec *core.PassportDataRecord) core.PAStatus {
	if rec.HasCriticalError() {
		return core.PAStatusInvalid
	}
	return core.PAStatusValid
}
