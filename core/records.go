// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"encoding/pem"
	"time"
)

// ValidityStatus is the outcome of the validator (C5) for one certificate
// or CRL. It is attached after parsing, per spec §3: "Validity status is
// derived later."
type ValidityStatus string

const (
	ValidityUnknown     ValidityStatus = ""
	ValidityValid       ValidityStatus = "VALID"
	ValidityExpired      ValidityStatus = "EXPIRED"
	ValidityNotYetValid ValidityStatus = "NOT_YET_VALID"
	ValidityStructural  ValidityStatus = "STRUCTURAL_INVALID"
	ValidityChainFailed ValidityStatus = "CHAIN_INVALID"
	ValidityRevoked     ValidityStatus = "REVOKED"
)

// CertificateRecord is one parsed X.509 certificate, per spec §3.
type CertificateRecord struct {
	DER         []byte
	Subject     DistinguishedName
	Issuer      DistinguishedName
	SerialHex   string // upper-case hex, no leading zero stripped
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint FileHash // SHA-256 over DER
	Type        CertificateType
	Country     CountryCode
	Validity    ValidityStatus
}

// PEM renders the certificate's DER bytes as a PEM block, per spec §3
// ("PEM form").
func (c CertificateRecord) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
}

// CRLReasonCode is an RFC 5280 CRL entry reason code.
type CRLReasonCode int

const (
	ReasonUnspecified          CRLReasonCode = 0
	ReasonKeyCompromise        CRLReasonCode = 1
	ReasonCACompromise         CRLReasonCode = 2
	ReasonAffiliationChanged   CRLReasonCode = 3
	ReasonSuperseded           CRLReasonCode = 4
	ReasonCessationOfOperation CRLReasonCode = 5
	ReasonCertificateHold      CRLReasonCode = 6
	ReasonRemoveFromCRL        CRLReasonCode = 8
	ReasonPrivilegeWithdrawn   CRLReasonCode = 9
	ReasonAACompromise         CRLReasonCode = 10
)

// ReasonNames maps RFC 5280 reason codes to their display strings. No code
// in this repository looks it up.
var ReasonNames = map[CRLReasonCode]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

// RevokedCertificate is one entry in a CRLRecord's revoked-serial list.
type RevokedCertificate struct {
	SerialHex      string
	RevocationTime time.Time
	Reason         CRLReasonCode
}

// CRLRecord is one parsed X.509 CRL, per spec §3.
type CRLRecord struct {
	DER         []byte
	Issuer      DistinguishedName
	Country     CountryCode
	ThisUpdate  time.Time
	NextUpdate  time.Time // zero Time means "not present"
	Revoked     []RevokedCertificate
	Number      string // CRL number extension value, if present
	Fingerprint FileHash
	Validity    ValidityStatus
}

// HasSerial reports whether serialHex (upper-case hex) appears in the
// revoked list, and if so returns the matching entry.
func (c CRLRecord) HasSerial(serialHex string) (RevokedCertificate, bool) {
	for _, r := range c.Revoked {
		if r.SerialHex == serialHex {
			return r, true
		}
	}
	return RevokedCertificate{}, false
}

// HasNextUpdate reports whether the CRL declared a nextUpdate time.
func (c CRLRecord) HasNextUpdate() bool {
	return !c.NextUpdate.IsZero()
}

// SignerInfo describes the signer of a Master List CMS envelope, per spec
// §3.
type SignerInfo struct {
	IssuerDN           DistinguishedName
	SignatureAlgorithm string
}

// MasterList is the aggregate for one verified CMS SignedData "Master
// List" envelope, per spec §3. The contained CSCAs are re-emitted by the
// parser as CertificateRecords; this aggregate persists the envelope
// itself, once.
type MasterList struct {
	UploadID     UploadID
	Country      CountryCode
	Version      string
	Signer       SignerInfo
	RawBytes     []byte
	CSCACount    int
	VerifiedAt   time.Time
}
