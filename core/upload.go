// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import "time"

// UploadedFile is the aggregate root of one ingest attempt, per spec §3.
type UploadedFile struct {
	ID                 UploadID
	OriginalFileName   string
	SizeBytes          int64
	Hash               FileHash
	Format             FileFormat
	CollectionNumber   string // 3-digit string parsed from the file name
	VersionToken       string
	Path               string // empty until the blob is written to disk
	ExpectedChecksum   string // optional, per ICAO release notes
	CalculatedChecksum string
	Mode               ProcessingMode
	Status             UploadStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DuplicateOf        UploadID // zero value unless Status == StatusDuplicate
}

// IsDuplicate reports whether this upload was rejected as a duplicate of an
// earlier one, per spec §4.2.
func (u *UploadedFile) IsDuplicate() bool {
	return u.Status == StatusDuplicate
}

// ParseErrorType categorizes a per-record parse failure, per spec §4.4.
type ParseErrorType string

const (
	ParseErrorLDIFFraming  ParseErrorType = "LDIF_FRAMING"
	ParseErrorBadCert      ParseErrorType = "BAD_CERTIFICATE"
	ParseErrorBadCRL       ParseErrorType = "BAD_CRL"
	ParseErrorMissingCC    ParseErrorType = "MISSING_COUNTRY_CODE"
	ParseErrorMLSignature  ParseErrorType = "ML_SIGNATURE_INVALID"
	ParseErrorMLEnvelope   ParseErrorType = "ML_ENVELOPE_INVALID"
)

// ParseError is a non-fatal, per-entry error recorded during parsing, per
// spec §4.4: "Record errors as ParseError{type, location=line or DN,
// message}."
type ParseError struct {
	Type     ParseErrorType
	Location string // a line number (LDIF) or a DN (CMS), as a string
	Message  string
}

// ParseStatistics summarizes a ParsedFile's contents, per spec §3 ("Carries
// computed statistics").
type ParseStatistics struct {
	TotalProcessed int
	Certificates   int
	CRLs           int
	Errors         int
	Duration       time.Duration
}

// SuccessRate returns the fraction of processed entries that did not
// produce a ParseError, or 1.0 if nothing was processed.
func (s ParseStatistics) SuccessRate() float64 {
	if s.TotalProcessed == 0 {
		return 1.0
	}
	return float64(s.TotalProcessed-s.Errors) / float64(s.TotalProcessed)
}

// ParsedFile is the immutable output of parsing one UploadedFile, per spec
// §3. Certificates and CRLs are independently, order-preservingly
// appendable sequences built up during a single streaming pass; once
// parsing finishes the ParsedFile is never mutated again.
type ParsedFile struct {
	UploadID     UploadID
	Certificates []CertificateRecord
	CRLs         []CRLRecord
	Errors       []ParseError
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Statistics computes the ParseStatistics for this ParsedFile on demand,
// satisfying the invariant of spec §8: "statistics(p).totalProcessed =
// |certificates(p)| + |crls(p)|".
func (p *ParsedFile) Statistics() ParseStatistics {
	return ParseStatistics{
		TotalProcessed: len(p.Certificates) + len(p.CRLs),
		Certificates:   len(p.Certificates),
		CRLs:           len(p.CRLs),
		Errors:         len(p.Errors),
		Duration:       p.FinishedAt.Sub(p.StartedAt),
	}
}
