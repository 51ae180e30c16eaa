// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package history is the append-only audit trail (C9): every ingest
// outcome and every Passive Authentication verification is recorded here,
// never mutated once written, and summarized on demand into
// core.IngestStatistics / core.PAStatistics for operator tooling.
package history

import (
	"encoding/json"
	"time"

	"github.com/icao-pkd/pkd-eval/core"
)

type ingestModel struct {
	UploadID       string    `db:"upload_id"`
	Format         string    `db:"format"`
	Status         string    `db:"status"`
	TotalProcessed int       `db:"total_processed"`
	Certificates   int       `db:"certificates"`
	CRLs           int       `db:"crls"`
	Errors         int       `db:"errors"`
	DurationMs     int64     `db:"duration_ms"`
	ErrorDetail    string    `db:"error_detail"`
	RecordedAt     time.Time `db:"recorded_at"`
}

type verificationModel struct {
	ID             string    `db:"id"`
	IssuingCountry string    `db:"issuing_country"`
	DocumentNumber string    `db:"document_number"`
	DSCSubject     string    `db:"dsc_subject"`
	DSCSerialHex   string    `db:"dsc_serial_hex"`
	CSCASubject    string    `db:"csca_subject"`
	Status         string    `db:"status"`
	CRLStatus      string    `db:"crl_status"`
	Errors         string    `db:"errors"` // JSON-encoded []core.PAError
	DurationMs     int64     `db:"duration_ms"`
	CallerIP       string    `db:"caller_ip"`
	RequestedBy    string    `db:"requested_by"`
	RecordedAt     time.Time `db:"recorded_at"`
}

func toIngestModel(p *core.ParsedFile, status core.UploadStatus, recordedAt time.Time) *ingestModel {
	stats := p.Statistics()
	errDetail := ""
	if len(p.Errors) > 0 {
		if b, err := json.Marshal(p.Errors); err == nil {
			errDetail = string(b)
		}
	}
	return &ingestModel{
		UploadID:       p.UploadID.String(),
		Status:         string(status),
		TotalProcessed: stats.TotalProcessed,
		Certificates:   stats.Certificates,
		CRLs:           stats.CRLs,
		Errors:         stats.Errors,
		DurationMs:     stats.Duration.Milliseconds(),
		ErrorDetail:    errDetail,
		RecordedAt:     recordedAt,
	}
}

func toVerificationModel(p *core.PassportDataRecord) (*verificationModel, error) {
	errsJSON, err := json.Marshal(p.Errors)
	if err != nil {
		return nil, err
	}
	return &verificationModel{
		ID:             p.ID.String(),
		IssuingCountry: string(p.IssuingCountry),
		DocumentNumber: p.DocumentNumber,
		DSCSubject:     p.DSCSubject.Canonical,
		DSCSerialHex:   p.DSCSerialHex,
		CSCASubject:    p.CSCASubject.Canonical,
		Status:         string(p.Status),
		CRLStatus:      string(p.CRL.Status),
		Errors:         string(errsJSON),
		DurationMs:     p.Duration().Milliseconds(),
		CallerIP:       p.Metadata.CallerIP,
		RequestedBy:    p.Metadata.RequestedBy,
		RecordedAt:     p.FinishedAt,
	}, nil
}
