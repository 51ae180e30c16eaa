// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package history

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
	pkddb "github.com/icao-pkd/pkd-eval/db"
)

// ErrNotFound is returned by FindVerification when no row matches id.
var ErrNotFound = errors.New("history: not found")

// Store is the append-only audit trail backing both ingest outcomes and
// Passive Authentication verification records.
type Store struct {
	dbMap pkddb.DatabaseMap
	clk   clock.Clock
}

// New constructs a Store backed by dbMap.
func New(dbMap pkddb.DatabaseMap, clk clock.Clock) *Store {
	return &Store{dbMap: dbMap, clk: clk}
}

// RecordIngest appends one ingest outcome. Once written, a row is never
// updated: a re-parse of the same upload (which cannot happen under the
// state machine of spec §4.7) would append a second row rather than
// overwrite the first.
func (s *Store) RecordIngest(p *core.ParsedFile, status core.UploadStatus) error {
	return s.dbMap.Insert(toIngestModel(p, status, s.clk.Now()))
}

// RecordVerification appends one completed Passive Authentication run.
func (s *Store) RecordVerification(p *core.PassportDataRecord) error {
	m, err := toVerificationModel(p)
	if err != nil {
		return err
	}
	return s.dbMap.Insert(m)
}

// IngestStatistics aggregates the ingest history into the snapshot
// described by spec §3.
func (s *Store) IngestStatistics() (core.IngestStatistics, error) {
	var rows []ingestModel
	_, err := s.dbMap.Select(&rows, "SELECT upload_id, format, status, total_processed, certificates, crls, errors, duration_ms, error_detail, recorded_at FROM ingest_history")
	if err != nil {
		return core.IngestStatistics{}, err
	}
	stats := core.IngestStatistics{
		ByStatus: map[core.UploadStatus]int{},
		ByFormat: map[core.FileFormat]int{},
	}
	var totalDurationMs int64
	for _, r := range rows {
		stats.TotalUploads++
		stats.ByStatus[core.UploadStatus(r.Status)]++
		stats.ByFormat[core.FileFormat(r.Format)]++
		stats.TotalCertificates += r.Certificates
		stats.TotalCRLs += r.CRLs
		totalDurationMs += r.DurationMs
	}
	if stats.TotalUploads > 0 {
		stats.AvgParseDurationMs = float64(totalDurationMs) / float64(stats.TotalUploads)
	}
	return stats, nil
}

// PAStatistics aggregates the verification history into the snapshot
// described by spec §3.
func (s *Store) PAStatistics() (core.PAStatistics, error) {
	var rows []verificationModel
	_, err := s.dbMap.Select(&rows, "SELECT id, status, crl_status, duration_ms FROM verification_history")
	if err != nil {
		return core.PAStatistics{}, err
	}
	stats := core.PAStatistics{ByStatus: map[core.PAStatus]int{}}
	var totalDurationMs int64
	for _, r := range rows {
		stats.TotalVerifications++
		stats.ByStatus[core.PAStatus(r.Status)]++
		if core.CrlCheckStatus(r.CRLStatus) == core.CrlStatusRevoked {
			stats.RevokedCount++
		}
		totalDurationMs += r.DurationMs
	}
	if stats.TotalVerifications > 0 {
		stats.AvgDurationMs = float64(totalDurationMs) / float64(stats.TotalVerifications)
	}
	return stats, nil
}

// VerificationSummary is the subset of a PassportDataRecord that survives
// into the verification_history row: the per-check Chain/SODSignature/
// DataGroups detail of a live run is not persisted, only its outcome.
type VerificationSummary struct {
	ID             string
	IssuingCountry core.CountryCode
	DocumentNumber string
	DSCSubject     string
	DSCSerialHex   string
	CSCASubject    string
	Status         core.PAStatus
	CRLStatus      core.CrlCheckStatus
	Errors         []core.PAError
	DurationMs     int64
	CallerIP       string
	RequestedBy    string
}

// FindVerification looks up one verification by its VerificationID, for
// GET /api/pa/{uuid}.
func (s *Store) FindVerification(id core.VerificationID) (VerificationSummary, error) {
	var row verificationModel
	err := s.dbMap.SelectOne(&row,
		"SELECT id, issuing_country, document_number, dsc_subject, dsc_serial_hex, csca_subject, status, crl_status, errors, duration_ms, caller_ip, requested_by, recorded_at FROM verification_history WHERE id = ?",
		id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return VerificationSummary{}, ErrNotFound
	}
	if err != nil {
		return VerificationSummary{}, err
	}
	var errs []core.PAError
	if row.Errors != "" {
		if jerr := json.Unmarshal([]byte(row.Errors), &errs); jerr != nil {
			return VerificationSummary{}, jerr
		}
	}
	country, _ := core.NewCountryCode(row.IssuingCountry)
	return VerificationSummary{
		ID:             row.ID,
		IssuingCountry: country,
		DocumentNumber: row.DocumentNumber,
		DSCSubject:     row.DSCSubject,
		DSCSerialHex:   row.DSCSerialHex,
		CSCASubject:    row.CSCASubject,
		Status:         core.PAStatus(row.Status),
		CRLStatus:      core.CrlCheckStatus(row.CRLStatus),
		Errors:         errs,
		DurationMs:     row.DurationMs,
		CallerIP:       row.CallerIP,
		RequestedBy:    row.RequestedBy,
	}, nil
}
