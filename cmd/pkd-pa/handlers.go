// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/history"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
	"github.com/icao-pkd/pkd-eval/pa"
	"github.com/icao-pkd/pkd-eval/parse/dg"
)

type server struct {
	engine  *pa.Engine
	history *history.Store
	clk     clock.Clock
	log     pkdlog.Logger
}

func (s *server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/pa/verify", s.verify)
	mux.HandleFunc("/api/pa/history", s.statistics)
	mux.HandleFunc("/api/pa/parse-dg1", s.parseDG1)
	mux.HandleFunc("/api/pa/parse-dg2", s.parseDG2)
	mux.HandleFunc("/pa/api/parse-sod", s.parseSODMeta)
	mux.HandleFunc("/api/pa/", s.getVerification)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

type verifyRequest struct {
	IssuingCountry string            `json:"issuingCountry"`
	DocumentNumber string            `json:"documentNumber"`
	SOD            string            `json:"sod"`
	DataGroups     map[string]string `json:"dataGroups"`
	RequestedBy    string            `json:"requestedBy"`
}

// verifyResponse mirrors PassportDataRecord, per spec §6: "PA always
// returns a PassiveAuthenticationResponse even on ERROR."
type verifyResponse struct {
	VerificationID string                `json:"verificationId"`
	Status         core.PAStatus         `json:"status"`
	Chain          core.ChainCheckResult `json:"chain"`
	SODSignature   core.SODSignatureResult `json:"sodSignatureValidation"`
	DataGroups     []core.DGCheckResult  `json:"dataGroups"`
	CRL            core.CrlCheckResult   `json:"crl"`
	Errors         []core.PAError        `json:"errors"`
	DurationMs     int64                 `json:"durationMs"`
}

// verify handles POST /api/pa/verify, per spec §6/§4.8.
func (s *server) verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "method not allowed")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "decoding request: "+err.Error())
		return
	}
	sodBytes, err := base64.StdEncoding.DecodeString(req.SOD)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "SOD_MALFORMED", "sod is not valid base64")
		return
	}
	dataGroups := map[int][]byte{}
	for key, b64 := range req.DataGroups {
		num, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(key), "DG"))
		if err != nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			continue
		}
		dataGroups[num] = raw
	}
	country, _ := core.NewCountryCode(req.IssuingCountry)

	rec := s.engine.Verify(r.Context(), pa.Request{
		IssuingCountry: country,
		DocumentNumber: req.DocumentNumber,
		SODBytes:       sodBytes,
		DataGroups:     dataGroups,
		Metadata: core.RequestMetadata{
			CallerIP:    r.RemoteAddr,
			UserAgent:   r.UserAgent(),
			RequestedBy: req.RequestedBy,
		},
	})

	if err := s.history.RecordVerification(rec); err != nil {
		s.log.Warning("recording verification history: " + err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verifyResponse{
		VerificationID: rec.ID.String(),
		Status:         rec.Status,
		Chain:          rec.Chain,
		SODSignature:   rec.SODSignature,
		DataGroups:     rec.DataGroups,
		CRL:            rec.CRL,
		Errors:         rec.Errors,
		DurationMs:     rec.Duration().Milliseconds(),
	})
}

// statistics handles GET /api/pa/history, serving the aggregate snapshot
// of spec §3 rather than a per-record list, since the history store's
// append-only table is paged by the caller's own tooling in a fuller build.
func (s *server) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.PAStatistics()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "RESOURCE", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// getVerification handles GET /api/pa/{uuid}, per spec §6: the single-
// record counterpart to the aggregate GET /api/pa/history.
func (s *server) getVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "method not allowed")
		return
	}
	idParam := strings.TrimPrefix(r.URL.Path, "/api/pa/")
	id, err := core.ParseVerificationID(idParam)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	summary, err := s.history.FindVerification(id)
	if err == history.ErrNotFound {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no verification "+idParam)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "RESOURCE", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

// parseDG1 handles POST /api/pa/parse-dg1, a metadata-only introspection
// helper per spec §6 that does not participate in PA truth.
func (s *server) parseDG1(w http.ResponseWriter, r *http.Request) {
	data, err := decodeBodyBase64(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	fields, err := dg.ParseDG1(data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fields)
}

// parseDG2 handles POST /api/pa/parse-dg2.
func (s *server) parseDG2(w http.ResponseWriter, r *http.Request) {
	data, err := decodeBodyBase64(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	image, err := dg.ParseDG2Image(data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(image)
}

// parseSODMeta handles POST /pa/api/parse-sod, returning the DSC subject
// and serial. It runs the engine over the SOD alone (no data groups, so the
// chain, CRL and signature checks still run) and does not record the run
// in history.
func (s *server) parseSODMeta(w http.ResponseWriter, r *http.Request) {
	data, err := decodeBodyBase64(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	rec := s.engine.Verify(r.Context(), pa.Request{SODBytes: data})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"dscSubject": rec.DSCSubject.Verbatim,
		"dscSerial":  rec.DSCSerialHex,
	})
}

type base64Body struct {
	Data string `json:"data"`
}

func decodeBodyBase64(r *http.Request) ([]byte, error) {
	var body base64Body
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(body.Data)
}
