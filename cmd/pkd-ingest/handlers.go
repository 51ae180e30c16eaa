// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/blob"
	"github.com/icao-pkd/pkd-eval/cmd"
	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/ledger"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
	"github.com/icao-pkd/pkd-eval/pipeline"
	"github.com/icao-pkd/pkd-eval/progress"
)

// server holds the ingest HTTP surface's collaborators, per spec §6.
type server struct {
	cfg    cmd.Config
	ledger *ledger.Ledger
	store  *blob.Store
	bus    *progress.Bus
	orch   *pipeline.Orchestrator
	clk    clock.Clock
	log    pkdlog.Logger
}

func (s *server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ldif/upload", s.upload)
	mux.HandleFunc("/masterlist/upload", s.upload)
	mux.HandleFunc("/ldif/api/check-duplicate", s.checkDuplicate)
	mux.HandleFunc("/masterlist/api/check-duplicate", s.checkDuplicate)
	mux.HandleFunc("/upload-history", s.uploadHistory)
	mux.HandleFunc("/api/processing/", s.processingTrigger)
	mux.HandleFunc("/sse/progress/", s.sseProgress)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: fmt.Sprintf(format, args...)})
}

type uploadResponse struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
}

// upload handles POST /ldif/upload and POST /masterlist/upload, per spec
// §6: multipart file, fileHash, optional expectedChecksum, forceUpload.
func (s *server) upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "method not allowed")
		return
	}
	if err := r.ParseMultipartForm(128 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "parsing multipart form: %s", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing file part: %s", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "reading upload: %s", err)
		return
	}

	claimedHash, err := core.NewFileHash(strings.ToLower(r.FormValue("fileHash")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_DIGEST", "%s", err)
		return
	}
	actualHash := core.HashBytes(data)
	if !claimedHash.Equal(actualHash) {
		writeError(w, http.StatusBadRequest, "BAD_DIGEST", "fileHash does not match uploaded bytes")
		return
	}

	forceUpload := r.FormValue("forceUpload") == "true"

	format, ok := blob.DetectFormat(header.Filename, data)
	if !ok {
		writeError(w, http.StatusBadRequest, "UNKNOWN_FORMAT", "could not classify %s", header.Filename)
		return
	}

	existing, found, err := s.ledger.FindByHash(actualHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RESOURCE", "checking for duplicate: %s", err)
		return
	}
	if found && !existing.Status.IsFailure() && !forceUpload {
		writeError(w, http.StatusConflict, "DUPLICATE", "file already uploaded as %s", existing.ID)
		return
	}

	path, err := s.store.Write(format, header.Filename, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RESOURCE", "storing blob: %s", err)
		return
	}

	mode := core.ModeAuto
	if s.cfg.Ingest.ProcessingMode == string(core.ModeManual) {
		mode = core.ModeManual
	}

	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: header.Filename,
		SizeBytes:        int64(len(data)),
		Hash:             actualHash,
		Format:           format,
		Path:             path,
		ExpectedChecksum: r.FormValue("expectedChecksum"),
		Mode:             mode,
	}
	inserted, err := s.ledger.Insert(upload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RESOURCE", "recording upload: %s", err)
		return
	}

	if inserted.Status == core.StatusUploaded && mode == core.ModeAuto {
		go s.orch.Run(inserted)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(uploadResponse{UploadID: inserted.ID.String(), Status: string(inserted.Status)})
}

type checkDuplicateRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileHash string `json:"fileHash"`
}

type checkDuplicateResponse struct {
	IsDuplicate      bool   `json:"isDuplicate"`
	WarningType      string `json:"warningType"`
	ExistingFileID   string `json:"existingFileId,omitempty"`
	ExistingUploadAt string `json:"existingUploadDate,omitempty"`
	CanForceUpload   bool   `json:"canForceUpload"`
}

// checkDuplicate handles POST /{ldif,masterlist}/api/check-duplicate, per
// spec §6.
func (s *server) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	var req checkDuplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "decoding request: %s", err)
		return
	}
	hash, err := core.NewFileHash(strings.ToLower(req.FileHash))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_DIGEST", "%s", err)
		return
	}
	existing, found, err := s.ledger.FindByHash(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RESOURCE", "%s", err)
		return
	}
	resp := checkDuplicateResponse{WarningType: "NONE", CanForceUpload: true}
	if found && !existing.Status.IsFailure() {
		resp.IsDuplicate = true
		resp.WarningType = "EXACT_DUPLICATE"
		resp.ExistingFileID = existing.ID.String()
		resp.ExistingUploadAt = existing.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type uploadPage struct {
	Uploads []core.UploadedFile `json:"uploads"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	Size    int                 `json:"size"`
}

// uploadHistory handles GET /upload-history, per spec §6: a single record
// when `id` is given, otherwise a page filtered by search/status/format.
func (s *server) uploadHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if idParam := q.Get("id"); idParam != "" {
		id, err := core.ParseUploadID(idParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "%s", err)
			return
		}
		upload, err := s.ledger.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "%s", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(upload)
		return
	}

	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	uploads, total, err := s.ledger.List(ledger.ListQuery{
		Page:   page,
		Size:   size,
		Search: q.Get("search"),
		Status: core.UploadStatus(q.Get("status")),
		Format: core.FileFormat(q.Get("format")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RESOURCE", "%s", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(uploadPage{Uploads: uploads, Total: total, Page: page, Size: size})
}

// stageTransitions maps the {parse|validate|upload-to-ldap} path segment of
// spec §6's manual trigger route onto the in-progress status that begins
// that stage.
var stageTransitions = map[string]core.UploadStatus{
	"parse":          core.StatusParsing,
	"validate":       core.StatusValidating,
	"upload-to-ldap": core.StatusReplicating,
}

// stageRunners maps the same path segment onto the single-stage
// Orchestrator method that advances it. MANUAL mode runs exactly one
// stage per trigger, unlike the AUTO driver's Run.
var stageRunners = map[string]func(*pipeline.Orchestrator, core.UploadedFile){
	"parse":          (*pipeline.Orchestrator).RunParse,
	"validate":       (*pipeline.Orchestrator).RunValidate,
	"upload-to-ldap": (*pipeline.Orchestrator).RunReplicate,
}

// processingTrigger handles POST /api/processing/{stage}/{uploadId}, per
// spec §6: 202 on admission, 400 on illegal transition or AUTO-mode file.
func (s *server) processingTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "method not allowed")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/processing/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "expected /api/processing/{stage}/{uploadId}")
		return
	}
	stage, idParam := parts[0], parts[1]
	if _, ok := stageTransitions[stage]; !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown stage %q", stage)
		return
	}
	id, err := core.ParseUploadID(idParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "%s", err)
		return
	}
	upload, err := s.ledger.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "%s", err)
		return
	}
	if upload.Mode != core.ModeManual {
		writeError(w, http.StatusBadRequest, "WRONG_PROCESSING_MODE", "upload %s is not in MANUAL mode", id)
		return
	}
	if !core.CanTransition(upload.Status, stageTransitions[stage]) {
		writeError(w, http.StatusBadRequest, "ILLEGAL_STATE_TRANSITION", "cannot run %q from status %s", stage, upload.Status)
		return
	}
	runStage := stageRunners[stage]
	go runStage(s.orch, upload)
	w.WriteHeader(http.StatusAccepted)
}

// sseProgress handles the SSE progress subscription of spec §6: GET
// /sse/progress/{uploadId}.
func (s *server) sseProgress(w http.ResponseWriter, r *http.Request) {
	idParam := strings.TrimPrefix(r.URL.Path, "/sse/progress/")
	id, err := core.ParseUploadID(idParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "%s", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "RESOURCE", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := s.bus.Subscribe(id)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			frame, _ := json.Marshal(sseFrame{
				UploadID:   update.UploadID.String(),
				Stage:      string(update.Stage),
				Percentage: update.Percentage,
				Message:    update.Message,
				Timestamp:  update.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
				Counts:     update.Counts,
			})
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type sseFrame struct {
	UploadID   string         `json:"uploadId"`
	Stage      string         `json:"stage"`
	Percentage int            `json:"percentage"`
	Message    string         `json:"message,omitempty"`
	Timestamp  string         `json:"ts"`
	Counts     map[string]int `json:"counts,omitempty"`
}
