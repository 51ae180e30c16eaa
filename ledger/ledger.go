// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ledger

import (
	"database/sql"
	"fmt"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
	pkddb "github.com/icao-pkd/pkd-eval/db"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
	"github.com/icao-pkd/pkd-eval/pkderrors"
)

const uploadFields = "id, original_file_name, size_bytes, hash, format, collection_number, " +
	"version_token, path, expected_checksum, calculated_checksum, mode, status, " +
	"created_at, updated_at, duplicate_of"

// Ledger is the upload ledger of spec §4.2: it records every submitted
// file, rejects byte-identical re-uploads by digest, and enforces the
// legal state-transition graph of spec §4.7.
type Ledger struct {
	dbMap pkddb.DatabaseMap
	clk   clock.Clock
	log   pkdlog.Logger
}

// New constructs a Ledger backed by dbMap.
func New(dbMap pkddb.DatabaseMap, clk clock.Clock) *Ledger {
	return &Ledger{dbMap: dbMap, clk: clk, log: pkdlog.Get()}
}

// FindByHash looks up an already-ingested file with the given digest, per
// spec §4.2: "an upload whose Hash matches an existing UPLOADED-or-later
// record is rejected as a duplicate before parsing begins."
func (l *Ledger) FindByHash(hash core.FileHash) (core.UploadedFile, bool, error) {
	var m uploadModel
	err := l.dbMap.SelectOne(&m, "SELECT "+uploadFields+" FROM upload_ledger WHERE hash = ? ORDER BY created_at ASC LIMIT 1", hash.String())
	if err == sql.ErrNoRows {
		return core.UploadedFile{}, false, nil
	}
	if err != nil {
		return core.UploadedFile{}, false, err
	}
	f, err := fromModel(&m)
	if err != nil {
		return core.UploadedFile{}, false, err
	}
	return f, true, nil
}

// Insert records a new upload. If an earlier, non-failed upload shares the
// same digest, the new record is stored with StatusDuplicate and
// DuplicateOf set, rather than being rejected outright, so the ledger
// retains a full history of every submission attempt.
func (l *Ledger) Insert(f core.UploadedFile) (core.UploadedFile, error) {
	existing, found, err := l.FindByHash(f.Hash)
	if err != nil {
		return core.UploadedFile{}, err
	}
	if found && !existing.Status.IsFailure() {
		f.Status = core.StatusDuplicate
		f.DuplicateOf = existing.ID
	} else {
		f.Status = core.StatusUploaded
	}
	f.CreatedAt = l.clk.Now()
	f.UpdatedAt = f.CreatedAt

	if err := l.dbMap.Insert(toModel(f)); err != nil {
		return core.UploadedFile{}, err
	}
	return f, nil
}

// Get retrieves a single upload by ID.
func (l *Ledger) Get(id core.UploadID) (core.UploadedFile, error) {
	var m uploadModel
	err := l.dbMap.SelectOne(&m, "SELECT "+uploadFields+" FROM upload_ledger WHERE id = ?", id.String())
	if err != nil {
		return core.UploadedFile{}, err
	}
	return fromModel(&m)
}

// ListQuery filters and paginates List, per spec §6's upload-history
// query parameters.
type ListQuery struct {
	Page   int // zero-based
	Size   int
	Search string // matched against original_file_name, substring
	Status core.UploadStatus
	Format core.FileFormat
}

// List returns the page of uploads matching q, most recently created
// first, plus the total count of matching rows (ignoring pagination) for
// the caller to compute a page count.
func (l *Ledger) List(q ListQuery) ([]core.UploadedFile, int, error) {
	size := q.Size
	if size <= 0 || size > 200 {
		size = 50
	}
	page := q.Page
	if page < 0 {
		page = 0
	}

	where := "WHERE 1 = 1"
	var args []interface{}
	if q.Search != "" {
		where += " AND original_file_name LIKE ?"
		args = append(args, "%"+q.Search+"%")
	}
	if q.Status != "" {
		where += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.Format != "" {
		where += " AND format = ?"
		args = append(args, string(q.Format))
	}

	var total int
	if err := l.dbMap.SelectOne(&total, "SELECT COUNT(*) FROM upload_ledger "+where, args...); err != nil {
		return nil, 0, err
	}

	pageArgs := append(append([]interface{}{}, args...), size, page*size)
	var rows []uploadModel
	if _, err := l.dbMap.Select(&rows, "SELECT "+uploadFields+" FROM upload_ledger "+where+
		" ORDER BY created_at DESC LIMIT ? OFFSET ?", pageArgs...); err != nil {
		return nil, 0, err
	}

	uploads := make([]core.UploadedFile, 0, len(rows))
	for i := range rows {
		f, err := fromModel(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		uploads = append(uploads, f)
	}
	return uploads, total, nil
}

// TransitionStatus moves an upload from its current status to next,
// enforcing the legal-transition graph of spec §4.7. An illegal
// transition is rejected with pkderrors.IllegalStateTransition and leaves
// the stored record untouched, per spec §8.
func (l *Ledger) TransitionStatus(id core.UploadID, next core.UploadStatus) error {
	current, err := l.Get(id)
	if err != nil {
		return err
	}
	if !core.CanTransition(current.Status, next) {
		return pkderrors.IllegalStateTransition("cannot move upload %s from %s to %s", id, current.Status, next)
	}
	_, err = l.dbMap.Exec("UPDATE upload_ledger SET status = ?, updated_at = ? WHERE id = ?", string(next), l.clk.Now(), id.String())
	if err != nil {
		l.log.Err(fmt.Sprintf("failed to transition upload %s to %s: %s", id, next, err))
	}
	return err
}
