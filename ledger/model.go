// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ledger is the upload ledger (spec §4.2): the durable record of
// every file submitted for ingest, keyed by content digest so re-uploads
// of an already-processed file are detected before the pipeline runs.
package ledger

import (
	"time"

	"github.com/icao-pkd/pkd-eval/core"
)

// By convention, any function that takes a dbOneSelector, dbSelector,
// dbInserter, or dbExecer as an argument expects that a context has
// already been applied to the relevant DbMap or Transaction object.

// uploadModel is the flat row shape for the upload_ledger table. Enum
// fields are stored as plain strings, converted by toModel/fromModel.
type uploadModel struct {
	ID                 string `db:"id"`
	OriginalFileName   string `db:"original_file_name"`
	SizeBytes          int64  `db:"size_bytes"`
	Hash               string `db:"hash"`
	Format             string `db:"format"`
	CollectionNumber   string `db:"collection_number"`
	VersionToken       string `db:"version_token"`
	Path               string `db:"path"`
	ExpectedChecksum   string `db:"expected_checksum"`
	CalculatedChecksum string `db:"calculated_checksum"`
	Mode               string `db:"mode"`
	Status             string `db:"status"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
	DuplicateOf        string `db:"duplicate_of"`
}

func toModel(f core.UploadedFile) *uploadModel {
	return &uploadModel{
		ID:                 f.ID.String(),
		OriginalFileName:   f.OriginalFileName,
		SizeBytes:          f.SizeBytes,
		Hash:               f.Hash.String(),
		Format:             string(f.Format),
		CollectionNumber:   f.CollectionNumber,
		VersionToken:       f.VersionToken,
		Path:               f.Path,
		ExpectedChecksum:   f.ExpectedChecksum,
		CalculatedChecksum: f.CalculatedChecksum,
		Mode:               string(f.Mode),
		Status:             string(f.Status),
		CreatedAt:          f.CreatedAt,
		UpdatedAt:          f.UpdatedAt,
		DuplicateOf:        f.DuplicateOf.String(),
	}
}

func fromModel(m *uploadModel) (core.UploadedFile, error) {
	id, err := core.ParseUploadID(m.ID)
	if err != nil {
		return core.UploadedFile{}, err
	}
	hash, err := core.NewFileHash(m.Hash)
	if err != nil {
		return core.UploadedFile{}, err
	}
	var dupOf core.UploadID
	if m.DuplicateOf != "" {
		dupOf, err = core.ParseUploadID(m.DuplicateOf)
		if err != nil {
			return core.UploadedFile{}, err
		}
	}
	return core.UploadedFile{
		ID:                 id,
		OriginalFileName:   m.OriginalFileName,
		SizeBytes:          m.SizeBytes,
		Hash:               hash,
		Format:             core.FileFormat(m.Format),
		CollectionNumber:   m.CollectionNumber,
		VersionToken:       m.VersionToken,
		Path:               m.Path,
		ExpectedChecksum:   m.ExpectedChecksum,
		CalculatedChecksum: m.CalculatedChecksum,
		Mode:               core.ProcessingMode(m.Mode),
		Status:             core.UploadStatus(m.Status),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		DuplicateOf:        dupOf,
	}, nil
}
