// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

// IngestStatistics is a point-in-time aggregate over the upload ledger,
// computed on demand by the history store (C9) and exportable as YAML for
// operator tooling.
type IngestStatistics struct {
	TotalUploads        int                    `yaml:"total_uploads"`
	ByStatus             map[UploadStatus]int   `yaml:"by_status"`
	ByFormat             map[FileFormat]int     `yaml:"by_format"`
	TotalCertificates    int                    `yaml:"total_certificates"`
	TotalCRLs            int                    `yaml:"total_crls"`
	AvgParseDurationMs   float64                `yaml:"avg_parse_duration_ms"`
}

// PAStatistics is a point-in-time aggregate over the Passive
// Authentication verification history, computed on demand by the history
// store (C9) and exportable as YAML for operator tooling.
type PAStatistics struct {
	TotalVerifications int                 `yaml:"total_verifications"`
	ByStatus           map[PAStatus]int    `yaml:"by_status"`
	RevokedCount       int                 `yaml:"revoked_count"`
	AvgDurationMs      float64             `yaml:"avg_duration_ms"`
}
