// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package history

import (
	"gopkg.in/yaml.v3"
)

// ExportIngestStatistics renders the current ingest snapshot as YAML, for
// the operator CLI (spec §6).
func (s *Store) ExportIngestStatistics() ([]byte, error) {
	stats, err := s.IngestStatistics()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(stats)
}

// ExportPAStatistics renders the current Passive Authentication snapshot
// as YAML.
func (s *Store) ExportPAStatistics() ([]byte, error) {
	stats, err := s.PAStatistics()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(stats)
}
