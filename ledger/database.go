// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ledger

import (
	"github.com/letsencrypt/borp"

	"github.com/icao-pkd/pkd-eval/db"
)

// NewDbMap opens the upload ledger's backing store and maps its table.
func NewDbMap(driver, dbConnect string) (*borp.DbMap, error) {
	return db.OpenDbMap(driver, dbConnect, initTables)
}

func initTables(dbMap *borp.DbMap) {
	dbMap.AddTableWithName(uploadModel{}, "upload_ledger").SetKeys(false, "ID")
}
