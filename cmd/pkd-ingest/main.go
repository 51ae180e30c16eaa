// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// pkd-ingest serves the ingest HTTP surface of spec §6: file upload,
// duplicate checking, upload history, manual stage triggers, and SSE
// progress frames.
package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/blob"
	"github.com/icao-pkd/pkd-eval/cmd"
	"github.com/icao-pkd/pkd-eval/history"
	"github.com/icao-pkd/pkd-eval/ldapdir"
	"github.com/icao-pkd/pkd-eval/ledger"
	"github.com/icao-pkd/pkd-eval/pipeline"
	"github.com/icao-pkd/pkd-eval/progress"
	"github.com/icao-pkd/pkd-eval/validate"
)

func ldapPoolConfig(c cmd.LDAPConfig, url string) ldapdir.PoolConfig {
	return ldapdir.PoolConfig{
		URL:            url,
		BindDN:         c.BindDN,
		Password:       string(c.Password),
		Initial:        c.PoolInitial,
		Max:            c.PoolMax,
		WaitTimeout:    time.Duration(c.PoolWaitMS) * time.Millisecond,
		ConnectTimeout: time.Duration(c.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:    time.Duration(c.ReadTimeoutMS) * time.Millisecond,
	}
}

func main() {
	configFile := flag.String("config", "", "path to JSON configuration file")
	flag.Parse()

	var c cmd.Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "reading config file")

	stats, logger := cmd.StatsAndLogging(c.Syslog)
	clk := clock.New()

	ledgerDbMap, err := ledger.NewDbMap(c.DB.Driver, string(c.DB.DBConnect))
	cmd.FailOnError(err, "connecting upload ledger database")
	historyDbMap, err := history.NewDbMap(c.DB.Driver, string(c.DB.DBConnect))
	cmd.FailOnError(err, "connecting history database")

	store := blob.New(c.Ingest.UploadRoot, clk)
	led := ledger.New(ledgerDbMap, clk)
	hist := history.New(historyDbMap, clk)
	bus := progress.New(clk)

	writePool, err := ldapdir.NewPool(ldapPoolConfig(c.LDAP, c.LDAP.WriteURL))
	cmd.FailOnError(err, "opening write LDAP pool")
	readPool, err := ldapdir.NewPool(ldapPoolConfig(c.LDAP, c.LDAP.ReadURL))
	cmd.FailOnError(err, "opening read LDAP pool")

	writer := ldapdir.NewWriter(writePool, c.LDAP.Base, stats.NewScope("ldap", "writer"))
	reader := ldapdir.NewReader(readPool, c.LDAP.Base)

	anchorDER, err := cmd.LoadCert(c.MasterList.TrustAnchorPath)
	cmd.FailOnError(err, "loading Master List trust anchor")
	anchor, err := pipeline.NewStaticTrustAnchor(anchorDER)
	cmd.FailOnError(err, "parsing Master List trust anchor")

	orch := pipeline.New(stats.NewScope("pipeline"), clk)
	orch.Ledger = led
	orch.Blob = store
	orch.Validator = validate.New(clk, reader, stats.NewScope("validate"))
	orch.Writer = writer
	orch.Bus = bus
	orch.History = hist
	orch.TrustAnchor = anchor

	srv := &server{
		cfg:    c,
		ledger: led,
		store:  store,
		bus:    bus,
		orch:   orch,
		clk:    clk,
		log:    logger,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	go cmd.DebugServer(c.Ingest.DebugAddr)
	cmd.CatchSignals(logger, func() { writePool.Close(); readPool.Close() })

	logger.Info("pkd-ingest listening on " + c.Ingest.ListenAddr)
	err = http.ListenAndServe(c.Ingest.ListenAddr, mux)
	cmd.FailOnError(err, "serving ingest HTTP surface")
}
