// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// pkd-pa serves the Passive Authentication HTTP surface of spec §6/§4.8.
package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/cmd"
	"github.com/icao-pkd/pkd-eval/history"
	"github.com/icao-pkd/pkd-eval/ldapdir"
	"github.com/icao-pkd/pkd-eval/pa"
)

func main() {
	configFile := flag.String("config", "", "path to JSON configuration file")
	flag.Parse()

	var c cmd.Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "reading config file")

	_, logger := cmd.StatsAndLogging(c.Syslog)
	clk := clock.New()

	historyDbMap, err := history.NewDbMap(c.DB.Driver, string(c.DB.DBConnect))
	cmd.FailOnError(err, "connecting history database")
	hist := history.New(historyDbMap, clk)

	readPool, err := ldapdir.NewPool(ldapdir.PoolConfig{
		URL: c.LDAP.ReadURL, BindDN: c.LDAP.BindDN, Password: string(c.LDAP.Password),
		Initial:        c.LDAP.PoolInitial,
		Max:            c.LDAP.PoolMax,
		WaitTimeout:    time.Duration(c.LDAP.PoolWaitMS) * time.Millisecond,
		ConnectTimeout: time.Duration(c.LDAP.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:    time.Duration(c.LDAP.ReadTimeoutMS) * time.Millisecond,
	})
	cmd.FailOnError(err, "opening read LDAP pool")
	reader := ldapdir.NewReader(readPool, c.LDAP.Base)

	var redisClient *redis.Client
	if c.PA.CRLCache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: c.PA.CRLCache.RedisAddr})
	}
	crlCache := pa.NewCRLCache(clk, redisClient, reader)
	engine := pa.New(clk, reader, crlCache)

	srv := &server{engine: engine, history: hist, clk: clk, log: logger}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	go cmd.DebugServer(c.PA.DebugAddr)
	cmd.CatchSignals(logger, func() { readPool.Close() })

	logger.Info("pkd-pa listening on " + c.PA.ListenAddr)
	err = http.ListenAndServe(c.PA.ListenAddr, mux)
	cmd.FailOnError(err, "serving Passive Authentication HTTP surface")
}
