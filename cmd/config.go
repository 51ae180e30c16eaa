// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"strings"
	"time"
)

// Config stores configuration parameters that applications will need. For
// simplicity we lump them all into one struct and use encoding/json to
// read it from a file, matching spec §6's key list.
//
// Note: NO DEFAULTS are provided.
type Config struct {
	Ingest struct {
		ServiceConfig
		ListenAddr             string
		UploadRoot             string
		ProcessingMode         string // "AUTO" or "MANUAL", see processing.mode-default
		MaxConcurrentPipelines int
	}

	LDAP LDAPConfig

	Sync SyncConfig

	MasterList struct {
		// Path to a PEM-encoded trust anchor certificate used to verify
		// Master List CMS signatures, per spec §4.4.2.
		TrustAnchorPath string
	}

	PA PAConfig

	DB DBConfig

	Statsd StatsdConfig

	Syslog SyslogConfig
}

// ServiceConfig contains config items common to all our services, to be
// embedded in other config structs.
type ServiceConfig struct {
	// DebugAddr is the address to run the /debug handlers on.
	DebugAddr string
}

// LDAPConfig describes how to reach the read and write LDAP endpoints, per
// spec §6: "Read and Write endpoints may be split."
type LDAPConfig struct {
	WriteURL          string
	ReadURL           string
	BindDN            string
	Password          ConfigSecret
	Base              string
	PoolInitial       int
	PoolMax           int
	PoolWaitMS        int
	ConnectTimeoutMS  int
	ReadTimeoutMS     int
}

// SyncConfig holds the spec §6 sync.* keys. ldapdir.Writer does not read
// them: it writes each batch once, with no retry.
type SyncConfig struct {
	BatchSize        int
	MaxRetries       int
	InitialDelayMS   int
}

// PAConfig holds the PA service settings and the spec §6 pa.crl-cache.*
// keys. MemTTL and DiskTTL are read from the config file but not passed to
// pa.NewCRLCache, whose entries expire at each CRL's nextUpdate.
type PAConfig struct {
	ServiceConfig
	ListenAddr string
	CRLCache struct {
		MemTTL  ConfigDuration
		DiskTTL ConfigDuration
		// RedisAddr is the address of the durable (disk-tier) cache
		// backing the in-memory tier, per spec §4.8 step 6.
		RedisAddr string
	}
}

// DBConfig describes the relational store used for the upload ledger and
// history (spec §6 "Persistence").
type DBConfig struct {
	Driver    string
	DBConnect ConfigSecret
}

// SyslogConfig defines the config for syslogging.
type SyslogConfig struct {
	Network     string
	Server      string
	StdoutLevel *int
	SyslogLevel int
}

// StatsdConfig defines the config for Statsd, kept for operators who run a
// statsd sidecar in front of the Prometheus registry.
type StatsdConfig struct {
	Server string
	Prefix string
}

// ConfigDuration is just an alias for time.Duration that allows
// serialization to YAML as well as JSON.
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration.
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigDuration")

// UnmarshalJSON parses a string into a ConfigDuration using
// time.ParseDuration. If the input does not unmarshal as a string, then
// UnmarshalJSON returns ErrDurationMustBeString.
func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration, as a byte array.
func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

// UnmarshalYAML uses the same format as JSON, but is called by the YAML
// parser (vs. the JSON parser) when decoding a YAML value into a
// ConfigDuration.
func (d *ConfigDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// A ConfigSecret represents a string-valued config field. It may be
// specified directly in the config or, if it starts with "secret:", its
// contents are read from the filename that follows, with trailing
// newlines removed.
type ConfigSecret string

var errSecretMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigSecret")

const secretPrefix = "secret:"

// UnmarshalJSON unmarshals a ConfigSecret.
func (d *ConfigSecret) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return errSecretMustBeString
		}
		return err
	}
	if !strings.HasPrefix(s, secretPrefix) {
		*d = ConfigSecret(s)
		return nil
	}
	contents, err := ioutil.ReadFile(s[len(secretPrefix):])
	if err != nil {
		return err
	}
	*d = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}
