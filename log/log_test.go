// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoWritesJSONLineWithMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, logrus.InfoLevel)

	logger.Info("hello")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "hello", decoded["msg"])
	assert.Equal(t, "info", decoded["level"])
}

func TestDebugIsSuppressedBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, logrus.InfoLevel)

	logger.Debug("should not appear")

	assert.Empty(t, buf.Bytes())
}

func TestAuditErrAlwaysSetsAuditField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, logrus.PanicLevel)

	logger.AuditErr("db connection lost")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["audit"])
	assert.Equal(t, "db connection lost", decoded["msg"])
}

func TestWithFieldAttachesFieldToSubsequentMessages(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, logrus.InfoLevel)

	scoped := logger.WithField("uploadId", "abc123")
	scoped.Info("parsing started")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "abc123", decoded["uploadId"])
}

func TestSetInstallsAndReturnsPreviousDefault(t *testing.T) {
	var buf bytes.Buffer
	replacement := New(&buf, logrus.InfoLevel)

	previous := Set(replacement)
	defer Set(previous)

	assert.Equal(t, replacement, Get())
}

func TestNewMockDiscardsOutputWithoutPanicking(t *testing.T) {
	logger := NewMock()
	assert.NotPanics(t, func() {
		logger.Info("discarded")
		logger.Err("also discarded")
	})
}

func TestMySQLLoggerPrintRoutesThroughAuditErr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, logrus.PanicLevel)
	mysqlLog := NewMySQLLogger(logger)

	mysqlLog.Print("connection refused")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded["msg"], "connection refused")
	assert.Equal(t, true, decoded["audit"])
}
