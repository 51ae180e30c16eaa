// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package log provides the audit-logging facility shared by every pkd-eval
// binary. It mirrors the teacher's own blog package: a process-wide
// default logger set once at startup (StatsAndLogging in cmd/shell.go),
// retrieved with Get() by code that doesn't have it threaded through, and
// a small interface so mysql/go-ldap/http loggers can be adapted onto it.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component in this repo logs through.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warning(msg string)
	Err(msg string)
	// AuditErr records a message that must always reach the audit trail
	// regardless of the configured level, mirroring the teacher's
	// AuditLogger.AuditErr used for e.g. mysql/grpc/LDAP driver errors.
	AuditErr(msg string)
	// WithField returns a Logger that attaches a structured field to
	// every subsequent message, for correlating log lines with an
	// UploadID or VerificationID.
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New constructs a Logger that writes structured JSON lines to w (stdout
// in production, a buffer in tests) at the given level, plus an always-on
// audit stream used by AuditErr.
func New(w io.Writer, level logrus.Level) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{})
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) Debug(msg string)   { l.entry.Debug(msg) }
func (l *logrusLogger) Info(msg string)    { l.entry.Info(msg) }
func (l *logrusLogger) Warning(msg string) { l.entry.Warning(msg) }
func (l *logrusLogger) Err(msg string)     { l.entry.Error(msg) }
func (l *logrusLogger) AuditErr(msg string) {
	e := l.entry.WithField("audit", true)
	if e.Logger.IsLevelEnabled(logrus.ErrorLevel) {
		e.Error(msg)
		return
	}
	// Below the configured level: format and write the line directly so
	// the audit trail never loses it.
	e.Time = time.Now()
	e.Level = logrus.ErrorLevel
	e.Message = msg
	if line, err := e.Logger.Formatter.Format(e); err == nil {
		_, _ = e.Logger.Out.Write(line)
	}
}
func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = New(os.Stdout, logrus.InfoLevel)
)

// Set installs logger as the process-wide default, returning the
// previous default. Called once at startup by cmd.StatsAndLogging.
func Set(logger Logger) Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultLogger
	defaultLogger = logger
	return prev
}

// Get returns the process-wide default logger.
func Get() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// NewMock returns a Logger that discards output, for use in tests that
// need to satisfy a Logger parameter without asserting on log content.
func NewMock() Logger {
	return New(io.Discard, logrus.PanicLevel)
}

// mysqlLogger adapts Logger to the interface expected by
// github.com/go-sql-driver/mysql.SetLogger, mirroring the teacher's
// cmd.mysqlLogger.
type mysqlLogger struct {
	Logger
}

func (m mysqlLogger) Print(v ...interface{}) {
	m.AuditErr(fmt.Sprintf("[mysql] %s", fmt.Sprint(v...)))
}

// NewMySQLLogger wraps logger for go-sql-driver/mysql.SetLogger.
func NewMySQLLogger(logger Logger) mysqlLogger {
	return mysqlLogger{logger}
}
