// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pipeline implements the orchestrator (C7) of spec §4.7: it
// drives one UploadedFile through parse -> validate -> replicate,
// enforcing the state machine of core.CanTransition and honoring AUTO vs
// MANUAL admission and per-upload cancellation. Its struct-of-injected-
// collaborators shape and clock/log/stats fields mirror the teacher's
// RegistrationAuthorityImpl (ra/ra.go).
package pipeline

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jmhodges/clock"
	"golang.org/x/sync/errgroup"

	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/history"
	"github.com/icao-pkd/pkd-eval/ldapdir"
	"github.com/icao-pkd/pkd-eval/ledger"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
	"github.com/icao-pkd/pkd-eval/metrics"
	"github.com/icao-pkd/pkd-eval/parse/ldif"
	"github.com/icao-pkd/pkd-eval/parse/masterlist"
	"github.com/icao-pkd/pkd-eval/pkderrors"
	"github.com/icao-pkd/pkd-eval/progress"
	"github.com/icao-pkd/pkd-eval/validate"
)

// replicateBatchThreads bounds how many country/type LDAP write batches run
// concurrently during replication, per spec §5's "4 LDAP batch threads".
const replicateBatchThreads = 4

// Blob is the subset of blob.Store the orchestrator needs.
type Blob interface {
	Read(path string) ([]byte, error)
}

// LDAPWriter is the subset of ldapdir.Writer the orchestrator needs.
type LDAPWriter interface {
	WriteCertificates(country core.CountryCode, certType core.CertificateType, records []core.CertificateRecord) ldapdir.BatchResult
	WriteCRLs(country core.CountryCode, records []core.CRLRecord) ldapdir.BatchResult
}

// Orchestrator drives one UploadedFile's pipeline to completion.
//
// NOTE: every field must be populated or stage execution will panic.
type Orchestrator struct {
	Ledger      *ledger.Ledger
	Blob        Blob
	Validator   *validate.Validator
	Writer      LDAPWriter
	Bus         *progress.Bus
	History     *history.Store
	TrustAnchor TrustAnchorLookup

	stats metrics.Scope
	clk   clock.Clock
	log   pkdlog.Logger

	cancelMu sync.Mutex
	cancels  map[core.UploadID]context.CancelFunc

	stateMu   sync.Mutex
	parsed    map[core.UploadID]*core.ParsedFile
	validated map[core.UploadID]validate.Result
}

// TrustAnchorLookup resolves the configured Master List trust anchor by
// country, per spec §4.4.2.
type TrustAnchorLookup interface {
	TrustAnchorFor(country core.CountryCode) (*x509.Certificate, error)
}

// New constructs an Orchestrator.
func New(stats metrics.Scope, clk clock.Clock) *Orchestrator {
	return &Orchestrator{
		stats:     stats,
		clk:       clk,
		log:       pkdlog.Get(),
		cancels:   map[core.UploadID]context.CancelFunc{},
		parsed:    map[core.UploadID]*core.ParsedFile{},
		validated: map[core.UploadID]validate.Result{},
	}
}

// Cancel sets the cancel flag for id, observed by the running stage at its
// next natural checkpoint, per spec §5.
func (o *Orchestrator) Cancel(id core.UploadID) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
	}
}

func (o *Orchestrator) register(id core.UploadID) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelMu.Lock()
	o.cancels[id] = cancel
	o.cancelMu.Unlock()
	return ctx
}

func (o *Orchestrator) unregister(id core.UploadID) {
	o.cancelMu.Lock()
	delete(o.cancels, id)
	o.cancelMu.Unlock()
}

// Run is the AUTO-mode driver: it executes the full pipeline for an
// uploaded file that has just been admitted (status UPLOADED), publishing
// progress at each stage, per spec §4.7. It records one ingest history
// entry, once parsing completes; validation and replication outcomes are
// not written to the history store. MANUAL
// mode instead advances one stage per explicit trigger via RunParse,
// RunValidate, and RunReplicate.
func (o *Orchestrator) Run(upload core.UploadedFile) {
	ctx := o.register(upload.ID)
	defer o.unregister(upload.ID)

	parsed, ok := o.runParse(ctx, upload)
	if !ok {
		return
	}
	validated, ok := o.runValidate(ctx, upload, parsed)
	if !ok {
		return
	}
	o.runReplicate(ctx, upload, validated)
}

// RunParse drives only the parse stage, for MANUAL-mode admission via the
// {stage}/{uploadId} trigger of spec §4.7. The parsed result is cached so
// a later RunValidate call on the same upload can pick it up.
func (o *Orchestrator) RunParse(upload core.UploadedFile) {
	ctx := o.register(upload.ID)
	defer o.unregister(upload.ID)

	parsed, ok := o.runParse(ctx, upload)
	if !ok {
		return
	}
	o.stateMu.Lock()
	o.parsed[upload.ID] = parsed
	o.stateMu.Unlock()
}

// RunValidate drives only the validate stage, consuming the ParsedFile
// left behind by a prior RunParse. If nothing was cached -- e.g. the
// service restarted between stages -- it fails the upload rather than
// silently skipping validation.
func (o *Orchestrator) RunValidate(upload core.UploadedFile) {
	ctx := o.register(upload.ID)
	defer o.unregister(upload.ID)

	if !o.transition(upload.ID, core.StatusValidating) {
		return
	}

	o.stateMu.Lock()
	parsed, ok := o.parsed[upload.ID]
	delete(o.parsed, upload.ID)
	o.stateMu.Unlock()
	if !ok {
		o.fail(ctx, upload, progress.StageValidation, core.StatusValidationFailed, pkderrors.StageTimeout("no parsed result available for validate; re-run parse"))
		return
	}

	result, ok := o.validateStage(ctx, upload, parsed)
	if !ok {
		return
	}
	o.stateMu.Lock()
	o.validated[upload.ID] = result
	o.stateMu.Unlock()
}

// RunReplicate drives only the replicate stage, consuming the validate
// Result left behind by a prior RunValidate.
func (o *Orchestrator) RunReplicate(upload core.UploadedFile) {
	ctx := o.register(upload.ID)
	defer o.unregister(upload.ID)

	if !o.transition(upload.ID, core.StatusReplicating) {
		return
	}

	o.stateMu.Lock()
	result, ok := o.validated[upload.ID]
	delete(o.validated, upload.ID)
	o.stateMu.Unlock()
	if !ok {
		o.fail(ctx, upload, progress.StageLDAPSaving, core.StatusReplicationFailed, pkderrors.StageTimeout("no validated result available for replicate; re-run validate"))
		return
	}

	o.replicateStage(ctx, upload, result)
}

func (o *Orchestrator) transition(id core.UploadID, next core.UploadStatus) bool {
	if err := o.Ledger.TransitionStatus(id, next); err != nil {
		o.log.Err(fmt.Sprintf("illegal transition for %s to %s: %s", id, next, err))
		return false
	}
	return true
}

func (o *Orchestrator) fail(ctx context.Context, upload core.UploadedFile, stage progress.Stage, failStatus core.UploadStatus, err error) {
	status := failStatus
	if ctx.Err() == context.Canceled {
		status = core.StatusCancelled
	}
	_ = o.Ledger.TransitionStatus(upload.ID, status)
	o.Bus.Publish(progress.ProcessingProgress{
		UploadID: upload.ID, Stage: progress.StageFailed, Percentage: 100, Message: err.Error(),
	})
}

func (o *Orchestrator) runParse(ctx context.Context, upload core.UploadedFile) (*core.ParsedFile, bool) {
	if !o.transition(upload.ID, core.StatusParsing) {
		return nil, false
	}
	o.Bus.Publish(progress.ProcessingProgress{UploadID: upload.ID, Stage: progress.StageParsing, Percentage: 10, Message: "parsing started"})

	data, err := o.Blob.Read(upload.Path)
	if err != nil {
		o.fail(ctx, upload, progress.StageParsing, core.StatusParseFailed, err)
		return nil, false
	}

	var parsed *core.ParsedFile
	if upload.Format.IsLDIF() {
		parsed, err = ldif.Parse(bytes.NewReader(data), upload.ID, func(n int64) {
			pct := 10 + int(60*float64(n)/float64(len(data)+1))
			if pct > 70 {
				pct = 70
			}
			o.Bus.Publish(progress.ProcessingProgress{UploadID: upload.ID, Stage: progress.StageParsing, Percentage: pct})
		})
	} else {
		country := countryFromFileName(upload.OriginalFileName)
		anchor, aerr := o.TrustAnchor.TrustAnchorFor(country)
		if aerr != nil {
			o.fail(ctx, upload, progress.StageParsing, core.StatusParseFailed, aerr)
			return nil, false
		}
		var mlResult *masterlist.Result
		mlResult, err = masterlist.Parse(data, anchor, upload.ID, country)
		if mlResult != nil {
			parsed = mlResult.ParsedFile
		}
	}
	if err != nil {
		o.fail(ctx, upload, progress.StageParsing, core.StatusParseFailed, err)
		return nil, false
	}

	if ctx.Err() == context.Canceled {
		o.fail(ctx, upload, progress.StageParsing, core.StatusParseFailed, pkderrors.StageTimeout("parse cancelled"))
		return nil, false
	}

	if !o.transition(upload.ID, core.StatusParsed) {
		return nil, false
	}
	_ = o.History.RecordIngest(parsed, core.StatusParsed)
	o.Bus.Publish(progress.ProcessingProgress{UploadID: upload.ID, Stage: progress.StageParsing, Percentage: 70, Message: "parsing complete"})
	return parsed, true
}

func (o *Orchestrator) runValidate(ctx context.Context, upload core.UploadedFile, parsed *core.ParsedFile) (validate.Result, bool) {
	if !o.transition(upload.ID, core.StatusValidating) {
		return validate.Result{}, false
	}
	return o.validateStage(ctx, upload, parsed)
}

// validateStage runs the validator and records its outcome, assuming the
// caller has already transitioned upload into StatusValidating.
func (o *Orchestrator) validateStage(ctx context.Context, upload core.UploadedFile, parsed *core.ParsedFile) (validate.Result, bool) {
	result := o.Validator.Run(parsed, func(fraction float64) {
		pct := 70 + int(15*fraction)
		o.Bus.Publish(progress.ProcessingProgress{UploadID: upload.ID, Stage: progress.StageValidation, Percentage: pct})
	})
	if ctx.Err() == context.Canceled {
		o.fail(ctx, upload, progress.StageValidation, core.StatusValidationFailed, pkderrors.StageTimeout("validate cancelled"))
		return validate.Result{}, false
	}
	if !o.transition(upload.ID, core.StatusValidated) {
		return validate.Result{}, false
	}
	o.Bus.Publish(progress.ProcessingProgress{UploadID: upload.ID, Stage: progress.StageValidation, Percentage: 85, Message: "validation complete"})
	return result, true
}

func (o *Orchestrator) runReplicate(ctx context.Context, upload core.UploadedFile, result validate.Result) {
	if !o.transition(upload.ID, core.StatusReplicating) {
		return
	}
	o.replicateStage(ctx, upload, result)
}

// replicateStage writes validated records to LDAP, assuming the caller has
// already transitioned upload into StatusReplicating. Each country/type
// batch is an independent write, so they fan out across a bounded pool of
// goroutines via errgroup, per spec §5.
func (o *Orchestrator) replicateStage(ctx context.Context, upload core.UploadedFile, result validate.Result) {
	byCountryCSCA := groupCertsByCountry(filterByType(result.ValidCertificates, core.CertTypeCSCA))
	byCountryDSC := groupCertsByCountry(filterByType(result.ValidCertificates, core.CertTypeDSC))
	byCountryCRL := groupCRLsByCountry(result.ValidCRLs)

	var failures int64
	g := new(errgroup.Group)
	g.SetLimit(replicateBatchThreads)

	for country, certs := range byCountryCSCA {
		country, certs := country, certs
		g.Go(func() error {
			n := len(o.Writer.WriteCertificates(country, core.CertTypeCSCA, certs).Failed)
			atomic.AddInt64(&failures, int64(n))
			return nil
		})
	}
	for country, certs := range byCountryDSC {
		country, certs := country, certs
		g.Go(func() error {
			n := len(o.Writer.WriteCertificates(country, core.CertTypeDSC, certs).Failed)
			atomic.AddInt64(&failures, int64(n))
			return nil
		})
	}
	for country, crls := range byCountryCRL {
		country, crls := country, crls
		g.Go(func() error {
			n := len(o.Writer.WriteCRLs(country, crls).Failed)
			atomic.AddInt64(&failures, int64(n))
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == context.Canceled {
		o.fail(ctx, upload, progress.StageLDAPSaving, core.StatusReplicationFailed, pkderrors.StageTimeout("replicate cancelled"))
		return
	}
	if failures > 0 {
		o.fail(ctx, upload, progress.StageLDAPSaving, core.StatusReplicationFailed, pkderrors.LDAPUnreachable("%d records failed to replicate", failures))
		return
	}

	if !o.transition(upload.ID, core.StatusReplicated) {
		return
	}
	o.Bus.Publish(progress.ProcessingProgress{UploadID: upload.ID, Stage: progress.StageLDAPSaving, Percentage: 100, Message: "replication complete"})
	o.Bus.Close(upload.ID)
}

// countryFilenamePrefix is the number of leading characters ICAO PKD
// Master List file names use for the publishing country's alpha-2 code
// (e.g. "DE000004.ml"), per spec §4.4.2.
const countryFilenamePrefix = 2

func countryFromFileName(name string) core.CountryCode {
	if len(name) < countryFilenamePrefix {
		return ""
	}
	code, err := core.NewCountryCode(name[:countryFilenamePrefix])
	if err != nil {
		return ""
	}
	return code
}

func filterByType(certs []core.CertificateRecord, t core.CertificateType) []core.CertificateRecord {
	var out []core.CertificateRecord
	for _, c := range certs {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func groupCertsByCountry(certs []core.CertificateRecord) map[core.CountryCode][]core.CertificateRecord {
	grouped := map[core.CountryCode][]core.CertificateRecord{}
	for _, c := range certs {
		grouped[c.Country] = append(grouped[c.Country], c)
	}
	return grouped
}

func groupCRLsByCountry(crls []core.CRLRecord) map[core.CountryCode][]core.CRLRecord {
	grouped := map[core.CountryCode][]core.CRLRecord{}
	for _, c := range crls {
		grouped[c.Country] = append(grouped[c.Country], c)
	}
	return grouped
}
