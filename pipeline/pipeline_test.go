// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pipeline

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/base64"
	"math/big"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/borp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/history"
	"github.com/icao-pkd/pkd-eval/ldapdir"
	"github.com/icao-pkd/pkd-eval/ledger"
	"github.com/icao-pkd/pkd-eval/metrics"
	"github.com/icao-pkd/pkd-eval/progress"
	"github.com/icao-pkd/pkd-eval/validate"
)

// fakeRowDB implements pkddb.DatabaseMap over a single mutable upload,
// enough to drive Ledger.TransitionStatus's read-then-Exec sequence
// without a real database. Ledger's row struct is unexported, so SelectOne
// populates it by exported field name via reflection rather than naming
// the type directly. History inserts are accepted unconditionally.
type fakeRowDB struct {
	upload core.UploadedFile
}

func setUploadRowFields(dest interface{}, f core.UploadedFile) {
	v := reflect.ValueOf(dest).Elem()
	values := map[string]interface{}{
		"ID":                 f.ID.String(),
		"OriginalFileName":   f.OriginalFileName,
		"SizeBytes":          f.SizeBytes,
		"Hash":               f.Hash.String(),
		"Format":             string(f.Format),
		"CollectionNumber":   f.CollectionNumber,
		"VersionToken":       f.VersionToken,
		"Path":               f.Path,
		"ExpectedChecksum":   f.ExpectedChecksum,
		"CalculatedChecksum": f.CalculatedChecksum,
		"Mode":               string(f.Mode),
		"Status":             string(f.Status),
		"CreatedAt":          f.CreatedAt,
		"UpdatedAt":          f.UpdatedAt,
		"DuplicateOf":        f.DuplicateOf.String(),
	}
	for name, val := range values {
		fv := v.FieldByName(name)
		if fv.IsValid() && fv.CanSet() {
			fv.Set(reflect.ValueOf(val))
		}
	}
}

func (f *fakeRowDB) SelectOne(dest interface{}, query string, args ...interface{}) error {
	if n, ok := dest.(*int); ok {
		*n = 0
		return nil
	}
	setUploadRowFields(dest, f.upload)
	return nil
}
func (f *fakeRowDB) Select(dest interface{}, query string, args ...interface{}) ([]interface{}, error) {
	return nil, nil
}
func (f *fakeRowDB) Insert(list ...interface{}) error { return nil }
func (f *fakeRowDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	f.upload.Status = core.UploadStatus(args[0].(string))
	return nil, nil
}
func (f *fakeRowDB) Begin() (*borp.Transaction, error) { panic("not implemented by fakeRowDB") }

type fakeBlob struct {
	data []byte
	err  error
}

func (b fakeBlob) Read(path string) ([]byte, error) { return b.data, b.err }

type fakeWriter struct {
	mu         sync.Mutex
	certResult ldapdir.BatchResult
	crlResult  ldapdir.BatchResult
	wroteCerts int
	wroteCRLs  int
}

func (w *fakeWriter) WriteCertificates(country core.CountryCode, certType core.CertificateType, records []core.CertificateRecord) ldapdir.BatchResult {
	w.mu.Lock()
	w.wroteCerts += len(records)
	w.mu.Unlock()
	return w.certResult
}
func (w *fakeWriter) WriteCRLs(country core.CountryCode, records []core.CRLRecord) ldapdir.BatchResult {
	w.mu.Lock()
	w.wroteCRLs += len(records)
	w.mu.Unlock()
	return w.crlResult
}

func selfSignedCSCA(t *testing.T, country string) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(5),
		Subject:               pkix.Name{CommonName: "Test CSCA", Country: []string{country}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der, key
}

func ldifFor(der []byte) string {
	return "dn: cn=Test CSCA,o=csca,c=DE,dc=pkd\nobjectClass: pkdDownload\nuserCertificate;binary:: " +
		base64.StdEncoding.EncodeToString(der) + "\n\n"
}

func newOrchestrator(t *testing.T, dbRow *fakeRowDB, blob Blob, writer LDAPWriter) *Orchestrator {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Now())
	o := New(metrics.NewNoopScope(), fc)
	o.Ledger = ledger.New(dbRow, fc)
	o.History = history.New(dbRow, fc)
	o.Validator = validate.New(fc, nil, metrics.NewNoopScope())
	o.Bus = progress.New(fc)
	o.Blob = blob
	o.Writer = writer
	return o
}

func TestRunDrivesUploadedLDIFToReplicated(t *testing.T) {
	der, _ := selfSignedCSCA(t, "DE")
	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: "DE000004.ldif",
		Format:           core.FormatCSCACompleteLDIF,
		Status:           core.StatusUploaded,
		Hash:             core.HashBytes([]byte("content")),
		Path:             "/blobs/DE000004.ldif",
	}
	db := &fakeRowDB{upload: upload}
	writer := &fakeWriter{}
	o := newOrchestrator(t, db, fakeBlob{data: []byte(ldifFor(der))}, writer)

	o.Run(upload)

	assert.Equal(t, core.StatusReplicated, db.upload.Status)
	assert.Equal(t, 1, writer.wroteCerts)
}

func TestRunStopsAtParseFailedWhenBlobReadFails(t *testing.T) {
	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: "DE000004.ldif",
		Format:           core.FormatCSCACompleteLDIF,
		Status:           core.StatusUploaded,
		Hash:             core.HashBytes([]byte("content")),
		Path:             "/blobs/missing.ldif",
	}
	db := &fakeRowDB{upload: upload}
	writer := &fakeWriter{}
	o := newOrchestrator(t, db, fakeBlob{err: sql.ErrNoRows}, writer)

	o.Run(upload)

	assert.Equal(t, core.StatusParseFailed, db.upload.Status)
	assert.Equal(t, 0, writer.wroteCerts)
}

func TestRunStopsAtReplicationFailedWhenWriterReportsFailures(t *testing.T) {
	der, _ := selfSignedCSCA(t, "DE")
	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: "DE000004.ldif",
		Format:           core.FormatCSCACompleteLDIF,
		Status:           core.StatusUploaded,
		Hash:             core.HashBytes([]byte("content")),
		Path:             "/blobs/DE000004.ldif",
	}
	db := &fakeRowDB{upload: upload}
	writer := &fakeWriter{certResult: ldapdir.BatchResult{Failed: []ldapdir.FailedRecord{{DN: "cn=x", Err: sql.ErrConnDone}}}}
	o := newOrchestrator(t, db, fakeBlob{data: []byte(ldifFor(der))}, writer)

	o.Run(upload)

	assert.Equal(t, core.StatusReplicationFailed, db.upload.Status)
}

func TestCancelForUnregisteredUploadIsNoOp(t *testing.T) {
	der, _ := selfSignedCSCA(t, "DE")
	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: "DE000004.ldif",
		Format:           core.FormatCSCACompleteLDIF,
		Status:           core.StatusUploaded,
		Hash:             core.HashBytes([]byte("content")),
		Path:             "/blobs/DE000004.ldif",
	}
	db := &fakeRowDB{upload: upload}
	writer := &fakeWriter{}
	o := newOrchestrator(t, db, fakeBlob{data: []byte(ldifFor(der))}, writer)

	// Cancel before Run is ever called: register/unregister bracket each
	// Run, so a Cancel that lands before registration is simply a no-op
	// and the pipeline proceeds, exercising Cancel's "unknown id" path.
	o.Cancel(upload.ID)
	o.Run(upload)

	assert.Equal(t, core.StatusReplicated, db.upload.Status)
}

func TestManualStageRunnersAdvanceOneStageAtATime(t *testing.T) {
	der, _ := selfSignedCSCA(t, "DE")
	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: "DE000004.ldif",
		Format:           core.FormatCSCACompleteLDIF,
		Mode:             core.ModeManual,
		Status:           core.StatusUploaded,
		Hash:             core.HashBytes([]byte("content")),
		Path:             "/blobs/DE000004.ldif",
	}
	db := &fakeRowDB{upload: upload}
	writer := &fakeWriter{}
	o := newOrchestrator(t, db, fakeBlob{data: []byte(ldifFor(der))}, writer)

	o.RunParse(upload)
	assert.Equal(t, core.StatusParsed, db.upload.Status)
	assert.Equal(t, 0, writer.wroteCerts)

	o.RunValidate(upload)
	assert.Equal(t, core.StatusValidated, db.upload.Status)
	assert.Equal(t, 0, writer.wroteCerts)

	o.RunReplicate(upload)
	assert.Equal(t, core.StatusReplicated, db.upload.Status)
	assert.Equal(t, 1, writer.wroteCerts)
}

func TestRunValidateFailsWhenNoParsedResultIsCached(t *testing.T) {
	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: "DE000004.ldif",
		Format:           core.FormatCSCACompleteLDIF,
		Mode:             core.ModeManual,
		Status:           core.StatusParsed,
		Hash:             core.HashBytes([]byte("content")),
		Path:             "/blobs/DE000004.ldif",
	}
	db := &fakeRowDB{upload: upload}
	writer := &fakeWriter{}
	o := newOrchestrator(t, db, fakeBlob{}, writer)

	o.RunValidate(upload)

	assert.Equal(t, core.StatusValidationFailed, db.upload.Status)
}

func TestRunReplicateFailsWhenNoValidatedResultIsCached(t *testing.T) {
	upload := core.UploadedFile{
		ID:               core.NewUploadID(),
		OriginalFileName: "DE000004.ldif",
		Format:           core.FormatCSCACompleteLDIF,
		Mode:             core.ModeManual,
		Status:           core.StatusValidated,
		Hash:             core.HashBytes([]byte("content")),
		Path:             "/blobs/DE000004.ldif",
	}
	db := &fakeRowDB{upload: upload}
	writer := &fakeWriter{}
	o := newOrchestrator(t, db, fakeBlob{}, writer)

	o.RunReplicate(upload)

	assert.Equal(t, core.StatusReplicationFailed, db.upload.Status)
}

func TestCountryFromFileNameExtractsAlpha2Prefix(t *testing.T) {
	assert.Equal(t, core.CountryCode("DE"), countryFromFileName("DE000004.ml"))
	assert.Equal(t, core.CountryCode(""), countryFromFileName("x"))
	assert.Equal(t, core.CountryCode(""), countryFromFileName(""))
}

func TestFilterByTypeKeepsOnlyMatchingType(t *testing.T) {
	certs := []core.CertificateRecord{
		{Type: core.CertTypeCSCA, Country: "DE"},
		{Type: core.CertTypeDSC, Country: "DE"},
	}
	assert.Len(t, filterByType(certs, core.CertTypeCSCA), 1)
	assert.Len(t, filterByType(certs, core.CertTypeDSC), 1)
}

func TestGroupCertsByCountryGroupsAndPreservesOrder(t *testing.T) {
	certs := []core.CertificateRecord{
		{Type: core.CertTypeCSCA, Country: "DE", SerialHex: "01"},
		{Type: core.CertTypeCSCA, Country: "FR", SerialHex: "02"},
		{Type: core.CertTypeCSCA, Country: "DE", SerialHex: "03"},
	}
	grouped := groupCertsByCountry(certs)
	assert.Len(t, grouped["DE"], 2)
	assert.Len(t, grouped["FR"], 1)
	assert.Equal(t, "01", grouped["DE"][0].SerialHex)
	assert.Equal(t, "03", grouped["DE"][1].SerialHex)
}

func TestGroupCRLsByCountryGroups(t *testing.T) {
	crls := []core.CRLRecord{{Country: "DE"}, {Country: "FR"}}
	grouped := groupCRLsByCountry(crls)
	assert.Len(t, grouped["DE"], 1)
	assert.Len(t, grouped["FR"], 1)
}

func TestStaticTrustAnchorReturnsConfiguredCertRegardlessOfCountry(t *testing.T) {
	der, _ := selfSignedCSCA(t, "DE")
	anchor, err := NewStaticTrustAnchor(der)
	require.NoError(t, err)

	cert, err := anchor.TrustAnchorFor("FR")
	require.NoError(t, err)
	assert.Equal(t, "DE", cert.Subject.Country[0])
}
