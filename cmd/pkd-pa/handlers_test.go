// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/borp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/history"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
	"github.com/icao-pkd/pkd-eval/parse/dg"
	"github.com/icao-pkd/pkd-eval/pa"
)

// fakeHistoryDB implements pkddb.DatabaseMap generically via reflection,
// since history.verificationModel is unexported and this test lives
// outside the history package.
type fakeHistoryDB struct {
	rows []map[string]interface{}
}

func rowFieldValues(src interface{}) map[string]interface{} {
	v := reflect.ValueOf(src).Elem()
	t := v.Type()
	out := map[string]interface{}{}
	for i := 0; i < t.NumField(); i++ {
		out[t.Field(i).Name] = v.Field(i).Interface()
	}
	return out
}

func setRowFields(dest interface{}, values map[string]interface{}) {
	v := reflect.ValueOf(dest).Elem()
	for name, val := range values {
		fv := v.FieldByName(name)
		if fv.IsValid() && fv.CanSet() {
			fv.Set(reflect.ValueOf(val))
		}
	}
}

func (f *fakeHistoryDB) SelectOne(dest interface{}, query string, args ...interface{}) error {
	key, _ := args[0].(string)
	for _, row := range f.rows {
		if row["ID"] == key {
			setRowFields(dest, row)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeHistoryDB) Select(dest interface{}, query string, args ...interface{}) ([]interface{}, error) {
	destVal := reflect.ValueOf(dest).Elem()
	elemType := destVal.Type().Elem()
	out := reflect.MakeSlice(destVal.Type(), 0, len(f.rows))
	for _, row := range f.rows {
		elem := reflect.New(elemType).Elem()
		for name, val := range row {
			fv := elem.FieldByName(name)
			if fv.IsValid() && fv.CanSet() {
				fv.Set(reflect.ValueOf(val))
			}
		}
		out = reflect.Append(out, elem)
	}
	destVal.Set(out)
	return nil, nil
}

func (f *fakeHistoryDB) Insert(list ...interface{}) error {
	for _, row := range list {
		f.rows = append(f.rows, rowFieldValues(row))
	}
	return nil
}

func (f *fakeHistoryDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (f *fakeHistoryDB) Begin() (*borp.Transaction, error) {
	panic("not implemented by fakeHistoryDB")
}

type fakeCSCALookup struct {
	cert *x509.Certificate
}

func (f fakeCSCALookup) FindCSCABySubjectDN(dn core.DistinguishedName, country core.CountryCode) (*x509.Certificate, error) {
	if f.cert == nil {
		return nil, sql.ErrNoRows
	}
	return f.cert, nil
}

type fakeCRLSource struct{}

func (fakeCRLSource) FindCRLByCSCA(cscaSubjectDN core.DistinguishedName, country core.CountryCode) (*x509.RevocationList, error) {
	return nil, sql.ErrNoRows
}

// ldsSecurityObject and dataGroupHash mirror the ICAO 9303 Part 10
// LDSSecurityObject ASN.1 shape that pa.parseSOD decodes, reconstructed
// here since that type is unexported in package pa.
type ldsSecurityObject struct {
	Version         int
	DigestAlgorithm pkix.AlgorithmIdentifier
	DataGroupHashes []dataGroupHash `asn1:"set"`
}

type dataGroupHash struct {
	DataGroupNumber int
	Digest          []byte
}

var sha256OID = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

func issuedDSC(t *testing.T) (csca *x509.Certificate, dsc *x509.Certificate, dscKey *ecdsa.PrivateKey) {
	t.Helper()
	cscaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cscaTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CSCA", Country: []string{"DE"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	cscaDER, err := x509.CreateCertificate(rand.Reader, cscaTmpl, cscaTmpl, &cscaKey.PublicKey, cscaKey)
	require.NoError(t, err)
	csca, err = x509.ParseCertificate(cscaDER)
	require.NoError(t, err)

	dscKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	dscTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Test DSC", Country: []string{"DE"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	dscDER, err := x509.CreateCertificate(rand.Reader, dscTmpl, csca, &dscKey.PublicKey, cscaKey)
	require.NoError(t, err)
	dsc, err = x509.ParseCertificate(dscDER)
	require.NoError(t, err)
	return csca, dsc, dscKey
}

func signedSODBytes(t *testing.T, dsc *x509.Certificate, key *ecdsa.PrivateKey, dgContent []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(dgContent)
	lso := ldsSecurityObject{
		Version:         0,
		DigestAlgorithm: pkix.AlgorithmIdentifier{Algorithm: sha256OID},
		DataGroupHashes: []dataGroupHash{{DataGroupNumber: 1, Digest: sum[:]}},
	}
	content, err := asn1.Marshal(lso)
	require.NoError(t, err)

	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(dsc, key, pkcs7.SignerInfoConfig{}))
	signed, err := sd.Finish()
	require.NoError(t, err)
	return signed
}

func testServer(t *testing.T, lookup pa.CSCALookup) (*server, *fakeHistoryDB) {
	t.Helper()
	clk := clock.NewFake()
	histDB := &fakeHistoryDB{}
	hist := history.New(histDB, clk)
	cache := pa.NewCRLCache(clk, nil, fakeCRLSource{})
	engine := pa.New(clk, lookup, cache)
	return &server{engine: engine, history: hist, clk: clk, log: pkdlog.NewMock()}, histDB
}

func TestVerifyRejectsMethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t, fakeCSCALookup{})
	req := httptest.NewRequest(http.MethodGet, "/api/pa/verify", nil)
	rw := httptest.NewRecorder()

	srv.verify(rw, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)
}

func TestVerifyRejectsNonBase64SOD(t *testing.T) {
	srv, _ := testServer(t, fakeCSCALookup{})
	body, _ := json.Marshal(verifyRequest{SOD: "not-base64!!"})
	req := httptest.NewRequest(http.MethodPost, "/api/pa/verify", bytes.NewReader(body))
	rw := httptest.NewRecorder()

	srv.verify(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestVerifyRunsFullChainAndRecordsHistory(t *testing.T) {
	csca, dsc, key := issuedDSC(t)
	dgContent := []byte("dg1 content")
	sodBytes := signedSODBytes(t, dsc, key, dgContent)
	srv, histDB := testServer(t, fakeCSCALookup{cert: csca})

	body, _ := json.Marshal(verifyRequest{
		IssuingCountry: "DE",
		DocumentNumber: "P1234567",
		SOD:            base64.StdEncoding.EncodeToString(sodBytes),
		DataGroups:     map[string]string{"DG1": base64.StdEncoding.EncodeToString(dgContent)},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/pa/verify", bytes.NewReader(body))
	rw := httptest.NewRecorder()

	srv.verify(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var resp verifyResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	assert.Equal(t, core.PAStatusValid, resp.Status)
	assert.True(t, resp.Chain.Valid)
	require.Len(t, histDB.rows, 1)
}

func TestVerifyFlagsMissingCSCAChainAsInvalid(t *testing.T) {
	_, dsc, key := issuedDSC(t)
	dgContent := []byte("dg1 content")
	sodBytes := signedSODBytes(t, dsc, key, dgContent)
	// No CSCA on file: the lookup fails, so the chain check must fail too.
	srv, _ := testServer(t, fakeCSCALookup{})

	body, _ := json.Marshal(verifyRequest{
		IssuingCountry: "DE",
		SOD:            base64.StdEncoding.EncodeToString(sodBytes),
		DataGroups:     map[string]string{"DG1": base64.StdEncoding.EncodeToString(dgContent)},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/pa/verify", bytes.NewReader(body))
	rw := httptest.NewRecorder()

	srv.verify(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var resp verifyResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	assert.Equal(t, core.PAStatusInvalid, resp.Status)
	assert.False(t, resp.Chain.Valid)
}

func TestStatisticsAggregatesRecordedVerifications(t *testing.T) {
	csca, dsc, key := issuedDSC(t)
	dgContent := []byte("dg1 content")
	sodBytes := signedSODBytes(t, dsc, key, dgContent)
	srv, _ := testServer(t, fakeCSCALookup{cert: csca})

	body, _ := json.Marshal(verifyRequest{
		IssuingCountry: "DE",
		SOD:            base64.StdEncoding.EncodeToString(sodBytes),
		DataGroups:     map[string]string{"DG1": base64.StdEncoding.EncodeToString(dgContent)},
	})
	verifyReq := httptest.NewRequest(http.MethodPost, "/api/pa/verify", bytes.NewReader(body))
	srv.verify(httptest.NewRecorder(), verifyReq)

	req := httptest.NewRequest(http.MethodGet, "/api/pa/history", nil)
	rw := httptest.NewRecorder()
	srv.statistics(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var stats core.PAStatistics
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalVerifications)
	assert.Equal(t, 1, stats.ByStatus[core.PAStatusValid])
}

func TestGetVerificationReturnsRecordedOutcome(t *testing.T) {
	csca, dsc, key := issuedDSC(t)
	dgContent := []byte("dg1 content")
	sodBytes := signedSODBytes(t, dsc, key, dgContent)
	srv, _ := testServer(t, fakeCSCALookup{cert: csca})

	body, _ := json.Marshal(verifyRequest{
		IssuingCountry: "DE",
		SOD:            base64.StdEncoding.EncodeToString(sodBytes),
		DataGroups:     map[string]string{"DG1": base64.StdEncoding.EncodeToString(dgContent)},
	})
	verifyReq := httptest.NewRequest(http.MethodPost, "/api/pa/verify", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	srv.verify(rw, verifyReq)
	var verified verifyResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &verified))

	req := httptest.NewRequest(http.MethodGet, "/api/pa/"+verified.VerificationID, nil)
	rw = httptest.NewRecorder()
	srv.getVerification(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var summary history.VerificationSummary
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &summary))
	assert.Equal(t, verified.VerificationID, summary.ID)
}

func TestGetVerificationReturns404ForUnknownID(t *testing.T) {
	srv, _ := testServer(t, fakeCSCALookup{})
	req := httptest.NewRequest(http.MethodGet, "/api/pa/"+core.NewVerificationID().String(), nil)
	rw := httptest.NewRecorder()

	srv.getVerification(rw, req)

	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func td3MRZ() []byte {
	line1 := "P<DEUMUSTERMANN<<ERIKA<<<<<<<<<<<<<<<<<<<<<<"
	line2 := "C01X00T478DEU8001014F2501017<<<<<<<<<<<<<<<1"
	return []byte(line1 + line2)
}

func TestParseDG1ReturnsMRZFields(t *testing.T) {
	srv, _ := testServer(t, fakeCSCALookup{})
	req := httptest.NewRequest(http.MethodPost, "/api/pa/parse-dg1", bytes.NewReader(mustJSON(t, base64Body{Data: base64.StdEncoding.EncodeToString(td3MRZ())})))
	rw := httptest.NewRecorder()

	srv.parseDG1(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var fields dg.MRZFields
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &fields))
	assert.Equal(t, "MUSTERMANN", fields.Surname)
	assert.Equal(t, "DEU", fields.IssuingState)
}

func TestParseDG1RejectsTooShortInput(t *testing.T) {
	srv, _ := testServer(t, fakeCSCALookup{})
	req := httptest.NewRequest(http.MethodPost, "/api/pa/parse-dg1", bytes.NewReader(mustJSON(t, base64Body{Data: base64.StdEncoding.EncodeToString([]byte("too short"))})))
	rw := httptest.NewRecorder()

	srv.parseDG1(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestParseDG2ReturnsJPEGBytes(t *testing.T) {
	srv, _ := testServer(t, fakeCSCALookup{})
	header := make([]byte, 20)
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("restofjpegdata")...)
	data := append(header, jpeg...)
	req := httptest.NewRequest(http.MethodPost, "/api/pa/parse-dg2", bytes.NewReader(mustJSON(t, base64Body{Data: base64.StdEncoding.EncodeToString(data)})))
	rw := httptest.NewRecorder()

	srv.parseDG2(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, jpeg, rw.Body.Bytes())
}

func TestParseSODMetaReturnsDSCSubjectAndSerial(t *testing.T) {
	csca, dsc, key := issuedDSC(t)
	sodBytes := signedSODBytes(t, dsc, key, []byte("dg1 content"))
	srv, _ := testServer(t, fakeCSCALookup{cert: csca})
	req := httptest.NewRequest(http.MethodPost, "/pa/api/parse-sod", bytes.NewReader(mustJSON(t, base64Body{Data: base64.StdEncoding.EncodeToString(sodBytes)})))
	rw := httptest.NewRecorder()

	srv.parseSODMeta(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var meta map[string]string
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &meta))
	assert.Contains(t, meta["dscSubject"], "Test DSC")
	assert.Equal(t, "2A", meta["dscSerial"])
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

