package ldapdir

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"github.com/icao-pkd/pkd-eval/core"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
	"github.com/icao-pkd/pkd-eval/metrics"
)

// BatchResult is the per-record outcome of one Writer batch, per spec
// §4.6: "On LDAP protocol errors the record is recorded as failed in the
// batch result and work continues."
type BatchResult struct {
	Succeeded int
	Failed    []FailedRecord
}

// FailedRecord names one entry a batch could not write, and why.
type FailedRecord struct {
	DN  string
	Err error
}

// Writer batches CSCA, DSC, and CRL writes into the PKD directory tree,
// per spec §4.6.
type Writer struct {
	pool  *Pool
	base  string
	log   pkdlog.Logger
	stats metrics.Scope
}

// NewWriter constructs a Writer over pool, rooted at baseDN.
func NewWriter(pool *Pool, baseDN string, stats metrics.Scope) *Writer {
	return &Writer{pool: pool, base: baseDN, log: pkdlog.Get(), stats: stats}
}

func entryDN(cn, objectClass string, country core.CountryCode, base string) string {
	return fmt.Sprintf("cn=%s,o=%s,c=%s,%s", EscapeDNValue(cn), objectClass, country, base)
}

// WriteCertificates upserts a batch of CertificateRecords of the same
// country and type, per spec §4.6's "batches entries per country per
// object class" amortization.
func (w *Writer) WriteCertificates(country core.CountryCode, certType core.CertificateType, records []core.CertificateRecord) BatchResult {
	objectClass := "dsc"
	if certType == core.CertTypeCSCA {
		objectClass = "csca"
	}

	conn, err := w.pool.Get()
	if err != nil {
		result := BatchResult{}
		for _, r := range records {
			result.Failed = append(result.Failed, FailedRecord{DN: r.Subject.Verbatim, Err: err})
		}
		return result
	}
	healthy := true
	defer func() { w.pool.Put(conn, healthy) }()

	var result BatchResult
	for _, r := range records {
		dn := entryDN(r.Subject.Verbatim, objectClass, country, w.base)
		if err := w.upsertCertEntry(conn, dn, r.DER); err != nil {
			if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
				healthy = false
				result.Failed = append(result.Failed, FailedRecord{DN: dn, Err: err})
				break
			}
			result.Failed = append(result.Failed, FailedRecord{DN: dn, Err: err})
			continue
		}
		result.Succeeded++
	}
	w.stats.Inc("ldap.writes.succeeded", int64(result.Succeeded))
	w.stats.Inc("ldap.writes.failed", int64(len(result.Failed)))
	return result
}

// WriteCRLs upserts a batch of CRLRecords for one country.
func (w *Writer) WriteCRLs(country core.CountryCode, records []core.CRLRecord) BatchResult {
	conn, err := w.pool.Get()
	if err != nil {
		result := BatchResult{}
		for _, r := range records {
			result.Failed = append(result.Failed, FailedRecord{DN: r.Issuer.Verbatim, Err: err})
		}
		return result
	}
	healthy := true
	defer func() { w.pool.Put(conn, healthy) }()

	var result BatchResult
	for _, r := range records {
		dn := entryDN(r.Issuer.Verbatim, "crl", country, w.base)
		if err := w.upsertCRLEntry(conn, dn, r.DER); err != nil {
			if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
				healthy = false
				result.Failed = append(result.Failed, FailedRecord{DN: dn, Err: err})
				break
			}
			result.Failed = append(result.Failed, FailedRecord{DN: dn, Err: err})
			continue
		}
		result.Succeeded++
	}
	return result
}

func (w *Writer) upsertCertEntry(conn *ldap.Conn, dn string, der []byte) error {
	exists, err := entryExists(conn, dn)
	if err != nil {
		return err
	}
	if !exists {
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{"top", "pkdDownload"})
		req.Attribute("userCertificate;binary", []string{string(der)})
		return conn.Add(req)
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace("userCertificate;binary", []string{string(der)})
	return conn.Modify(req)
}

func (w *Writer) upsertCRLEntry(conn *ldap.Conn, dn string, der []byte) error {
	exists, err := entryExists(conn, dn)
	if err != nil {
		return err
	}
	if !exists {
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{"top", "cRLDistributionPoint"})
		req.Attribute("certificateRevocationList;binary", []string{string(der)})
		return conn.Add(req)
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace("certificateRevocationList;binary", []string{string(der)})
	return conn.Modify(req)
}

func entryExists(conn *ldap.Conn, dn string) (bool, error) {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)", []string{"dn"}, nil)
	_, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
