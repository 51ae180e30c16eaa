package ldapdir

import (
	"crypto/x509"
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"github.com/icao-pkd/pkd-eval/core"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
	"github.com/icao-pkd/pkd-eval/pkderrors"
)

// Reader answers the lookups the Passive Authentication engine (C8)
// needs, per spec §4.6.
type Reader struct {
	pool *Pool
	base string
	log  pkdlog.Logger
}

// NewReader constructs a Reader over pool, rooted at baseDN.
func NewReader(pool *Pool, baseDN string) *Reader {
	return &Reader{pool: pool, base: baseDN, log: pkdlog.Get()}
}

// FindCSCABySubjectDN searches under o=csca,c=<CC> for an entry whose cn
// matches one of dn's lookup variants, in order, per spec §4.1/§4.6.
func (r *Reader) FindCSCABySubjectDN(dn core.DistinguishedName, country core.CountryCode) (*x509.Certificate, error) {
	base := fmt.Sprintf("o=csca,c=%s,%s", country, r.base)
	der, err := r.searchOne(base, dn, "pkdDownload", "userCertificate;binary")
	if err != nil {
		return nil, err
	}
	if der == nil {
		return nil, pkderrors.CSCANotFound("no CSCA found for subject %q in country %s", dn.Verbatim, country)
	}
	return x509.ParseCertificate(der)
}

// FindCRLByCSCA searches under o=crl,c=<CC> for an entry whose cn matches
// the CSCA's subject DN. Multiple results are an anomaly; the first is
// used and a warning is logged, per spec §4.6.
func (r *Reader) FindCRLByCSCA(cscaSubjectDN core.DistinguishedName, country core.CountryCode) (*x509.RevocationList, error) {
	base := fmt.Sprintf("o=crl,c=%s,%s", country, r.base)
	der, err := r.searchOne(base, cscaSubjectDN, "cRLDistributionPoint", "certificateRevocationList;binary")
	if err != nil {
		return nil, err
	}
	if der == nil {
		return nil, pkderrors.CRLUnavailable("no CRL found for issuer %q in country %s", cscaSubjectDN.Verbatim, country)
	}
	return x509.ParseRevocationList(der)
}

// searchOne tries each DN variant in turn under base, returning the
// attribute bytes of the first match. objectClass must match how the
// writer tagged the entry (pkdDownload for certificates,
// cRLDistributionPoint for CRLs).
func (r *Reader) searchOne(base string, dn core.DistinguishedName, objectClass, attr string) ([]byte, error) {
	conn, err := r.pool.Get()
	if err != nil {
		return nil, err
	}
	healthy := true
	defer func() { r.pool.Put(conn, healthy) }()

	for _, variant := range dn.Variants() {
		filter := fmt.Sprintf("(&(objectClass=%s)(cn=%s))", ldap.EscapeFilter(objectClass), ldap.EscapeFilter(variant))
		req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter, []string{attr}, nil)
		result, err := conn.Search(req)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
				healthy = false
				return nil, pkderrors.LDAPUnreachable("searching %s: %s", base, err)
			}
			continue
		}
		if len(result.Entries) == 0 {
			continue
		}
		if len(result.Entries) > 1 {
			r.log.Warning(fmt.Sprintf("multiple entries matched %s under %s; using the first", variant, base))
		}
		raw := result.Entries[0].GetRawAttributeValue(attr)
		if len(raw) > 0 {
			return raw, nil
		}
	}
	return nil, nil
}
