// Package ldif implements the streaming LDIF parser of spec §4.4.1: a
// lazy, per-entry pass over RFC 2849 LDIF that never buffers the whole
// file, classifying userCertificate;binary and
// certificateRevocationList;binary attribute values into
// core.CertificateRecord / core.CRLRecord.
package ldif

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/icao-pkd/pkd-eval/core"
	"github.com/icao-pkd/pkd-eval/pkderrors"
)

// entry is one LDIF record: a DN and a multimap of attribute name to raw
// (already base64-decoded where `::` framing was used) values.
type entry struct {
	dn         string
	attrs      map[string][]string
	startLine  int
}

// ProgressFunc is called after each entry with the byte offset consumed
// so far, at a rate the caller may throttle to ≤10 updates/sec per spec
// §4.4.1.
type ProgressFunc func(bytesRead int64)

// Parse streams entries out of r, returning a ParsedFile. uploadID tags
// the result; onProgress, if non-nil, is invoked after each entry.
func Parse(r io.Reader, uploadID core.UploadID, onProgress ProgressFunc) (*core.ParsedFile, error) {
	result := &core.ParsedFile{UploadID: uploadID, StartedAt: time.Now()}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var bytesRead int64
	lineNo := 0

	for {
		e, consumed, lastLine, err := readEntry(scanner, &lineNo)
		bytesRead += int64(consumed)
		if err != nil {
			return nil, pkderrors.LDIFFraming("malformed LDIF framing at line %d: %s", lastLine, err)
		}
		if e == nil {
			break // EOF, no more entries
		}
		processEntry(e, result)
		if onProgress != nil {
			onProgress(bytesRead)
		}
	}

	result.FinishedAt = time.Now()
	return result, nil
}

// readEntry consumes lines up to and including the blank line that
// terminates one LDIF record, handling RFC 2849 line folding (a
// continuation line starts with a single space). Returns a nil entry and
// a nil error at EOF with no pending entry.
func readEntry(scanner *bufio.Scanner, lineNo *int) (*entry, int, int, error) {
	var rawLines []string
	consumed := 0
	sawAny := false

	flush := func(buf *strings.Builder, lines *[]string) {
		if buf.Len() > 0 {
			*lines = append(*lines, buf.String())
			buf.Reset()
		}
	}

	var cur strings.Builder
	for scanner.Scan() {
		*lineNo++
		line := scanner.Text()
		consumed += len(line) + 1

		if line == "" {
			if sawAny {
				break
			}
			continue // skip leading blank lines between entries
		}
		sawAny = true

		if strings.HasPrefix(line, " ") {
			cur.WriteString(strings.TrimPrefix(line, " "))
			continue
		}
		flush(&cur, &rawLines)
		cur.WriteString(line)
	}
	flush(&cur, &rawLines)

	if err := scanner.Err(); err != nil {
		return nil, consumed, *lineNo, err
	}
	if len(rawLines) == 0 {
		return nil, consumed, *lineNo, nil
	}

	e := &entry{attrs: map[string][]string{}, startLine: *lineNo}
	for _, raw := range rawLines {
		if strings.HasPrefix(raw, "#") {
			continue
		}
		name, value, isBase64, err := splitAttrLine(raw)
		if err != nil {
			return nil, consumed, *lineNo, err
		}
		if isBase64 {
			decoded, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, consumed, *lineNo, fmt.Errorf("bad base64 for attribute %s: %w", name, err)
			}
			value = string(decoded)
		}
		if strings.EqualFold(name, "dn") {
			e.dn = value
			continue
		}
		e.attrs[name] = append(e.attrs[name], value)
	}
	if e.dn == "" {
		return nil, consumed, *lineNo, fmt.Errorf("entry has no dn:")
	}
	return e, consumed, *lineNo, nil
}

// splitAttrLine splits "name: value" or "name:: base64value", also
// tolerating the `;binary` attribute-option suffix per RFC 2849.
func splitAttrLine(line string) (name, value string, isBase64 bool, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false, fmt.Errorf("line missing ':': %q", line)
	}
	name = line[:idx]
	rest := line[idx+1:]
	if strings.HasPrefix(rest, ":") {
		return name, strings.TrimSpace(rest[1:]), true, nil
	}
	return name, strings.TrimSpace(rest), false, nil
}

func processEntry(e *entry, result *core.ParsedFile) {
	country := extractCountry(e)

	for _, raw := range e.attrs["userCertificate;binary"] {
		der := []byte(raw)
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			result.Errors = append(result.Errors, core.ParseError{
				Type: core.ParseErrorBadCert, Location: e.dn, Message: err.Error(),
			})
			continue
		}
		certType := core.CertTypeDSC
		if isSelfSignedCA(cert) {
			certType = core.CertTypeCSCA
		}
		result.Certificates = append(result.Certificates, core.CertificateRecord{
			DER:         der,
			Subject:     core.NewDistinguishedName(cert.Subject),
			Issuer:      core.NewDistinguishedName(cert.Issuer),
			SerialHex:   fmt.Sprintf("%X", cert.SerialNumber),
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
			Fingerprint: core.HashBytes(der),
			Type:        certType,
			Country:     country,
		})
	}

	for _, raw := range e.attrs["certificateRevocationList;binary"] {
		der := []byte(raw)
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			result.Errors = append(result.Errors, core.ParseError{
				Type: core.ParseErrorBadCRL, Location: e.dn, Message: err.Error(),
			})
			continue
		}
		result.CRLs = append(result.CRLs, crlToRecord(der, crl, country, e.dn, result))
	}

	if country == "" {
		result.Errors = append(result.Errors, core.ParseError{
			Type: core.ParseErrorMissingCC, Location: e.dn, Message: "no country code found in DN or subject attributes",
		})
	}
}

func isSelfSignedCA(cert *x509.Certificate) bool {
	if !cert.IsCA {
		return false
	}
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

func crlToRecord(der []byte, crl *x509.RevocationList, country core.CountryCode, dn string, result *core.ParsedFile) core.CRLRecord {
	rec := core.CRLRecord{
		DER:         der,
		Issuer:      core.NewDistinguishedName(crl.Issuer),
		Country:     country,
		ThisUpdate:  crl.ThisUpdate,
		NextUpdate:  crl.NextUpdate,
		Number:      crl.Number.String(),
		Fingerprint: core.HashBytes(der),
	}
	for _, rc := range crl.RevokedCertificateEntries {
		rec.Revoked = append(rec.Revoked, core.RevokedCertificate{
			SerialHex:      fmt.Sprintf("%X", rc.SerialNumber),
			RevocationTime: rc.RevocationTime,
			Reason:         core.CRLReasonCode(rc.ReasonCode),
		})
	}
	return rec
}

// extractCountry pulls a country code from the entry's DN `C=` RDN,
// falling back to the certificate subject's country attribute, per spec
// §4.4.1.
func extractCountry(e *entry) core.CountryCode {
	if cc := rdnCountry(e.dn); cc != "" {
		return cc
	}
	for _, raw := range e.attrs["userCertificate;binary"] {
		cert, err := x509.ParseCertificate([]byte(raw))
		if err != nil {
			continue
		}
		for _, c := range cert.Subject.Country {
			if code, err := core.NewCountryCode(c); err == nil {
				return code
			}
		}
	}
	return ""
}

func rdnCountry(dn string) core.CountryCode {
	for _, part := range strings.Split(dn, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToUpper(part), "C=") {
			if code, err := core.NewCountryCode(strings.TrimSpace(part[2:])); err == nil {
				return code
			}
		}
	}
	return ""
}
