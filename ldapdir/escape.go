// Package ldapdir implements the ICAO 9303 Part 12 directory layout of
// spec §4.6: a batching writer and a lookup reader over a connection
// pool, built on github.com/go-ldap/ldap/v3 (no example repo in the
// retrieval pack ships an LDAP client; named, not grounded, in DESIGN.md).
package ldapdir

import "strings"

// EscapeDNValue escapes a string for safe inclusion as an RDN attribute
// value per RFC 4514, used when constructing the `cn` of a pkdDownload
// entry from a raw subject or issuer DN string (spec §4.6: "cn and =
// appear literally in the cn and are handled by DN-escape at bind time").
func EscapeDNValue(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '\\' || r == '"' || r == '+' || r == ',' || r == ';' || r == '<' || r == '>':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '#' && i == 0:
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == ' ' && (i == 0 || i == len(s)-1):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == 0:
			b.WriteString(`\00`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
