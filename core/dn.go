// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"crypto/x509/pkix"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// DistinguishedName holds a certificate subject or issuer name in three
// forms, per spec §4.1: the verbatim string as it appeared in the source
// material, its RFC 2253 canonical form, and a reversed-RDN form used as a
// last-resort lookup variant. Any LDAP lookup tries all three, in that
// order.
type DistinguishedName struct {
	Verbatim  string
	Canonical string
	Reversed  string
}

// NewDistinguishedName builds a DistinguishedName from a pkix.Name as
// produced by crypto/x509 certificate parsing.
func NewDistinguishedName(name pkix.Name) DistinguishedName {
	verbatim := name.String()
	return DistinguishedName{
		Verbatim:  verbatim,
		Canonical: canonicalizeDN(verbatim),
		Reversed:  reverseDN(verbatim),
	}
}

// ParseDistinguishedName parses a DN string (RFC 2253/4514 form, as found
// in an LDIF "dn:" line or a CMS signer's issuer field) into its three
// lookup forms.
func ParseDistinguishedName(s string) DistinguishedName {
	return DistinguishedName{
		Verbatim:  s,
		Canonical: canonicalizeDN(s),
		Reversed:  reverseDN(s),
	}
}

// Variants returns the verbatim, canonical, and reversed forms in the
// order a lookup should try them, per spec §4.1.
func (d DistinguishedName) Variants() []string {
	variants := []string{d.Verbatim}
	if d.Canonical != d.Verbatim {
		variants = append(variants, d.Canonical)
	}
	if d.Reversed != d.Verbatim && d.Reversed != d.Canonical {
		variants = append(variants, d.Reversed)
	}
	return variants
}

func (d DistinguishedName) String() string {
	return d.Verbatim
}

// canonicalizeDN re-parses and re-renders a DN through go-ldap's RFC 4514
// decoder/encoder, which normalizes attribute-type case, RDN separators,
// and escaping. On parse failure the original string is returned unchanged
// rather than failing the whole lookup.
func canonicalizeDN(s string) string {
	parsed, err := ldap.ParseDN(s)
	if err != nil {
		return s
	}
	return parsed.String()
}

// reverseDN reverses the order of RDNs (a DN is most-specific-first in
// X.509 but LDAP DIT-style tooling sometimes stores it root-first); this
// is the third lookup variant called for by spec §4.1.
func reverseDN(s string) string {
	parsed, err := ldap.ParseDN(s)
	if err != nil {
		return s
	}
	rdns := parsed.RDNs
	reversed := make([]string, len(rdns))
	for i, rdn := range rdns {
		reversed[len(rdns)-1-i] = rdnString(rdn)
	}
	return strings.Join(reversed, ",")
}

func rdnString(rdn *ldap.RelativeDN) string {
	parts := make([]string, len(rdn.Attributes))
	for i, attr := range rdn.Attributes {
		parts[i] = attr.Type + "=" + attr.Value
	}
	return strings.Join(parts, "+")
}
