// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package validate

import (
	zx509 "github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"
)

// structuralRegistry restricts zlint to its RFC 5280 source: ASN.1
// encoding and extension well-formedness checks that apply to any X.509
// certificate, CABF baseline requirements excluded since CSCA/DSC
// certificates follow the ICAO 9303 profile, not the Web PKI one.
var structuralRegistry = mustFilterRegistry()

func mustFilterRegistry() lint.Registry {
	reg, err := lint.GlobalRegistry().Filter(lint.FilterOptions{
		IncludeSources: lint.SourceList{lint.RFC5280},
	})
	if err != nil {
		// The source list above is fixed at compile time; a filter error
		// here would mean zlint's registry itself is broken.
		panic("validate: building zlint structural registry: " + err.Error())
	}
	return reg
}

// lintErrorNames runs the RFC 5280 structural lint set against der and
// returns the names of any lints that reported LintStatus Error, used to
// surface encoding defects that crypto/x509's parser tolerates silently.
func lintErrorNames(der []byte) []string {
	cert, err := zx509.ParseCertificate(der)
	if err != nil {
		return nil
	}
	res := zlint.LintCertificateEx(cert, structuralRegistry)
	if res == nil {
		return nil
	}
	var names []string
	for name, r := range res.Results {
		if r.Status == lint.Error {
			names = append(names, name)
		}
	}
	return names
}
