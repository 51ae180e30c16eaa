// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"fmt"
	"strings"
)

// CountryCode is an ISO 3166-1 alpha-2 country code, as extracted from a
// certificate or CRL's C= RDN.
type CountryCode string

// alpha3to2 maps the common ICAO/alpha-3 forms seen in PKD uploads to their
// alpha-2 equivalent. This is not an exhaustive ISO 3166-1 table; it covers
// the forms ICAO's own distribution has been observed to emit. Unknown
// alpha-3 codes fail closed per spec §4.1.
var alpha3to2 = map[string]string{
	"USA": "US", "GBR": "GB", "DEU": "DE", "FRA": "FR", "NLD": "NL",
	"BEL": "BE", "CHE": "CH", "AUT": "AT", "ESP": "ES", "ITA": "IT",
	"PRT": "PT", "IRL": "IE", "SWE": "SE", "NOR": "NO", "DNK": "DK",
	"FIN": "FI", "POL": "PL", "CZE": "CZ", "SVK": "SK", "HUN": "HU",
	"KOR": "KR", "JPN": "JP", "CHN": "CN", "IND": "IN", "AUS": "AU",
	"NZL": "NZ", "CAN": "CA", "MEX": "MX", "BRA": "BR", "ARG": "AR",
	"ZAF": "ZA", "SGP": "SG", "MYS": "MY", "THA": "TH", "IDN": "ID",
	"PHL": "PH", "VNM": "VN", "TUR": "TR", "RUS": "RU", "UKR": "UA",
	"GRC": "GR", "ROU": "RO", "BGR": "BG", "HRV": "HR", "SVN": "SI",
	"EST": "EE", "LVA": "LV", "LTU": "LT", "LUX": "LU", "ISL": "IS",
	"LIE": "LI", "MLT": "MT", "CYP": "CY", "UNO": "UN",
}

// NewCountryCode normalizes s to an alpha-2 CountryCode, mapping common
// alpha-3 forms via alpha3to2. It accepts alpha-2 input verbatim (uppercased)
// and fails closed on anything else, per spec §4.1.
func NewCountryCode(s string) (CountryCode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch len(s) {
	case 2:
		return CountryCode(s), nil
	case 3:
		if cc, ok := alpha3to2[s]; ok {
			return CountryCode(cc), nil
		}
		return "", fmt.Errorf("core: unknown alpha-3 country code %q", s)
	default:
		return "", fmt.Errorf("core: country code %q is neither alpha-2 nor alpha-3", s)
	}
}

func (c CountryCode) String() string {
	return string(c)
}
