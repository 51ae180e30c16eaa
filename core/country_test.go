// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCountryCodeAcceptsAlpha2Verbatim(t *testing.T) {
	cc, err := NewCountryCode("de")
	require.NoError(t, err)
	assert.Equal(t, CountryCode("DE"), cc)
}

func TestNewCountryCodeMapsKnownAlpha3(t *testing.T) {
	cc, err := NewCountryCode("DEU")
	require.NoError(t, err)
	assert.Equal(t, CountryCode("DE"), cc)
}

func TestNewCountryCodeFailsClosedOnUnknownAlpha3(t *testing.T) {
	_, err := NewCountryCode("ZZZ")
	assert.Error(t, err)
}

func TestNewCountryCodeRejectsOtherLengths(t *testing.T) {
	_, err := NewCountryCode("GERMANY")
	assert.Error(t, err)
	_, err = NewCountryCode("")
	assert.Error(t, err)
}
