package blob

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icao-pkd/pkd-eval/core"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s := New(t.TempDir(), fc)

	path, err := s.Write(core.FormatCSCACompleteLDIF, "icao_csca_de.ldif", []byte("hello"))
	require.NoError(t, err)
	assert.Contains(t, path, "csca-complete-ldif")
	assert.Contains(t, filepath.Base(path), "20260102_030405")

	data, err := s.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestWriteAvoidsCollisionWithCounterSuffix(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s := New(t.TempDir(), fc)

	first, err := s.Write(core.FormatCSCACompleteLDIF, "dump.ldif", []byte("a"))
	require.NoError(t, err)
	second, err := s.Write(core.FormatCSCACompleteLDIF, "dump.ldif", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Contains(t, filepath.Base(second), "-1")

	data, err := s.Read(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)
}

func TestDetectFormatRecognizesLDIFVariants(t *testing.T) {
	cases := []struct {
		name string
		data string
		want core.FileFormat
	}{
		{"csca_complete.ldif", "dn: c=DE\nobjectClass: top\n", core.FormatCSCACompleteLDIF},
		{"csca_delta.ldif", "version: 1\ndn: c=DE\n", core.FormatCSCADeltaLDIF},
		{"emrtd_delta.ldif", "dn: c=DE\n", core.FormatEMRTDDeltaLDIF},
		{"emrtd_complete.ldif", "dn: c=DE\n", core.FormatEMRTDCompleteLDIF},
	}
	for _, c := range cases {
		got, ok := DetectFormat(c.name, []byte(c.data))
		assert.True(t, ok, c.name)
		assert.Equal(t, c.want, got, c.name)
	}
}

func TestDetectFormatRecognizesSignedCMS(t *testing.T) {
	data := append([]byte{0x30, 0x80}, signedDataOID...)
	got, ok := DetectFormat("masterlist.ml", data)
	assert.True(t, ok)
	assert.Equal(t, core.FormatMLSignedCMS, got)
}

func TestDetectFormatRejectsUnrecognizedContent(t *testing.T) {
	_, ok := DetectFormat("readme.txt", []byte("just some text"))
	assert.False(t, ok)
}
