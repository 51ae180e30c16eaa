// Package blob is the content-addressed store of spec §4.2: uploaded
// bytes are written under a format-routed directory layout, named for
// collision resistance within the same second, and never overwritten.
package blob

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
)

// Store writes and reads upload bytes under a root directory, one
// subdirectory per detected format.
type Store struct {
	root string
	clk  clock.Clock
}

// New constructs a Store rooted at root. The directory tree for each
// FileFormat is created lazily on first write.
func New(root string, clk clock.Clock) *Store {
	return &Store{root: root, clk: clk}
}

func formatDir(f core.FileFormat) string {
	return strings.ToLower(strings.ReplaceAll(string(f), "_", "-"))
}

// Write persists data under <root>/<format-dir>/<originalName>_<timestamp><ext>,
// per spec §4.2. If that path is already taken (two writes landing in the
// same second), a deterministic counter is appended until a free name is
// found.
func (s *Store) Write(format core.FileFormat, originalName string, data []byte) (string, error) {
	dir := filepath.Join(s.root, formatDir(format))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: creating %s: %w", dir, err)
	}

	ext := filepath.Ext(originalName)
	base := strings.TrimSuffix(originalName, ext)
	stamp := s.clk.Now().UTC().Format("20060102_150405")

	for counter := 0; ; counter++ {
		name := fmt.Sprintf("%s_%s%s", base, stamp, ext)
		if counter > 0 {
			name = fmt.Sprintf("%s_%s-%d%s", base, stamp, counter, ext)
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := ioutil.WriteFile(path, data, 0o644); err != nil {
				return "", fmt.Errorf("blob: writing %s: %w", path, err)
			}
			return path, nil
		}
	}
}

// Read returns the bytes stored at path.
func (s *Store) Read(path string) ([]byte, error) {
	return ioutil.ReadFile(path)
}

// DetectFormat classifies raw bytes by name suffix and a magic-byte check,
// per spec §4.2: "LDIF begins with dn: or version:; CMS SignedData starts
// with an ASN.1 SEQUENCE tag and carries the signedData OID in its header
// region."
func DetectFormat(originalName string, data []byte) (core.FileFormat, bool) {
	lower := strings.ToLower(originalName)
	trimmed := strings.TrimLeft(string(data), " \t\r\n")

	looksLikeLDIF := strings.HasPrefix(trimmed, "dn:") || strings.HasPrefix(trimmed, "version:")
	looksLikeCMS := len(data) > 0 && data[0] == 0x30 && containsSignedDataOID(data)

	switch {
	case looksLikeCMS:
		return core.FormatMLSignedCMS, true
	case looksLikeLDIF && strings.Contains(lower, "csca") && strings.Contains(lower, "delta"):
		return core.FormatCSCADeltaLDIF, true
	case looksLikeLDIF && strings.Contains(lower, "csca"):
		return core.FormatCSCACompleteLDIF, true
	case looksLikeLDIF && strings.Contains(lower, "delta"):
		return core.FormatEMRTDDeltaLDIF, true
	case looksLikeLDIF:
		return core.FormatEMRTDCompleteLDIF, true
	default:
		return "", false
	}
}

// signedDataOID is the DER encoding of the PKCS#7/CMS id-signedData OID
// (1.2.840.113549.1.7.2), searched for within the header region of the
// ASN.1 stream rather than fully parsed, per spec §4.2.
var signedDataOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x02}

func containsSignedDataOID(data []byte) bool {
	limit := 64
	if len(data) < limit {
		limit = len(data)
	}
	return strings.Contains(string(data[:limit]), string(signedDataOID))
}
