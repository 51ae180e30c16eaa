// Package dg implements the DG1/DG2 ancillary parsers of spec §4.8: they
// do not participate in Passive Authentication truth, only in display.
package dg

import (
	"bytes"
	"fmt"
)

// MRZFields holds the TD3 (passport) Machine Readable Zone fields decoded
// from DG1.
type MRZFields struct {
	DocumentCode   string
	IssuingState   string
	Surname        string
	GivenNames     string
	DocumentNumber string
	Nationality    string
	DateOfBirth    string // YYMMDD
	Sex            string
	DateOfExpiry   string // YYMMDD
}

// ParseDG1 extracts TD3 MRZ fields from a DG1 data group's decoded value.
// DG1 wraps a fixed 88-byte TD3 MRZ (two 44-character lines) inside a TLV
// tag; rather than a full ASN.1 BER walk, the two lines are taken as the
// last 88 bytes of data, which is how a TD3 MRZ always appears regardless
// of the surrounding tag length encoding.
func ParseDG1(data []byte) (MRZFields, error) {
	const mrzLen = 88
	if len(data) < mrzLen {
		return MRZFields{}, fmt.Errorf("dg1: data too short for a TD3 MRZ (%d bytes)", len(data))
	}
	mrz := data[len(data)-mrzLen:]
	line1 := string(mrz[:44])
	line2 := string(mrz[44:])

	if len(line1) < 5 || len(line2) < 44 {
		return MRZFields{}, fmt.Errorf("dg1: malformed MRZ lines")
	}

	names := splitNames(line1[5:44])

	return MRZFields{
		DocumentCode:   line1[0:2],
		IssuingState:   line1[2:5],
		Surname:        names[0],
		GivenNames:     names[1],
		DocumentNumber: trimFiller(line2[0:9]),
		Nationality:    line2[10:13],
		DateOfBirth:    line2[13:19],
		Sex:            line2[20:21],
		DateOfExpiry:   line2[21:27],
	}, nil
}

func splitNames(field string) [2]string {
	parts := bytes.SplitN([]byte(field), []byte("<<"), 2)
	surname := trimFiller(string(parts[0]))
	given := ""
	if len(parts) == 2 {
		given = trimFiller(string(bytes.ReplaceAll(parts[1], []byte("<"), []byte(" "))))
	}
	return [2]string{surname, given}
}

func trimFiller(s string) string {
	return string(bytes.Trim([]byte(s), "< "))
}

// jpegMagic and jp2kMagic are the byte sequences ParseDG2Image searches
// for, from minOffset on, when stripping the ISO/IEC 19794-5 "FAC" header,
// per spec §4.8.
var (
	jpegMagic  = []byte{0xFF, 0xD8, 0xFF}
	jp2kMagic  = []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50}
	minOffset  = 20
)

// ParseDG2Image locates and returns the embedded JPEG or JPEG2000 face
// image inside a DG2 data group's decoded value, stripping the preceding
// ISO/IEC 19794-5 biometric header by magic-byte scan.
func ParseDG2Image(data []byte) ([]byte, error) {
	if len(data) <= minOffset {
		return nil, fmt.Errorf("dg2: data too short to contain a header and image")
	}
	search := data[minOffset:]

	if idx := bytes.Index(search, jpegMagic); idx >= 0 {
		return data[minOffset+idx:], nil
	}
	if idx := bytes.Index(search, jp2kMagic); idx >= 0 {
		return data[minOffset+idx:], nil
	}
	return nil, fmt.Errorf("dg2: no JPEG or JPEG2000 magic bytes found")
}
