// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// FileHash is the canonical 64-hex lowercase SHA-256 digest of an
// uploaded artifact or a DER-encoded certificate/CRL.
type FileHash string

// NewFileHash validates that s is a 64-character lowercase hex string and
// returns it as a FileHash. It rejects non-hex input and wrong lengths, per
// spec: "construction rejects non-hex or wrong length".
func NewFileHash(s string) (FileHash, error) {
	if len(s) != hex.EncodedLen(sha256.Size) {
		return "", fmt.Errorf("core: file hash %q has wrong length, want %d hex chars", s, hex.EncodedLen(sha256.Size))
	}
	if strings.ToLower(s) != s {
		return "", fmt.Errorf("core: file hash %q is not lowercase", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("core: file hash %q is not valid hex: %w", s, err)
	}
	return FileHash(s), nil
}

// HashBytes computes the canonical FileHash of data.
func HashBytes(data []byte) FileHash {
	sum := sha256.Sum256(data)
	return FileHash(hex.EncodeToString(sum[:]))
}

// Equal does a constant-time comparison, since file hashes arrive from
// clients and are compared against server-computed digests (§4.2 BAD_DIGEST
// check).
func (h FileHash) Equal(other FileHash) bool {
	return subtle.ConstantTimeCompare([]byte(h), []byte(other)) == 1
}

func (h FileHash) String() string {
	return string(h)
}
