package primitives

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// RenderContentId formats a 32-byte content identifier as "0x" plus
// 64 lowercase hex characters.
func RenderContentId(id [32]byte) string {
	return fmt.Sprintf("0x%x", id[:])
}

// ParseContentId parses the "0x"-prefixed hex form back into 32 bytes.
func ParseContentId(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return out, fmt.Errorf("content id must be 64 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid content id hex: %w", err)
	}
	copy(out[:], raw)
	return out, nil
}

// Base58Encode renders keys and ledger addresses per §6 (Bitcoin
// alphabet, no padding).
func Base58Encode(b []byte) string { return base58.Encode(b) }

// Base58Decode parses a Base58 string back into bytes.
func Base58Decode(s string) ([]byte, error) { return base58.Decode(s) }

// Base64Encode renders binary blobs (ciphertexts, nonces, signatures,
// attestation documents) per §6 (standard alphabet, with padding).
func Base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// Base64Decode parses a standard-alphabet, padded Base64 string.
func Base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// ParseRFC3339ToEpoch parses an RFC-3339 timestamp using either "Z" or
// a numeric UTC offset, with optional fractional seconds, into whole
// Unix epoch seconds (R3). Only UTC instants are accepted: a non-zero
// offset is rejected, matching the trusted-timestamp field's "UTC
// only" contract.
func ParseRFC3339ToEpoch(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("parse rfc3339: %w", err)
	}
	if _, offset := t.Zone(); offset != 0 {
		return 0, fmt.Errorf("rfc3339 timestamp must be UTC, got offset %ds", offset)
	}
	return t.Unix(), nil
}
