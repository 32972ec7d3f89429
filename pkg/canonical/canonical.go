// Package canonical provides the canonical byte encoding used for all
// content-addressed hashing in credstate. Every replica must derive the
// same digest from the same logical value, so encoding goes through
// RFC 8785 (JSON Canonicalization Scheme) with NFC-normalized strings,
// and digests use BLAKE2b-256.
package canonical

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// HashPrefix tags every digest string with its algorithm.
const HashPrefix = "blake2b:"

// Marshal returns the RFC 8785 canonical JSON encoding of v.
// Map key order, number formatting and escaping are fully determined
// by the input value, never by iteration order.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the BLAKE2b-256 digest of the canonical encoding of v,
// as a prefixed hex string.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes digests raw bytes with BLAKE2b-256.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// NormalizeString applies Unicode NFC normalization. Strings entering a
// hashed encoding must pass through here so that visually identical
// inputs hash identically on every replica.
func NormalizeString(s string) string {
	return norm.NFC.String(s)
}
