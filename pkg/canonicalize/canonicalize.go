// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic content fingerprinting of evidence
// artifacts. The same canonical content always produces the same digest,
// which is what makes idempotent re-sync and tamper detection work.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// HashPrefix is prepended to every hex digest so hashes are self-describing.
const HashPrefix = "sha256:"

// Canonical returns the RFC 8785 canonical JSON form of v. String values are
// normalized to Unicode NFC first so visually identical content from
// different sources hashes identically.
func Canonical(v any) ([]byte, error) {
	normalized := normalizeStrings(v)

	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// ContentHash returns the prefixed SHA-256 digest of the canonical form of v.
func ContentHash(v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashBytes returns the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(h[:])
}

// normalizeStrings walks maps, slices, and strings applying NFC. Other types
// pass through untouched; json.Marshal handles them.
func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}
