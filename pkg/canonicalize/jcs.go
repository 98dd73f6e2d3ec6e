// Package canonicalize implements the deterministic codec AEX uses
// everywhere a byte-identical representation of a value is required:
// execution_id derivation, request/policy/route hashing, and the
// ledger's hash-chained event log.
//
// Canonical JSON here means RFC 8785 (JCS): object keys sorted, no
// insignificant whitespace, no HTML-escaping. String leaves are
// additionally normalized to NFC before transformation so two callers
// that send visually identical but differently-composed UTF-8 text
// hash identically.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard encoding/json rules (so struct
// tags, omitempty, and custom MarshalJSON methods are respected), every
// string leaf is then NFC-normalized, and the result is transformed into
// canonical form by github.com/gowebpki/jcs.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	var generic interface{}
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	normalized, err := json.Marshal(normalizeStrings(generic))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// JCSString returns the JCS canonical form of v as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the lowercase hex SHA-256 digest of the JCS
// canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeStrings walks a decoded JSON value (map[string]interface{},
// []interface{}, json.Number, string, bool, nil) and NFC-normalizes
// every string it finds, including map keys.
func normalizeStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return normalizeString(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[normalizeString(k)] = normalizeStrings(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = normalizeStrings(elem)
		}
		return out
	default:
		return v
	}
}

func normalizeString(s string) string {
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}
