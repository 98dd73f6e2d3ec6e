package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
)

// StableHash implements the deterministic id/hash contract used
// throughout the ledger (execution_id, request_hash, policy_hash,
// route_hash, event_hash):
//
//	SHA-256( for each part: part ‖ '\n' )
//
// rendered as lowercase hex. Byte-identical parts yield byte-identical
// output across processes and releases — callers are responsible for
// canonicalizing any structured input (via JCS/CanonicalHash) into a
// part before passing it here.
func StableHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
