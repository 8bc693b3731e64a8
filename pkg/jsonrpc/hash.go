package jsonrpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalHash returns the SHA-256 hex digest of the canonical form of a
// JSON payload: object keys sorted, insignificant whitespace removed,
// numbers preserved as written. Two frames that differ only in formatting
// hash identically. Bytes that are not valid JSON are hashed verbatim so
// unknown frames still get a stable digest.
func CanonicalHash(raw []byte) string {
	canon, err := canonicalize(raw)
	if err != nil {
		canon = raw
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// canonicalize re-encodes JSON with sorted keys and compact formatting.
// encoding/json sorts map keys on marshal; json.Number keeps numeric
// payloads byte-stable through the round trip.
func canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
