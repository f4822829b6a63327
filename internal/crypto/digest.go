package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash anchors every event chain: the SHA-256 digest of the empty
// string, used as the previous-hash sentinel for sequence 0.
var GenesisHash = DigestHex(nil)

// DigestBytes returns the raw SHA-256 digest bytes.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestHex returns the SHA-256 digest as 64 lowercase hex characters.
// Digests are never truncated.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest hashes any JSON-encodable value by canonical form.
func Digest(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return DigestHex(canonical), nil
}

// CanonicalJSON renders any JSON-encodable value in canonical form. The
// value is round-tripped through encoding/json with UseNumber, so typed
// structs, maps in any key order, and documents re-decoded from disk all
// produce the same bytes.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonical form: %w", err)
	}
	return canonicalFromRaw(raw)
}

// DigestJSON hashes a raw JSON document by canonical form. Numbers are
// decoded with UseNumber so integer tokens stay exact.
func DigestJSON(raw []byte) (string, error) {
	canonical, err := canonicalFromRaw(raw)
	if err != nil {
		return "", err
	}
	return DigestHex(canonical), nil
}

func canonicalFromRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode for canonical form: %w", err)
	}
	return Canonicalize(v)
}
