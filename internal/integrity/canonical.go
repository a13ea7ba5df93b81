// Package integrity provides the content hashing and signing primitives
// behind the causal chain and checkpoint ids.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON produces deterministic JSON for v: object keys sorted, no
// insignificant whitespace, no HTML escaping, numbers kept verbatim. Typed
// values and their decoded JSON form canonicalize to the same bytes.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(raw); err != nil {
		return nil, fmt.Errorf("encode canonical: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ContentHash returns the hex SHA-256 of the canonical JSON of v.
func ContentHash(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ChainHash links an entry hash to its predecessor's chain hash. The first
// entry of a chain has an empty predecessor.
func ChainHash(prevChainHash, entryHash string) string {
	sum := sha256.Sum256([]byte(prevChainHash + entryHash))
	return hex.EncodeToString(sum[:])
}
