package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash seeds every chain: hex(SHA-256("")).
var GenesisHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// Canonicalize returns the hashed form of a serialized entry: the JSON object
// without its top-level "hash" key, keys sorted at every level, no
// insignificant whitespace, numbers kept as written. Writer and verifier
// both hash this form of the line bytes, never of an in-memory struct.
func Canonicalize(line []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("entry is not a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after entry")
	}
	delete(obj, "hash")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ChainHash is hex(SHA-256(canonical || previousHash)).
func ChainHash(canonical []byte, previous string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previous))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeEntry marshals v as a single JSON line.
func encodeEntry(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
