// Package canonicaljson produces the stable, sorted-key, whitespace-free
// JSON encoding used to compute machine definition checksums.
//
// encoding/json already marshals map[string]interface{} with lexically
// sorted keys and no indentation, so canonicalization is a decode-then-
// encode round trip through that representation rather than a hand
// rolled serializer.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Encode re-marshals v through a generic interface{} so that object keys
// come out sorted and numbers/strings/bools are rendered consistently.
func Encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Canonicalize(raw)
}

// Canonicalize re-encodes an already-serialized JSON document in
// canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; strip it so the
	// checksum is over the bytes alone.
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}
	return out, nil
}

// Checksum returns the lowercase hex SHA-256 of v's canonical encoding.
func Checksum(v interface{}) (string, error) {
	canon, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
