// Package auth implements the protocol's bearer-token AUTH (constant
// time, SHA-256 hashed) and the admin HTTP surface's JWT operator
// tokens.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// BearerValidator checks an AUTH token against a configured set of
// SHA-256 hashes. Tokens are never stored in plaintext; only their
// hash is. Comparison is constant-time to avoid leaking which prefix
// of a guessed token matched.
type BearerValidator struct {
	hashes [][]byte
}

// NewBearerValidator builds a validator from hex-encoded SHA-256
// hashes, as configured in Auth's token_hashes / secrets_file.
func NewBearerValidator(tokenHashes []string) (*BearerValidator, error) {
	v := &BearerValidator{hashes: make([][]byte, 0, len(tokenHashes))}
	for _, h := range tokenHashes {
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return nil, err
		}
		v.hashes = append(v.hashes, decoded)
	}
	return v, nil
}

// Validate reports whether token hashes to one of the configured
// hashes. Every configured hash is compared (no early return on
// match) so the time taken does not reveal which, if any, matched.
func (v *BearerValidator) Validate(token string) bool {
	sum := sha256.Sum256([]byte(token))
	matched := 0
	for _, h := range v.hashes {
		if len(h) == len(sum) && subtle.ConstantTimeCompare(sum[:], h) == 1 {
			matched = 1
		}
	}
	return matched == 1
}

// HashToken returns the hex-encoded SHA-256 hash of token, in the form
// a token_hashes entry takes.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
