// Package crypt provides the hashing helpers used by the password-reset flow.
//
// The raw reset token is mailed to the user; only its SHA-256 digest is
// stored, so a database leak never exposes a usable token.
package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// RandomToken returns a cryptographically random hex string of 2n characters.
func RandomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Hash returns a SHA-256 hex digest of the input.
func Hash(input string) string {
	h := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", h)
}
