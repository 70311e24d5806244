// Package auth implements the minimal password gate framed in spec.md
// §6: a status check and a constant-time token verification, with no
// session storage or multi-user ACL (out of scope per spec.md §1).
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Gate compares a caller-supplied token against the SHA-256 digest of a
// configured password. A Gate with an empty password is disabled: every
// token verifies and Enabled reports false.
type Gate struct {
	enabled bool
	digest  [sha256.Size]byte
}

// NewGate builds a Gate from the configured access password. An empty
// password disables the gate entirely.
func NewGate(password string) *Gate {
	if password == "" {
		return &Gate{}
	}
	return &Gate{enabled: true, digest: sha256.Sum256([]byte(password))}
}

// Enabled reports whether a password is configured.
func (g *Gate) Enabled() bool { return g.enabled }

// Verify reports whether token matches the configured password, in
// constant time with respect to the digest comparison. A disabled gate
// accepts every token.
func (g *Gate) Verify(token string) bool {
	if !g.enabled {
		return true
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], g.digest[:]) == 1
}
