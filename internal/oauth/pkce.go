// Package oauth implements the client side of an OAuth 2.0
// authorization-code grant with PKCE and refresh tokens: building the
// authorization URL, collecting the redirect callback, and exchanging
// codes or refresh tokens at the token endpoint.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const (
	// verifierBytes is the number of random bytes in a PKCE code
	// verifier (base64url-encoded to 54 characters).
	verifierBytes = 40

	// stateBytes is the number of random bytes in an anti-CSRF state
	// value.
	stateBytes = 16
)

// PKCE is a verifier/challenge pair for a single authorization attempt.
// The challenge travels in the authorization URL; the verifier is revealed
// only at exchange time, proving this client initiated the request.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh verifier and its S256 challenge.
func NewPKCE() PKCE {
	verifier := randomURLToken(verifierBytes)
	h := sha256.Sum256([]byte(verifier))

	return PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(h[:]),
	}
}

// NewState generates a random anti-CSRF state value.
func NewState() string {
	return randomURLToken(stateBytes)
}

// randomURLToken returns byteLen random bytes, base64url-encoded without
// padding. The process cannot continue safely without a secure random
// source, so a rand failure panics.
func randomURLToken(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return base64.RawURLEncoding.EncodeToString(b)
}
