// Package pkce generates Proof Key for Code Exchange verifier/challenge
// pairs (RFC 7636, S256 method).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Method is the only challenge method generated.
const Method = "S256"

// verifierBytes is the number of random bytes behind a verifier. Encoded
// it yields a 43 character string, the RFC minimum.
const verifierBytes = 32

// Pair is a code verifier and its derived challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generate returns a fresh pair. It panics if the system CSPRNG fails,
// since nothing sensible can continue without randomness.
func Generate() Pair {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	verifier := base64.RawURLEncoding.EncodeToString(b)

	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		Method:    Method,
	}
}

// Challenge derives the S256 challenge for a verifier.
func Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Verify checks that SHA256(verifier) matches the challenge.
func Verify(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}
