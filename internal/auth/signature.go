// ABOUTME: HMAC-SHA256 request signing over a canonical timestamp/method/path/body payload
// ABOUTME: Shared by the verifying gate and the signing client so both sides stay bit-exact

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// EmptyBodyHash is hex(SHA256("")), the body hash of every request without a body.
const EmptyBodyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Engine computes and verifies request signatures for a single shared secret.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	secret []byte
}

// NewEngine creates an Engine for the given shared secret.
func NewEngine(secret string) *Engine {
	return &Engine{secret: []byte(secret)}
}

// HasSecret reports whether a non-empty secret is configured.
func (e *Engine) HasSecret() bool {
	return len(e.secret) > 0
}

// Generate returns the lowercase hex HMAC-SHA256 of the canonical payload.
func (e *Engine) Generate(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write(CanonicalPayload(timestamp, method, path, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it to candidate in constant time.
// It always returns false when no secret is configured.
func (e *Engine) Verify(candidate, timestamp, method, path string, body []byte) bool {
	if !e.HasSecret() {
		return false
	}
	expected := e.Generate(timestamp, method, path, body)
	return constantTimeEqual(expected, candidate)
}

// CanonicalPayload builds timestamp\nMETHOD\npath\nhex(sha256(body)).
func CanonicalPayload(timestamp, method, path string, body []byte) []byte {
	var b strings.Builder
	b.Grow(len(timestamp) + len(method) + len(path) + len(EmptyBodyHash) + 3)
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(BodyHash(body))
	return []byte(b.String())
}

// BodyHash returns the lowercase hex SHA-256 digest of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual compares two strings without leaking the mismatch position
// or the length difference: both sides are reduced to fixed-size digests first.
func constantTimeEqual(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	digestsMatch := subtle.ConstantTimeCompare(da[:], db[:])
	lengthsMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return digestsMatch&lengthsMatch == 1
}
