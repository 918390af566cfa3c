package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature is returned for a missing, malformed or wrong
// webhook digest. The message is deliberately uninformative.
var ErrInvalidSignature = errors.New("webhook verification failed")

const signaturePrefix = "sha256="

// Authenticator checks the keyed HMAC-SHA256 digest of a request body.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns an authenticator for secret. An empty secret
// disables the check.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Authenticate verifies provided against the HMAC-SHA256 of body.
//
// This function uses constant-time comparison (crypto/subtle) to prevent timing attacks.
//
// The only accepted format is GitHub's X-Hub-Signature-256 value,
// "sha256=" followed by 64 hex characters.
//
// When no secret is configured every request passes.
func (a *Authenticator) Authenticate(body []byte, provided string) error {
	if !a.Enabled() {
		return nil
	}
	if provided == "" {
		return ErrInvalidSignature
	}

	actualMAC, err := parseSignature(provided)
	if err != nil || len(actualMAC) != sha256.Size {
		// Generic error - don't leak format details
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// parseSignature extracts and decodes the HMAC signature from the header.
func parseSignature(signature string) ([]byte, error) {
	hexSig, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok || len(hexSig) != hex.EncodedLen(sha256.Size) {
		return nil, ErrInvalidSignature
	}
	return hex.DecodeString(hexSig)
}

// Sign returns the GitHub-style "sha256=<hex>" digest of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
