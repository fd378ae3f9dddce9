// Package auth verifies the API key protecting the query and realtime
// surfaces. The key is configured either as an Argon2id hash (production) or
// as a plaintext value (local development); when neither is set the server
// runs open.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key using Argon2id. The output goes into
// KANSOKU_API_KEY_HASH.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// verifyHash checks an API key against an Argon2id-encoded hash.
func verifyHash(apiKey, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

// Verifier checks presented API keys against the configured credential.
type Verifier struct {
	plaintext string
	hash      string
}

// NewVerifier builds a verifier from the configured plaintext key and/or
// hash. Both empty means authentication is disabled.
func NewVerifier(plaintext, hash string) *Verifier {
	return &Verifier{plaintext: plaintext, hash: hash}
}

// Enabled reports whether any credential is configured.
func (v *Verifier) Enabled() bool {
	return v.plaintext != "" || v.hash != ""
}

// Verify reports whether the presented key matches. The hash takes
// precedence when both credentials are configured. Comparison is constant
// time in both modes.
func (v *Verifier) Verify(apiKey string) bool {
	if !v.Enabled() {
		return true
	}
	if apiKey == "" {
		return false
	}
	if v.hash != "" {
		ok, err := verifyHash(apiKey, v.hash)
		return err == nil && ok
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.plaintext)) == 1
}
