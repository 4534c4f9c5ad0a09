package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// APIKeyAuthenticator validates static API keys. Keys are indexed by
// SHA-256 hash so the plaintext never lives in memory past startup.
type APIKeyAuthenticator struct {
	keys map[string]string // hash -> key name
}

// NewAPIKeyAuthenticator builds an authenticator from plaintext keys.
// Keys without an explicit name get a positional one.
func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{keys: make(map[string]string, len(keys))}
	for i, k := range keys {
		name := fmt.Sprintf("key-%d", i+1)
		// "name:secret" form lets operators label keys in config.
		if idx := strings.IndexByte(k, ':'); idx > 0 {
			name = k[:idx]
			k = k[idx+1:]
		}
		if k == "" {
			continue
		}
		a.keys[hashAPIKey(k)] = name
	}
	return a
}

// Len reports how many keys are registered.
func (a *APIKeyAuthenticator) Len() int { return len(a.keys) }

// Authenticate implements Authenticator. It accepts the key as a bearer
// token, an ApiKey authorization scheme, or the X-API-Key header.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) *Identity {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		authHeader := r.Header.Get("Authorization")
		switch {
		case len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer "):
			key = authHeader[7:]
		case len(authHeader) > 7 && authHeader[:7] == "ApiKey ":
			key = authHeader[7:]
		}
	}
	if key == "" {
		return nil
	}

	if name, ok := a.keys[hashAPIKey(key)]; ok {
		return &Identity{
			Subject: "apikey:" + name,
			KeyName: name,
		}
	}
	return nil
}

// hashAPIKey creates a SHA256 hash of the API key
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// VerifyAPIKey checks if a plaintext key matches a hash
func VerifyAPIKey(plaintext, hash string) bool {
	computed := hashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
