// Package auth gates the relay's two surfaces: client keys for
// /v1/messages and a separate admin key for the account CRUD endpoints.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Keyring holds the accepted credentials. Client keys are compared in
// constant time via sha256 digests; the admin key is stored as a bcrypt
// hash since the admin surface is low volume.
type Keyring struct {
	clientDigests [][32]byte
	adminHash     []byte
}

func NewKeyring(clientKeys []string, adminKeyHash string) *Keyring {
	k := &Keyring{adminHash: []byte(adminKeyHash)}
	for _, key := range clientKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		k.clientDigests = append(k.clientDigests, sha256.Sum256([]byte(key)))
	}
	return k
}

// HashAdminKey produces the bcrypt hash stored in configuration.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ClientAllowed reports whether key is an accepted client key. An empty
// keyring accepts everything, for local development.
func (k *Keyring) ClientAllowed(key string) bool {
	if len(k.clientDigests) == 0 {
		return true
	}
	digest := sha256.Sum256([]byte(key))
	for _, want := range k.clientDigests {
		if subtle.ConstantTimeCompare(digest[:], want[:]) == 1 {
			return true
		}
	}
	return false
}

// AdminAllowed reports whether key matches the admin credential. A
// missing admin hash disables the admin surface entirely.
func (k *Keyring) AdminAllowed(key string) bool {
	if len(k.adminHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(k.adminHash, []byte(key)) == nil
}

// ExtractKey pulls the caller's key from x-api-key or a bearer token,
// matching what Messages API clients already send.
func ExtractKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RequireClient wraps a handler with client-key authentication.
func (k *Keyring) RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.ClientAllowed(ExtractKey(r)) {
			writeAuthError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin wraps a handler with admin-key authentication.
func (k *Keyring) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.AdminAllowed(ExtractKey(r)) {
			writeAuthError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
}
