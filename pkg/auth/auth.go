// Package auth provides API key and bearer token authentication with
// permission sets for the gateway API.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "github.com/portbridge/portbridge/pkg/errors"
)

// Wildcard and role permissions.
const (
	PermissionAll   = "*"
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// APIKey is a long-lived credential with a permission set.
type APIKey struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt,omitempty"`
}

// Token is a bearer credential with an expiry.
type Token struct {
	UserID      string    `json:"userId"`
	Token       string    `json:"token"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
	LastUsedAt  time.Time `json:"lastUsedAt,omitempty"`
}

// Request carries the credentials and context of one API request.
type Request struct {
	Token    string
	APIKey   string
	ClientIP string
	Method   string
	Resource string
}

// Result is the outcome of an authentication attempt.
type Result struct {
	Success     bool     `json:"success"`
	Subject     string   `json:"subject,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Store holds API keys and tokens. All state is in-process.
type Store struct {
	mu      sync.RWMutex
	apiKeys map[string]*APIKey
	tokens  map[string]*Token
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{
		apiKeys: make(map[string]*APIKey),
		tokens:  make(map[string]*Token),
	}
}

// CreateAPIKey mints a new API key with the given permission set.
func (s *Store) CreateAPIKey(name string, permissions []string) (*APIKey, error) {
	material, err := randomHex(24)
	if err != nil {
		return nil, perrors.NewInternal(perrors.CodeInternal, "failed to generate key material", err)
	}

	key := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Key:         "pbk_" + material,
		Permissions: normalizePermissions(permissions),
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.apiKeys[key.Key] = key
	s.mu.Unlock()
	return key, nil
}

// DeleteAPIKey removes the key by its material.
func (s *Store) DeleteAPIKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apiKeys[key]; !ok {
		return perrors.NewNotFound("API key not found")
	}
	delete(s.apiKeys, key)
	return nil
}

// ListAPIKeys returns snapshots of all keys.
func (s *Store) ListAPIKeys() []APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		out = append(out, *k)
	}
	return out
}

// GenerateToken mints a bearer token for the user, valid for the given
// number of hours.
func (s *Store) GenerateToken(userID string, permissions []string, hours int) (*Token, error) {
	if hours <= 0 {
		hours = 24
	}
	material, err := randomHex(24)
	if err != nil {
		return nil, perrors.NewInternal(perrors.CodeInternal, "failed to generate token material", err)
	}

	token := &Token{
		UserID:      userID,
		Token:       "pbt_" + material,
		Permissions: normalizePermissions(permissions),
		ExpiresAt:   time.Now().Add(time.Duration(hours) * time.Hour),
	}

	s.mu.Lock()
	s.tokens[token.Token] = token
	s.mu.Unlock()
	return token, nil
}

// RevokeToken removes the token by its material.
func (s *Store) RevokeToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token]; !ok {
		return perrors.NewNotFound("token not found")
	}
	delete(s.tokens, token)
	return nil
}

// ListTokens returns snapshots of all tokens.
func (s *Store) ListTokens() []Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, *t)
	}
	return out
}

// Authenticate validates the request credentials and checks the permission
// required for the resource. Bearer tokens are checked first, then API keys;
// the first match wins.
func (s *Store) Authenticate(req Request) Result {
	subject, perms, ok := s.resolve(req)
	if !ok {
		return Result{Success: false, Error: "no valid credential"}
	}

	required := RequiredPermission(req.Method, req.Resource)
	if !HasPermission(perms, required, req.Resource) {
		return Result{
			Success:     false,
			Subject:     subject,
			Permissions: perms,
			Error:       fmt.Sprintf("missing %q permission", required),
		}
	}

	return Result{Success: true, Subject: subject, Permissions: perms}
}

func (s *Store) resolve(req Request) (string, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Token != "" {
		if t, ok := s.tokens[req.Token]; ok {
			// Second precision: a token is valid through its expiry second.
			if time.Now().Unix() < t.ExpiresAt.Unix() {
				t.LastUsedAt = time.Now()
				return t.UserID, t.Permissions, true
			}
			delete(s.tokens, req.Token)
		}
	}

	if req.APIKey != "" {
		if k, ok := s.apiKeys[req.APIKey]; ok {
			k.LastUsedAt = time.Now()
			return k.Name, k.Permissions, true
		}
	}

	return "", nil, false
}

// RequiredPermission maps an HTTP method and resource path to the permission
// it requires. Credential management is admin-only; reads require read;
// mutations require write.
func RequiredPermission(method, resource string) string {
	if strings.HasPrefix(resource, "/api/auth") {
		return PermissionAdmin
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return PermissionRead
	default:
		return PermissionWrite
	}
}

// HasPermission reports whether the permission set covers the requirement:
// wildcard or admin always pass, otherwise the set must contain the required
// permission or a pattern covering the concrete resource.
func HasPermission(perms []string, required, resource string) bool {
	for _, p := range perms {
		switch p {
		case PermissionAll, PermissionAdmin:
			return true
		case required:
			return true
		}
		if resource != "" && p == resource {
			return true
		}
	}
	return false
}

func normalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return []string{PermissionRead}
	}
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
