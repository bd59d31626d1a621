// Package pairing implements the local browser-to-gateway pairing flow: a
// rotating numeric verification code, a three-step PBKDF2/HMAC handshake,
// and short-lived session tokens bound to the requesting origin.
package pairing

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logger"
)

// Protocol constants. The KDF parameters are fixed and advertised to the
// client in the init response.
const (
	CodeRotationPeriod = 60 * time.Second
	HandshakeTTL       = 60 * time.Second
	SessionTokenTTL    = 600 * time.Second

	KDFName       = "pbkdf2"
	KDFIterations = 200_000
	KDFHash       = "SHA-256"
	KDFLength     = 32

	rateLimitWindow = 60 * time.Second
	rateLimitMax    = 5
)

// KDFParams are advertised to the client so it can derive the same key.
type KDFParams struct {
	Iterations int    `json:"iterations"`
	Hash       string `json:"hash"`
	Length     int    `json:"length"`
}

// Handshake is one in-flight pairing handshake.
type Handshake struct {
	ID          string    `json:"id"`
	Origin      string    `json:"origin"`
	ClientNonce string    `json:"clientNonce"`
	ServerNonce string    `json:"serverNonce"`
	KDF         string    `json:"kdf"`
	KDFParams   KDFParams `json:"kdfParams"`
	Approved    bool      `json:"approved"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// SessionToken grants access to the LocalMCP endpoints for one origin.
type SessionToken struct {
	Token     string    `json:"token"`
	Origin    string    `json:"origin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// InitResponse is returned by the init step.
type InitResponse struct {
	HandshakeID string    `json:"handshakeId"`
	ServerNonce string    `json:"serverNonce"`
	ExpiresIn   int       `json:"expiresIn"`
	KDF         string    `json:"kdf"`
	KDFParams   KDFParams `json:"kdfParams"`
}

// ConfirmResponse is returned by a successful confirm step.
type ConfirmResponse struct {
	SessionToken string `json:"sessionToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Manager owns the rotating code, the handshake records, the session tokens
// and the per-origin rate limiter.
type Manager struct {
	mu            sync.Mutex
	current       string
	previous      string
	codeExpiresAt time.Time

	handshakes map[string]*Handshake
	tokens     map[string]*SessionToken

	// rate maps origin to its recent init timestamps, trimmed on write.
	rate map[string][]time.Time

	now func() time.Time
}

// NewManager creates a manager with a freshly generated code.
func NewManager() *Manager {
	m := &Manager{
		handshakes: make(map[string]*Handshake),
		tokens:     make(map[string]*SessionToken),
		rate:       make(map[string][]time.Time),
		now:        time.Now,
	}
	m.rotateLocked()
	return m
}

// Start rotates the code every minute and sweeps expired records until the
// context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(CodeRotationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.rotateLocked()
			m.sweepLocked()
			m.mu.Unlock()
		}
	}
}

// rotateLocked moves current to previous and generates a fresh 8-digit code.
func (m *Manager) rotateLocked() {
	m.previous = m.current
	m.current = generateCode()
	m.codeExpiresAt = m.now().Add(CodeRotationPeriod)
}

// sweepLocked drops expired handshakes and tokens. Expiry is also checked on
// use; the sweep only bounds memory.
func (m *Manager) sweepLocked() {
	now := m.now()
	for id, h := range m.handshakes {
		if now.After(h.ExpiresAt) {
			delete(m.handshakes, id)
		}
	}
	for t, s := range m.tokens {
		if now.After(s.ExpiresAt) {
			delete(m.tokens, t)
		}
	}
}

// CurrentCode returns the active verification code and the seconds until it
// rotates.
func (m *Manager) CurrentCode() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresIn := int(time.Until(m.codeExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return m.current, expiresIn
}

// CheckRequest enforces the host/origin binding shared by the pairing
// endpoints: loopback host, Origin header present, no cross-site fetch.
func CheckRequest(r *http.Request) error {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host != "127.0.0.1" && host != "localhost" {
		return perrors.NewForbidden(perrors.CodeHostForbidden, "pairing requires a loopback host")
	}

	if r.Header.Get("Origin") == "" {
		return perrors.New(perrors.CodeOriginRequired, http.StatusForbidden, "Origin header is required", false, nil)
	}

	if strings.EqualFold(r.Header.Get("Sec-Fetch-Site"), "cross-site") {
		return perrors.NewForbidden(perrors.CodeFetchSiteForbidden, "cross-site requests are not allowed")
	}

	return nil
}

// Init validates the code proof and opens a handshake. The proof is
// sha256(code|origin|clientNonce) hex, accepted for the current or previous
// code.
func (m *Manager) Init(origin, clientNonce, codeProof string) (*InitResponse, error) {
	if origin == "" || clientNonce == "" || codeProof == "" {
		return nil, perrors.NewBadRequest("origin, clientNonce and codeProof are required", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.allowLocked(origin) {
		return nil, perrors.NewRateLimited("too many pairing attempts")
	}

	if !m.proofMatchesLocked(origin, clientNonce, codeProof) {
		return nil, perrors.New(perrors.CodeInvalidCode, http.StatusUnauthorized, "verification code proof is invalid", true, nil)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, perrors.NewInternal(perrors.CodeInternal, "failed to generate server nonce", err)
	}

	h := &Handshake{
		ID:          uuid.NewString(),
		Origin:      origin,
		ClientNonce: clientNonce,
		ServerNonce: base64.StdEncoding.EncodeToString(nonce),
		KDF:         KDFName,
		KDFParams:   KDFParams{Iterations: KDFIterations, Hash: KDFHash, Length: KDFLength},
		ExpiresAt:   m.now().Add(HandshakeTTL),
	}
	m.handshakes[h.ID] = h

	logger.Infow("pairing handshake opened", "origin", origin, "handshake", h.ID)

	return &InitResponse{
		HandshakeID: h.ID,
		ServerNonce: h.ServerNonce,
		ExpiresIn:   int(HandshakeTTL.Seconds()),
		KDF:         h.KDF,
		KDFParams:   h.KDFParams,
	}, nil
}

// Approve flips the approved flag of a handshake. Driven by the local UI.
func (m *Manager) Approve(handshakeID string, approve bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handshakes[handshakeID]
	if !ok {
		return perrors.NewNotFound("handshake not found")
	}
	if m.now().After(h.ExpiresAt) {
		delete(m.handshakes, handshakeID)
		return perrors.NewConflict(perrors.CodeExpired, "handshake expired")
	}

	h.Approved = approve
	return nil
}

// Confirm verifies the challenge response and mints a session token. The
// handshake record is consumed on success.
func (m *Manager) Confirm(origin, handshakeID, response string) (*ConfirmResponse, error) {
	if handshakeID == "" || response == "" {
		return nil, perrors.NewBadRequest("handshakeId and response are required", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handshakes[handshakeID]
	if !ok {
		return nil, perrors.NewNotFound("handshake not found")
	}
	if m.now().After(h.ExpiresAt) {
		delete(m.handshakes, handshakeID)
		return nil, perrors.NewConflict(perrors.CodeExpired, "handshake expired")
	}
	if !h.Approved {
		return nil, perrors.NewForbidden(perrors.CodeNotApproved, "handshake has not been approved")
	}
	if h.Origin != origin {
		return nil, perrors.NewForbidden(perrors.CodeOriginMismatch, "origin does not match the handshake")
	}

	if !m.responseMatchesLocked(h, response) {
		return nil, perrors.New(perrors.CodeBadResponse, http.StatusUnauthorized, "challenge response is invalid", true, nil)
	}

	// Single use: the record is consumed here.
	delete(m.handshakes, handshakeID)

	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, perrors.NewInternal(perrors.CodeInternal, "failed to generate session token", err)
	}

	token := &SessionToken{
		Token:     base64.StdEncoding.EncodeToString(material),
		Origin:    origin,
		ExpiresAt: m.now().Add(SessionTokenTTL),
	}
	m.tokens[token.Token] = token

	logger.Infow("pairing session established", "origin", origin)

	return &ConfirmResponse{
		SessionToken: token.Token,
		ExpiresIn:    int(SessionTokenTTL.Seconds()),
	}, nil
}

// ValidateSession checks a LocalMCP session token against the requesting
// origin. Expired tokens are rejected and dropped.
func (m *Manager) ValidateSession(token, origin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.tokens[token]
	if !ok {
		return perrors.NewUnauthorized("invalid session token")
	}
	if m.now().After(s.ExpiresAt) {
		delete(m.tokens, token)
		return perrors.NewUnauthorized("session token expired")
	}
	if s.Origin != origin {
		return perrors.NewForbidden(perrors.CodeOriginMismatch, "origin does not match the session")
	}
	return nil
}

// allowLocked applies the per-origin rate limit: at most rateLimitMax init
// calls per rateLimitWindow. The timestamp ring is trimmed on write.
func (m *Manager) allowLocked(origin string) bool {
	now := m.now()
	cutoff := now.Add(-rateLimitWindow)

	recent := m.rate[origin][:0]
	for _, t := range m.rate[origin] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rateLimitMax {
		m.rate[origin] = recent
		return false
	}

	m.rate[origin] = append(recent, now)
	return true
}

// proofMatchesLocked accepts the proof for either the current or the
// previous code, covering clients that read the code just before rotation.
func (m *Manager) proofMatchesLocked(origin, clientNonce, proof string) bool {
	for _, code := range []string{m.current, m.previous} {
		if code == "" {
			continue
		}
		sum := sha256.Sum256([]byte(code + "|" + origin + "|" + clientNonce))
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(proof)) == 1 {
			return true
		}
	}
	return false
}

// responseMatchesLocked recomputes the expected HMAC for the current and
// previous code and compares in constant time.
func (m *Manager) responseMatchesLocked(h *Handshake, response string) bool {
	salt, err := base64.StdEncoding.DecodeString(h.ServerNonce)
	if err != nil {
		return false
	}

	payload := h.Origin + "|" + h.ClientNonce + "|" + h.ID
	for _, code := range []string{m.current, m.previous} {
		if code == "" {
			continue
		}
		key := pbkdf2.Key([]byte(code), salt, KDFIterations, KDFLength, sha256.New)
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(payload))
		expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1 {
			return true
		}
	}
	return false
}

// generateCode produces an 8-digit numeric code with leading zeros allowed.
func generateCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		// crypto/rand failing is unrecoverable for pairing.
		panic(fmt.Sprintf("pairing: failed to generate verification code: %v", err))
	}
	return fmt.Sprintf("%08d", n.Int64())
}
