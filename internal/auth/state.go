// Package auth implements the client side of OAuth 2.0 authorization code
// flows with PKCE: signed CSRF state tokens, pending-flow bookkeeping,
// code exchange and token refresh.
// All state is in-memory; pending flows are invalidated on restart.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// StateTTL is how long a state token stays valid after creation.
	StateTTL = 600 * time.Second

	// MaxPendingStates caps the registry. On overflow the oldest half is
	// evicted.
	MaxPendingStates = 100

	nonceBytes  = 16
	secretBytes = 32

	// sigHexLen is the number of hex characters of the HMAC kept in the
	// token (8 bytes).
	sigHexLen = 16
)

// StateRecord is a pending CSRF state.
type StateRecord struct {
	Nonce         string
	CreatedAt     int64
	AddNewAccount bool
	Provider      string
}

// StateRegistry holds HMAC-signed state tokens for in-progress
// authorizations. The signing secret lives for the process only.
type StateRegistry struct {
	mu     sync.Mutex
	secret []byte
	states map[string]*StateRecord // nonce -> record
	logger *slog.Logger
	now    func() time.Time
}

// NewStateRegistry creates an empty registry with a fresh secret.
func NewStateRegistry(logger *slog.Logger) *StateRegistry {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return &StateRegistry{
		secret: secret,
		states: make(map[string]*StateRecord),
		logger: logger,
		now:    time.Now,
	}
}

func (r *StateRegistry) sign(nonce string, createdAt int64) string {
	mac := hmac.New(sha256.New, r.secret)
	fmt.Fprintf(mac, "%s:%d", nonce, createdAt)

	return hex.EncodeToString(mac.Sum(nil))[:sigHexLen]
}

// CreateState mints a token of the form nonce:signature and records it.
func (r *StateRegistry) CreateState(addNewAccount bool, provider string) (string, error) {
	nonce, err := randomHex(nonceBytes)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().Unix()
	r.sweepLocked(now)

	if len(r.states) >= MaxPendingStates {
		r.evictOldestLocked()
	}

	r.states[nonce] = &StateRecord{
		Nonce:         nonce,
		CreatedAt:     now,
		AddNewAccount: addNewAccount,
		Provider:      provider,
	}

	return nonce + ":" + r.sign(nonce, now), nil
}

// ValidateAndConsume checks token and removes it in one critical section.
// It returns nil on a malformed, unknown, expired, forged or
// provider-mismatched token. expectedProvider "" matches any provider.
// Only expired entries are removed on failure.
func (r *StateRegistry) ValidateAndConsume(token, expectedProvider string) *StateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.checkLocked(token, expectedProvider)
	if rec == nil {
		return nil
	}

	delete(r.states, rec.Nonce)

	out := *rec

	return &out
}

// ValidateState checks token without consuming it. It is only suitable
// for routing a callback; the owner must still call ValidateAndConsume.
func (r *StateRegistry) ValidateState(token string) *StateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.checkLocked(token, "")
	if rec == nil {
		return nil
	}

	out := *rec

	return &out
}

func (r *StateRegistry) checkLocked(token, expectedProvider string) *StateRecord {
	nonce, sig, ok := strings.Cut(token, ":")
	if !ok || nonce == "" || sig == "" {
		r.logger.Debug("state rejected: malformed")
		return nil
	}

	rec, ok := r.states[nonce]
	if !ok {
		r.logger.Debug("state rejected: unknown", slog.String("state", truncate(nonce)))
		return nil
	}

	if r.now().Unix()-rec.CreatedAt > int64(StateTTL/time.Second) {
		delete(r.states, nonce)
		r.logger.Debug("state rejected: expired", slog.String("state", truncate(nonce)))

		return nil
	}

	if !hmac.Equal([]byte(sig), []byte(r.sign(nonce, rec.CreatedAt))) {
		r.logger.Warn("state rejected: bad signature", slog.String("state", truncate(nonce)))
		return nil
	}

	if expectedProvider != "" && rec.Provider != expectedProvider {
		r.logger.Warn("state rejected: provider mismatch",
			slog.String("state", truncate(nonce)),
			slog.String("expected", expectedProvider),
		)

		return nil
	}

	return rec
}

// CleanupExpired removes every state past its TTL and returns how many
// were removed.
func (r *StateRegistry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sweepLocked(r.now().Unix())
}

// Len returns the number of pending states.
func (r *StateRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.states)
}

func (r *StateRegistry) sweepLocked(now int64) int {
	n := 0

	for nonce, rec := range r.states {
		if now-rec.CreatedAt > int64(StateTTL/time.Second) {
			delete(r.states, nonce)
			n++
		}
	}

	return n
}

func (r *StateRegistry) evictOldestLocked() {
	recs := make([]*StateRecord, 0, len(r.states))
	for _, rec := range r.states {
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt < recs[j].CreatedAt })

	evict := len(recs) / 2
	for _, rec := range recs[:evict] {
		delete(r.states, rec.Nonce)
	}

	r.logger.Warn("state registry full, evicted oldest", slog.Int("evicted", evict))
}

// randomHex returns byteLen random bytes, hex encoded.
func randomHex(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}

func truncate(s string) string {
	if len(s) > 8 {
		return s[:8]
	}

	return s
}
