// Package providertest provides an in-memory credential store and flow
// manager for testing provider clients without disk or key derivation.
package providertest

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/aicap/internal/auth"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/models"
)

// MemStore is an auth.TokenStore keeping one account per provider.
type MemStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{accounts: make(map[string]*models.Account)}
}

// ActiveAccount implements auth.TokenStore.
func (s *MemStore) ActiveAccount(provider string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[provider]
	if !ok {
		return nil, apperr.ErrAccountNotFound
	}

	cp := *acc

	return &cp, nil
}

// CreateAccount implements auth.TokenStore.
func (s *MemStore) CreateAccount(provider string, tokens models.TokenSet, name string) (string, error) {
	return provider, s.SaveTokens(provider, tokens)
}

// SaveTokens implements auth.TokenStore.
func (s *MemStore) SaveTokens(provider string, tokens models.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[provider] = &models.Account{ID: provider, Provider: provider, Tokens: tokens}

	return nil
}

// UpdateAccountTokens implements auth.TokenStore. Account ids equal
// provider names in this store.
func (s *MemStore) UpdateAccountTokens(id string, tokens models.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return apperr.ErrAccountNotFound
	}

	acc.Tokens = tokens

	return nil
}

// DeleteTokens implements auth.TokenStore.
func (s *MemStore) DeleteTokens(provider string) error {
	s.mu.Lock()
	delete(s.accounts, provider)
	s.mu.Unlock()

	return nil
}

// HasTokens implements auth.TokenStore.
func (s *MemStore) HasTokens(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.accounts[provider]

	return ok
}

// Login stores a long-lived access token for provider.
func (s *MemStore) Login(provider, accessToken string) {
	_ = s.SaveTokens(provider, models.TokenSet{
		AccessToken:  accessToken,
		RefreshToken: "refresh-" + provider,
		ExpiresAt:    time.Now().Add(24 * time.Hour).Unix(),
	})
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FlowManager returns a flow manager for cfg over store.
func FlowManager(cfg auth.ProviderConfig, store *MemStore) *auth.FlowManager {
	return auth.NewFlowManager(cfg, auth.NewStateRegistry(Logger()), store, Logger())
}
