package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// FlowTTL is how long an unfinished authorization flow is kept.
	FlowTTL = 600 * time.Second

	// RefreshBuffer is how close to expiry an access token is refreshed
	// before use.
	RefreshBuffer = 300 * time.Second

	minCodeLength      = 10
	maxRefreshAttempts = 3
	defaultHTTPTimeout = 30 * time.Second
)

// ProviderConfig describes one OAuth provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// ExtraParams are appended to the authorization URL.
	ExtraParams map[string]string

	// RequireRefreshToken rejects token responses without a refresh
	// token or an expiry.
	RequireRefreshToken bool

	// DefaultExpiresIn is used when a response omits expires_in and
	// RequireRefreshToken is false.
	DefaultExpiresIn time.Duration

	HTTPTimeout time.Duration
}

// TokenStore is the credential persistence a FlowManager writes through.
// *credentials.Store satisfies it.
type TokenStore interface {
	ActiveAccount(provider string) (*models.Account, error)
	CreateAccount(provider string, tokens models.TokenSet, name string) (string, error)
	SaveTokens(provider string, tokens models.TokenSet) error
	UpdateAccountTokens(id string, tokens models.TokenSet) error
	DeleteTokens(provider string) error
	HasTokens(provider string) bool
}

// Flow is a pending authorization.
type Flow struct {
	State         string
	URL           string
	Verifier      string
	Challenge     string
	CreatedAt     time.Time
	AddNewAccount bool
}

// FlowManager runs authorization flows and token refreshes for one
// provider.
type FlowManager struct {
	cfg    ProviderConfig
	oauth  *oauth2.Config
	states *StateRegistry
	store  TokenStore
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	flows map[string]*Flow // state token -> flow

	refreshes singleflight.Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFlowManager wires a provider config to the shared state registry
// and credential store.
func NewFlowManager(cfg ProviderConfig, states *StateRegistry, store TokenStore, logger *slog.Logger) *FlowManager {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &FlowManager{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		states: states,
		store:  store,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(slog.String("provider", cfg.Name)),
		flows:  make(map[string]*Flow),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Provider returns the provider name.
func (m *FlowManager) Provider() string {
	return m.cfg.Name
}

// CreateFlow starts a new authorization and returns the URL to open.
func (m *FlowManager) CreateFlow(addNewAccount bool) (*Flow, error) {
	state, err := m.states.CreateState(addNewAccount, m.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("creating state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	for k, v := range m.cfg.ExtraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	flow := &Flow{
		State:         state,
		URL:           m.oauth.AuthCodeURL(state, opts...),
		Verifier:      verifier,
		Challenge:     oauth2.S256ChallengeFromVerifier(verifier),
		CreatedAt:     m.now(),
		AddNewAccount: addNewAccount,
	}

	m.mu.Lock()
	m.sweepFlowsLocked()
	m.flows[state] = flow
	m.mu.Unlock()

	m.logger.Info("authorization flow created", slog.Bool("add_new_account", addNewAccount))

	return flow, nil
}

func (m *FlowManager) sweepFlowsLocked() {
	cutoff := m.now().Add(-FlowTTL)

	for state, f := range m.flows {
		if f.CreatedAt.Before(cutoff) {
			delete(m.flows, state)
		}
	}
}

// PendingFlows returns the number of flows awaiting a callback.
func (m *FlowManager) PendingFlows() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.flows)
}

func (m *FlowManager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

// ExchangeCode finishes a flow: it consumes state, trades code for tokens
// and persists them, as a new account when the flow asked for one.
func (m *FlowManager) ExchangeCode(ctx context.Context, code, state string) (*models.TokenSet, error) {
	rec := m.states.ValidateAndConsume(state, m.cfg.Name)
	if rec == nil {
		m.logger.Warn("callback rejected: invalid state")
		return nil, apperr.ErrInvalidState
	}

	m.mu.Lock()
	flow, ok := m.flows[state]
	delete(m.flows, state)
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("callback rejected: no pending flow", slog.String("state", truncate(state)))
		return nil, apperr.ErrNoPendingFlow
	}

	if len(code) < minCodeLength {
		m.logger.Warn("callback rejected: implausible code")
		return nil, apperr.ErrInvalidCode
	}

	tok, err := m.oauth.Exchange(m.httpContext(ctx), code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		m.logExchangeError("token exchange failed", err)
		return nil, fmt.Errorf("%w: %s", apperr.ErrTokenExchange, describe(err))
	}

	tokens, err := m.tokenSet(tok, "")
	if err != nil {
		m.logger.Error("token exchange returned incomplete response", slog.String("error", err.Error()))
		return nil, err
	}

	if flow.AddNewAccount {
		_, err = m.store.CreateAccount(m.cfg.Name, tokens, "")
	} else {
		err = m.store.SaveTokens(m.cfg.Name, tokens)
	}

	if err != nil {
		return nil, fmt.Errorf("persisting tokens: %w", err)
	}

	m.logger.Info("authorization complete", slog.Bool("new_account", flow.AddNewAccount))

	return &tokens, nil
}

// tokenSet converts an oauth2 token, enforcing the provider's mandatory
// fields. oldRefresh is kept when the response carries no refresh token.
func (m *FlowManager) tokenSet(tok *oauth2.Token, oldRefresh string) (models.TokenSet, error) {
	ts := models.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}

	if ts.RefreshToken == "" {
		ts.RefreshToken = oldRefresh
	}

	switch {
	case !tok.Expiry.IsZero():
		ts.ExpiresAt = tok.Expiry.Unix()
	case m.cfg.RequireRefreshToken:
		return ts, fmt.Errorf("%w: response missing expires_in", apperr.ErrTokenExchange)
	default:
		ts.ExpiresAt = m.now().Add(m.cfg.DefaultExpiresIn).Unix()
	}

	if ts.AccessToken == "" {
		return ts, fmt.Errorf("%w: response missing access_token", apperr.ErrTokenExchange)
	}

	if m.cfg.RequireRefreshToken && ts.RefreshToken == "" {
		return ts, fmt.Errorf("%w: response missing refresh_token", apperr.ErrTokenExchange)
	}

	return ts, nil
}

// RefreshTokens refreshes the provider's active account. Concurrent calls
// for the same account share one request, which runs detached from any
// single caller's ctx.
func (m *FlowManager) RefreshTokens(ctx context.Context) (*models.TokenSet, error) {
	acc, err := m.store.ActiveAccount(m.cfg.Name)
	if err != nil || acc.Tokens.RefreshToken == "" {
		return nil, apperr.ErrNotAuthenticated
	}

	shared := context.WithoutCancel(ctx)

	ch := m.refreshes.DoChan(acc.ID, func() (any, error) {
		return m.refresh(shared, acc)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		ts := res.Val.(models.TokenSet)

		return &ts, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", apperr.ErrTokenRefresh, ctx.Err())
	}
}

func (m *FlowManager) refresh(ctx context.Context, acc *models.Account) (models.TokenSet, error) {
	var lastErr error

	for attempt := range maxRefreshAttempts {
		src := m.oauth.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: acc.Tokens.RefreshToken})

		tok, err := src.Token()
		if err == nil {
			ts, err := m.tokenSet(tok, acc.Tokens.RefreshToken)
			if err != nil {
				m.logger.Error("refresh returned incomplete response", slog.String("error", err.Error()))
				return models.TokenSet{}, fmt.Errorf("%w: %w", apperr.ErrTokenRefresh, err)
			}

			if err := m.store.UpdateAccountTokens(acc.ID, ts); err != nil {
				m.logger.Error("refreshed tokens not persisted",
					slog.String("account", acc.ID),
					slog.String("error", err.Error()),
				)
			}

			m.logger.Info("tokens refreshed", slog.String("account", acc.ID))

			return ts, nil
		}

		lastErr = err
		m.logExchangeError("token refresh failed", err, slog.Int("attempt", attempt+1))

		if !retryable(err) || ctx.Err() != nil {
			break
		}

		if attempt < maxRefreshAttempts-1 {
			if err := m.sleep(ctx, time.Duration(attempt+1)*time.Second); err != nil {
				return models.TokenSet{}, fmt.Errorf("%w: %w", apperr.ErrTokenRefresh, err)
			}
		}
	}

	return models.TokenSet{}, fmt.Errorf("%w: %s", apperr.ErrTokenRefresh, describe(lastErr))
}

// GetValidToken returns an access token for the active account,
// refreshing first when it expires within RefreshBuffer.
func (m *FlowManager) GetValidToken(ctx context.Context) (string, error) {
	acc, err := m.store.ActiveAccount(m.cfg.Name)
	if err != nil || acc.Tokens.AccessToken == "" {
		return "", apperr.ErrNotAuthenticated
	}

	if !acc.Tokens.ExpiresWithin(RefreshBuffer, m.now()) {
		return acc.Tokens.AccessToken, nil
	}

	ts, err := m.RefreshTokens(ctx)
	if err != nil {
		return "", err
	}

	return ts.AccessToken, nil
}

// IsAuthenticated reports whether the provider has stored tokens.
func (m *FlowManager) IsAuthenticated() bool {
	return m.store.HasTokens(m.cfg.Name)
}

// Logout removes the provider's active account.
func (m *FlowManager) Logout() error {
	if err := m.store.DeleteTokens(m.cfg.Name); err != nil {
		return err
	}

	m.logger.Info("logged out")

	return nil
}

// logExchangeError logs only the status code of a token endpoint failure.
// Response bodies may contain secrets. A malformed success response is
// logged at error level.
func (m *FlowManager) logExchangeError(msg string, err error, attrs ...any) {
	var re *oauth2.RetrieveError
	switch {
	case errors.As(err, &re) && re.Response != nil:
		attrs = append(attrs, slog.Int("status", re.Response.StatusCode))
	default:
		attrs = append(attrs, slog.String("error", describe(err)))
	}

	if malformed(err) {
		m.logger.Error(msg, attrs...)
		return
	}

	m.logger.Warn(msg, attrs...)
}

func networkError(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne)
}

// malformed reports a token endpoint reply that is neither a transport
// failure nor an error status, such as a 200 without access_token.
func malformed(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return false
	}

	return !networkError(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// retryable reports whether a refresh failure is worth retrying: network
// errors and 5xx responses are. Error statuses below 500 and malformed
// responses are not.
func retryable(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError
	}

	return networkError(err)
}

func describe(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return fmt.Sprintf("status %d", re.Response.StatusCode)
	}

	if malformed(err) {
		return "malformed response"
	}

	return "request failed"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
