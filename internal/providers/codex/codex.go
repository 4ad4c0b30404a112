// Package codex reads ChatGPT Codex usage limits. OpenAI exposes them only
// as x-codex-* headers on a real /codex/responses call, so GetLimits sends
// the smallest request the endpoint accepts and discards the stream.
package codex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/aicap/internal/auth"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/alexjbarnes/aicap/internal/providers"
	"github.com/alexjbarnes/aicap/internal/state"
	"github.com/tidwall/gjson"
)

const (
	// Name is the provider identifier used in routes and storage.
	Name = "openai"

	DefaultClientID    = "app_EMoamEEZ73f0CkXaXp7hrann"
	DefaultRedirectURL = "http://localhost:1455/auth/callback"
	DefaultBaseURL     = "https://chatgpt.com/backend-api"
	DefaultModel       = "gpt-5.1-codex"

	authURL  = "https://auth.openai.com/oauth/authorize"
	tokenURL = "https://auth.openai.com/oauth/token"

	defaultReleasesURL = "https://github.com/openai/codex/releases/latest"
	defaultPromptURL   = "https://raw.githubusercontent.com/openai/codex/%s/codex-rs/core/gpt_5_codex_prompt.md"
	fallbackTag        = "rust-v0.43.0"

	instructionsKey = "codex-instructions"
	instructionsTTL = 15 * time.Minute

	requestTimeout = 90 * time.Second
	releaseTimeout = 10 * time.Second
	promptTimeout  = 30 * time.Second

	authClaim = `https://api\.openai\.com/auth`
)

// Cache stores fetched instructions between runs. *state.State satisfies
// it.
type Cache interface {
	CacheGet(key string) (*state.CacheEntry, error)
	CachePut(key string, value []byte, at time.Time) error
}

// Config configures the Codex client. Zero fields take defaults.
type Config struct {
	BaseURL string
	Model   string

	ReleasesURL string
	// PromptURL is a format string taking the release tag.
	PromptURL string
}

// OAuthConfig returns the OpenAI authorization settings.
func OAuthConfig(clientID, redirectURL string) auth.ProviderConfig {
	if clientID == "" {
		clientID = DefaultClientID
	}

	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}

	return auth.ProviderConfig{
		Name:        Name,
		ClientID:    clientID,
		AuthURL:     authURL,
		TokenURL:    tokenURL,
		RedirectURL: redirectURL,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		ExtraParams: map[string]string{
			"id_token_add_organizations": "true",
			"codex_cli_simplified_flow":  "true",
			"originator":                 "codex_cli_rs",
		},
		RequireRefreshToken: true,
	}
}

// Provider is the OpenAI Codex provider.
type Provider struct {
	providers.Base

	cfg      Config
	cache    Cache
	client   *http.Client
	ghClient *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Codex provider authenticating through flows. cache may be
// nil.
func New(cfg Config, flows *auth.FlowManager, cache Cache, logger *slog.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.ReleasesURL == "" {
		cfg.ReleasesURL = defaultReleasesURL
	}

	if cfg.PromptURL == "" {
		cfg.PromptURL = defaultPromptURL
	}

	return &Provider{
		Base:     providers.Base{Flows: flows},
		cfg:      cfg,
		cache:    cache,
		client:   &http.Client{Timeout: requestTimeout},
		ghClient: &http.Client{},
		logger:   logger.With(slog.String("provider", Name)),
		now:      time.Now,
	}
}

// GetLimits fetches current usage. Upstream failures are reported in the
// snapshot's Error field, not as a Go error.
func (p *Provider) GetLimits(ctx context.Context) (*models.UsageLimits, error) {
	if !p.IsAuthenticated() {
		return models.NewErrorLimits(Name, false, "Not authenticated"), nil
	}

	token, err := p.GetValidToken(ctx)
	if err != nil {
		return models.NewErrorLimits(Name, false, "Failed to get valid token"), nil
	}

	accountID, email := accountInfo(token)

	withIdentity := func(l *models.UsageLimits) *models.UsageLimits {
		l.AccountID = accountID
		l.Email = email

		return l
	}

	instructions, err := p.instructions(ctx)
	if err != nil {
		p.logger.Error("loading instructions", slog.String("error", err.Error()))
		return withIdentity(models.NewErrorLimits(Name, true, "API error: "+err.Error())), nil
	}

	body, err := json.Marshal(map[string]any{
		"model":        p.cfg.Model,
		"instructions": instructions,
		"input": []map[string]any{{
			"type":    "message",
			"role":    "user",
			"content": []map[string]string{{"type": "input_text", "text": "say hi"}},
		}},
		"stream":    true,
		"store":     false,
		"reasoning": map[string]string{"effort": "low", "summary": "auto"},
		"text":      map[string]string{"verbosity": "medium"},
		"include":   []string{"reasoning.encrypted_content"},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/codex/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "responses=experimental")
	req.Header.Set("originator", "codex_cli_rs")
	req.Header.Set("Accept", "text/event-stream")

	if accountID != nil {
		req.Header.Set("chatgpt-account-id", *accountID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("limits request failed", slog.String("error", err.Error()))
		return withIdentity(models.NewErrorLimits(Name, true, "Network error: "+err.Error())), nil
	}
	defer resp.Body.Close()

	p.logger.Debug("limits response", slog.Int("status", resp.StatusCode))

	if msg, authed, ok := providers.StatusMessage(resp.StatusCode); ok {
		p.logger.Warn("limits request rejected", slog.Int("status", resp.StatusCode))

		l := models.NewErrorLimits(Name, authed, msg)
		if authed {
			withIdentity(l)
		}

		return l, nil
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		p.logger.Warn("openai server error", slog.Int("status", resp.StatusCode))
		return withIdentity(models.NewErrorLimits(Name, true, "OpenAI service unavailable. Try again later.")), nil
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("unexpected status", slog.Int("status", resp.StatusCode))
	}

	l := parseHeaders(resp.Header)
	withIdentity(l)

	return l, nil
}

// parseHeaders reads the x-codex-* rate limit headers. Unparseable values
// are left nil.
func parseHeaders(h http.Header) *models.UsageLimits {
	l := &models.UsageLimits{Provider: Name, IsAuthenticated: true}

	if v := h.Get("x-codex-plan-type"); v != "" {
		l.PlanType = &v
	}

	l.PrimaryUsedPercent = headerFloat(h, "x-codex-primary-used-percent")
	l.PrimaryWindowMinutes = headerInt(h, "x-codex-primary-window-minutes")
	l.PrimaryResetAt = headerUnix(h, "x-codex-primary-reset-at")
	l.SecondaryUsedPercent = headerFloat(h, "x-codex-secondary-used-percent")
	l.SecondaryWindowMinutes = headerInt(h, "x-codex-secondary-window-minutes")
	l.SecondaryResetAt = headerUnix(h, "x-codex-secondary-reset-at")

	return l
}

func headerFloat(h http.Header, key string) *float64 {
	f, err := strconv.ParseFloat(h.Get(key), 64)
	if err != nil {
		return nil
	}

	return &f
}

func headerInt(h http.Header, key string) *int {
	n, err := strconv.Atoi(h.Get(key))
	if err != nil {
		return nil
	}

	return &n
}

func headerUnix(h http.Header, key string) *time.Time {
	n, err := strconv.ParseInt(h.Get(key), 10, 64)
	if err != nil || n == 0 {
		return nil
	}

	t := time.Unix(n, 0).UTC()

	return &t
}

// accountInfo pulls the ChatGPT account id and email out of the access
// token's JWT payload. The signature is not verified; the values are only
// displayed and echoed back to OpenAI.
func accountInfo(token string) (accountID, email *string) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil || !gjson.ValidBytes(payload) {
		return nil, nil
	}

	if v := gjson.GetBytes(payload, authClaim+".chatgpt_account_id"); v.Type == gjson.String {
		s := v.String()
		accountID = &s
	}

	if v := gjson.GetBytes(payload, "email"); v.Type == gjson.String {
		s := v.String()
		email = &s
	}

	return accountID, email
}

// instructions returns the Codex system prompt for the latest release,
// cached for instructionsTTL. A stale cached copy is used when GitHub is
// unreachable.
func (p *Provider) instructions(ctx context.Context) (string, error) {
	var cached *state.CacheEntry

	if p.cache != nil {
		entry, err := p.cache.CacheGet(instructionsKey)
		if err != nil {
			p.logger.Debug("instructions cache read", slog.String("error", err.Error()))
		}

		cached = entry
		if cached != nil && p.now().Sub(cached.StoredAt) < instructionsTTL {
			return string(cached.Value), nil
		}
	}

	text, err := p.fetchInstructions(ctx)
	if err == nil {
		if p.cache != nil {
			if err := p.cache.CachePut(instructionsKey, []byte(text), p.now()); err != nil {
				p.logger.Warn("instructions cache write", slog.String("error", err.Error()))
			}
		}

		return text, nil
	}

	p.logger.Warn("fetching instructions", slog.String("error", err.Error()))

	if cached != nil {
		return string(cached.Value), nil
	}

	return "", fmt.Errorf("could not load Codex instructions")
}

func (p *Provider) fetchInstructions(ctx context.Context) (string, error) {
	tag := p.latestTag(ctx)

	ctx, cancel := context.WithTimeout(ctx, promptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(p.cfg.PromptURL, tag), nil)
	if err != nil {
		return "", err
	}

	resp, err := p.ghClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading instructions: %w", err)
	}

	return string(data), nil
}

// latestTag follows the releases/latest redirect to find the current tag.
func (p *Provider) latestTag(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ReleasesURL, nil)
	if err != nil {
		return fallbackTag
	}

	resp, err := p.ghClient.Do(req)
	if err != nil {
		p.logger.Warn("resolving latest release", slog.String("error", err.Error()))
		return fallbackTag
	}
	defer resp.Body.Close()

	final := resp.Request.URL.String()
	if i := strings.LastIndex(final, "/tag/"); i >= 0 {
		return final[i+len("/tag/"):]
	}

	return fallbackTag
}
