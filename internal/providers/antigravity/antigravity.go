// Package antigravity reads per-model quotas for Google Antigravity from
// the Cloud Code private API.
package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/aicap/internal/auth"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/alexjbarnes/aicap/internal/providers"
	"github.com/tidwall/gjson"
)

const (
	// Name is the provider identifier used in routes and storage.
	Name = "antigravity"

	DefaultRedirectURL    = "http://localhost:1455/auth/callback"
	DefaultLoadProjectURL = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"
	DefaultModelsURL      = "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"

	authURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURL = "https://oauth2.googleapis.com/token"

	userAgent = "antigravity/1.11.3 Windows/x64"

	modelsTimeout  = 30 * time.Second
	projectTimeout = 15 * time.Second

	notConfiguredMsg = "Google OAuth not configured. Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET."
)

var displayNames = map[string]string{
	"gemini-3-pro-high":          "Gemini 3 Pro (High)",
	"gemini-3-pro-low":           "Gemini 3 Pro (Low)",
	"gemini-2.5-pro":             "Gemini 2.5 Pro",
	"gemini-2.5-flash":           "Gemini 2.5 Flash",
	"gemini-3-flash":             "Gemini Flash",
	"gemini-3-pro-image":         "Gemini Image",
	"claude-sonnet-4":            "Claude Sonnet 4",
	"claude-sonnet-4-thinking":   "Claude Sonnet 4 (Thinking)",
	"claude-sonnet-4-5":          "Claude 4.5 Sonnet",
	"claude-sonnet-4-5-thinking": "Claude 4.5 Sonnet (Thinking)",
	"claude-3-7-sonnet":          "Claude 3.7 Sonnet",
	"claude-3-7-sonnet-thinking": "Claude 3.7 Sonnet (Thinking)",
}

// Config configures the Antigravity client. Empty URLs take defaults.
type Config struct {
	ClientID       string
	ClientSecret   string
	LoadProjectURL string
	ModelsURL      string
}

// OAuthConfig returns the Google authorization settings.
func OAuthConfig(clientID, clientSecret, redirectURL string) auth.ProviderConfig {
	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}

	return auth.ProviderConfig{
		Name:         Name,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		ExtraParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		DefaultExpiresIn: time.Hour,
	}
}

// Provider is the Google Antigravity provider.
type Provider struct {
	providers.Base

	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns an Antigravity provider authenticating through flows.
func New(cfg Config, flows *auth.FlowManager, logger *slog.Logger) *Provider {
	if cfg.LoadProjectURL == "" {
		cfg.LoadProjectURL = DefaultLoadProjectURL
	}

	if cfg.ModelsURL == "" {
		cfg.ModelsURL = DefaultModelsURL
	}

	return &Provider{
		Base:   providers.Base{Flows: flows},
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With(slog.String("provider", Name)),
	}
}

// Configured reports whether Google OAuth credentials are set.
func (p *Provider) Configured() bool {
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != ""
}

// GetAuthURL starts an authorization flow, failing when Google OAuth is
// not configured.
func (p *Provider) GetAuthURL(addNewAccount bool) (string, error) {
	if !p.Configured() {
		return "", fmt.Errorf("%w: %s", apperr.ErrNotConfigured, notConfiguredMsg)
	}

	return p.Base.GetAuthURL(addNewAccount)
}

// GetLimits fetches per-model quotas. Upstream failures are reported in
// the snapshot's Error field.
func (p *Provider) GetLimits(ctx context.Context) (*models.UsageLimits, error) {
	if !p.Configured() {
		return models.NewErrorLimits(Name, false, notConfiguredMsg), nil
	}

	if !p.IsAuthenticated() {
		return models.NewErrorLimits(Name, false, "Not authenticated"), nil
	}

	token, err := p.GetValidToken(ctx)
	if err != nil {
		return models.NewErrorLimits(Name, false, "Failed to get valid token"), nil
	}

	payload := map[string]string{}
	if project := p.projectID(ctx, token); project != "" {
		payload["project"] = project
	}

	status, body, err := p.post(ctx, p.cfg.ModelsURL, token, payload, modelsTimeout)
	if err != nil {
		p.logger.Error("models request failed", slog.String("error", err.Error()))
		return models.NewErrorLimits(Name, true, "Network error: "+err.Error()), nil
	}

	p.logger.Debug("models response", slog.Int("status", status))

	if msg, authed, ok := providers.StatusMessage(status); ok {
		p.logger.Warn("models request rejected", slog.Int("status", status))
		return models.NewErrorLimits(Name, authed, msg), nil
	}

	switch {
	case status == http.StatusForbidden:
		return models.NewErrorLimits(Name, true, "Access forbidden. Check your Antigravity subscription."), nil
	case status >= http.StatusInternalServerError:
		return models.NewErrorLimits(Name, true, "Service unavailable. Try again later."), nil
	case status != http.StatusOK:
		p.logger.Warn("unexpected status", slog.Int("status", status))
		return models.NewErrorLimits(Name, true, fmt.Sprintf("API error: %d", status)), nil
	}

	if !gjson.ValidBytes(body) {
		return models.NewErrorLimits(Name, true, "API error: invalid response"), nil
	}

	quotas := parseModels(body)

	l := &models.UsageLimits{
		Provider:           Name,
		IsAuthenticated:    true,
		Models:             quotas,
		PrimaryUsedPercent: models.Ptr(0.0),
	}

	for _, q := range quotas {
		if q.UsedPercent > *l.PrimaryUsedPercent {
			l.PrimaryUsedPercent = models.Ptr(q.UsedPercent)
		}

		if q.ResetTime != nil && (l.PrimaryResetAt == nil || q.ResetTime.Before(*l.PrimaryResetAt)) {
			l.PrimaryResetAt = models.Ptr(*q.ResetTime)
		}
	}

	return l, nil
}

// projectID resolves the Cloud AI Companion project for the account, or
// "" when the lookup fails.
func (p *Provider) projectID(ctx context.Context, token string) string {
	payload := map[string]any{"metadata": map[string]string{"ideType": "ANTIGRAVITY"}}

	status, body, err := p.post(ctx, p.cfg.LoadProjectURL, token, payload, projectTimeout)
	if err != nil || status != http.StatusOK {
		p.logger.Debug("project lookup failed", slog.Int("status", status))
		return ""
	}

	return gjson.GetBytes(body, "cloudaicompanionProject").String()
}

func (p *Provider) post(ctx context.Context, url, token string, payload any, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, body, nil
}

// parseModels extracts gemini and claude quotas from a
// fetchAvailableModels response, most used first. A model with a reset
// time but no remaining fraction is exhausted; one with neither is full.
func parseModels(body []byte) []models.ModelQuota {
	var out []models.ModelQuota

	gjson.GetBytes(body, "models").ForEach(func(key, value gjson.Result) bool {
		name := key.String()

		lower := strings.ToLower(name)
		if !strings.Contains(lower, "gemini") && !strings.Contains(lower, "claude") {
			return true
		}

		quota := value.Get("quotaInfo")
		resetStr := quota.Get("resetTime")

		remaining := 1.0
		if rf := quota.Get("remainingFraction"); rf.Exists() {
			remaining = rf.Float()
		} else if resetStr.Exists() {
			remaining = 0
		}

		var reset *time.Time
		if t, err := time.Parse(time.RFC3339, resetStr.String()); err == nil {
			reset = &t
		}

		display := displayNames[name]
		if display == "" {
			display = name
		}

		out = append(out, models.ModelQuota{
			ModelName:         name,
			DisplayName:       display,
			RemainingFraction: remaining,
			UsedPercent:       math.Round((1-remaining)*1000) / 10,
			ResetTime:         reset,
		})

		return true
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].UsedPercent > out[j].UsedPercent })

	return out
}
