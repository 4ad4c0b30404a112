package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/aicap/internal/auth"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/limits"
	"github.com/alexjbarnes/aicap/internal/logging"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/alexjbarnes/aicap/internal/providers"
	"github.com/alexjbarnes/aicap/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable providers.Provider.
type fakeProvider struct {
	name        string
	authed      atomic.Bool
	authURLErr  error
	callbackErr error

	mu         sync.Mutex
	addFlags   []bool
	callbacks  int
	logouts    int
	limitCalls atomic.Int32
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) IsAuthenticated() bool { return f.authed.Load() }

func (f *fakeProvider) GetValidToken(context.Context) (string, error) {
	if !f.authed.Load() {
		return "", apperr.ErrNotAuthenticated
	}

	return "token", nil
}

func (f *fakeProvider) GetLimits(context.Context) (*models.UsageLimits, error) {
	f.limitCalls.Add(1)

	return &models.UsageLimits{
		Provider:           f.name,
		IsAuthenticated:    f.authed.Load(),
		PrimaryUsedPercent: models.Ptr(25.0),
	}, nil
}

func (f *fakeProvider) GetAuthURL(add bool) (string, error) {
	if f.authURLErr != nil {
		return "", f.authURLErr
	}

	f.mu.Lock()
	f.addFlags = append(f.addFlags, add)
	f.mu.Unlock()

	return "https://auth.example.com/" + f.name, nil
}

func (f *fakeProvider) HandleCallback(context.Context, string, string) error {
	f.mu.Lock()
	f.callbacks++
	f.mu.Unlock()

	if f.callbackErr != nil {
		return f.callbackErr
	}

	f.authed.Store(true)

	return nil
}

func (f *fakeProvider) Logout() error {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
	f.authed.Store(false)

	return nil
}

// fakeAccounts is an in-memory AccountStore with a single active id.
type fakeAccounts struct {
	mu       sync.Mutex
	accounts []models.AccountSummary
	active   string
}

func (f *fakeAccounts) GetAccounts(provider string) []models.AccountSummary {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []models.AccountSummary{}
	for _, a := range f.accounts {
		if provider == "" || a.Provider == provider {
			a.IsActive = a.ID == f.active
			out = append(out, a)
		}
	}

	return out
}

func (f *fakeAccounts) find(id string) int {
	for i, a := range f.accounts {
		if a.ID == id {
			return i
		}
	}

	return -1
}

func (f *fakeAccounts) IsActive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.active == id
}

func (f *fakeAccounts) SetActiveAccount(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.find(id) < 0 {
		return apperr.ErrAccountNotFound
	}

	f.active = id

	return nil
}

func (f *fakeAccounts) UpdateAccountName(id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.find(id)
	if i < 0 {
		return apperr.ErrAccountNotFound
	}

	f.accounts[i].Name = name

	return nil
}

func (f *fakeAccounts) DeleteInactiveAccount(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.find(id)
	if i < 0 {
		return apperr.ErrAccountNotFound
	}

	if f.active == id {
		return apperr.ErrAccountActive
	}

	f.accounts = append(f.accounts[:i], f.accounts[i+1:]...)

	return nil
}

func (f *fakeAccounts) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.accounts)
}

type fixture struct {
	handler  http.Handler
	openai   *fakeProvider
	google   *fakeProvider
	limits   *limits.Coordinator
	accounts *fakeAccounts
	states   *auth.StateRegistry
	opened   []string
	openMu   sync.Mutex
}

func (f *fixture) openedURLs() []string {
	f.openMu.Lock()
	defer f.openMu.Unlock()

	return append([]string(nil), f.opened...)
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		openai: &fakeProvider{name: "openai"},
		google: &fakeProvider{name: "antigravity"},
		accounts: &fakeAccounts{
			accounts: []models.AccountSummary{
				{ID: "0123abcd", Provider: "openai", Name: "Work"},
				{ID: "89abcdef", Provider: "openai", Name: "Personal"},
			},
			active: "0123abcd",
		},
		states: auth.NewStateRegistry(logging.Discard()),
	}

	registry := providers.NewRegistry(f.openai, f.google)
	f.limits = limits.NewCoordinator(registry.Sources(), nil, logging.Discard())

	cfg := Config{
		Registry:       registry,
		Limits:         f.limits,
		Accounts:       f.accounts,
		States:         f.states,
		GeneralLimiter: ratelimit.New(1000, time.Minute),
		AuthLimiter:    ratelimit.New(1000, time.Minute),
		OpenBrowser: func(u string) error {
			f.openMu.Lock()
			f.opened = append(f.opened, u)
			f.openMu.Unlock()

			return nil
		},
		SchedulerRunning: func() bool { return true },
		Version:          "1.2.3",
		Logger:           logging.Discard(),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	f.handler = NewRouter(cfg)

	return f
}

type reqOpt func(*http.Request)

func fromIP(ip string) reqOpt {
	return func(r *http.Request) { r.RemoteAddr = ip + ":50000" }
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func (f *fixture) do(t *testing.T, method, path string, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:50000"

	for _, o := range opts {
		o(req)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())

	return out
}

// --- middleware ---

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/")
	assert.Len(t, rec.Header().Get(RequestIDHeader), 8)

	rec = f.do(t, http.MethodGet, "/", withHeader(RequestIDHeader, "trace-42"))
	assert.Equal(t, "trace-42", rec.Header().Get(RequestIDHeader))
}

func TestLoopbackOnly_WithoutToken(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/status", fromIP("10.0.0.5"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", fromIP("10.0.0.5"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/", fromIP("10.0.0.5"))
	assert.NotEqual(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/callback?code=x", fromIP("10.0.0.5"))
	assert.NotEqual(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/status", fromIP("::1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireToken(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.APIToken = "s3cret" })

	rec := f.do(t, http.MethodGet, "/api/v1/status", fromIP("10.0.0.5"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid or missing API token", decode(t, rec)["detail"])

	rec = f.do(t, http.MethodGet, "/api/v1/status", fromIP("10.0.0.5"), withHeader(auth.TokenHeader, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/status", fromIP("10.0.0.5"), withHeader(auth.TokenHeader, "s3cret"))
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, p := range []string{"/limits", "/status", "/metrics", "/auth/openai/login"} {
		rec = f.do(t, http.MethodGet, p)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, p)
	}

	for _, p := range []string{"/", "/health"} {
		rec = f.do(t, http.MethodGet, p, fromIP("10.0.0.5"))
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}
}

func TestRequiresToken(t *testing.T) {
	protected := []string{"/api", "/api/v1/limits", "/limits", "/limits/openai", "/status", "/metrics", "/auth/openai/login", "/mcp"}
	for _, p := range protected {
		assert.True(t, requiresToken(p), p)
	}

	open := []string{"/", "/health", "/health/", "/auth/callback", "/auth/callback/", "/apiary"}
	for _, p := range open {
		assert.False(t, requiresToken(p), p)
	}
}

func TestRateLimit_General(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.GeneralLimiter = ratelimit.New(2, time.Minute) })

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/").Code)

	rec := f.do(t, http.MethodGet, "/")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", decode(t, rec)["detail"])

	// Another client has its own window.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/", fromIP("127.0.0.2")).Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.APIToken = "s3cret" })

	preflight := func(origin string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodOptions, "/api/v1/limits",
			withHeader("Origin", origin),
			withHeader("Access-Control-Request-Method", http.MethodGet),
			withHeader("Access-Control-Request-Headers", auth.TokenHeader),
		)
	}

	rec := preflight("tauri://localhost")
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "tauri://localhost", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight("https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight("http://localhost:1420")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	dev := newFixture(t, func(c *Config) { c.DevMode = true })
	rec = dev.do(t, http.MethodOptions, "/api/v1/limits",
		withHeader("Origin", "http://localhost:1420"),
		withHeader("Access-Control-Request-Method", http.MethodGet),
	)
	assert.Equal(t, "http://localhost:1420", rec.Header().Get("Access-Control-Allow-Origin"))
}

// --- info ---

func TestRoot(t *testing.T) {
	f := newFixture(t, nil)

	body := decode(t, f.do(t, http.MethodGet, "/"))
	assert.Equal(t, "aicap", body["service"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	f.openai.authed.Store(true)

	body := decode(t, f.do(t, http.MethodGet, "/health"))
	assert.Equal(t, "healthy", body["status"])

	checks := body["checks"].(map[string]any)
	assert.Equal(t, float64(2), checks["accounts_count"])

	provs := checks["providers"].(map[string]any)
	assert.Equal(t, true, provs["openai"].(map[string]any)["authenticated"])
	assert.Equal(t, false, provs["antigravity"].(map[string]any)["has_cached_limits"])
}

func TestHealth_DegradedWithoutScheduler(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SchedulerRunning = nil })

	body := decode(t, f.do(t, http.MethodGet, "/health"))
	assert.Equal(t, "degraded", body["status"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.states.CreateState(false, "openai")
	require.NoError(t, err)

	body := decode(t, f.do(t, http.MethodGet, "/metrics"))
	assert.Equal(t, float64(1), body["pending_oauth_states"])
	assert.Equal(t, true, body["scheduler_running"])
	assert.Nil(t, body["last_update"])

	rl := body["rate_limits"].(map[string]any)
	assert.Equal(t, float64(1000), rl["general"].(map[string]any)["limit"])
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.google.authed.Store(true)

	for _, p := range []string{"/api/v1/status", "/status"} {
		body := decode(t, f.do(t, http.MethodGet, p))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, map[string]any{"openai": false, "antigravity": true}, body["providers"])
	}
}

// --- limits ---

func TestLimits_AllAndRefresh(t *testing.T) {
	f := newFixture(t, nil)
	f.openai.authed.Store(true)

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/limits"))
	assert.Nil(t, body["last_update"])
	assert.Empty(t, body["providers"])

	rec := f.do(t, http.MethodPost, "/api/v1/limits/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.NotNil(t, body["last_update"])

	body = decode(t, f.do(t, http.MethodGet, "/limits"))
	provs := body["providers"].(map[string]any)
	assert.Equal(t, 25.0, provs["openai"].(map[string]any)["primary_used_percent"])
	assert.Equal(t, false, provs["antigravity"].(map[string]any)["is_authenticated"])
}

func TestLimits_Provider(t *testing.T) {
	f := newFixture(t, nil)
	f.openai.authed.Store(true)

	rec := f.do(t, http.MethodGet, "/api/v1/limits/openai")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "openai", decode(t, rec)["provider"])

	// Cached now; a second call does not hit the provider.
	f.do(t, http.MethodGet, "/limits/openai")
	assert.Equal(t, int32(1), f.openai.limitCalls.Load())

	rec = f.do(t, http.MethodGet, "/api/v1/limits/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Provider 'unknown' not found", decode(t, rec)["detail"])
}

// --- login / logout ---

func TestLogin_ReturnsURL(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/auth/openai/login?open_browser=false&add_account=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://auth.example.com/openai", decode(t, rec)["url"])
	assert.Equal(t, []bool{true}, f.openai.addFlags)
	assert.Empty(t, f.openedURLs())
}

func TestLogin_OpensBrowserByDefault(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/auth/antigravity/login")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Browser opened for authentication", decode(t, rec)["message"])
	assert.Equal(t, []string{"https://auth.example.com/antigravity"}, f.openedURLs())
}

func TestLogin_BrowserFailureReturnsURL(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.OpenBrowser = func(string) error { return errors.New("no display") }
	})

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/auth/openai/login"))
	assert.Equal(t, "https://auth.example.com/openai", body["url"])
}

func TestLogin_LegacyNeverAddsAccount(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/auth/openai/login?open_browser=false&add_account=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{false}, f.openai.addFlags)
}

func TestLogin_Errors(t *testing.T) {
	f := newFixture(t, nil)
	f.google.authURLErr = fmt.Errorf("%w: set GOOGLE_CLIENT_ID", apperr.ErrNotConfigured)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/auth/nope/login").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/auth/antigravity/login").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodGet, "/api/v1/auth/openai/login?open_browser=maybe").Code)
}

func TestLogin_AuthRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AuthLimiter = ratelimit.New(1, time.Minute) })

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/auth/openai/login?open_browser=false").Code)

	rec := f.do(t, http.MethodGet, "/api/v1/auth/openai/login?open_browser=false")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "Too many authentication attempts")
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	f.openai.authed.Store(true)
	f.limits.RefreshAll(context.Background())
	require.NotNil(t, f.limits.GetCached("openai"))

	rec := f.do(t, http.MethodPost, "/api/v1/auth/openai/logout")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.Equal(t, 1, f.openai.logouts)
	assert.Nil(t, f.limits.GetCached("openai"))
	assert.NotNil(t, f.limits.GetCached("antigravity"))
}

// --- accounts ---

func TestAccounts_List(t *testing.T) {
	f := newFixture(t, nil)

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/accounts"))
	accounts := body["accounts"].([]any)
	require.Len(t, accounts, 2)
	assert.Equal(t, true, accounts[0].(map[string]any)["is_active"])

	body = decode(t, f.do(t, http.MethodGet, "/api/v1/accounts?provider=antigravity"))
	assert.Empty(t, body["accounts"])
}

func TestAccounts_InvalidID(t *testing.T) {
	f := newFixture(t, nil)

	for _, id := range []string{"ABCDEF12", "0123abc", "0123abcde", "zzzzzzzz"} {
		rec := f.do(t, http.MethodPost, "/api/v1/accounts/"+id+"/activate")
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		assert.Equal(t, "Invalid account_id format", decode(t, rec)["detail"])
	}

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/v1/accounts/nothex!!").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/v1/accounts/XYZ/name?name=a").Code)
}

func TestAccounts_Activate(t *testing.T) {
	f := newFixture(t, nil)
	f.openai.authed.Store(true)

	rec := f.do(t, http.MethodPost, "/api/v1/accounts/89abcdef/activate")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.accounts.IsActive("89abcdef"))

	// Activation triggers a refresh round.
	assert.False(t, f.limits.LastUpdate().IsZero())
	assert.NotNil(t, f.limits.GetCached("openai"))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/accounts/ffffffff/activate").Code)
}

func TestAccounts_Rename(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/api/v1/accounts/89abcdef/name?name=Side%20project")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Side project", f.accounts.GetAccounts("openai")[1].Name)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPut, "/api/v1/accounts/89abcdef/name").Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		f.do(t, http.MethodPut, "/api/v1/accounts/89abcdef/name?name="+strings.Repeat("x", 51)).Code)
	assert.Equal(t, http.StatusOK,
		f.do(t, http.MethodPut, "/api/v1/accounts/89abcdef/name?name="+url.QueryEscape(strings.Repeat("é", 50))).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/v1/accounts/ffffffff/name?name=x").Code)
}

func TestAccounts_Delete(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodDelete, "/api/v1/accounts/0123abcd")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 2, f.accounts.Count())

	rec = f.do(t, http.MethodDelete, "/api/v1/accounts/89abcdef")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.accounts.Count())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/accounts/89abcdef").Code)
}

// --- mcp ---

func TestMCPMount(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MCPHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/mcp").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/mcp", fromIP("10.1.1.1")).Code)

	without := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, without.do(t, http.MethodPost, "/mcp").Code)
}
