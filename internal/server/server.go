// Package server builds the local HTTP API: limits, OAuth login and
// callback, account management and the live limits stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/aicap/internal/auth"
	"github.com/alexjbarnes/aicap/internal/limits"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/alexjbarnes/aicap/internal/providers"
	"github.com/alexjbarnes/aicap/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is echoed on every response.
	RequestIDHeader = "X-Request-ID"

	devOrigin = "http://localhost:1420"
)

// Origins the desktop shell loads the UI from.
var tauriOrigins = []string{"tauri://localhost", "https://tauri.localhost"}

// AccountStore is the credential store surface the API manages.
type AccountStore interface {
	GetAccounts(provider string) []models.AccountSummary
	SetActiveAccount(id string) error
	UpdateAccountName(id, name string) error
	DeleteInactiveAccount(id string) error
	Count() int
}

// Config holds dependencies for building the router.
type Config struct {
	Registry *providers.Registry
	Limits   *limits.Coordinator
	Accounts AccountStore
	States   *auth.StateRegistry

	GeneralLimiter *ratelimit.Limiter
	AuthLimiter    *ratelimit.Limiter

	// APIToken enables token auth. When empty only loopback clients
	// reach protected routes.
	APIToken string
	DevMode  bool

	// MCPHandler is mounted at /mcp when set.
	MCPHandler http.Handler

	// OpenBrowser launches the system browser for login.
	OpenBrowser func(url string) error

	// SchedulerRunning feeds /health. Nil reports false.
	SchedulerRunning func() bool

	Version   string
	StartedAt time.Time
	Logger    *slog.Logger
}

// Server holds the handlers' shared state.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// NewRouter builds the HTTP handler. Middleware runs in order: request
// id, CORS, general rate limit, then loopback or token checks.
func NewRouter(cfg Config) http.Handler {
	if cfg.OpenBrowser == nil {
		cfg.OpenBrowser = func(string) error { return nil }
	}

	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.DevMode),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", auth.TokenHeader, RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.rateLimit)

	if cfg.APIToken != "" {
		r.Use(auth.RequireToken(cfg.APIToken, func(p string) bool { return !requiresToken(p) }, s.logger))
	} else {
		r.Use(auth.LoopbackOnly(isExempt, s.logger))
	}

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/auth/callback", s.handleCallback)

	r.Route("/api/v1", func(r chi.Router) {
		s.coreRoutes(r, true)

		r.Get("/limits/stream", s.handleStream)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts/{id}/activate", s.handleActivateAccount)
		r.Put("/accounts/{id}/name", s.handleRenameAccount)
		r.Delete("/accounts/{id}", s.handleDeleteAccount)
	})

	// Deprecated root-level twins kept for older desktop builds.
	s.coreRoutes(r, false)

	if cfg.MCPHandler != nil {
		r.Handle("/mcp", cfg.MCPHandler)
	}

	return r
}

// coreRoutes registers the routes served both under /api/v1 and at the
// root. The legacy login never adds an account.
func (s *Server) coreRoutes(r chi.Router, v1 bool) {
	r.Get("/status", s.handleStatus)
	r.Get("/limits", s.handleLimits)
	r.Get("/limits/{provider}", s.handleProviderLimits)
	r.Post("/limits/refresh", s.handleRefresh)
	r.Get("/auth/{provider}/login", s.loginHandler(v1))
	r.Post("/auth/{provider}/logout", s.handleLogout)
}

func allowedOrigins(dev bool) []string {
	origins := append([]string(nil), tauriOrigins...)
	if dev {
		origins = append(origins, devOrigin)
	}

	return origins
}

func normalizePath(p string) string {
	if trimmed := strings.TrimRight(p, "/"); trimmed != "" {
		return trimmed
	}

	return "/"
}

// isExempt reports paths reachable by any client without a token.
func isExempt(p string) bool {
	switch normalizePath(p) {
	case "/health", "/auth/callback":
		return true
	default:
		return false
	}
}

// requiresToken reports whether p is protected when an API token is
// configured.
func requiresToken(p string) bool {
	if isExempt(p) {
		return false
	}

	n := normalizePath(p)

	for _, prefix := range []string{"/api", "/limits", "/auth", "/mcp"} {
		if n == prefix || strings.HasPrefix(n, prefix+"/") {
			return true
		}
	}

	return n == "/status" || n == "/metrics"
}

type ctxKey struct{}

// RequestID returns the request id stored by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()[:8]
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		ip := auth.ClientIP(r)
		if !s.cfg.GeneralLimiter.Allow(ip) {
			s.logger.Warn("rate limit exceeded", slog.String("ip", ip))
			writeDetail(w, http.StatusTooManyRequests, "Too many requests")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowAuth applies the stricter limiter used by login and callback.
func (s *Server) allowAuth(r *http.Request) bool {
	ip := auth.ClientIP(r)
	if s.cfg.AuthLimiter.Allow(ip) {
		return true
	}

	s.logger.Warn("auth rate limit exceeded", slog.String("ip", ip))

	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
