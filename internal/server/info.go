package server

import (
	"net/http"
	"time"
)

type providerHealth struct {
	Authenticated   bool `json:"authenticated"`
	HasCachedLimits bool `json:"has_cached_limits"`
}

type healthChecks struct {
	Scheduler     bool                      `json:"scheduler"`
	Storage       bool                      `json:"storage"`
	AccountsCount int                       `json:"accounts_count"`
	Providers     map[string]providerHealth `json:"providers"`
}

type limiterMetrics struct {
	TrackedClients int     `json:"tracked_clients"`
	Limit          int     `json:"limit"`
	WindowSeconds  float64 `json:"window_seconds"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "aicap",
		"version": s.cfg.Version,
	})
}

func (s *Server) schedulerRunning() bool {
	return s.cfg.SchedulerRunning != nil && s.cfg.SchedulerRunning()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Limits.Snapshot()

	checks := healthChecks{
		Scheduler:     s.schedulerRunning(),
		Storage:       true,
		AccountsCount: s.cfg.Accounts.Count(),
		Providers:     make(map[string]providerHealth),
	}

	for _, p := range s.cfg.Registry.All() {
		_, cached := snap[p.Name()]
		checks.Providers[p.Name()] = providerHealth{
			Authenticated:   p.IsAuthenticated(),
			HasCachedLimits: cached,
		}
	}

	status := "healthy"
	if !checks.Scheduler || !checks.Storage {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"checks":      checks,
		"last_update": timePtr(s.cfg.Limits.LastUpdate()),
		"version":     s.cfg.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Limits.Snapshot()

	provs := make(map[string]map[string]bool)
	for _, p := range s.cfg.Registry.All() {
		_, cached := snap[p.Name()]
		provs[p.Name()] = map[string]bool{
			"authenticated": p.IsAuthenticated(),
			"cached":        cached,
		}
	}

	general := s.cfg.GeneralLimiter.Stats()
	authStats := s.cfg.AuthLimiter.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(s.cfg.StartedAt).Seconds(),
		"rate_limits": map[string]limiterMetrics{
			"general": {general.TrackedClients, general.Limit, general.Window.Seconds()},
			"auth":    {authStats.TrackedClients, authStats.Limit, authStats.Window.Seconds()},
		},
		"pending_oauth_states": s.cfg.States.Len(),
		"providers":            provs,
		"accounts_count":       s.cfg.Accounts.Count(),
		"last_update":          timePtr(s.cfg.Limits.LastUpdate()),
		"scheduler_running":    s.schedulerRunning(),
	})
}
