package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/aicap/internal/credentials"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/alexjbarnes/aicap/internal/providers"
	"github.com/go-chi/chi/v5"
)

const maxAccountNameLen = 50

type statusResponse struct {
	Status     string          `json:"status"`
	Providers  map[string]bool `json:"providers"`
	LastUpdate *time.Time      `json:"last_update"`
}

type limitsResponse struct {
	LastUpdate *time.Time                     `json:"last_update"`
	Providers  map[string]*models.UsageLimits `json:"providers"`
}

type okResponse struct {
	Status string `json:"status"`
}

func (s *Server) provider(w http.ResponseWriter, r *http.Request) (providers.Provider, bool) {
	name := chi.URLParam(r, "provider")

	p, err := s.cfg.Registry.Get(name)
	if err != nil {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Provider '%s' not found", name))
		return nil, false
	}

	return p, true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Providers:  make(map[string]bool),
		LastUpdate: timePtr(s.cfg.Limits.LastUpdate()),
	}

	for _, p := range s.cfg.Registry.All() {
		resp.Providers[p.Name()] = p.IsAuthenticated()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) limitsPayload() limitsResponse {
	return limitsResponse{
		LastUpdate: timePtr(s.cfg.Limits.LastUpdate()),
		Providers:  s.cfg.Limits.Snapshot(),
	}
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.limitsPayload())
}

func (s *Server) handleProviderLimits(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}

	l, err := s.cfg.Limits.GetOrFetch(r.Context(), p.Name())
	if err != nil {
		if errors.Is(err, apperr.ErrProviderNotFound) {
			writeDetail(w, http.StatusNotFound, fmt.Sprintf("Provider '%s' not found", p.Name()))
			return
		}

		writeDetail(w, http.StatusServiceUnavailable, "Limits request cancelled")

		return
	}

	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	at := s.cfg.Limits.RefreshAll(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"last_update": timePtr(at),
	})
}

// loginHandler starts an OAuth flow. The auth URL is opened in the
// system browser unless open_browser=false, in which case it is returned.
func (s *Server) loginHandler(allowAdd bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowAuth(r) {
			writeDetail(w, http.StatusTooManyRequests, "Too many authentication attempts. Please wait.")
			return
		}

		p, ok := s.provider(w, r)
		if !ok {
			return
		}

		openBrowser, err := boolQuery(r, "open_browser", true)
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		addAccount := false
		if allowAdd {
			if addAccount, err = boolQuery(r, "add_account", false); err != nil {
				writeDetail(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
		}

		url, err := p.GetAuthURL(addAccount)
		if err != nil {
			if errors.Is(err, apperr.ErrNotConfigured) {
				writeDetail(w, http.StatusBadRequest, err.Error())
				return
			}

			s.logger.Error("creating auth url", slog.String("provider", p.Name()), slog.String("error", err.Error()))
			writeDetail(w, http.StatusInternalServerError, "Failed to start authentication")

			return
		}

		if !openBrowser {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "url": url})
			return
		}

		if err := s.cfg.OpenBrowser(url); err != nil {
			s.logger.Warn("opening browser", slog.String("error", err.Error()))
			writeJSON(w, http.StatusOK, map[string]string{
				"status":  "ok",
				"message": "Could not open browser; open the URL manually",
				"url":     url,
			})

			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Browser opened for authentication"})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}

	status := "ok"
	if err := p.Logout(); err != nil {
		s.logger.Error("logout failed", slog.String("provider", p.Name()), slog.String("error", err.Error()))
		status = "error"
	}

	s.cfg.Limits.Invalidate(p.Name())

	writeJSON(w, http.StatusOK, okResponse{Status: status})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.cfg.Accounts.GetAccounts(r.URL.Query().Get("provider"))
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// accountID validates the {id} path parameter before the store sees it.
func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !credentials.ValidID(id) {
		writeDetail(w, http.StatusBadRequest, "Invalid account_id format")
		return "", false
	}

	return id, true
}

// accountResult maps a store error onto the response.
func (s *Server) accountResult(w http.ResponseWriter, op, id string, err error) bool {
	if err == nil {
		return true
	}

	if errors.Is(err, apperr.ErrAccountNotFound) {
		writeDetail(w, http.StatusNotFound, "Account not found")
		return false
	}

	if errors.Is(err, apperr.ErrAccountActive) {
		writeDetail(w, http.StatusConflict, "Cannot delete active account; activate another account first")
		return false
	}

	s.logger.Error("account "+op+" failed", slog.String("id", id), slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, okResponse{Status: "error"})

	return false
}

func (s *Server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	if !s.accountResult(w, "activate", id, s.cfg.Accounts.SetActiveAccount(id)) {
		return
	}

	s.cfg.Limits.Invalidate("")
	s.cfg.Limits.RefreshAll(r.Context())

	writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

func (s *Server) handleRenameAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	name := r.URL.Query().Get("name")
	if n := utf8.RuneCountInString(name); n < 1 || n > maxAccountNameLen {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("name must be 1-%d characters", maxAccountNameLen))
		return
	}

	if !s.accountResult(w, "rename", id, s.cfg.Accounts.UpdateAccountName(id, name)) {
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	if !s.accountResult(w, "delete", id, s.cfg.Accounts.DeleteInactiveAccount(id)) {
		return
	}

	s.cfg.Limits.Invalidate("")
	s.cfg.Limits.RefreshAll(r.Context())

	writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

func boolQuery(r *http.Request, key string, def bool) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}

	return v, nil
}
