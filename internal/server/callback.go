package server

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/aicap/internal/auth"
)

const (
	minCodeLen  = 10
	minStateLen = 16
)

// resultPage renders the page shown in the browser tab that completed
// (or failed) an OAuth redirect.
var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #0a0a12;
    color: #f5f5f5;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #14141f;
    border: 1px solid #2a2a3a;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    text-align: center;
    box-shadow: 0 1px 3px rgba(0,0,0,0.3);
  }
  .card h1 {
    font-size: 1.25rem;
    font-weight: 600;
    margin-bottom: 0.75rem;
  }
  .card h1.ok { color: #4ade80; }
  .card h1.fail { color: #f87171; }
  .card p {
    font-size: 0.9rem;
    color: #a0a0b0;
  }
</style>
</head>
<body>
<div class="card">
  <h1 class="{{if .Success}}ok{{else}}fail{{end}}">{{.Heading}}</h1>
  <p>{{.Message}}</p>
</div>
{{if .Success}}<script>setTimeout(() => window.close(), 3000);</script>{{end}}
</body>
</html>`))

type resultData struct {
	Title   string
	Heading string
	Message string
	Success bool
}

var (
	pageTooMany = resultData{
		Title:   "Too Many Requests",
		Heading: "Too Many Requests",
		Message: "Please wait a moment before trying again.",
	}
	pageInvalidState = resultData{
		Title:   "Invalid State",
		Heading: "Invalid or Expired Session",
		Message: "Please try logging in again from the application.",
	}
	pageFailed = resultData{
		Title:   "Authentication Failed",
		Heading: "Authentication Failed",
		Message: "Invalid or expired authorization. Please try again.",
	}
	pageSuccess = resultData{
		Title:   "Authentication Successful",
		Heading: "Authentication Successful!",
		Message: "You can close this window and return to the application.",
		Success: true,
	}
)

func (s *Server) renderResult(w http.ResponseWriter, status int, data resultData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := resultPage.Execute(w, data); err != nil {
		s.logger.Error("rendering callback page", slog.String("error", err.Error()))
	}
}

// handleCallback completes an OAuth redirect. The state is checked
// without consuming it to find the owning provider, whose flow manager
// then validates and consumes it during the exchange.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ip := auth.ClientIP(r)

	if !s.allowAuth(r) {
		s.renderResult(w, http.StatusTooManyRequests, pageTooMany)
		return
	}

	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")

	if len(code) < minCodeLen || len(state) < minStateLen {
		s.logger.Warn("callback: malformed parameters", slog.String("ip", ip))
		s.renderResult(w, http.StatusBadRequest, pageFailed)

		return
	}

	rec := s.cfg.States.ValidateState(state)
	if rec == nil {
		s.logger.Warn("callback: invalid oauth state", slog.String("ip", ip), slog.String("state_prefix", state[:minStateLen]))
		s.renderResult(w, http.StatusBadRequest, pageInvalidState)

		return
	}

	p, err := s.cfg.Registry.Get(rec.Provider)
	if err != nil {
		s.logger.Warn("callback: state for unknown provider", slog.String("provider", rec.Provider))
		s.renderResult(w, http.StatusBadRequest, pageInvalidState)

		return
	}

	if err := p.HandleCallback(r.Context(), code, state); err != nil {
		s.logger.Warn("callback: authentication failed",
			slog.String("provider", p.Name()),
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		s.renderResult(w, http.StatusBadRequest, pageFailed)

		return
	}

	s.logger.Info("callback: authentication succeeded", slog.String("provider", p.Name()), slog.String("ip", ip))

	l, err := p.GetLimits(r.Context())
	if err != nil {
		s.logger.Warn("callback: fetching limits", slog.String("provider", p.Name()), slog.String("error", err.Error()))
	} else if l != nil {
		l.Provider = p.Name()
		s.cfg.Limits.Set(p.Name(), l)
	}

	s.renderResult(w, http.StatusOK, pageSuccess)
}
