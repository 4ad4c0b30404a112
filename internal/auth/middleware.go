package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const (
	// TokenHeader carries the local API token.
	TokenHeader = "X-AICap-Token"

	// WebSocketProtocol is the subprotocol the limits stream speaks.
	WebSocketProtocol = "aicap"

	// TokenProtocolPrefix marks the subprotocol entry carrying the API
	// token for browser websocket clients, which cannot set headers.
	// The token follows the prefix, base64url encoded without padding.
	TokenProtocolPrefix = "aicap.token."
)

// TokenProtocol returns the subprotocol entry a websocket client offers
// alongside WebSocketProtocol to authenticate.
func TokenProtocol(token string) string {
	return TokenProtocolPrefix + base64.RawURLEncoding.EncodeToString([]byte(token))
}

// requestToken returns the API token from the header or, on websocket
// upgrades only, from the offered subprotocols.
func requestToken(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return ""
	}

	for _, line := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(line, ",") {
			enc, ok := strings.CutPrefix(strings.TrimSpace(p), TokenProtocolPrefix)
			if !ok {
				continue
			}

			raw, err := base64.RawURLEncoding.DecodeString(enc)
			if err != nil {
				return ""
			}

			return string(raw)
		}
	}

	return ""
}

// ClientIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// IsLoopback reports whether ip is a loopback address.
func IsLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}

	parsed := net.ParseIP(ip)

	return parsed != nil && parsed.IsLoopback()
}

// RequireToken rejects requests whose X-AICap-Token header does not match
// token. Websocket upgrades may carry the token as a subprotocol entry
// instead. Paths for which exempt returns true and OPTIONS preflights
// pass through.
func RequireToken(token string, exempt func(path string) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			got := []byte(requestToken(r))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				logger.Debug("middleware: invalid api token",
					slog.String("ip", ClientIP(r)),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusUnauthorized, "Invalid or missing API token")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoopbackOnly rejects requests from non-loopback addresses. Used when no
// API token is configured.
func LoopbackOnly(exempt func(path string) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if exempt(r.URL.Path) || IsLoopback(ip) {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("middleware: non-loopback request rejected",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			writeError(w, http.StatusForbidden, "Access denied")
		})
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"detail":"` + detail + `"}`))
}
