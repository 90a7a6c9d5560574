package statusapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/config"
)

// authMiddleware gates every route behind the teacher's token/local-only
// scheme, adapted from internal/api/auth.go. Every route here is
// read-only, so unlike the teacher there is no control-vs-read-only
// distinction — when security is enabled, every request needs a token.
type authMiddleware struct {
	cfg       *config.APISecurity
	logger    *slog.Logger
	auditFile *os.File
}

func newAuthMiddleware(cfg *config.APISecurity, logger *slog.Logger) (*authMiddleware, error) {
	am := &authMiddleware{cfg: cfg, logger: logger}
	if cfg.AuditLog != "" {
		path := config.ExpandHome(cfg.AuditLog)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("statusapi: open audit log %q: %w", path, err)
		}
		am.auditFile = f
	}
	return am, nil
}

func (am *authMiddleware) Close() error {
	if am.auditFile != nil {
		return am.auditFile.Close()
	}
	return nil
}

type auditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Authorized bool      `json:"authorized"`
	Token      string    `json:"token,omitempty"`
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
}

func (am *authMiddleware) logAuditEvent(e auditEvent) {
	if am.auditFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		am.logger.Error("marshal audit event", "error", err)
		return
	}
	if _, err := am.auditFile.Write(append(data, '\n')); err != nil {
		am.logger.Error("write audit event", "error", err)
	}
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****"
}

func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func (am *authMiddleware) isValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range am.cfg.AllowedTokens {
		if token == allowed {
			return true
		}
	}
	return false
}

// requireAuth wraps a handler with the configured token/local-only check.
func (am *authMiddleware) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		event := auditEvent{Timestamp: start, RemoteAddr: r.RemoteAddr, Method: r.Method, Path: r.URL.Path}
		defer func() {
			event.Duration = time.Since(start).String()
			am.logAuditEvent(event)
		}()

		if !am.cfg.Enabled {
			if am.cfg.RequireLocalOnly && !isLocalRequest(r.RemoteAddr) {
				event.Authorized, event.Error, event.StatusCode = false, "non-local request rejected", http.StatusForbidden
				writeError(w, http.StatusForbidden, "access denied: non-local requests not allowed")
				return
			}
			event.Authorized = true
			next(w, r)
			return
		}

		token := extractToken(r)
		event.Token = truncateToken(token)
		if !am.isValidToken(token) {
			event.Authorized, event.Error, event.StatusCode = false, "invalid or missing token", http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized: valid token required")
			return
		}
		event.Authorized = true
		next(w, r)
	}
}
