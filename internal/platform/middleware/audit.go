package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry captures who touched patient identity data, when, from where,
// and what kind of operation they performed.
type AuditEntry struct {
	OrgID      string
	Action     string // register, update, search, merge, read, admin
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder is the interface the audit middleware uses to persist entries.
// It decouples the middleware from any concrete sink so tests can provide a
// mock implementation.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns Echo middleware that logs every access to the identity
// registry routes. The calling organization is taken from the echo context
// ("caller_org", set by the authorization layer after it validates the token).
//
// If no AuditRecorder is provided, entries are only emitted as structured
// zerolog events.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			// Execute the handler first so we capture the response status
			// and the caller identity resolved during authorization.
			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Action:     pathToAction(req.Method, path),
			}

			if org, ok := c.Get("caller_org").(string); ok {
				entry.OrgID = org
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "registry_audit").
				Str("request_id", entry.RequestID).
				Str("org_id", entry.OrgID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("identity_access")

			return err
		}
	}
}

// isAuditablePath returns true for registry and admin routes.
func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/pix/") || strings.HasPrefix(path, "/admin/")
}

// pathToAction maps a request to an audit action code.
func pathToAction(method, path string) string {
	switch {
	case strings.HasSuffix(path, "/search"):
		return "search"
	case strings.HasPrefix(path, "/admin/merge"):
		return "merge"
	case strings.HasPrefix(path, "/admin/"):
		return "admin"
	}
	switch method {
	case http.MethodPost:
		return "register"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
