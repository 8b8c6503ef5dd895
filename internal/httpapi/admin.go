package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/auth"
	"github.com/quarry-lab/conductor/internal/circuitbreaker"
	"github.com/quarry-lab/conductor/internal/health"
	"github.com/quarry-lab/conductor/internal/session"
)

const apiKeyHeader = "X-API-Key"

// Admin serves the operational endpoints on a separate port: metrics,
// health, and introspection. The /admin/* routes are gated by the configured
// API key; when no key hash is configured they are open.
type Admin struct {
	tokens   *auth.Tokens
	checks   *health.Manager
	sessions *session.Manager
	breakers *circuitbreaker.Registry
	logger   *zap.Logger
}

func NewAdmin(tokens *auth.Tokens, checks *health.Manager, sessions *session.Manager, breakers *circuitbreaker.Registry, logger *zap.Logger) *Admin {
	return &Admin{
		tokens:   tokens,
		checks:   checks,
		sessions: sessions,
		breakers: breakers,
		logger:   logger,
	}
}

// Routes registers the admin endpoints on mux.
func (a *Admin) Routes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", a.handleHealth(false))
	mux.HandleFunc("GET /health/detailed", a.handleHealth(true))
	mux.HandleFunc("GET /readiness", a.handleReadiness)
	mux.HandleFunc("GET /admin/sessions", a.gated(a.handleSessions))
	mux.HandleFunc("GET /admin/circuitbreakers", a.gated(a.handleBreakers))
}

func (a *Admin) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.tokens.AdminEnabled() {
			if err := a.tokens.CheckAdminKey(r.Header.Get(apiKeyHeader)); err != nil {
				a.logger.Warn("admin request rejected", zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next(w, r)
	}
}

func (a *Admin) handleHealth(detailed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall := a.checks.Check(r.Context(), detailed)
		status := http.StatusOK
		if overall.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, overall)
	}
}

func (a *Admin) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !a.checks.Ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *Admin) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.sessions.Snapshot()})
}

func (a *Admin) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.breakers.Snapshot())
}
