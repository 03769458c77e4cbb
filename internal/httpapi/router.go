// Package httpapi exposes the eLogbook over HTTP with chi. Every route under
// /api/v1 requires a bearer token; the acting user is re-read from the store.
package httpapi

import (
	"context"
	"elogbook/internal/core"
	"elogbook/internal/export"
	"elogbook/internal/identity"
	"elogbook/internal/query"
	"elogbook/pkg/domain"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// Deps wires the handlers to the service layer.
type Deps struct {
	Service  *core.Service
	Query    *query.Service
	Exporter *export.Exporter
	Auth     *identity.JWTResolver
	Logger   core.Logger
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Timeout  time.Duration
}

type handler struct {
	svc      *core.Service
	query    *query.Service
	exporter *export.Exporter
	auth     *identity.JWTResolver
	logger   core.Logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	h := &handler{svc: d.Service, query: d.Query, exporter: d.Exporter, auth: d.Auth, logger: d.Logger}
	if h.logger == nil {
		h.logger = noopLogger{}
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(h.recoverer)
	r.Use(h.accessLog)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withTimeout(timeout))
		r.Use(h.requireAuth)
		r.Post("/login", h.handleLogin)
		r.Get("/me", h.handleMe)
		r.Get("/stats", h.handleStats)
		r.Get("/users", h.handleListUsers)
		r.Post("/users", h.handleCreateUser)
		r.Get("/audit", h.handleListAudit)
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.handleListTemplates)
			r.Post("/", h.handleCreateTemplate)
			r.Get("/{id}", h.handleGetTemplate)
			r.Put("/{id}", h.handleUpdateTemplate)
			r.Get("/{id}/history", h.handleTemplateHistory)
			r.Get("/{id}/entries", h.handleListEntries)
			r.Post("/{id}/entries", h.handleSubmitEntry)
		})
		r.Post("/reports/audit", h.handleExportAudit)
		r.Post("/reports/templates/{id}/entries", h.handleExportEntries)
	})
	return r
}

type requestIDKey struct{}

// RequestIDFrom returns the correlation id assigned to the request.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", RequestIDFrom(r.Context()),
		)
	})
}

func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.logger.Error("panic serving request", "panic", p, "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()))
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			h.writeError(w, r, domain.NewUnauthenticatedError("authentication is not configured"))
			return
		}
		user, err := h.auth.Resolve(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), user)))
	})
}
