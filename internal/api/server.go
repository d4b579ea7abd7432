// Package api provides the REST API server in front of the sync engine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/clouddeck/tagsync-server/internal/projector"
	"github.com/clouddeck/tagsync-server/internal/region"
	"github.com/clouddeck/tagsync-server/internal/taggable"
)

// Service is the engine surface the API serves
type Service interface {
	Regions() []region.Region
	Refreshing() bool
	Refresh(ctx context.Context) error
	Taggable(guid string) *taggable.Taggable
	Filtered() []*taggable.Taggable
	FilteredMatching(text string) []*taggable.Taggable
	FilteredMatchingByType(entityType taggable.Type, text string) []*taggable.Taggable
	SetFilter(text string)
	Filter() string
	ReplaceTags(ctx context.Context, guid string, tags []string) (*taggable.Taggable, error)
	KnownTags(ctx context.Context) ([]string, error)
	SetToken(token string) error
	StartApp(ctx context.Context, guid string) error
	StopApp(ctx context.Context, guid string) error
	KillFirstAppInstance(ctx context.Context, guid string) error
	Subscribe() (<-chan projector.Snapshot, func())
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates and configures the HTTP router for the given service
func NewServer(svc Service, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Mount("/api/v1", Router(svc))

	return r
}

// LoggingMiddleware logs HTTP requests through the given logger
func LoggingMiddleware(logger logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.V(1).Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
