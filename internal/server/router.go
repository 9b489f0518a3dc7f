package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanpama/gqlstream/internal/ws"
)

// RouterConfig wires the handlers served by NewRouter. Metrics and WebSocket
// may be nil.
type RouterConfig struct {
	// Path is where GraphQL is served. Defaults to /graphql.
	Path string

	HTTP      http.Handler
	WebSocket http.Handler
	Metrics   http.Handler
}

// NewRouter mounts GraphQL, health and metrics endpoints. Requests on Path
// that ask for a WebSocket upgrade go to the WebSocket handler, everything
// else to the HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	path := cfg.Path
	if path == "" {
		path = "/graphql"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(path, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if cfg.WebSocket != nil && ws.IsUpgrade(req) {
			cfg.WebSocket.ServeHTTP(w, req)
			return
		}
		cfg.HTTP.ServeHTTP(w, req)
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	return r
}
