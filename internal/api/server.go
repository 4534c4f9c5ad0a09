package api

import (
	"net/http"
	"time"

	"github.com/oriys/quasar/internal/auth"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
)

// publicPaths skip authentication: liveness checks and the Prometheus
// scrape endpoint.
var publicPaths = []string{"/health/ready", "/metrics"}

// Routes builds the route table and middleware chain.
func Routes(h *Handler) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = timingMiddleware(mux)
	handler = observability.HTTPMiddleware(handler)

	if keys := h.Cfg.Daemon.APIKeys; len(keys) > 0 {
		apiKeyAuth := auth.NewAPIKeyAuthenticator(keys)
		handler = auth.Middleware([]auth.Authenticator{apiKeyAuth}, publicPaths)(handler)
		logging.Op().Info("authentication enabled", "keys", apiKeyAuth.Len(), "public_paths", publicPaths)
	}
	return handler
}

// StartHTTPServer starts serving on addr. The returned server is shut down
// by the daemon.
func StartHTTPServer(addr string, h *Handler) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: Routes(h),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}

// timingMiddleware records the request histogram keyed by the matched
// route pattern. It sits directly around the mux so the pattern set during
// routing is visible once serving returns.
func timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
