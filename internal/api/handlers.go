// Package api exposes the orchestrator's HTTP surface: provisioning,
// stream lifecycle events, fleet queries, and the status endpoints the
// media proxy polls before playback.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/oriys/quasar/internal/autoscaler"
	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/loopdetect"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/state"
	"github.com/oriys/quasar/internal/store"
	"github.com/oriys/quasar/internal/variant"
	"github.com/oriys/quasar/internal/vpn"
)

// Provisioner launches containers on behalf of API callers.
type Provisioner interface {
	ProvisionAce(ctx context.Context, req *domain.AceProvisionRequest) (*domain.AceProvisionResponse, error)
	Generic(ctx context.Context, req *domain.GenericProvisionRequest) (string, error)
}

// Scaler exposes the autoscaler's manual controls.
type Scaler interface {
	GCNow(ctx context.Context) []string
	ScaleTo(ctx context.Context, n int) (autoscaler.ScaleResult, error)
}

// VPNView is the monitor slice the API reports on. Nil when the deployment
// runs without VPN sidecars.
type VPNView interface {
	Status() []vpn.Status
	Candidates() []string
	Connected() bool
	Emergency() (vpn.Emergency, bool)
}

// ContainerStopper stops containers for DELETE /containers/{id}.
type ContainerStopper interface {
	Stop(ctx context.Context, id string, timeout time.Duration) error
}

// Handler handles orchestrator HTTP requests.
type Handler struct {
	Cfg     *config.Config
	State   *state.Registry
	Prov    Provisioner
	Scaler  Scaler
	VPNs    VPNView
	Loops   *loopdetect.Detector
	Runtime *variant.Runtime
	Breaker *circuitbreaker.Breaker
	Cache   *cache.ResponseCache
	Mirror  store.Mirror
	Driver  ContainerStopper
	Limiter *ratelimit.ProvisionLimiter
}

// RegisterRoutes registers all orchestrator routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Provisioning
	mux.HandleFunc("POST /provision", h.ProvisionGeneric)
	mux.Handle("POST /provision/acestream", h.limited(http.HandlerFunc(h.ProvisionAce)))

	// Stream lifecycle events
	mux.HandleFunc("POST /events/stream_started", h.StreamStarted)
	mux.HandleFunc("POST /events/stream_ended", h.StreamEnded)

	// Fleet queries
	mux.HandleFunc("GET /engines", h.ListEngines)
	mux.HandleFunc("GET /engines/select", h.SelectEngine)
	mux.HandleFunc("GET /engines/{id}", h.GetEngine)
	mux.HandleFunc("GET /streams", h.ListStreams)
	mux.HandleFunc("GET /streams/{id}", h.GetStream)
	mux.HandleFunc("GET /streams/{id}/stats", h.StreamStats)
	mux.HandleFunc("GET /by-label", h.EnginesByLabel)
	mux.HandleFunc("GET /vpn/status", h.VPNStatus)
	mux.HandleFunc("GET /looping-streams", h.LoopingStreams)

	// Fleet management
	mux.HandleFunc("DELETE /containers/{id}", h.DeleteContainer)
	mux.HandleFunc("POST /gc", h.CollectGarbage)
	mux.HandleFunc("POST /scale/{n}", h.Scale)

	// Status and runtime configuration
	mux.HandleFunc("GET /orchestrator/status", h.OrchestratorStatus)
	mux.HandleFunc("GET /config", h.GetConfig)
	mux.HandleFunc("PUT /config", h.UpdateConfig)
	mux.HandleFunc("GET /health/ready", h.HealthReady)
}

// limited wraps a provisioning handler with the per-client rate limiter.
func (h *Handler) limited(next http.Handler) http.Handler {
	if h.Limiter == nil || !h.Limiter.Enabled() {
		return next
	}
	return h.Limiter.Middleware(next)
}
