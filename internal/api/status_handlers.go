package api

import (
	"net/http"
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/state"
)

// orchestratorStatus is the preflight document the proxy polls before it
// provisions or plays anything.
type orchestratorStatus struct {
	Status       string             `json:"status"`
	VPN          vpnConnectivity    `json:"vpn"`
	Provisioning provisioningStatus `json:"provisioning"`
	Capacity     capacityStatus     `json:"capacity"`
}

type vpnConnectivity struct {
	Connected bool `json:"connected"`
}

type provisioningStatus struct {
	CanProvision         bool           `json:"can_provision"`
	BlockedReason        string         `json:"blocked_reason"`
	BlockedReasonDetails *blockedDetail `json:"blocked_reason_details"`
}

type capacityStatus struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Available int `json:"available"`
}

// OrchestratorStatus handles GET /orchestrator/status.
func (h *Handler) OrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	h.cached(w, r, "orchestrator_status", 0, func() any {
		return h.buildStatus()
	})
}

func (h *Handler) buildStatus() orchestratorStatus {
	total, _, _ := h.State.Counts()
	cap := replicaCap(h.Cfg.Scaling)
	available := cap - total
	if available < 0 {
		available = 0
	}

	reason, detail := h.provisionGate(total, cap)

	status := "healthy"
	if reason != "" {
		status = "degraded"
	}
	return orchestratorStatus{
		Status: status,
		VPN:    vpnConnectivity{Connected: h.vpnConnected()},
		Provisioning: provisioningStatus{
			CanProvision:         reason == "",
			BlockedReason:        reason,
			BlockedReasonDetails: detail,
		},
		Capacity: capacityStatus{Total: cap, Used: total, Available: available},
	}
}

// provisionGate mirrors the checks a provision request would hit, in the
// same order, so the proxy can avoid doomed requests.
func (h *Handler) provisionGate(total, cap int) (string, *blockedDetail) {
	if h.VPNs != nil && len(h.VPNs.Candidates()) == 0 {
		d := h.blockedFor(domain.ErrNoVPNAvailable)
		return "VPN disconnected", &d
	}
	if h.Breaker != nil && h.Breaker.State() == circuitbreaker.StateOpen {
		d := h.blockedFor(domain.ErrCircuitOpen)
		return "circuit breaker open", &d
	}
	if cap > 0 && total >= cap {
		d := h.blockedFor(domain.ErrAtCapacity)
		return "at capacity", &d
	}
	return "", nil
}

// vpnConnected reports tunnel availability. Deployments without sidecars
// have nothing to disconnect, so they always count as connected.
func (h *Handler) vpnConnected() bool {
	if h.VPNs == nil {
		return true
	}
	return h.VPNs.Connected()
}

func replicaCap(cfg config.ScalingConfig) int {
	limit := cfg.MaxReplicas
	if cfg.MaxActiveReplicas > 0 && (limit == 0 || cfg.MaxActiveReplicas < limit) {
		limit = cfg.MaxActiveReplicas
	}
	return limit
}

// HealthReady handles GET /health/ready. Not ready while the provisioning
// breaker is open.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	cbState := circuitbreaker.StateClosed
	if h.Breaker != nil {
		cbState = h.Breaker.State()
	}
	total, _, _ := h.State.Counts()
	active := len(h.State.Streams(state.StreamFilter{Status: domain.StreamStarted}))

	ready := cbState != circuitbreaker.StateOpen
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":          ready,
		"engines":        total,
		"active_streams": active,
		"circuit_state":  cbState.String(),
		"ts":             time.Now().UTC().Format(time.RFC3339),
	})
}
