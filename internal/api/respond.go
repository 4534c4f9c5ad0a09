package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// Blocked-reason codes in the structured provisioning error. The media
// proxy parses these to decide whether to wait, retry, or fail playback.
const (
	codeVPNDisconnected = "vpn_disconnected"
	codeCircuitBreaker  = "circuit_breaker"
	codeMaxCapacity     = "max_capacity"
	codeGeneralError    = "general_error"
)

// blockedDetail is the detail object inside a 503 provisioning response
// and inside /orchestrator/status blocked_reason_details.
type blockedDetail struct {
	Error              string `json:"error"`
	Code               string `json:"code"`
	Message            string `json:"message"`
	RecoveryETASeconds int    `json:"recovery_eta_seconds"`
	CanRetry           bool   `json:"can_retry"`
	ShouldWait         bool   `json:"should_wait"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("response encode failed", "error", err)
	}
}

// writeDetail writes the flat error shape: {"detail": "<message>"}.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeProvisionError maps a provisioning failure onto the wire contract:
// validation errors become 400 with a flat detail string, everything else
// becomes 503 with the structured blocked envelope and a Retry-After hint.
func (h *Handler) writeProvisionError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrValidation) {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	d := h.blockedFor(err)
	w.Header().Set("Retry-After", strconv.Itoa(d.RecoveryETASeconds))
	writeJSON(w, http.StatusServiceUnavailable, map[string]blockedDetail{"detail": d})
}

// blockedFor classifies a provisioning failure. The messages are part of
// the proxy-facing contract; keep them stable.
func (h *Handler) blockedFor(err error) blockedDetail {
	d := blockedDetail{
		Error:      "provisioning_blocked",
		CanRetry:   true,
		ShouldWait: true,
	}
	switch {
	case errors.Is(err, domain.ErrNoVPNAvailable):
		d.Code = codeVPNDisconnected
		d.Message = "VPN is disconnected"
		d.RecoveryETASeconds = 60
	case errors.Is(err, domain.ErrCircuitOpen):
		d.Code = codeCircuitBreaker
		d.Message = "Circuit breaker is open due to repeated failures"
		d.RecoveryETASeconds = h.circuitETA()
	case errors.Is(err, domain.ErrAtCapacity), errors.Is(err, domain.ErrPortExhausted):
		d.Code = codeMaxCapacity
		d.Message = "All engines at capacity"
		d.RecoveryETASeconds = 30
	default:
		d.Code = codeGeneralError
		d.Message = err.Error()
		d.RecoveryETASeconds = 30
	}
	return d
}

// circuitETA estimates seconds until the breaker admits a probe.
func (h *Handler) circuitETA() int {
	if h.Breaker != nil {
		if remaining := h.Breaker.RetryAfter(); remaining > 0 {
			return ceilSeconds(remaining)
		}
	}
	if h.Cfg != nil && h.Cfg.Circuit.Timeout > 0 {
		return int(h.Cfg.Circuit.Timeout / time.Second)
	}
	return 180
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// setCircuitHeader advertises the breaker state on provision responses.
func (h *Handler) setCircuitHeader(w http.ResponseWriter) {
	if h.Breaker != nil {
		w.Header().Set("X-Circuit-State", h.Breaker.State().String())
	}
}
