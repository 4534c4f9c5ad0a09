package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/variant"
)

// DeleteContainer handles DELETE /containers/{id}. Registered engines are
// deregistered first so ports are released and their streams ended; the
// container is stopped either way.
func (h *Handler) DeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	registered := true
	if _, err := h.State.RemoveEngine(r.Context(), id); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		registered = false
	} else {
		metrics.RecordEngineStopped("api")
	}

	if err := h.Driver.Stop(r.Context(), id, h.Cfg.Docker.StopTimeout); err != nil {
		if !registered && docker.IsNotFound(err) {
			writeDetail(w, http.StatusNotFound, "container not found: "+id)
			return
		}
		// The engine is already out of the registry; report the stop
		// failure but do not resurrect it.
		logging.Op().Warn("container stop failed", "container_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// CollectGarbage handles POST /gc: one immediate reap cycle.
func (h *Handler) CollectGarbage(w http.ResponseWriter, r *http.Request) {
	removed := h.Scaler.GCNow(r.Context())
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"removed": removed})
}

// Scale handles POST /scale/{n}: manual fleet resize.
func (h *Handler) Scale(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "scale target must be an integer")
		return
	}

	res, err := h.Scaler.ScaleTo(r.Context(), n)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetConfig handles GET /config: the mutable runtime configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Snapshot())
}

// UpdateConfig handles PUT /config. Partial updates; validation failures
// leave the previous configuration untouched.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var upd variant.Update
	if err := decodeBody(r, &upd); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	rc, err := h.Runtime.Apply(upd)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.Loops != nil && upd.LoopDetection != nil {
		h.Loops.SetEnabled(*upd.LoopDetection)
	}
	logging.Op().Info("runtime config updated",
		"stream_mode", rc.StreamMode, "custom_variant", rc.CustomVariant.Enabled)
	writeJSON(w, http.StatusOK, rc)
}
