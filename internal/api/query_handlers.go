package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/state"
)

// ListEngines handles GET /engines.
func (h *Handler) ListEngines(w http.ResponseWriter, r *http.Request) {
	h.cached(w, r, "engines", 5, func() any {
		return h.State.Engines()
	})
}

// GetEngine handles GET /engines/{id}: the engine plus its active streams.
func (h *Handler) GetEngine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := h.State.Engine(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "engine not found: "+id)
		return
	}
	streams := h.State.Streams(state.StreamFilter{Status: domain.StreamStarted, ContainerID: id})
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":  e,
		"streams": streams,
	})
}

// SelectEngine handles GET /engines/select: the engine a new stream should
// land on, or 503 when every engine is full.
func (h *Handler) SelectEngine(w http.ResponseWriter, r *http.Request) {
	e, ok := h.State.SelectEngine(h.Cfg.Scaling.MaxStreamsPerEngine)
	if !ok {
		writeDetail(w, http.StatusServiceUnavailable, "no engine available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engine": e})
}

// ListStreams handles GET /streams with optional status and container_id
// filters.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	status := domain.StreamStatus(r.URL.Query().Get("status"))
	if status != "" && status != domain.StreamStarted && status != domain.StreamEnded {
		writeDetail(w, http.StatusBadRequest, "status must be started or ended")
		return
	}
	containerID := r.URL.Query().Get("container_id")

	key := "streams?status=" + string(status) + "&container_id=" + containerID
	h.cached(w, r, key, 0, func() any {
		return h.State.Streams(state.StreamFilter{Status: status, ContainerID: containerID})
	})
}

// GetStream handles GET /streams/{id}. Ended streams stay queryable until
// the history pruner drops them.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := h.State.Stream(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "stream not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StreamStats handles GET /streams/{id}/stats. History lives in memory for
// the retention window; older samples come from the durable mirror when one
// is configured.
func (h *Handler) StreamStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "since must be RFC3339: "+err.Error())
			return
		}
		since = t
	}

	snaps := h.State.StatsSince(id, since)
	if len(snaps) == 0 && h.Mirror != nil {
		persisted, err := h.Mirror.StreamStats(r.Context(), id, since)
		if err != nil {
			logging.Op().Warn("mirror stats lookup failed", "stream_id", id, "error", err)
		} else {
			snaps = persisted
		}
	}
	if snaps == nil {
		snaps = []domain.StatSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// EnginesByLabel handles GET /by-label?key=...&value=...
func (h *Handler) EnginesByLabel(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeDetail(w, http.StatusBadRequest, "key is required")
		return
	}
	value := r.URL.Query().Get("value")
	writeJSON(w, http.StatusOK, h.State.EnginesByLabel(key, value))
}

// VPNStatus handles GET /vpn/status.
func (h *Handler) VPNStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode": string(h.Cfg.VPN.Mode),
		"vpns": []any{},
	}
	if h.VPNs != nil {
		resp["vpns"] = h.VPNs.Status()
		if e, active := h.VPNs.Emergency(); active {
			resp["emergency_mode"] = e
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// LoopingStreams handles GET /looping-streams: content keys the proxy must
// refuse until their blocklist entries expire.
func (h *Handler) LoopingStreams(w http.ResponseWriter, r *http.Request) {
	if h.Loops == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"stream_ids":        []string{},
			"streams":           map[string]any{},
			"retention_minutes": 0,
		})
		return
	}
	snap := h.Loops.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

// cached serves the response through the short-TTL cache with an ETag.
// maxAge > 0 additionally allows client-side caching.
func (h *Handler) cached(w http.ResponseWriter, r *http.Request, key string, maxAge int, build func() any) {
	if h.Cache == nil {
		writeJSON(w, http.StatusOK, build())
		return
	}
	body, etag, ok := h.Cache.Get(key)
	if !ok {
		gen := h.Cache.Generation()
		var err error
		body, err = json.Marshal(build())
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		etag = h.Cache.Put(key, gen, body)
	}
	serveBody(w, r, body, etag, maxAge)
}

func serveBody(w http.ResponseWriter, r *http.Request, body []byte, etag string, maxAge int) {
	w.Header().Set("ETag", etag)
	if maxAge > 0 {
		w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(maxAge))
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
