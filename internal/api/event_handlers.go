package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/state"
)

// StreamStarted handles POST /events/stream_started. Replays for the same
// (key, playback session) overwrite the stored stream, so the proxy may
// retry freely.
func (h *Handler) StreamStarted(w http.ResponseWriter, r *http.Request) {
	var evt domain.StreamStartedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	st, err := h.State.OnStreamStarted(r.Context(), &evt)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.RecordStreamStarted()
	h.recordActiveStreams()
	writeJSON(w, http.StatusOK, st)
}

// StreamEnded handles POST /events/stream_ended. Unknown or already-ended
// streams return updated=false rather than an error.
func (h *Handler) StreamEnded(w http.ResponseWriter, r *http.Request) {
	var evt domain.StreamEndedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	st, updated, err := h.State.OnStreamEnded(r.Context(), &evt)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"updated": updated}
	if st.ID != "" {
		resp["stream"] = st
	}
	if updated {
		metrics.RecordStreamEnded("event")
		h.recordActiveStreams()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) recordActiveStreams() {
	metrics.SetActiveStreams(len(h.State.Streams(state.StreamFilter{Status: domain.StreamStarted})))
}
