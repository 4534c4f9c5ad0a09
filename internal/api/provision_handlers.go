package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// ProvisionAce handles POST /provision/acestream. An empty body is valid:
// the active variant template supplies image, env, and ports.
func (h *Handler) ProvisionAce(w http.ResponseWriter, r *http.Request) {
	req := &domain.AceProvisionRequest{}
	if err := decodeBody(r, req); err != nil {
		h.setCircuitHeader(w)
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.HostPort != nil && (*req.HostPort < 1 || *req.HostPort > 65535) {
		h.setCircuitHeader(w)
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("host_port %d out of range", *req.HostPort))
		return
	}

	resp, err := h.Prov.ProvisionAce(r.Context(), req)
	h.setCircuitHeader(w)
	if err != nil {
		logging.Op().Warn("provision rejected", "error", err)
		h.writeProvisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProvisionGeneric handles POST /provision.
func (h *Handler) ProvisionGeneric(w http.ResponseWriter, r *http.Request) {
	var req domain.GenericProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := h.Prov.Generic(r.Context(), &req)
	h.setCircuitHeader(w)
	if err != nil {
		h.writeProvisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"container_id": id})
}

// decodeBody decodes an optional JSON body into v. Empty bodies are fine;
// malformed JSON is not.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON: %w", err)
}
