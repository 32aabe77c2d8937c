package handlers

import (
	"net/http"

	"fleet-server/internal/models"
)

func (h *Handler) GatewayHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.gateway.Heartbeat(r.Context(), r.Header.Get("X-Agent-Secret"), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) GatewayCommands(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.gateway.FetchCommands(r.Context(), r.Header.Get("X-Agent-Secret"), r.URL.Query().Get("agentId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}
