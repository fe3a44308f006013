package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/decibellabs/flume/gateway/hub"
)

// CommandRequest is the POST /api/command/{nodeId} body. Data is forwarded
// to the device verbatim.
type CommandRequest struct {
	Command string `json:"command"`
	Data    any    `json:"data"`
}

// PostCommand forwards a control command to a connected device socket.
func PostCommand(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	err := Registry.SendCommand(nodeID, req.Command, req.Data)
	switch {
	case errors.Is(err, hub.ErrUnknownCommand):
		writeError(w, http.StatusBadRequest, "unknown command: "+req.Command)
	case errors.Is(err, hub.ErrUnknownNode):
		writeError(w, http.StatusNotFound, "node not connected: "+nodeID)
	case err != nil:
		writeError(w, http.StatusInternalServerError, internalError("failed to dispatch command", err))
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
