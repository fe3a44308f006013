package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/decibellabs/flume/gateway/hub"
)

// GetNodes serves the connected-node registry snapshot.
func GetNodes(w http.ResponseWriter, r *http.Request) {
	nodes := Registry.Snapshot()
	if nodes == nil {
		nodes = []hub.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// NodeMetricsResponse is the per-node operational metrics payload.
type NodeMetricsResponse struct {
	NodeID       string `json:"nodeId"`
	TotalRecords int64  `json:"totalRecords"`
	LastFlush    int64  `json:"lastFlush,omitempty"`
	DeadLetters  int64  `json:"deadLetters,omitempty"`
}

// GetNodeMetrics serves the metrics hash for one node. Unknown nodes come
// back zeroed rather than 404; the 24h TTL makes absence routine.
func GetNodeMetrics(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")

	m, err := Queue.Metrics(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("failed to read node metrics", err))
		return
	}
	dlq, err := Queue.DeadLetters(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("failed to read dead-letter count", err))
		return
	}

	writeJSON(w, http.StatusOK, NodeMetricsResponse{
		NodeID:       nodeID,
		TotalRecords: m.TotalRecords,
		LastFlush:    m.LastFlush,
		DeadLetters:  dlq,
	})
}
