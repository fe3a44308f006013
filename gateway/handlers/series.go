package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/decibellabs/flume/telemetry/pkg/model"
	"github.com/decibellabs/flume/telemetry/pkg/timeseries"
)

// parseInt64Param parses an optional query parameter into *int64. The bool
// result is false when the value is present but not an integer.
func parseInt64Param(r *http.Request, name string) (*int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

// GetSeries serves a historical window for one node. The time range and the
// sequence range are mutually exclusive; both bounds are inclusive. Results
// come back seq-ascending, capped by limit (default 1000).
func GetSeries(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")

	q := timeseries.RangeQuery{}
	var ok bool
	if q.FromTS, ok = parseInt64Param(r, "fromTs"); !ok {
		writeError(w, http.StatusBadRequest, "fromTs must be an integer")
		return
	}
	if q.ToTS, ok = parseInt64Param(r, "toTs"); !ok {
		writeError(w, http.StatusBadRequest, "toTs must be an integer")
		return
	}
	if q.FromSeq, ok = parseInt64Param(r, "fromSeq"); !ok {
		writeError(w, http.StatusBadRequest, "fromSeq must be an integer")
		return
	}
	if q.ToSeq, ok = parseInt64Param(r, "toSeq"); !ok {
		writeError(w, http.StatusBadRequest, "toSeq must be an integer")
		return
	}

	tsRange := q.FromTS != nil || q.ToTS != nil
	seqRange := q.FromSeq != nil || q.ToSeq != nil
	if tsRange && seqRange {
		writeError(w, http.StatusBadRequest, "time range and sequence range are mutually exclusive")
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	records, err := Store.Range(r.Context(), nodeID, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("failed to query series", err))
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetLatest serves the record with the highest seq for a node, or JSON null.
func GetLatest(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")

	record, err := Store.Latest(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("failed to query latest record", err))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// GetSync serves every record with seq > lastSeq, seq-ascending and
// uncapped, so a dashboard can fill a detected gap exactly.
func GetSync(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")

	raw := r.URL.Query().Get("lastSeq")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "lastSeq is required")
		return
	}
	lastSeq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || lastSeq < 0 {
		writeError(w, http.StatusBadRequest, "lastSeq must be a non-negative integer")
		return
	}

	records, err := Store.Since(r.Context(), nodeID, lastSeq, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("failed to query sync records", err))
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}
