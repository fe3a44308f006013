package handlers

import (
	"context"
	"net/http"
	"time"
)

var (
	startTime = time.Now()

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetBuildInfo records the linker-injected build identifiers for /health
// and /api/version.
func SetBuildInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Nodes         int    `json:"nodes"`
	Clients       int    `json:"clients"`
	Queue         string `json:"queue"`
	Store         string `json:"store"`
	Version       string `json:"version"`
}

// GetHealth reports liveness, connection counts, and backend reachability.
// Always 200; a degraded backend shows up in the body, not the status code.
func GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Queue:         "ok",
		Store:         "ok",
		Version:       buildVersion,
	}
	resp.Nodes, resp.Clients = Registry.Counts()

	if err := Queue.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Queue = "unreachable"
	}
	if err := Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = "unreachable"
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetVersion serves the build identifiers.
func GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": buildVersion,
		"commit":  buildCommit,
		"date":    buildDate,
	})
}
