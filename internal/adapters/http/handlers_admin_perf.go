package web

import (
	"net/http"
	"time"

	"courtbook/internal/adapters/http/perf"
)

// handleAdminPerf returns request, query and lock-wait statistics
// over a recent window (GET /api/admin/perf?window=1h&limit=10).
func handleAdminPerf(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if app.Collector == nil {
		writeJSON(w, http.StatusOK, perf.Snapshot{})
		return
	}
	window := 60 * time.Minute
	if d, err := time.ParseDuration(r.URL.Query().Get("window")); err == nil && d > 0 {
		window = d
	}
	writeJSON(w, http.StatusOK, app.Collector.Snapshot(time.Now().Add(-window), queryLimit(r, 10, 100)))
}

// handleAdminVerifyIndex compares the slot index with the store and
// rebuilds it on divergence (POST /api/admin/index/verify).
func handleAdminVerifyIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	diff, err := app.Scheduling.Verify(r.Context())
	if err != nil {
		internalError(w, err)
		return
	}
	if diff == nil {
		diff = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebuilt": len(diff) > 0, "diff": diff})
}
