package web

import (
	"net/http"
	"strings"

	"courtbook/internal/application/projections"
)

// handleAvailability returns busy and free windows per resource for one date
// (GET /api/availability?date=&resource=). resource may repeat or be a
// comma-separated list; without it every configured resource is returned.
func handleAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	var resources []string
	for _, v := range q["resource"] {
		for _, res := range strings.Split(v, ",") {
			if res = strings.TrimSpace(res); res != "" {
				resources = append(resources, res)
			}
		}
	}
	if len(resources) == 0 {
		resources = app.Resources
	}

	result, err := projections.GetAvailability(r.Context(),
		projections.GetAvailabilityQuery{Date: q.Get("date"), Resources: resources},
		projections.GetAvailabilityDeps{Occupancy: app.Scheduling, Cache: app.Availability},
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":      q.Get("date"),
		"resources": result,
	})
}
