package web

import (
	"net/http"

	auditStore "courtbook/internal/adapters/storage/audit"
	auditDomain "courtbook/internal/domain/audit"
)

// handleAdminAudit lists audit events newest first
// (GET /api/admin/audit?category=&action=&actor_id=&booking_id=&limit=).
func handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter := auditStore.Filter{
		Category:  auditDomain.Category(q.Get("category")),
		Action:    auditDomain.Action(q.Get("action")),
		ActorID:   q.Get("actor_id"),
		BookingID: q.Get("booking_id"),
	}
	events, err := app.Audit.List(r.Context(), filter, queryLimit(r, 100, 1000))
	if err != nil {
		internalError(w, err)
		return
	}
	if events == nil {
		events = []auditDomain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
