package web

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"courtbook/internal/domain/outbox"
)

// queryLimit parses ?limit= within [1, max], falling back to def.
func queryLimit(r *http.Request, def, max int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= max {
		return n
	}
	return def
}

// handleAdminOutbox lists outbox entries (GET /api/admin/outbox?status=&limit=).
// status defaults to failed; "all" lists every status.
func handleAdminOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "":
		status = outbox.StatusFailed
	case "all":
		status = ""
	}
	entries, err := app.Outbox.List(r.Context(), status, queryLimit(r, 50, 100))
	if err != nil {
		internalError(w, err)
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAdminOutboxAction retries or abandons one entry
// (POST /api/admin/outbox/{id}/retry, POST /api/admin/outbox/{id}/abandon).
func handleAdminOutboxAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")

	switch r.PathValue("action") {
	case "retry":
		entry, err := app.OutboxProcessor.ProcessSingle(ctx, id)
		if err != nil {
			if !outboxClientError(w, err) {
				internalError(w, err)
			}
			return
		}
		// a failed delivery is not an HTTP error; entry.Status and ErrorMessage say why
		writeJSON(w, http.StatusOK, entry)
	case "abandon":
		if err := app.OutboxProcessor.AbandonEntry(ctx, id); err != nil {
			if !outboxClientError(w, err) {
				internalError(w, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": outbox.StatusAbandoned})
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Reason: "unknown action"})
	}
}

// outboxClientError writes 404/409 for a missing or terminal entry and
// reports whether it did.
func outboxClientError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, outbox.ErrTerminal):
		writeJSON(w, http.StatusConflict, errorBody{Error: "terminal", Reason: err.Error()})
	default:
		return false
	}
	return true
}
