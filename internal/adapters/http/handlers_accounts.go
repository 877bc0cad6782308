package web

import (
	"errors"
	"net/http"
	"time"

	"courtbook/internal/adapters/http/middleware"
	"courtbook/internal/application/orchestrators"
	"courtbook/internal/domain/account"
)

type createAccountRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type accountJSON struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleAdminAccounts registers a login (POST /api/admin/accounts).
func handleAdminAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req createAccountRequest
	if err := strictDecode(r, &req); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	acct, err := orchestrators.ExecuteCreateAccount(r.Context(),
		orchestrators.CreateAccountInput{Email: req.Email, Password: req.Password, Role: req.Role},
		orchestrators.CreateAccountDeps{AccountStore: app.Accounts},
	)
	if err != nil {
		if !accountClientError(w, err) {
			internalError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, accountJSON{ID: acct.ID, Email: acct.Email, Role: acct.Role, CreatedAt: acct.CreatedAt})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// handleChangePassword replaces the caller's password (POST /api/account/password).
func handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sess, _ := middleware.GetSessionFromContext(r.Context())
	var req changePasswordRequest
	if err := strictDecode(r, &req); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	err := orchestrators.ExecuteChangePassword(r.Context(), orchestrators.ChangePasswordInput{
		AccountID:       sess.AccountID,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	}, orchestrators.ChangePasswordDeps{AccountStore: app.Accounts})
	if err != nil {
		if !accountClientError(w, err) {
			internalError(w, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// accountClientError writes 4xx responses for account rule violations and
// reports whether it did.
func accountClientError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, orchestrators.ErrEmailAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Field: "email", Reason: err.Error()})
	case errors.Is(err, orchestrators.ErrCurrentPasswordWrong):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Field: "currentPassword", Reason: err.Error()})
	case errors.Is(err, account.ErrEmptyEmail), errors.Is(err, account.ErrEmailTooLong), errors.Is(err, account.ErrInvalidEmail):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation", Field: "email", Reason: err.Error()})
	case errors.Is(err, account.ErrInvalidRole):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation", Field: "role", Reason: err.Error()})
	case errors.Is(err, account.ErrEmptyPassword), errors.Is(err, account.ErrPasswordTooShort), errors.Is(err, orchestrators.ErrNewPasswordSame):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation", Field: "password", Reason: err.Error()})
	default:
		return false
	}
	return true
}
