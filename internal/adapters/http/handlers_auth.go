package web

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"courtbook/internal/adapters/http/middleware"
	"courtbook/internal/application/orchestrators"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccountID string     `json:"accountId"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// handleLogin authenticates (POST /api/login). On success it sets the
// session cookie and, when bearer tokens are enabled, returns a token.
func handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := strictDecode(r, &req); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	result, err := orchestrators.ExecuteLogin(r.Context(),
		orchestrators.LoginInput{Email: req.Email, Password: req.Password},
		orchestrators.LoginDeps{AccountStore: app.Accounts},
	)
	switch {
	case errors.Is(err, orchestrators.ErrAccountLocked):
		writeJSON(w, http.StatusLocked, errorBody{Error: "locked", Reason: err.Error()})
		return
	case errors.Is(err, orchestrators.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_credentials"})
		return
	case err != nil:
		internalError(w, err)
		return
	}

	token, err := app.Sessions.Create(result.AccountID, result.Email, result.Role)
	if err != nil {
		internalError(w, err)
		return
	}
	middleware.SetSessionCookie(w, token)

	resp := loginResponse{AccountID: result.AccountID, Email: result.Email, Role: result.Role}
	if app.Tokens != nil {
		bearer, exp, err := app.Tokens.Issue(middleware.Session{
			AccountID: result.AccountID, Email: result.Email, Role: result.Role,
		})
		if err != nil {
			internalError(w, err)
			return
		}
		resp.Token, resp.ExpiresAt = bearer, &exp
	}
	slog.Info("auth_event", "event", "session_created", "account_id", result.AccountID)
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout ends the cookie session (POST /api/logout). Bearer tokens
// expire on their own.
func handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if token := middleware.SessionToken(r); token != "" {
		app.Sessions.Delete(token)
	}
	middleware.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
