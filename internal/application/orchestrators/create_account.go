package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"courtbook/internal/domain/account"
)

// AccountStoreForCreate defines the store interface needed by CreateAccount.
type AccountStoreForCreate interface {
	GetByEmail(ctx context.Context, email string) (account.Account, error)
	Save(ctx context.Context, a account.Account) error
}

// CreateAccountInput carries input for the orchestrator.
type CreateAccountInput struct {
	Email    string
	Password string
	Role     string
}

// CreateAccountDeps holds dependencies for CreateAccount.
type CreateAccountDeps struct {
	AccountStore AccountStoreForCreate
	Now          func() time.Time
	GenerateID   func() string
}

var ErrEmailAlreadyExists = errors.New("an account with this email already exists")

// ExecuteCreateAccount registers a coach, member or admin login.
// PRE: valid email, password >= 12 chars, role in account.ValidRoles
// POST: account stored with a bcrypt hash and no failed logins
// INVARIANT: email is unique (case-insensitive)
func ExecuteCreateAccount(ctx context.Context, input CreateAccountInput, deps CreateAccountDeps) (account.Account, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if _, err := deps.AccountStore.GetByEmail(ctx, email); err == nil {
		return account.Account{}, ErrEmailAlreadyExists
	}

	now := time.Now()
	if deps.Now != nil {
		now = deps.Now()
	}
	id := uuid.NewString()
	if deps.GenerateID != nil {
		id = deps.GenerateID()
	}
	acct := account.Account{ID: id, Email: email, Role: input.Role, CreatedAt: now}
	if err := acct.Validate(); err != nil {
		return account.Account{}, err
	}
	if err := acct.SetPassword(input.Password); err != nil {
		return account.Account{}, err
	}
	if err := deps.AccountStore.Save(ctx, acct); err != nil {
		return account.Account{}, fmt.Errorf("save account: %w", err)
	}

	slog.Info("auth_event", "event", "account_created", "account_id", acct.ID, "role", acct.Role)
	return acct, nil
}
