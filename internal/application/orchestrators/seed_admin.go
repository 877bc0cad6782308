package orchestrators

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"courtbook/internal/domain/account"
)

// AdminSeedDeps holds the store needed for admin seeding.
type AdminSeedDeps struct {
	AccountStore interface {
		Save(ctx context.Context, a account.Account) error
		GetByEmail(ctx context.Context, email string) (account.Account, error)
	}
	Now func() time.Time
}

// ExecuteSeedAdmin creates the configured admin account unless an account
// with that email already exists. Empty email or password skips seeding.
// PRE: Database is migrated
// POST: an account with input email exists; an existing one is left untouched
func ExecuteSeedAdmin(ctx context.Context, email, password string, deps AdminSeedDeps) error {
	if email == "" || password == "" {
		slog.Info("seed_event", "event", "admin_seed_skipped", "reason", "not_configured")
		return nil
	}
	if _, err := deps.AccountStore.GetByEmail(ctx, email); err == nil {
		return nil
	}
	_, err := ExecuteCreateAccount(ctx,
		CreateAccountInput{Email: email, Password: password, Role: account.RoleAdmin},
		CreateAccountDeps{AccountStore: deps.AccountStore, Now: deps.Now},
	)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	slog.Info("seed_event", "event", "admin_seeded", "email", email)
	return nil
}
