package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"courtbook/internal/domain/account"
)

type memAccountStore struct {
	accounts map[string]account.Account // keyed by email
	saves    int
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{accounts: make(map[string]account.Account)}
}

func (s *memAccountStore) Save(_ context.Context, a account.Account) error {
	s.saves++
	s.accounts[a.Email] = a
	return nil
}

func (s *memAccountStore) GetByEmail(_ context.Context, email string) (account.Account, error) {
	a, ok := s.accounts[email]
	if !ok {
		return account.Account{}, fmt.Errorf("not found")
	}
	return a, nil
}

func seededStore(t *testing.T) *memAccountStore {
	t.Helper()
	s := newMemAccountStore()
	a := account.Account{ID: "acc-1", Email: "coach@club.example", Role: account.RoleCoach}
	if err := a.SetPassword("correct horse battery"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	s.accounts[a.Email] = a
	return s
}

// TestExecuteLogin tests credential checks and the lockout flow.
func TestExecuteLogin(t *testing.T) {
	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	store := seededStore(t)
	deps := LoginDeps{AccountStore: store, Now: func() time.Time { return now }}
	ctx := context.Background()

	tests := []struct {
		name    string
		input   LoginInput
		wantErr error
	}{
		{"empty", LoginInput{}, ErrInvalidCredentials},
		{"unknown email", LoginInput{Email: "nobody@club.example", Password: "x"}, ErrInvalidCredentials},
		{"wrong password", LoginInput{Email: "coach@club.example", Password: "wrong"}, ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ExecuteLogin(ctx, tt.input, deps); !errors.Is(err, tt.wantErr) {
				t.Errorf("ExecuteLogin() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	res, err := ExecuteLogin(ctx, LoginInput{Email: "coach@club.example", Password: "correct horse battery"}, deps)
	if err != nil {
		t.Fatalf("ExecuteLogin: %v", err)
	}
	if res.AccountID != "acc-1" || res.Role != account.RoleCoach {
		t.Errorf("result = %+v", res)
	}
	if store.accounts["coach@club.example"].FailedLogins != 0 {
		t.Error("successful login should reset the failure counter")
	}

	for i := 0; i < account.MaxFailedLogins; i++ {
		_, _ = ExecuteLogin(ctx, LoginInput{Email: "coach@club.example", Password: "wrong"}, deps)
	}
	if _, err := ExecuteLogin(ctx, LoginInput{Email: "coach@club.example", Password: "correct horse battery"}, deps); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("login while locked = %v, want ErrAccountLocked", err)
	}

	now = now.Add(account.LockoutDuration + time.Second)
	if _, err := ExecuteLogin(ctx, LoginInput{Email: "coach@club.example", Password: "correct horse battery"}, deps); err != nil {
		t.Errorf("login after lock expiry = %v", err)
	}
}

// TestExecuteSeedAdmin tests idempotent admin creation.
func TestExecuteSeedAdmin(t *testing.T) {
	ctx := context.Background()
	store := newMemAccountStore()
	deps := AdminSeedDeps{AccountStore: store}

	if err := ExecuteSeedAdmin(ctx, "", "", deps); err != nil || len(store.accounts) != 0 {
		t.Fatalf("unconfigured seed: err=%v accounts=%d", err, len(store.accounts))
	}
	if err := ExecuteSeedAdmin(ctx, "admin@club.example", "short", deps); !errors.Is(err, account.ErrPasswordTooShort) {
		t.Errorf("short password = %v", err)
	}
	if err := ExecuteSeedAdmin(ctx, "admin@club.example", "a long enough secret", deps); err != nil {
		t.Fatalf("ExecuteSeedAdmin: %v", err)
	}
	admin := store.accounts["admin@club.example"]
	if !admin.IsAdmin() || admin.CheckPassword("a long enough secret") != nil {
		t.Errorf("seeded admin = %+v", admin)
	}

	saves := store.saves
	if err := ExecuteSeedAdmin(ctx, "admin@club.example", "a different secret!", deps); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if store.saves != saves {
		t.Error("existing admin must not be overwritten")
	}
}
