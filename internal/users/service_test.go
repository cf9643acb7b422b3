package users

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		BcryptCost: bcrypt.MinCost,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRegisterThenLogin(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	registered, err := service.Register(ctx, Credentials{Username: "  alice ", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if registered.ID == "" {
		t.Fatalf("expected generated user id")
	}
	if registered.Username != "alice" {
		t.Fatalf("expected trimmed username, got %q", registered.Username)
	}
	if registered.PasswordHash == "correct-horse" {
		t.Fatalf("expected password to be hashed")
	}

	loggedIn, err := service.Login(ctx, Credentials{Username: "alice", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if loggedIn.ID != registered.ID {
		t.Fatalf("expected id %s, got %s", registered.ID, loggedIn.ID)
	}
	if public := loggedIn.Public(); public.Username != "alice" || public.ID != registered.ID {
		t.Fatalf("unexpected public view %#v", public)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, Credentials{Username: "bob", Password: "password-1"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	_, err := service.Register(ctx, Credentials{Username: "bob", Password: "password-2"})
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
}

func TestLoginFailures(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, Credentials{Username: "carol", Password: "password-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := service.Login(ctx, Credentials{Username: "nobody", Password: "password-1"}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := service.Login(ctx, Credentials{Username: "carol", Password: "password-2"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCredentialsValidate(t *testing.T) {
	testCases := []struct {
		name  string
		input Credentials
		valid bool
	}{
		{name: "valid", input: Credentials{Username: "dan", Password: "12345678"}, valid: true},
		{name: "short username", input: Credentials{Username: "da", Password: "12345678"}},
		{name: "blank username", input: Credentials{Username: "    ", Password: "12345678"}},
		{name: "short password", input: Credentials{Username: "dan", Password: "1234567"}},
		{name: "long username", input: Credentials{Username: strings.Repeat("a", 76), Password: "12345678"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := testCase.input.Validate()
			if testCase.valid && err != nil {
				t.Fatalf("expected valid credentials, got %v", err)
			}
			if !testCase.valid && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
