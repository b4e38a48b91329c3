package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
)

type testAuthService struct {
	orgRepo *mockOrgRepo
	audit   *mockAuditService
	svc     AuthService
}

func newTestAuthService() *testAuthService {
	orgRepo := newMockOrgRepo()
	audit := newMockAuditService()
	return &testAuthService{
		orgRepo: orgRepo,
		audit:   audit,
		svc:     NewAuthService(orgRepo, audit),
	}
}

func signup(t *testing.T, ts *testAuthService) (*models.Organization, *models.User) {
	t.Helper()
	org, user, err := ts.svc.Signup(context.Background(), SignupRequest{
		OrgName:  "Acme",
		OrgSlug:  "acme",
		Email:    "owner@acme.test",
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	return org, user
}

func TestAuthService_Signup(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the org and its owner", func(t *testing.T) {
		ts := newTestAuthService()
		org, user := signup(t, ts)

		if user.OrgID != org.ID {
			t.Errorf("user OrgID = %v, want %v", user.OrgID, org.ID)
		}
		if user.Role != models.RoleOwner {
			t.Errorf("Role = %v, want owner", user.Role)
		}
		if user.PasswordHash == "correct horse battery" {
			t.Error("password stored in the clear")
		}
	})

	t.Run("normalizes the email", func(t *testing.T) {
		ts := newTestAuthService()
		_, user, err := ts.svc.Signup(ctx, SignupRequest{
			OrgName:  "Acme",
			OrgSlug:  "acme",
			Email:    "  Owner@Acme.Test ",
			Password: "correct horse battery",
		})
		if err != nil {
			t.Fatalf("Signup() error = %v", err)
		}
		if user.Email != "owner@acme.test" {
			t.Errorf("Email = %q, want normalized lowercase", user.Email)
		}
	})

	t.Run("rejects duplicate emails", func(t *testing.T) {
		ts := newTestAuthService()
		signup(t, ts)

		_, _, err := ts.svc.Signup(ctx, SignupRequest{
			OrgName:  "Other",
			OrgSlug:  "other",
			Email:    "owner@acme.test",
			Password: "another long password",
		})
		if !errors.Is(err, apierrors.ErrConflict) {
			t.Errorf("Signup() error = %v, want conflict", err)
		}
	})
}

func TestAuthService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("verifies the password", func(t *testing.T) {
		ts := newTestAuthService()
		_, created := signup(t, ts)

		user, err := ts.svc.Login(ctx, LoginRequest{
			Email:    "owner@acme.test",
			Password: "correct horse battery",
		})
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
		if user.ID != created.ID {
			t.Errorf("ID = %v, want %v", user.ID, created.ID)
		}

		var seen bool
		for _, action := range ts.audit.actions() {
			if action == models.AuditUserLogin {
				seen = true
			}
		}
		if !seen {
			t.Error("no audit entry for user.login")
		}
	})

	t.Run("wrong password and unknown email are the same error", func(t *testing.T) {
		ts := newTestAuthService()
		signup(t, ts)

		_, wrongPassword := ts.svc.Login(ctx, LoginRequest{
			Email:    "owner@acme.test",
			Password: "wrong password entirely",
		})
		_, unknownEmail := ts.svc.Login(ctx, LoginRequest{
			Email:    "nobody@acme.test",
			Password: "correct horse battery",
		})

		if !errors.Is(wrongPassword, apierrors.ErrUnauthorized) {
			t.Errorf("wrong password error = %v, want unauthorized", wrongPassword)
		}
		if !errors.Is(unknownEmail, apierrors.ErrUnauthorized) {
			t.Errorf("unknown email error = %v, want unauthorized", unknownEmail)
		}
		if wrongPassword.Error() != unknownEmail.Error() {
			t.Errorf("messages differ: %q vs %q", wrongPassword.Error(), unknownEmail.Error())
		}
	})
}

func TestAuthService_GetUser(t *testing.T) {
	ctx := context.Background()

	ts := newTestAuthService()
	_, created := signup(t, ts)

	user, err := ts.svc.GetUser(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.ID != created.ID {
		t.Errorf("ID = %v, want %v", user.ID, created.ID)
	}

	if _, err := ts.svc.GetUser(ctx, uuid.New()); !errors.Is(err, apierrors.ErrUnauthorized) {
		t.Errorf("GetUser(unknown) error = %v, want unauthorized", err)
	}
}
