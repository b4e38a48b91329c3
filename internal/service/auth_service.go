package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fenceline/control-plane/internal/models"
	apierrors "github.com/fenceline/control-plane/internal/pkg/errors"
	"github.com/fenceline/control-plane/internal/repository"
)

// SignupRequest creates an organization together with its owner account.
type SignupRequest struct {
	OrgName  string `json:"org_name" validate:"required,min=1,max=100"`
	OrgSlug  string `json:"org_slug" validate:"required,min=1,max=63,lowercase"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=12,max=72"`
	Name     string `json:"name" validate:"omitempty,max=100"`
}

// LoginRequest is the dashboard login body.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthService handles dashboard authentication.
type AuthService interface {
	// Signup creates an organization and its first user with the owner role.
	Signup(ctx context.Context, req SignupRequest) (*models.Organization, *models.User, error)

	// Login verifies credentials. Wrong email and wrong password are the
	// same error.
	Login(ctx context.Context, req LoginRequest) (*models.User, error)

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	RecordLogout(ctx context.Context, user *models.User)
}

type authService struct {
	orgRepo repository.OrgRepository
	audit   AuditService
}

// NewAuthService creates a new auth service.
func NewAuthService(orgRepo repository.OrgRepository, audit AuditService) AuthService {
	return &authService{
		orgRepo: orgRepo,
		audit:   audit,
	}
}

// Signup creates an organization and its owner account.
func (s *authService) Signup(ctx context.Context, req SignupRequest) (*models.Organization, *models.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	existing, err := s.orgRepo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return nil, nil, apierrors.NewConflictError("An account with this email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	org := &models.Organization{
		Name: req.OrgName,
		Slug: strings.ToLower(strings.TrimSpace(req.OrgSlug)),
	}
	if err := s.orgRepo.Create(ctx, org); err != nil {
		if isDuplicateKey(err) {
			return nil, nil, apierrors.NewConflictError("Organization slug is already taken")
		}
		return nil, nil, fmt.Errorf("failed to create organization: %w", err)
	}

	user := &models.User{
		OrgID:        org.ID,
		Email:        email,
		PasswordHash: string(hash),
		Role:         models.RoleOwner,
	}
	if req.Name != "" {
		user.Name = &req.Name
	}
	if err := s.orgRepo.CreateUser(ctx, user); err != nil {
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	return org, user, nil
}

// Login verifies credentials and records the login.
func (s *authService) Login(ctx context.Context, req LoginRequest) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.orgRepo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		// Burn a comparison so unknown emails take as long as bad passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uH.qqLq1rG0vC3eWZ1Ql1q1q1q1q1q1"), []byte(req.Password))
		return nil, apierrors.ErrUnauthorized.WithMessage("Invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apierrors.ErrUnauthorized.WithMessage("Invalid email or password")
	}

	now := time.Now()
	go func(id uuid.UUID) {
		_ = s.orgRepo.TouchUserLogin(context.Background(), id, now)
	}(user.ID)

	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        user.OrgID,
		Action:       models.AuditUserLogin,
		ActorID:      &user.ID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeUser),
		ResourceID:   &user.ID,
	})

	return user, nil
}

// GetUser retrieves a user by ID.
func (s *authService) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := s.orgRepo.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, apierrors.ErrUnauthorized
	}
	return user, nil
}

// RecordLogout writes the logout audit entry.
func (s *authService) RecordLogout(ctx context.Context, user *models.User) {
	s.audit.Record(ctx, &models.AuditLog{
		OrgID:        user.OrgID,
		Action:       models.AuditUserLogout,
		ActorID:      &user.ID,
		ActorType:    models.ActorTypeUser,
		ResourceType: ptr(models.ResourceTypeUser),
		ResourceID:   &user.ID,
	})
}
