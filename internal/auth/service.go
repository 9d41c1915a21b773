package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
)

// RoleSource resolves a role with its ordered permissions.
type RoleSource interface {
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo  Repository
	roles RoleSource
}

// NewService constructs a new Service.
func NewService(repo Repository, roles RoleSource) *Service {
	return &Service{repo: repo, roles: roles}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// LoadActor builds the console actor for userID. A dangling role id yields
// an actor without a role, which holds no permissions.
func (s *Service) LoadActor(ctx context.Context, userID int64) (*rbac.Actor, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, session.ErrNoActor
		}
		return nil, fmt.Errorf("auth: find user: %w", err)
	}
	if !user.IsActive {
		return nil, session.ErrNoActor
	}
	actor := user.Actor()
	if user.RoleID == nil || s.roles == nil {
		return actor, nil
	}
	role, err := s.roles.GetRole(ctx, *user.RoleID)
	switch {
	case errors.Is(err, rbac.ErrNotFound):
		return actor, nil
	case err != nil:
		return nil, fmt.Errorf("auth: load role: %w", err)
	}
	actor.Role = &role
	return actor, nil
}

// Loader adapts LoadActor to the session registry for a stored user id.
func (s *Service) Loader(userID string) session.ActorLoader {
	return func(ctx context.Context) (*rbac.Actor, error) {
		id, err := strconv.ParseInt(userID, 10, 64)
		if err != nil || id <= 0 {
			return nil, session.ErrNoActor
		}
		return s.LoadActor(ctx, id)
	}
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
