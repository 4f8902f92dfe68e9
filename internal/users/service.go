package users

import (
	"context"

	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsers(ctx context.Context, role shared.Role) ([]User, error)
}

// Service handles user lookups.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.Get(ctx, id)
}

// ListUsers returns all users of the role, or every user when role is empty.
func (s *Service) ListUsers(ctx context.Context, role shared.Role) ([]User, error) {
	return s.repo.ListUsers(ctx, role)
}

// ListAssignable returns the active staff leads can be assigned to.
func (s *Service) ListAssignable(ctx context.Context) ([]User, error) {
	all, err := s.repo.ListUsers(ctx, shared.RoleStaff)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, u := range all {
		if u.Assignable() {
			out = append(out, u)
		}
	}
	return out, nil
}
