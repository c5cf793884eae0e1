package repository

import (
	"context"
	"errors"

	"torrentctl/internal/domain"
)

// ErrAlreadyExists is returned when a unique key is taken.
var ErrAlreadyExists = errors.New("already exists")

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	Count(ctx context.Context) (int, error)
}
