package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"torrentctl/internal/domain"
	"torrentctl/internal/repository"
)

var (
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for expired, malformed or forged bearer tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("authentication is disabled")
)

const minPasswordLength = 8

// Claims are carried by API tokens.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService manages API operators and their bearer tokens.
type AuthService interface {
	Enabled() bool
	SetUser(ctx context.Context, username, password string) (*domain.User, bool, error)
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
	IssueToken(user *domain.User) (string, time.Time, error)
	VerifyToken(token string) (*Claims, error)
}

type authService struct {
	users  repository.UserRepository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthService(users repository.UserRepository, secret string, ttl time.Duration) AuthService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &authService{
		users:  users,
		secret: []byte(strings.TrimSpace(secret)),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *authService) Enabled() bool {
	return len(s.secret) > 0
}

// SetUser creates the user or replaces its password. The boolean reports
// whether a new user was created.
func (s *authService) SetUser(ctx context.Context, username, password string) (*domain.User, bool, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)

	if username == "" {
		return nil, false, errors.New("username is required")
	}
	if len(password) < minPasswordLength {
		return nil, false, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, fmt.Errorf("hash password: %w", err)
	}

	existing, err := s.users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		if err := s.users.UpdatePassword(ctx, existing.ID, string(hash)); err != nil {
			return nil, false, err
		}
		return sanitizeUser(existing), false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, err
	}

	user := &domain.User{
		Username:     username,
		PasswordHash: string(hash),
	}
	if _, err := s.users.Create(ctx, user); err != nil {
		return nil, false, err
	}
	return sanitizeUser(user), true, nil
}

func (s *authService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return sanitizeUser(user), nil
}

func (s *authService) IssueToken(user *domain.User) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrAuthDisabled
	}
	if user == nil {
		return "", time.Time{}, errors.New("user is required")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

func (s *authService) VerifyToken(token string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
