package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"callguard/internal/rbac"

	"github.com/google/uuid"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 256
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,31}$`)

type Repository interface {
	Create(ctx context.Context, u User) error
	GetByUsername(ctx context.Context, username string) (User, error)
}

type Service struct {
	repo   Repository
	params HashParams
	clock  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, params: DefaultHashParams, clock: time.Now}
}

// WithHashParams overrides the argon2id cost, mainly for tests.
func (s *Service) WithHashParams(p HashParams) *Service {
	s.params = p
	return s
}

// NormalizeUsername lowercases and trims a username. Lookups and storage
// both use the normalized form.
func NormalizeUsername(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Register creates a subscriber account.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	return s.create(ctx, username, password, rbac.RoleSubscriber)
}

// CreateWithRole creates an account with an explicit role, for bootstrap tooling.
func (s *Service) CreateWithRole(ctx context.Context, username, password, role string) (User, error) {
	if !rbac.Valid(role) {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	return s.create(ctx, username, password, role)
}

func (s *Service) create(ctx context.Context, username, password, role string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("users: repository not configured")
	}
	username = NormalizeUsername(username)
	if !usernamePattern.MatchString(username) {
		return User{}, fmt.Errorf("%w: username must be 3-32 characters of a-z, 0-9, '_', '.', '-'", ErrInvalidArgument)
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return User{}, fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidArgument, minPasswordLen, maxPasswordLen)
	}

	hash, err := HashPassword(password, s.params)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Login checks credentials. Unknown users and wrong passwords fail the same way.
func (s *Service) Login(ctx context.Context, username, password string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("users: repository not configured")
	}
	u, err := s.repo.GetByUsername(ctx, NormalizeUsername(username))
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	ok, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, username string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("users: repository not configured")
	}
	return s.repo.GetByUsername(ctx, NormalizeUsername(username))
}
