package users

import (
	"errors"
	"time"
)

var (
	ErrInvalidArgument    = errors.New("users: invalid argument")
	ErrUsernameTaken      = errors.New("users: username already registered")
	ErrInvalidCredentials = errors.New("users: invalid username or password")
	ErrNotFound           = errors.New("users: not found")
)

// User is a registered subscriber or operator. Username is the identity
// incoming calls are addressed to.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
