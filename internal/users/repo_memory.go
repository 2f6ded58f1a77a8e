package users

import (
	"context"
	"sync"
)

// MemoryRepo is an in-process Repository used when no database is configured.
type MemoryRepo struct {
	mu     sync.RWMutex
	byName map[string]User
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byName: map[string]User{}}
}

func (r *MemoryRepo) Create(ctx context.Context, u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[u.Username]; ok {
		return ErrUsernameTaken
	}
	r.byName[u.Username] = u
	return nil
}

func (r *MemoryRepo) GetByUsername(ctx context.Context, username string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
