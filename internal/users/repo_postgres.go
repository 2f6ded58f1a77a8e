package users

import (
	"context"
	"database/sql"
	"errors"

	"callguard/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	role          TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`

const uniqueViolation = "23505"

// PostgresRepo stores users via database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, u User) error {
	if r.db == nil {
		return errors.New("users: db not configured")
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Checked inside the transaction for a clean error; the UNIQUE
		// constraint still decides races.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, u.Username).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrUsernameTaken
		}

		const q = `
INSERT INTO users (id, username, role, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5)
`
		_, err := tx.ExecContext(ctx, q, u.ID, u.Username, u.Role, u.PasswordHash, u.CreatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrUsernameTaken
		}
		return err
	})
}

func (r *PostgresRepo) GetByUsername(ctx context.Context, username string) (User, error) {
	if r.db == nil {
		return User{}, errors.New("users: db not configured")
	}
	const q = `
SELECT id, username, role, password_hash, created_at
FROM users
WHERE username = $1
`
	var u User
	if err := r.db.QueryRowContext(ctx, q, username).Scan(
		&u.ID,
		&u.Username,
		&u.Role,
		&u.PasswordHash,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}
