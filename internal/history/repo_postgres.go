package history

import (
	"context"
	"database/sql"
	"errors"
)

// Schema is the DDL for the verdict_records table.
// Rows are insert-only; there is no update path.
const Schema = `
CREATE TABLE IF NOT EXISTS verdict_records (
	id            TEXT PRIMARY KEY,
	call_id       TEXT NOT NULL,
	caller        TEXT NOT NULL,
	recipient     TEXT NOT NULL,
	recording_url TEXT NOT NULL DEFAULT '',
	resolved_at   TIMESTAMPTZ NOT NULL,
	prediction    TEXT NOT NULL
)`

// SchemaIndex supports the recipient history query.
const SchemaIndex = `CREATE INDEX IF NOT EXISTS verdict_records_recipient_idx ON verdict_records (recipient, resolved_at DESC)`

// PostgresRepo stores records in Postgres via database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	if r.db == nil {
		return errors.New("history: db not configured")
	}
	const q = `
INSERT INTO verdict_records (id, call_id, caller, recipient, recording_url, resolved_at, prediction)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.CallID,
		rec.From,
		rec.To,
		rec.RecordingURL,
		rec.Timestamp,
		string(rec.Prediction),
	)
	return err
}

func (r *PostgresRepo) ListByRecipient(ctx context.Context, to string, limit int) ([]Record, error) {
	if r.db == nil {
		return nil, errors.New("history: db not configured")
	}
	if to == "" {
		return nil, errors.New("recipient required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	const q = `
SELECT id, call_id, caller, recipient, recording_url, resolved_at, prediction
FROM verdict_records
WHERE recipient = $1
ORDER BY resolved_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var pred string
		if err := rows.Scan(
			&rec.ID,
			&rec.CallID,
			&rec.From,
			&rec.To,
			&rec.RecordingURL,
			&rec.Timestamp,
			&pred,
		); err != nil {
			return nil, err
		}
		rec.Prediction = Prediction(pred)
		out = append(out, rec)
	}
	return out, rows.Err()
}
