package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

// PostgresStore persists the event log in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e WebhookEvent) error {
	err := Insert(ctx, s.db, e)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) Seen(ctx context.Context, callID, dedupeKey string) (bool, error) {
	return SeenKey(ctx, s.db, callID, dedupeKey)
}

func (s *PostgresStore) ListByCall(ctx context.Context, callID string) ([]WebhookEvent, error) {
	const stmt = `
SELECT id, call_id, provider_call_id, event_type, payload, dedupe_key, received_at, processed, error_message
FROM call_events
WHERE call_id = $1
ORDER BY received_at, id
`
	rows, err := s.db.QueryContext(ctx, stmt, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]WebhookEvent, error) {
	const stmt = `
SELECT id, call_id, provider_call_id, event_type, payload, dedupe_key, received_at, processed, error_message
FROM call_events
ORDER BY received_at, id
`
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]WebhookEvent, error) {
	var out []WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		var payload sql.NullString
		if err := rows.Scan(
			&e.ID,
			&e.CallID,
			&e.ProviderCallID,
			&e.EventType,
			&payload,
			&e.DedupeKey,
			&e.ReceivedAt,
			&e.Processed,
			&e.ErrorMessage,
		); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// isUniqueViolation matches the Postgres unique_violation error without
// depending on driver error types here. pgx surfaces SQLSTATE 23505 in the
// error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr interface{ SQLState() string }
	if errors.As(err, &sqlErr) {
		return sqlErr.SQLState() == "23505"
	}
	return strings.Contains(err.Error(), "23505")
}
