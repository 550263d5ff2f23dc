package events

import (
	"context"
	"database/sql"
	"errors"
)

// Store is the persistence contract for the webhook event log.
//
// It MUST be append-only: rows are never updated or deleted. The
// processed/error marks are decided before the row is written.
// ListAll returns receipt order, which is the replay order.
type Store interface {
	Append(ctx context.Context, e WebhookEvent) error
	Seen(ctx context.Context, callID, dedupeKey string) (bool, error)
	ListByCall(ctx context.Context, callID string) ([]WebhookEvent, error)
	ListAll(ctx context.Context) ([]WebhookEvent, error)
}

var ErrDuplicate = errors.New("events: duplicate dedupe key")

// DBTX is the subset of database/sql used by the SQL helpers below, so the
// same statements run against *sql.DB and *sql.Tx. The registry appends
// events inside its own transaction via these helpers.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NOTE: This store assumes the following table exists:
//
//   call_events (
//     id TEXT PRIMARY KEY,
//     call_id TEXT NOT NULL,
//     provider_call_id TEXT NOT NULL DEFAULT '',
//     event_type TEXT NOT NULL,
//     payload JSONB,
//     dedupe_key TEXT NOT NULL,
//     received_at TIMESTAMPTZ NOT NULL,
//     processed BOOLEAN NOT NULL DEFAULT FALSE,
//     error_message TEXT NOT NULL DEFAULT '',
//     UNIQUE (call_id, dedupe_key)
//   )

func Insert(ctx context.Context, q DBTX, e WebhookEvent) error {
	const stmt = `
INSERT INTO call_events (
  id, call_id, provider_call_id, event_type, payload, dedupe_key, received_at, processed, error_message
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := q.ExecContext(ctx, stmt,
		e.ID,
		e.CallID,
		e.ProviderCallID,
		e.EventType,
		nullableJSON(e.Payload),
		e.DedupeKey,
		e.ReceivedAt,
		e.Processed,
		e.ErrorMessage,
	)
	return err
}

func SeenKey(ctx context.Context, q DBTX, callID, dedupeKey string) (bool, error) {
	const stmt = `
SELECT 1 FROM call_events
WHERE call_id = $1 AND dedupe_key = $2
LIMIT 1
`
	var one int
	err := q.QueryRowContext(ctx, stmt, callID, dedupeKey).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
