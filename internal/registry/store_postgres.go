package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/events"
	"call-orchestrator/pkg/utils"
)

// NOTE: This store assumes the following tables exist:
// - calls (projection of the event log)
// - call_notes (append-only)
// - call_events (append-only, owned by internal/events)
//
// Required constraints:
// UNIQUE (provider_call_id) WHERE provider_call_id <> ''
// UNIQUE (call_id, dedupe_key) on call_events

// PostgresStore persists call aggregates in Postgres. Per-call writes are
// serialized with SELECT ... FOR UPDATE inside one transaction per mutation.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = `
id, provider_call_id, direction, phone, email, purpose, context, offer, stage,
status, created_at, answered_at, ended_at, disposition, recording_url, transcript
`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (calls.Call, error) {
	q := fmt.Sprintf(`SELECT %s FROM calls WHERE id = $1`, callColumns)
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return calls.Call{}, err
	}
	notes, err := listNotes(ctx, s.db, []string{c.ID})
	if err != nil {
		return calls.Call{}, err
	}
	c.Notes = notes[c.ID]
	return c, nil
}

func (s *PostgresStore) GetByProviderCallID(ctx context.Context, providerCallID string) (calls.Call, error) {
	if providerCallID == "" {
		return calls.Call{}, ErrNotFound
	}
	q := fmt.Sprintf(`SELECT %s FROM calls WHERE provider_call_id = $1`, callColumns)
	c, err := scanCall(s.db.QueryRowContext(ctx, q, providerCallID))
	if err != nil {
		return calls.Call{}, err
	}
	notes, err := listNotes(ctx, s.db, []string{c.ID})
	if err != nil {
		return calls.Call{}, err
	}
	c.Notes = notes[c.ID]
	return c, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]calls.Call, error) {
	var conds []string
	var args []any

	if f.ActiveOnly {
		conds = append(conds, "status IN ('initiated','ringing','in_progress','paused')")
	}
	if f.Direction != "" {
		args = append(args, string(f.Direction))
		conds = append(conds, fmt.Sprintf("direction = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	q := fmt.Sprintf(`SELECT %s FROM calls`, callColumns)
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Call
	var ids []string
	for rows.Next() {
		c, err := scanCallRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	notes, err := listNotes(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Notes = notes[out[i].ID]
	}
	return out, nil
}

func (s *PostgresStore) CreateWithEvent(ctx context.Context, c calls.Call, e events.WebhookEvent) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := insertCall(ctx, tx, c); err != nil {
			return err
		}
		return events.Insert(ctx, tx, e)
	})
}

func (s *PostgresStore) SaveWithEvent(ctx context.Context, c calls.Call, note *calls.Note, e events.WebhookEvent) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the call row to serialize concurrent writers on this call.
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM calls WHERE id = $1 FOR UPDATE`, c.ID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if err := events.Insert(ctx, tx, e); err != nil {
			if isUniqueViolation(err) {
				return events.ErrDuplicate
			}
			return err
		}
		if err := updateCall(ctx, tx, c); err != nil {
			return err
		}
		if note != nil {
			if err := insertNote(ctx, tx, *note); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e events.WebhookEvent) error {
	err := events.Insert(ctx, s.db, e)
	if err != nil && isUniqueViolation(err) {
		return events.ErrDuplicate
	}
	return err
}

func (s *PostgresStore) EventSeen(ctx context.Context, callID, dedupeKey string) (bool, error) {
	return events.SeenKey(ctx, s.db, callID, dedupeKey)
}

func insertCall(ctx context.Context, tx *sql.Tx, c calls.Call) error {
	const q = `
INSERT INTO calls (
  id, provider_call_id, direction, phone, email, purpose, context, offer, stage,
  status, created_at, answered_at, ended_at, disposition, recording_url, transcript
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
`
	ctxJSON, err := contextJSON(c.Context)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, q,
		c.ID,
		c.ProviderCallID,
		string(c.Direction),
		c.Phone,
		c.Email,
		c.Purpose,
		ctxJSON,
		c.Offer,
		c.Stage,
		string(c.Status),
		c.CreatedAt,
		c.AnsweredAt,
		c.EndedAt,
		string(c.Disposition),
		c.RecordingURL,
		c.Transcript,
	)
	return err
}

func updateCall(ctx context.Context, tx *sql.Tx, c calls.Call) error {
	const q = `
UPDATE calls SET
  provider_call_id = $2,
  status = $3,
  answered_at = $4,
  ended_at = $5,
  disposition = $6,
  recording_url = $7,
  transcript = $8,
  stage = $9
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q,
		c.ID,
		c.ProviderCallID,
		string(c.Status),
		c.AnsweredAt,
		c.EndedAt,
		string(c.Disposition),
		c.RecordingURL,
		c.Transcript,
		c.Stage,
	)
	return err
}

func insertNote(ctx context.Context, tx *sql.Tx, n calls.Note) error {
	const q = `
INSERT INTO call_notes (id, call_id, content, created_at)
VALUES ($1,$2,$3,$4)
`
	_, err := tx.ExecContext(ctx, q, n.ID, n.CallID, n.Content, n.CreatedAt)
	return err
}

func listNotes(ctx context.Context, db *sql.DB, callIDs []string) (map[string][]calls.Note, error) {
	out := map[string][]calls.Note{}
	if len(callIDs) == 0 {
		return out, nil
	}
	ph := make([]string, len(callIDs))
	args := make([]any, len(callIDs))
	for i, id := range callIDs {
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	q := `
SELECT id, call_id, content, created_at
FROM call_notes
WHERE call_id IN (` + strings.Join(ph, ",") + `)
ORDER BY created_at, id
`
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n calls.Note
		if err := rows.Scan(&n.ID, &n.CallID, &n.Content, &n.CreatedAt); err != nil {
			return nil, err
		}
		out[n.CallID] = append(out[n.CallID], n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row *sql.Row) (calls.Call, error) {
	c, err := scanCallFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, ErrNotFound
		}
		return calls.Call{}, err
	}
	return c, nil
}

func scanCallRows(rows *sql.Rows) (calls.Call, error) {
	return scanCallFrom(rows)
}

func scanCallFrom(r rowScanner) (calls.Call, error) {
	var c calls.Call
	var direction, status, disposition string
	var ctxJSON sql.NullString
	var answeredAt, endedAt sql.NullTime
	if err := r.Scan(
		&c.ID,
		&c.ProviderCallID,
		&direction,
		&c.Phone,
		&c.Email,
		&c.Purpose,
		&ctxJSON,
		&c.Offer,
		&c.Stage,
		&status,
		&c.CreatedAt,
		&answeredAt,
		&endedAt,
		&disposition,
		&c.RecordingURL,
		&c.Transcript,
	); err != nil {
		return calls.Call{}, err
	}
	c.Direction = calls.Direction(direction)
	c.Status = calls.CallStatus(status)
	c.Disposition = calls.Disposition(disposition)
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &c.Context); err != nil {
			return calls.Call{}, err
		}
	}
	if answeredAt.Valid {
		t := answeredAt.Time
		c.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return c, nil
}

func contextJSON(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

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
