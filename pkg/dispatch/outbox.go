package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbox statuses.
const (
	OutboxPending = "PENDING"
	OutboxDone    = "DONE"
)

// OutboxRecord is one parked side-effect failure, kept with enough
// context to retry it manually.
type OutboxRecord struct {
	ID        string
	Effect    string
	Resource  string
	LastError string
	Recorded  time.Time
	Status    string
}

// Outbox persists side-effect failures. Records are retried only on
// explicit operator request, never automatically, so a retry can never
// race or duplicate the committed decision it followed.
type Outbox struct {
	db *sql.DB
}

const outboxSQLiteSchema = `
CREATE TABLE IF NOT EXISTS side_effect_outbox (
	id TEXT PRIMARY KEY,
	effect TEXT NOT NULL,
	resource TEXT NOT NULL,
	last_error TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING'
);`

// NewOutbox creates the outbox on the given database. The schema is
// dialect-neutral.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

// Init creates the outbox table.
func (o *Outbox) Init(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, outboxSQLiteSchema); err != nil {
		return fmt.Errorf("outbox: init schema: %w", err)
	}
	return nil
}

// Record parks one failed effect.
func (o *Outbox) Record(ctx context.Context, effect, resource string, cause error) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO side_effect_outbox (id, effect, resource, last_error, recorded_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), effect, resource, cause.Error(),
		time.Now().UTC().Format(time.RFC3339Nano), OutboxPending)
	if err != nil {
		return fmt.Errorf("outbox: record: %w", err)
	}
	return nil
}

// Pending returns the parked failures, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]*OutboxRecord, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, effect, resource, last_error, recorded_at, status
		FROM side_effect_outbox WHERE status = $1 ORDER BY recorded_at ASC`, OutboxPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := make([]*OutboxRecord, 0)
	for rows.Next() {
		var (
			r        OutboxRecord
			recorded string
		)
		if err := rows.Scan(&r.ID, &r.Effect, &r.Resource, &r.LastError, &recorded, &r.Status); err != nil {
			return nil, err
		}
		if r.Recorded, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, fmt.Errorf("outbox: corrupt recorded_at in %s: %w", r.ID, err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkDone closes a record after a successful manual retry.
func (o *Outbox) MarkDone(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, `UPDATE side_effect_outbox SET status = $1 WHERE id = $2`, OutboxDone, id)
	return err
}
