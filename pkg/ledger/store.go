package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Dialect selects the SQL flavor for schema statements. Queries use $n
// placeholders, which both lib/pq and modernc sqlite accept.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DBTX is satisfied by *sql.DB and *sql.Tx. Append takes a DBTX so the
// caller can run it inside its own transaction: the ledger entry and the
// business mutation it describes commit together or not at all.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Entries are physically append-only: the triggers reject in-place update
// and delete at the storage layer. A rejected mutation is the enforcement
// mechanism working, not a bug to route around; corrections are new entries
// referencing the original.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq INTEGER PRIMARY KEY,
	ts TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	details_json TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are immutable');
END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are immutable');
END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGINT PRIMARY KEY,
	ts TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	details_json JSONB NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
);

CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger entries are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entries_write_once ON ledger_entries;
CREATE TRIGGER ledger_entries_write_once
BEFORE UPDATE OR DELETE ON ledger_entries
FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable();
`

// Store is the SQL-backed ledger.
//
// Appends are globally serialized: entry N+1 embeds entry N's hash, so a
// single writer at a time is required. Throughput is intentionally
// sacrificed for integrity here; the seq primary key backstops the lock
// across processes.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	mu         sync.Mutex
	clock      func() time.Time
	appendHook func(ctx context.Context, action string)
}

// NewStore creates a ledger store on the given database.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithAppendHook installs a callback invoked after each successful append,
// used for metrics. The hook must not block.
func (s *Store) WithAppendHook(hook func(ctx context.Context, action string)) *Store {
	s.appendHook = hook
	return s
}

// Init creates the table and its write-once triggers.
func (s *Store) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

// Append writes one entry through tx. It does not commit; the caller's
// transaction decides whether the entry exists at all.
func (s *Store) Append(ctx context.Context, tx DBTX, actor, action, resourceType, resourceID string, details Details) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if details == nil {
		details = Details{}
	}

	var (
		headSeq  sql.NullInt64
		headHash sql.NullString
	)
	row := tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&headSeq, &headHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: read head: %w", err)
	}

	prev := GenesisHash
	seq := int64(1)
	if headSeq.Valid {
		seq = headSeq.Int64 + 1
		prev = headHash.String
	}

	entry := &Entry{
		Sequence:     seq,
		Timestamp:    s.clock().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		PrevHash:     prev,
	}
	hash, err := ComputeHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal details: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (seq, ts, actor, action, resource_type, resource_id, details_json, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Sequence,
		entry.Timestamp.Format(time.RFC3339Nano),
		entry.Actor,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		string(detailsJSON),
		entry.PrevHash,
		entry.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: append entry %d: %w", entry.Sequence, err)
	}
	if s.appendHook != nil {
		s.appendHook(ctx, entry.Action)
	}
	return entry, nil
}

// Entries returns all entries in sequence order.
func (s *Store) Entries(ctx context.Context) ([]*Entry, error) {
	return s.entriesWhere(ctx, "", nil)
}

// EntriesForResource returns the entries recorded against one resource.
func (s *Store) EntriesForResource(ctx context.Context, resourceType, resourceID string) ([]*Entry, error) {
	return s.entriesWhere(ctx, `WHERE resource_type = $1 AND resource_id = $2`, []any{resourceType, resourceID})
}

// CountByAction returns how many entries carry the given action name.
func (s *Store) CountByAction(ctx context.Context, action string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE action = $1`, action).Scan(&n)
	return n, err
}

// Head returns the hash of the latest entry, or GenesisHash on an empty
// ledger.
func (s *Store) Head(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT entry_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Verify loads the full chain and verifies it.
func (s *Store) Verify(ctx context.Context) error {
	entries, err := s.Entries(ctx)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

func (s *Store) entriesWhere(ctx context.Context, clause string, args []any) ([]*Entry, error) {
	query := `SELECT seq, ts, actor, action, resource_type, resource_id, details_json, prev_hash, entry_hash FROM ledger_entries ` +
		clause + ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*Entry, 0)
	for rows.Next() {
		var (
			e           Entry
			ts          string
			detailsJSON string
		)
		if err := rows.Scan(&e.Sequence, &ts, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &detailsJSON, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("ledger: corrupt timestamp in entry %d: %w", e.Sequence, err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, fmt.Errorf("ledger: corrupt details in entry %d: %w", e.Sequence, err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
