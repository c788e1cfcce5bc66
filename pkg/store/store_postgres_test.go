package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// The SQLite-backed tests cover behavior; these only pin the statements
// that differ under Postgres.

func TestGetApplicationForUpdateLocksRowOnPostgres(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db, DialectPostgres)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := sqlmock.NewRows([]string{
		"id", "organization", "system_name", "odd_spec", "envelope_json",
		"envelope_version", "state", "created_at", "updated_at",
	}).AddRow("app-1", "org", "sys", "", "{}", "1.0.0", "APPROVED", now, now)
	mock.ExpectQuery(`SELECT .+ FROM applications WHERE id = \$1 FOR UPDATE`).
		WithArgs("app-1").WillReturnRows(rows)

	app, err := s.GetApplicationForUpdate(context.Background(), db, "app-1")
	if err != nil {
		t.Fatalf("get for update: %v", err)
	}
	if app.ID != "app-1" {
		t.Fatalf("got %s", app.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNextCertificateOrdinalStatement(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db, DialectPostgres)

	mock.ExpectQuery(`INSERT INTO certificate_counters .+ ON CONFLICT \(year\) DO UPDATE .+ RETURNING last_ordinal`).
		WithArgs(2026).
		WillReturnRows(sqlmock.NewRows([]string{"last_ordinal"}).AddRow(int64(42)))

	ord, err := s.NextCertificateOrdinal(context.Background(), db, 2026)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ord != 42 {
		t.Fatalf("ordinal %d, want 42", ord)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
