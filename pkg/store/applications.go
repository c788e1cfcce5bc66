package store

import (
	"context"
	"fmt"

	"github.com/oddc-labs/oddc/core/pkg/domain"
)

const applicationColumns = `id, organization, system_name, odd_spec, envelope_json, envelope_version, state, created_at, updated_at`

// CreateApplication persists a new application.
func (s *Store) CreateApplication(ctx context.Context, q DBTX, app *domain.Application) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		app.ID, app.Organization, app.SystemName, app.ODDSpec, app.Envelope, app.EnvelopeVersion,
		app.State, formatTime(app.CreatedAt), formatTime(app.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create application: %w", err)
	}
	return nil
}

// GetApplication loads one application, or ErrNotFound.
func (s *Store) GetApplication(ctx context.Context, q DBTX, id string) (*domain.Application, error) {
	row := q.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

// GetApplicationForUpdate loads the application with a row lock under
// Postgres; SQLite serializes writers at the database level, so the plain
// read suffices there.
func (s *Store) GetApplicationForUpdate(ctx context.Context, q DBTX, id string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	return scanApplication(q.QueryRowContext(ctx, query, id))
}

// UpdateApplicationState persists a state transition already validated by
// the domain layer.
func (s *Store) UpdateApplicationState(ctx context.Context, q DBTX, app *domain.Application) error {
	res, err := q.ExecContext(ctx, `UPDATE applications SET state = $1, updated_at = $2 WHERE id = $3`,
		app.State, formatTime(app.UpdatedAt), app.ID)
	if err != nil {
		return fmt.Errorf("store: update application state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (*domain.Application, error) {
	var (
		app                  domain.Application
		createdAt, updatedAt string
	)
	err := row.Scan(&app.ID, &app.Organization, &app.SystemName, &app.ODDSpec, &app.Envelope,
		&app.EnvelopeVersion, &app.State, &createdAt, &updatedAt)
	if err != nil {
		return nil, handleNotFound(err)
	}
	if app.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	if app.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("store: corrupt updated_at: %w", err)
	}
	return &app, nil
}
