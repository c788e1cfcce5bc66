package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oddc-labs/oddc/core/pkg/domain"
)

const trialColumns = `id, application_id, state, started_at, ended_at, total_samples, conformant_samples,
	boundary_activations, convergence_score, drift_rate, stability_index, verdict, evidence_hash,
	created_at, updated_at`

// CreateTrial persists a new trial.
func (s *Store) CreateTrial(ctx context.Context, q DBTX, trial *domain.Trial) error {
	var endedAt sql.NullString
	if trial.EndedAt != nil {
		endedAt = sql.NullString{String: formatTime(*trial.EndedAt), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO trials (`+trialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		trial.ID, trial.ApplicationID, trial.State, startedAtValue(trial), endedAt,
		trial.TotalSamples, trial.ConformantSamples, trial.BoundaryActivations,
		trial.ConvergenceScore, trial.DriftRate, trial.StabilityIndex,
		trial.Verdict, trial.EvidenceHash, formatTime(trial.CreatedAt), formatTime(trial.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create trial: %w", err)
	}
	return nil
}

// GetTrial loads one trial, or ErrNotFound.
func (s *Store) GetTrial(ctx context.Context, q DBTX, id string) (*domain.Trial, error) {
	row := q.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE id = $1`, id)
	return scanTrial(row)
}

// GetTrialForUpdate loads the trial with a row lock under Postgres.
func (s *Store) GetTrialForUpdate(ctx context.Context, q DBTX, id string) (*domain.Trial, error) {
	query := `SELECT ` + trialColumns + ` FROM trials WHERE id = $1`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	return scanTrial(q.QueryRowContext(ctx, query, id))
}

// ListRunningTrials returns trials still in the Running state, oldest
// first; the periodic worker scans these for completion.
func (s *Store) ListRunningTrials(ctx context.Context) ([]*domain.Trial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+trialColumns+` FROM trials WHERE state = $1 ORDER BY started_at ASC`, domain.TrialRunning)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	trials := make([]*domain.Trial, 0)
	for rows.Next() {
		trial, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, trial)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trials, nil
}

// UpdateTrialCounters writes the telemetry aggregator's rolled-up counters
// and computed scores onto a Running trial. The engine only ever reads
// these values; it never computes them.
func (s *Store) UpdateTrialCounters(ctx context.Context, q DBTX, trial *domain.Trial) error {
	res, err := q.ExecContext(ctx, `
		UPDATE trials SET total_samples = $1, conformant_samples = $2, boundary_activations = $3,
			convergence_score = $4, drift_rate = $5, stability_index = $6, evidence_hash = $7, updated_at = $8
		WHERE id = $9 AND state = $10`,
		trial.TotalSamples, trial.ConformantSamples, trial.BoundaryActivations,
		trial.ConvergenceScore, trial.DriftRate, trial.StabilityIndex, trial.EvidenceHash,
		formatTime(time.Now()), trial.ID, domain.TrialRunning,
	)
	if err != nil {
		return fmt.Errorf("store: update trial counters: %w", err)
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

// SaveTrialTransition persists the trial's state, timing, and verdict after
// a domain-validated transition.
func (s *Store) SaveTrialTransition(ctx context.Context, q DBTX, trial *domain.Trial) error {
	var endedAt sql.NullString
	if trial.EndedAt != nil {
		endedAt = sql.NullString{String: formatTime(*trial.EndedAt), Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		UPDATE trials SET state = $1, started_at = $2, ended_at = $3, verdict = $4, updated_at = $5
		WHERE id = $6`,
		trial.State, startedAtValue(trial), endedAt, trial.Verdict, formatTime(trial.UpdatedAt), trial.ID)
	if err != nil {
		return fmt.Errorf("store: save trial transition: %w", err)
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

func startedAtValue(trial *domain.Trial) string {
	if trial.StartedAt.IsZero() {
		return ""
	}
	return formatTime(trial.StartedAt)
}

func scanTrial(row rowScanner) (*domain.Trial, error) {
	var (
		trial                           domain.Trial
		startedAt, createdAt, updatedAt string
		endedAt                         sql.NullString
	)
	err := row.Scan(&trial.ID, &trial.ApplicationID, &trial.State, &startedAt, &endedAt,
		&trial.TotalSamples, &trial.ConformantSamples, &trial.BoundaryActivations,
		&trial.ConvergenceScore, &trial.DriftRate, &trial.StabilityIndex,
		&trial.Verdict, &trial.EvidenceHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, handleNotFound(err)
	}
	if trial.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("store: corrupt started_at: %w", err)
	}
	if endedAt.Valid && endedAt.String != "" {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt ended_at: %w", err)
		}
		trial.EndedAt = &t
	}
	if trial.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	if trial.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("store: corrupt updated_at: %w", err)
	}
	return &trial, nil
}
