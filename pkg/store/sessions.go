package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session grades. Sessions open during a trial are "trial" grade and are
// promoted to "production" once a certificate exists for the application.
const (
	SessionGradeTrial      = "trial"
	SessionGradeProduction = "production"
)

// TelemetrySession is one recording session attached to an application.
type TelemetrySession struct {
	ID            string
	ApplicationID string
	Grade         string
	CertificateID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateSession opens a new trial-grade telemetry session.
func (s *Store) CreateSession(ctx context.Context, q DBTX, id, applicationID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO telemetry_sessions (id, application_id, grade, certificate_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, $4, $4)`,
		id, applicationID, SessionGradeTrial, formatTime(now))
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// PromoteSessions marks the application's trial-grade sessions as
// production-grade under the given certificate. The grade guard makes
// re-runs no-ops, so the post-commit dispatcher can call it any number of
// times.
func (s *Store) PromoteSessions(ctx context.Context, applicationID, certificateID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE telemetry_sessions SET grade = $1, certificate_id = $2, updated_at = $3
		WHERE application_id = $4 AND grade = $5`,
		SessionGradeProduction, certificateID, formatTime(now), applicationID, SessionGradeTrial)
	if err != nil {
		return 0, fmt.Errorf("store: promote sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListSessions returns the application's sessions, oldest first.
func (s *Store) ListSessions(ctx context.Context, applicationID string) ([]*TelemetrySession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, grade, certificate_id, created_at, updated_at
		FROM telemetry_sessions WHERE application_id = $1 ORDER BY created_at ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]*TelemetrySession, 0)
	for rows.Next() {
		var (
			sess                 TelemetrySession
			certID               sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sess.ID, &sess.ApplicationID, &sess.Grade, &certID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sess.CertificateID = certID.String
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("store: corrupt created_at: %w", err)
		}
		if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("store: corrupt updated_at: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
