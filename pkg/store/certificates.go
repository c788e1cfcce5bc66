package store

import (
	"context"
	"fmt"

	"github.com/oddc-labs/oddc/core/pkg/domain"
)

const certificateColumns = `id, number, application_id, trial_id, organization, system_name, envelope_json,
	convergence_score, evidence_hash, signature, issued_at, expires_at, state`

// CreateCertificate persists a newly issued certificate and its first
// history entry. The UNIQUE constraints on number and application_id are
// the cross-process backstop for the issuer's exactly-once guarantee.
func (s *Store) CreateCertificate(ctx context.Context, q DBTX, cert *domain.Certificate) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO certificates (`+certificateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		cert.ID, cert.Number, cert.ApplicationID, cert.TrialID, cert.Organization, cert.SystemName,
		cert.Envelope, cert.ConvergenceScore, cert.EvidenceHash, cert.Signature,
		formatTime(cert.IssuedAt), formatTime(cert.ExpiresAt), cert.State,
	)
	if err != nil {
		return fmt.Errorf("store: create certificate: %w", err)
	}
	for _, h := range cert.History {
		if err := s.AppendCertificateHistory(ctx, q, cert.ID, h); err != nil {
			return err
		}
	}
	return nil
}

// AppendCertificateHistory adds one history row. History is append-only;
// there is no update or delete path.
func (s *Store) AppendCertificateHistory(ctx context.Context, q DBTX, certificateID string, h domain.HistoryEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO certificate_history (certificate_id, action, ts, actor, trigger_reason)
		VALUES ($1, $2, $3, $4, $5)`,
		certificateID, h.Action, formatTime(h.Timestamp), h.Actor, h.Trigger)
	if err != nil {
		return fmt.Errorf("store: append certificate history: %w", err)
	}
	return nil
}

// GetCertificateByApplication returns the application's certificate, or
// ErrNotFound. At most one exists per application.
func (s *Store) GetCertificateByApplication(ctx context.Context, q DBTX, applicationID string) (*domain.Certificate, error) {
	row := q.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE application_id = $1`, applicationID)
	cert, err := scanCertificate(row)
	if err != nil {
		return nil, err
	}
	return s.loadHistory(ctx, q, cert)
}

// GetCertificateByNumber returns the certificate with the given number.
func (s *Store) GetCertificateByNumber(ctx context.Context, q DBTX, number string) (*domain.Certificate, error) {
	row := q.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE number = $1`, number)
	cert, err := scanCertificate(row)
	if err != nil {
		return nil, err
	}
	return s.loadHistory(ctx, q, cert)
}

// ListCertificatesExpiringBefore returns conformant certificates whose
// validity window ends before the cutoff; the worker's expiry sweep uses
// this.
func (s *Store) ListCertificatesExpiringBefore(ctx context.Context, cutoff string) ([]*domain.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+certificateColumns+` FROM certificates WHERE state = $1 AND expires_at < $2 ORDER BY expires_at ASC`,
		domain.CertificateConformant, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	certs := make([]*domain.Certificate, 0)
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return certs, nil
}

// UpdateCertificateState persists a domain-validated certificate state
// change. The caller appends the matching history row and ledger entry in
// the same transaction.
func (s *Store) UpdateCertificateState(ctx context.Context, q DBTX, cert *domain.Certificate) error {
	res, err := q.ExecContext(ctx, `UPDATE certificates SET state = $1 WHERE id = $2`, cert.State, cert.ID)
	if err != nil {
		return fmt.Errorf("store: update certificate state: %w", err)
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

// NextCertificateOrdinal allocates the next certificate ordinal for the
// year, atomically, inside the caller's transaction. The single
// upsert-returning statement row-locks the counter under Postgres; under
// SQLite the database's single-writer transaction provides the exclusion.
// Ordinals are monotonically increasing per year and never reused.
func (s *Store) NextCertificateOrdinal(ctx context.Context, q DBTX, year int) (int64, error) {
	var ordinal int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO certificate_counters (year, last_ordinal) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_ordinal = certificate_counters.last_ordinal + 1
		RETURNING last_ordinal`, year).Scan(&ordinal)
	if err != nil {
		return 0, fmt.Errorf("store: allocate certificate ordinal for %d: %w", year, err)
	}
	return ordinal, nil
}

func (s *Store) loadHistory(ctx context.Context, q DBTX, cert *domain.Certificate) (*domain.Certificate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT action, ts, actor, trigger_reason FROM certificate_history WHERE certificate_id = $1 ORDER BY id ASC`,
		cert.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			h  domain.HistoryEntry
			ts string
		)
		if err := rows.Scan(&h.Action, &ts, &h.Actor, &h.Trigger); err != nil {
			return nil, err
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("store: corrupt history timestamp: %w", err)
		}
		cert.History = append(cert.History, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cert, nil
}

func scanCertificate(row rowScanner) (*domain.Certificate, error) {
	var (
		cert              domain.Certificate
		issuedAt, expires string
	)
	err := row.Scan(&cert.ID, &cert.Number, &cert.ApplicationID, &cert.TrialID, &cert.Organization,
		&cert.SystemName, &cert.Envelope, &cert.ConvergenceScore, &cert.EvidenceHash, &cert.Signature,
		&issuedAt, &expires, &cert.State)
	if err != nil {
		return nil, handleNotFound(err)
	}
	if cert.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, fmt.Errorf("store: corrupt issued_at: %w", err)
	}
	if cert.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, fmt.Errorf("store: corrupt expires_at: %w", err)
	}
	return &cert, nil
}
