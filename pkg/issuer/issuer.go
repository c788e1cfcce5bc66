// Package issuer couples verdict computation to certificate creation.
//
// CompleteAndIssue is the single entry point that takes a trial from
// Running to Completed, applies the conformance criteria, and either mints
// a certificate exactly once or records the failure. All state mutation
// and the matching ledger entry happen inside one transaction; post-commit
// side effects are handed to the dispatcher and never affect the decision.
package issuer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddc-labs/oddc/core/pkg/canonical"
	"github.com/oddc-labs/oddc/core/pkg/conform"
	"github.com/oddc-labs/oddc/core/pkg/domain"
	"github.com/oddc-labs/oddc/core/pkg/ledger"
	"github.com/oddc-labs/oddc/core/pkg/store"
)

// Status classifies the outcome of CompleteAndIssue. Callers can
// distinguish "nothing to do" from "failed" without unwrapping errors.
type Status string

const (
	StatusIssued          Status = "ISSUED"
	StatusAlreadyIssued   Status = "ALREADY_ISSUED"
	StatusFailed          Status = "FAILED"
	StatusNotFound        Status = "NOT_FOUND"
	StatusValidationError Status = "VALIDATION_ERROR"
)

// Result is the typed outcome of an issuance attempt. Errors returned
// alongside it are infrastructure failures only; every decision-path
// outcome is expressed as a Status.
type Result struct {
	Status            Status              `json:"status"`
	CertificateNumber string              `json:"certificate_number,omitempty"`
	Certificate       *domain.Certificate `json:"certificate,omitempty"`
	Evaluation        *conform.Evaluation `json:"evaluation,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

// Dispatcher receives post-commit side-effect triggers. Implementations
// are best-effort: they log their own failures and never return them.
type Dispatcher interface {
	CertificateIssued(ctx context.Context, cert *domain.Certificate, app *domain.Application)
	CertificationFailed(ctx context.Context, app *domain.Application, trial *domain.Trial, reasons []string)
}

// Metrics receives issuance telemetry. pkg/observability implements it.
type Metrics interface {
	RecordDecision(ctx context.Context, status string, elapsed time.Duration)
}

// DefaultValidityMonths is the certificate validity window.
const DefaultValidityMonths = 24

// Issuer orchestrates trial completion, evaluation, and issuance.
//
// The mutex serializes issuance in-process; the per-year counter upsert and
// the UNIQUE constraints on certificates back it up across processes.
type Issuer struct {
	store          *store.Store
	ledger         *ledger.Store
	evaluator      *conform.Evaluator
	dispatch       Dispatcher
	envelopes      EnvelopeValidator
	metrics        Metrics
	log            *slog.Logger
	validityMonths int
	clock          func() time.Time

	mu sync.Mutex
}

// New creates an issuer. dispatch may be nil when no side effects are
// wired (the verify-ledger CLI, tests).
func New(st *store.Store, led *ledger.Store, ev *conform.Evaluator, dispatch Dispatcher, log *slog.Logger) *Issuer {
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{
		store:          st,
		ledger:         led,
		evaluator:      ev,
		dispatch:       dispatch,
		log:            log,
		validityMonths: DefaultValidityMonths,
		clock:          time.Now,
	}
}

// WithValidityMonths overrides the certificate validity window.
func (i *Issuer) WithValidityMonths(months int) *Issuer {
	i.validityMonths = months
	return i
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// WithMetrics wires issuance telemetry.
func (i *Issuer) WithMetrics(m Metrics) *Issuer {
	i.metrics = m
	return i
}

// Thresholds exposes the evaluator's configured minimums. The trial sweep
// uses the duration minimum to avoid completing trials early.
func (i *Issuer) Thresholds() conform.Thresholds {
	return i.evaluator.Thresholds()
}

// CompleteAndIssue completes the trial, evaluates it, and issues or
// records failure, all in one unit of work. It is idempotent: a retried
// or concurrent call on an already-decided trial re-derives the same
// evaluation and returns AlreadyIssued (or the same Failed result) without
// creating anything twice.
func (i *Issuer) CompleteAndIssue(ctx context.Context, trialID, actor string) (*Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if actor == "" {
		actor = ledger.ActorSystem
	}
	// The injected clock stamps domain times; the duration metric always
	// measures real elapsed time.
	start := time.Now()
	now := i.clock().UTC()

	var (
		result *Result
		issued *domain.Certificate
		app    *domain.Application
		trial  *domain.Trial
	)
	err := i.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		trial, err = i.store.GetTrialForUpdate(ctx, tx, trialID)
		if errors.Is(err, store.ErrNotFound) {
			result = &Result{Status: StatusNotFound, Reason: fmt.Sprintf("trial %s not found", trialID)}
			return nil
		}
		if err != nil {
			return err
		}
		app, err = i.store.GetApplicationForUpdate(ctx, tx, trial.ApplicationID)
		if errors.Is(err, store.ErrNotFound) {
			result = &Result{Status: StatusNotFound, Reason: fmt.Sprintf("application %s not found", trial.ApplicationID)}
			return nil
		}
		if err != nil {
			return err
		}
		if trial.State == domain.TrialPending {
			result = &Result{Status: StatusValidationError, Reason: "trial has not started; no telemetry to evaluate"}
			return nil
		}

		if trial.State != domain.TrialCompleted {
			if err := trial.Complete(now); err != nil {
				result = &Result{Status: StatusValidationError, Reason: err.Error()}
				return nil
			}
		}

		ev := i.evaluator.Evaluate(trial, app, now)

		if ev.Pass {
			result, issued, err = i.issue(ctx, tx, trial, app, ev, actor, now)
			return err
		}
		result, err = i.recordFailure(ctx, tx, trial, app, ev, actor, now)
		return err
	})
	if errors.Is(err, errRollback) {
		// A validation failure mid-issuance: the transaction rolled back and
		// left no trace; the typed Result carries the reason.
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	i.log.InfoContext(ctx, "issuance decision",
		"trial_id", trialID,
		"status", string(result.Status),
		"certificate", result.CertificateNumber,
		"actor", actor)
	if i.metrics != nil {
		i.metrics.RecordDecision(ctx, string(result.Status), time.Since(start))
	}

	// Post-commit side effects. Failures inside the dispatcher are logged
	// there; nothing below can undo the committed decision.
	if i.dispatch != nil {
		switch result.Status {
		case StatusIssued:
			i.dispatch.CertificateIssued(ctx, issued, app)
		case StatusFailed:
			i.dispatch.CertificationFailed(ctx, app, trial, result.Evaluation.FailureReasons)
		}
	}
	return result, nil
}

func (i *Issuer) issue(ctx context.Context, tx *sql.Tx, trial *domain.Trial, app *domain.Application, ev *conform.Evaluation, actor string, now time.Time) (*Result, *domain.Certificate, error) {
	existing, err := i.store.GetCertificateByApplication(ctx, tx, app.ID)
	if err == nil {
		// Exactly-once: the certificate is already there. Record the no-op
		// attempt so the retry itself is auditable, and return its number.
		if _, err := i.ledger.Append(ctx, tx, actor, ledger.ActionCertificateIssueNoop, "certificate", existing.Number, ledger.Details{
			"trial_id":       trial.ID,
			"application_id": app.ID,
		}); err != nil {
			return nil, nil, err
		}
		return &Result{
			Status:            StatusAlreadyIssued,
			CertificateNumber: existing.Number,
			Certificate:       existing,
			Evaluation:        ev,
		}, nil, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	ordinal, err := i.store.NextCertificateOrdinal(ctx, tx, now.Year())
	if err != nil {
		return nil, nil, err
	}
	number := domain.FormatNumber(now.Year(), ordinal)

	signature, err := certificateSignature(number, app, trial, now)
	if err != nil {
		return nil, nil, err
	}

	cert := &domain.Certificate{
		ID:               uuid.NewString(),
		Number:           number,
		ApplicationID:    app.ID,
		TrialID:          trial.ID,
		Organization:     app.Organization,
		SystemName:       app.SystemName,
		Envelope:         app.Envelope,
		ConvergenceScore: trial.ConvergenceScore,
		EvidenceHash:     trial.EvidenceHash,
		Signature:        signature,
		IssuedAt:         now,
		ExpiresAt:        now.AddDate(0, i.validityMonths, 0),
		State:            domain.CertificateConformant,
		History: []domain.HistoryEntry{{
			Action:    "issued",
			Timestamp: now,
			Actor:     actor,
			Trigger:   "trial passed all certification criteria",
		}},
	}
	if err := i.store.CreateCertificate(ctx, tx, cert); err != nil {
		return nil, nil, err
	}

	if trial.Verdict == domain.VerdictUnset || trial.Verdict == "" {
		if err := trial.SetVerdict(domain.VerdictPass); err != nil {
			return nil, nil, err
		}
	}
	trial.UpdatedAt = now
	if err := i.store.SaveTrialTransition(ctx, tx, trial); err != nil {
		return nil, nil, err
	}

	if err := app.TransitionTo(domain.ApplicationConformant, now); err != nil {
		return &Result{Status: StatusValidationError, Reason: err.Error()}, nil, errRollback
	}
	if err := i.store.UpdateApplicationState(ctx, tx, app); err != nil {
		return nil, nil, err
	}

	if _, err := i.ledger.Append(ctx, tx, actor, ledger.ActionCertificateIssued, "certificate", number, ledger.Details{
		"trial_id":       trial.ID,
		"application_id": app.ID,
		"trigger":        "trial completion",
		"evaluation":     evaluationSummary(ev),
	}); err != nil {
		return nil, nil, err
	}

	return &Result{
		Status:            StatusIssued,
		CertificateNumber: number,
		Certificate:       cert,
		Evaluation:        ev,
	}, cert, nil
}

func (i *Issuer) recordFailure(ctx context.Context, tx *sql.Tx, trial *domain.Trial, app *domain.Application, ev *conform.Evaluation, actor string, now time.Time) (*Result, error) {
	if trial.Verdict == domain.VerdictFail {
		// Retried call on an already-recorded failure: same evaluation, no
		// second ledger entry, no second transition.
		return &Result{Status: StatusFailed, Evaluation: ev}, nil
	}
	if err := trial.SetVerdict(domain.VerdictFail); err != nil {
		return &Result{Status: StatusValidationError, Reason: err.Error()}, errRollback
	}
	trial.UpdatedAt = now
	if err := i.store.SaveTrialTransition(ctx, tx, trial); err != nil {
		return nil, err
	}
	if err := app.TransitionTo(domain.ApplicationTestFailed, now); err != nil {
		return &Result{Status: StatusValidationError, Reason: err.Error()}, errRollback
	}
	if err := i.store.UpdateApplicationState(ctx, tx, app); err != nil {
		return nil, err
	}
	if _, err := i.ledger.Append(ctx, tx, actor, ledger.ActionCertificationFailed, "trial", trial.ID, ledger.Details{
		"application_id":  app.ID,
		"failure_reasons": ev.FailureReasons,
		"evaluation":      evaluationSummary(ev),
	}); err != nil {
		return nil, err
	}
	return &Result{Status: StatusFailed, Evaluation: ev}, nil
}

// errRollback aborts the transaction while preserving a typed Result. The
// top-level handler converts it back to a nil error so the caller sees the
// Result, not the sentinel.
var errRollback = errors.New("issuer: rollback")

func certificateSignature(number string, app *domain.Application, trial *domain.Trial, issuedAt time.Time) (string, error) {
	return canonical.Hash(struct {
		Number       string `json:"number"`
		Organization string `json:"organization"`
		System       string `json:"system"`
		IssuedAt     string `json:"issued_at"`
		EvidenceHash string `json:"evidence_hash"`
	}{
		Number:       number,
		Organization: app.Organization,
		System:       app.SystemName,
		IssuedAt:     issuedAt.UTC().Format(time.RFC3339Nano),
		EvidenceHash: trial.EvidenceHash,
	})
}

func evaluationSummary(ev *conform.Evaluation) map[string]any {
	return map[string]any{
		"pass":          ev.Pass,
		"criteria":      ev.Criteria,
		"elapsed_hours": ev.Metrics.ElapsedHours,
		"pass_rate":     ev.Metrics.PassRate,
		"total_samples": ev.Metrics.TotalSamples,
	}
}
