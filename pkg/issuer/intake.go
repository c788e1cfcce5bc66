package issuer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/oddc-labs/oddc/core/pkg/domain"
	"github.com/oddc-labs/oddc/core/pkg/ledger"
	"github.com/oddc-labs/oddc/core/pkg/store"
)

// EnvelopeValidator checks a declared operational envelope document at
// intake. pkg/envelope provides the schema-backed implementation.
type EnvelopeValidator interface {
	Validate(envelopeJSON string, version string) error
}

// ErrApplicationNotFound is returned by intake operations for an unknown
// application identifier.
var ErrApplicationNotFound = errors.New("application not found")

// ErrTrialNotFound is returned by telemetry rollups for an unknown trial
// identifier.
var ErrTrialNotFound = errors.New("trial not found")

// ApplicationRequest is the intake payload for a new certification
// application.
type ApplicationRequest struct {
	Organization    string
	SystemName      string
	ODDSpec         string
	Envelope        string
	EnvelopeVersion string
}

// WithEnvelopeValidator wires envelope validation into intake.
func (i *Issuer) WithEnvelopeValidator(v EnvelopeValidator) *Issuer {
	i.envelopes = v
	return i
}

// SubmitApplication validates and persists a new application in Pending,
// with a ledger entry for the intake.
func (i *Issuer) SubmitApplication(ctx context.Context, req ApplicationRequest, actor string) (*domain.Application, error) {
	if req.Organization == "" || req.SystemName == "" {
		return nil, fmt.Errorf("organization and system name are required")
	}
	if i.envelopes != nil {
		if err := i.envelopes.Validate(req.Envelope, req.EnvelopeVersion); err != nil {
			return nil, fmt.Errorf("envelope rejected: %w", err)
		}
	}
	if actor == "" {
		actor = ledger.ActorSystem
	}
	now := i.clock().UTC()

	app := &domain.Application{
		ID:              uuid.NewString(),
		Organization:    req.Organization,
		SystemName:      req.SystemName,
		ODDSpec:         req.ODDSpec,
		Envelope:        req.Envelope,
		EnvelopeVersion: req.EnvelopeVersion,
		State:           domain.ApplicationPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := i.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := i.store.CreateApplication(ctx, tx, app); err != nil {
			return err
		}
		_, err := i.ledger.Append(ctx, tx, actor, ledger.ActionApplicationCreated, "application", app.ID, ledger.Details{
			"organization": app.Organization,
			"system_name":  app.SystemName,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Review moves an application through the review step: Pending goes to
// UnderReview, UnderReview goes to Approved or Rejected.
func (i *Issuer) Review(ctx context.Context, applicationID string, to domain.ApplicationState, actor string) (*domain.Application, error) {
	if actor == "" {
		actor = ledger.ActorSystem
	}
	now := i.clock().UTC()

	var app *domain.Application
	err := i.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		app, err = i.store.GetApplicationForUpdate(ctx, tx, applicationID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
		}
		if err != nil {
			return err
		}
		if err := app.TransitionTo(to, now); err != nil {
			return err
		}
		if err := i.store.UpdateApplicationState(ctx, tx, app); err != nil {
			return err
		}
		_, err = i.ledger.Append(ctx, tx, actor, ledger.ActionApplicationReviewed, "application", app.ID, ledger.Details{
			"state": string(to),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// StartTrial creates a Pending trial for an approved application; the trial
// moves to Running when the first telemetry rollup arrives. An application
// in TestFailed loops back to Approved first, so a failed attempt never
// blocks a retry.
func (i *Issuer) StartTrial(ctx context.Context, applicationID, actor string) (*domain.Trial, error) {
	if actor == "" {
		actor = ledger.ActorSystem
	}
	now := i.clock().UTC()

	trial := &domain.Trial{
		ID:            uuid.NewString(),
		ApplicationID: applicationID,
		State:         domain.TrialPending,
		Verdict:       domain.VerdictUnset,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := i.store.WithTx(ctx, func(tx *sql.Tx) error {
		app, err := i.store.GetApplicationForUpdate(ctx, tx, applicationID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
		}
		if err != nil {
			return err
		}
		if app.State == domain.ApplicationTestFailed {
			if err := app.TransitionTo(domain.ApplicationApproved, now); err != nil {
				return err
			}
			if err := i.store.UpdateApplicationState(ctx, tx, app); err != nil {
				return err
			}
		}
		if app.State != domain.ApplicationApproved {
			return fmt.Errorf("%w: application %s is %s, trials require Approved",
				domain.ErrInvalidTransition, applicationID, app.State)
		}

		if err := i.store.CreateTrial(ctx, tx, trial); err != nil {
			return err
		}
		_, err = i.ledger.Append(ctx, tx, actor, ledger.ActionTrialStarted, "trial", trial.ID, ledger.Details{
			"application_id": applicationID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return trial, nil
}

// TelemetryBatch is one aggregated rollup of field telemetry for a running
// trial. Counters accumulate; scores and the evidence hash replace the
// previous values when set.
type TelemetryBatch struct {
	Samples             int64   `json:"samples"`
	ConformantSamples   int64   `json:"conformant_samples"`
	BoundaryActivations int64   `json:"boundary_activations"`
	ConvergenceScore    float64 `json:"convergence_score"`
	DriftRate           float64 `json:"drift_rate"`
	StabilityIndex      float64 `json:"stability_index"`
	EvidenceHash        string  `json:"evidence_hash"`
}

// RecordTelemetry applies a telemetry rollup to a trial. The first rollup
// against a Pending trial moves it to Running; the trial clock starts when
// telemetry starts flowing, not when the trial row is created. Rollups are
// high-volume operational data, not certification decisions, so they carry
// no ledger entry; the evaluation snapshot at completion is what the ledger
// records.
func (i *Issuer) RecordTelemetry(ctx context.Context, trialID string, batch TelemetryBatch) (*domain.Trial, error) {
	if batch.Samples < 0 || batch.ConformantSamples < 0 || batch.BoundaryActivations < 0 {
		return nil, fmt.Errorf("telemetry counters must be non-negative")
	}
	if batch.ConformantSamples > batch.Samples {
		return nil, fmt.Errorf("conformant samples (%d) exceed total samples (%d)",
			batch.ConformantSamples, batch.Samples)
	}
	now := i.clock().UTC()

	var trial *domain.Trial
	err := i.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		trial, err = i.store.GetTrialForUpdate(ctx, tx, trialID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTrialNotFound, trialID)
		}
		if err != nil {
			return err
		}
		switch trial.State {
		case domain.TrialPending:
			if err := trial.Start(now); err != nil {
				return err
			}
			if err := i.store.SaveTrialTransition(ctx, tx, trial); err != nil {
				return err
			}
		case domain.TrialRunning:
		default:
			return fmt.Errorf("%w: telemetry requires a pending or running trial, state is %s",
				domain.ErrInvalidTransition, trial.State)
		}

		trial.TotalSamples += batch.Samples
		trial.ConformantSamples += batch.ConformantSamples
		trial.BoundaryActivations += batch.BoundaryActivations
		if batch.ConvergenceScore > 0 {
			trial.ConvergenceScore = batch.ConvergenceScore
		}
		if batch.DriftRate > 0 {
			trial.DriftRate = batch.DriftRate
		}
		if batch.StabilityIndex > 0 {
			trial.StabilityIndex = batch.StabilityIndex
		}
		if batch.EvidenceHash != "" {
			trial.EvidenceHash = batch.EvidenceHash
		}
		return i.store.UpdateTrialCounters(ctx, tx, trial)
	})
	if err != nil {
		return nil, err
	}
	return trial, nil
}
