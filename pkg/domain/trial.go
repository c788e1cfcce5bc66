// Package domain defines the certification entities (Trial, Application,
// Certificate) and enforces their legal state transitions. All mutation of
// verdicts and certificate state goes through the methods here; stores only
// persist what these methods produce.
package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when a state change is not legal.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrVerdictAlreadySet is returned when a completed trial's verdict is
	// mutated a second time.
	ErrVerdictAlreadySet = errors.New("trial verdict is immutable once set")
)

// TrialState is the lifecycle state of a certification trial.
type TrialState string

const (
	TrialPending   TrialState = "PENDING"
	TrialRunning   TrialState = "RUNNING"
	TrialCompleted TrialState = "COMPLETED"
)

// Verdict is the outcome of a completed trial. Set exactly once.
type Verdict string

const (
	VerdictUnset Verdict = "UNSET"
	VerdictPass  Verdict = "PASS"
	VerdictFail  Verdict = "FAIL"
)

// Trial is one timed certification attempt for an application.
//
// The accumulated counters and computed scores are written by the telemetry
// aggregation collaborator while the trial is Running; this engine only
// reads them.
type Trial struct {
	ID            string     `json:"id"`
	ApplicationID string     `json:"application_id"`
	State         TrialState `json:"state"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	TotalSamples        int64 `json:"total_samples"`
	ConformantSamples   int64 `json:"conformant_samples"`
	BoundaryActivations int64 `json:"boundary_activations"`

	ConvergenceScore float64 `json:"convergence_score"`
	DriftRate        float64 `json:"drift_rate"`
	StabilityIndex   float64 `json:"stability_index"`

	Verdict Verdict `json:"verdict"`

	// EvidenceHash binds the trial to its raw evidence bundle. Supplied by
	// the aggregation collaborator, never recomputed here.
	EvidenceHash string `json:"evidence_hash"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var trialTransitions = map[TrialState][]TrialState{
	TrialPending: {TrialRunning},
	TrialRunning: {TrialCompleted},
	// Completed is terminal.
}

// CanTransition reports whether from -> to is a legal trial transition.
func (t *Trial) CanTransition(to TrialState) bool {
	for _, s := range trialTransitions[t.State] {
		if s == to {
			return true
		}
	}
	return false
}

// Start transitions the trial from Pending to Running.
func (t *Trial) Start(now time.Time) error {
	if !t.CanTransition(TrialRunning) {
		return fmt.Errorf("%w: trial %s -> %s", ErrInvalidTransition, t.State, TrialRunning)
	}
	t.State = TrialRunning
	if t.StartedAt.IsZero() {
		t.StartedAt = now.UTC()
	}
	t.UpdatedAt = now.UTC()
	return nil
}

// Complete transitions the trial from Running to Completed, stamping the
// end time. The verdict stays Unset until SetVerdict is called by the
// issuer inside the same unit of work.
func (t *Trial) Complete(now time.Time) error {
	if !t.CanTransition(TrialCompleted) {
		return fmt.Errorf("%w: trial %s -> %s", ErrInvalidTransition, t.State, TrialCompleted)
	}
	ended := now.UTC()
	t.State = TrialCompleted
	t.EndedAt = &ended
	t.UpdatedAt = ended
	return nil
}

// SetVerdict records the Pass/Fail outcome. It may be called exactly once,
// and only on a Completed trial.
func (t *Trial) SetVerdict(v Verdict) error {
	if t.State != TrialCompleted {
		return fmt.Errorf("%w: verdict requires a completed trial, state is %s", ErrInvalidTransition, t.State)
	}
	if t.Verdict != VerdictUnset && t.Verdict != "" {
		return ErrVerdictAlreadySet
	}
	if v != VerdictPass && v != VerdictFail {
		return fmt.Errorf("%w: verdict must be PASS or FAIL, got %q", ErrInvalidTransition, v)
	}
	t.Verdict = v
	return nil
}

// Elapsed returns the trial duration: (EndedAt - StartedAt) once the trial
// has ended, otherwise (now - StartedAt) for an in-progress read. The
// in-progress branch is informational only; issuance always evaluates a
// Completed trial.
func (t *Trial) Elapsed(now time.Time) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	if t.EndedAt != nil {
		return t.EndedAt.Sub(t.StartedAt)
	}
	return now.Sub(t.StartedAt)
}

// PassRate returns the conformant-sample percentage in [0,100]. A trial
// with no samples has a pass rate of 0; "no data" never passes.
func (t *Trial) PassRate() float64 {
	if t.TotalSamples == 0 {
		return 0
	}
	return float64(t.ConformantSamples) / float64(t.TotalSamples) * 100
}
