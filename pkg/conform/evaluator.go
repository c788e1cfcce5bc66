// Package conform implements the trial conformance evaluator.
//
// Evaluate is a pure decision function: given a trial's accumulated
// counters and its parent application, it applies the certification
// criteria deterministically and returns an itemized Evaluation. It
// performs no I/O and never mutates its inputs, so the issuer can
// re-derive an identical Evaluation on retried calls.
package conform

import (
	"time"

	"github.com/oddc-labs/oddc/core/pkg/domain"
)

// Criterion names, in evaluation order.
const (
	CriterionDuration    = "duration"
	CriterionPassRate    = "pass_rate"
	CriterionVolume      = "volume"
	CriterionEnforcement = "enforcement"
)

// Thresholds holds the pass/fail minimums. Values come from the
// certification policy profile; defaults are the published ODDC minimums.
type Thresholds struct {
	MinDuration time.Duration `yaml:"min_duration" json:"min_duration"`
	MinPassRate float64       `yaml:"min_pass_rate" json:"min_pass_rate"`
	MinSamples  int64         `yaml:"min_samples" json:"min_samples"`
}

// DefaultThresholds returns the published ODDC certification minimums.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinDuration: 72 * time.Hour,
		MinPassRate: 95.0,
		MinSamples:  100,
	}
}

// Metrics is the evaluation-time snapshot of the trial's counters and
// computed scores.
type Metrics struct {
	ElapsedHours        float64 `json:"elapsed_hours"`
	PassRate            float64 `json:"pass_rate"`
	TotalSamples        int64   `json:"total_samples"`
	ConformantSamples   int64   `json:"conformant_samples"`
	BoundaryActivations int64   `json:"boundary_activations"`
	ConvergenceScore    float64 `json:"convergence_score"`
	DriftRate           float64 `json:"drift_rate"`
	StabilityIndex      float64 `json:"stability_index"`
}

// Evaluation is the result of applying all criteria to one trial.
// FailureReasons is ordered duration -> pass-rate -> volume -> enforcement
// so callers and tests can assert on exact output.
type Evaluation struct {
	Pass           bool            `json:"pass"`
	Criteria       map[string]bool `json:"criteria"`
	FailureReasons []string        `json:"failure_reasons,omitempty"`
	Metrics        Metrics         `json:"metrics"`
}

// Evaluator applies the certification criteria.
type Evaluator struct {
	thresholds Thresholds
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(th Thresholds) *Evaluator {
	return &Evaluator{thresholds: th}
}

// Thresholds returns the configured minimums.
func (e *Evaluator) Thresholds() Thresholds { return e.thresholds }

// Evaluate applies all criteria to the trial. Every criterion is checked;
// all failing criteria are reported, not just the first.
//
// now is only consulted for a trial that has not ended (a live dashboard
// read); issuance always evaluates a Completed trial, whose duration is
// fixed by its ended-at stamp.
func (e *Evaluator) Evaluate(trial *domain.Trial, app *domain.Application, now time.Time) *Evaluation {
	th := e.thresholds
	elapsed := trial.Elapsed(now)
	passRate := trial.PassRate()

	ev := &Evaluation{
		Criteria: make(map[string]bool, 4),
		Metrics: Metrics{
			ElapsedHours:        elapsed.Hours(),
			PassRate:            passRate,
			TotalSamples:        trial.TotalSamples,
			ConformantSamples:   trial.ConformantSamples,
			BoundaryActivations: trial.BoundaryActivations,
			ConvergenceScore:    trial.ConvergenceScore,
			DriftRate:           trial.DriftRate,
			StabilityIndex:      trial.StabilityIndex,
		},
	}

	durationOK := elapsed >= th.MinDuration
	passRateOK := passRate >= th.MinPassRate
	volumeOK := trial.TotalSamples >= th.MinSamples
	enforcementOK := trial.BoundaryActivations > 0

	ev.Criteria[CriterionDuration] = durationOK
	ev.Criteria[CriterionPassRate] = passRateOK
	ev.Criteria[CriterionVolume] = volumeOK
	ev.Criteria[CriterionEnforcement] = enforcementOK
	ev.Pass = durationOK && passRateOK && volumeOK && enforcementOK

	if ev.Pass {
		return ev
	}

	if !durationOK {
		ev.FailureReasons = append(ev.FailureReasons, durationReason(elapsed, th.MinDuration))
	}
	// With zero samples the pass rate is 0 by definition; the volume reason
	// already covers the absence of data, so the pass-rate reason is
	// suppressed to avoid reporting "insufficient pass rate" on no data.
	if !passRateOK && trial.TotalSamples > 0 {
		ev.FailureReasons = append(ev.FailureReasons, passRateReason(passRate, th.MinPassRate))
	}
	if !volumeOK {
		ev.FailureReasons = append(ev.FailureReasons, volumeReason(trial.TotalSamples, th.MinSamples))
	}
	if !enforcementOK {
		ev.FailureReasons = append(ev.FailureReasons, ReasonEnforcementNotVerified)
	}
	return ev
}
