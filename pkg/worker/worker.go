// Package worker runs the engine's periodic sweeps: completing trials
// whose observation window has elapsed and expiring certificates whose
// validity window has ended. Both sweeps call the same engine operations
// as the API, so a trial completed by the sweep and one completed by an
// operator take identical paths.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oddc-labs/oddc/core/pkg/issuer"
	"github.com/oddc-labs/oddc/core/pkg/store"
)

// Config controls sweep cadence.
type Config struct {
	TrialInterval  time.Duration
	ExpiryInterval time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		TrialInterval:  time.Minute,
		ExpiryInterval: time.Hour,
	}
}

// Worker drives the periodic sweeps.
type Worker struct {
	store  *store.Store
	issuer *issuer.Issuer
	config Config
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup
}

// New creates a worker. Zero intervals fall back to the defaults.
func New(st *store.Store, iss *issuer.Issuer, cfg Config, log *slog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.TrialInterval <= 0 {
		cfg.TrialInterval = def.TrialInterval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = def.ExpiryInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{store: st, issuer: iss, config: cfg, log: log}
}

// Start launches the sweep loops. It is a no-op when already running.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.done.Add(2)
	go w.loop(ctx, w.config.TrialInterval, w.SweepTrials)
	go w.loop(ctx, w.config.ExpiryInterval, w.SweepExpiry)
}

// Stop halts the sweep loops and waits for in-flight sweeps to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.running = false
	w.mu.Unlock()

	w.done.Wait()
}

func (w *Worker) loop(ctx context.Context, interval time.Duration, sweep func(context.Context) error) {
	defer w.done.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				w.log.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// SweepTrials completes every running trial whose minimum observation
// window has elapsed. Trials still inside the window are left running;
// completing them early would record an avoidable duration failure.
func (w *Worker) SweepTrials(ctx context.Context) error {
	trials, err := w.store.ListRunningTrials(ctx)
	if err != nil {
		return err
	}

	minDuration := w.issuer.Thresholds().MinDuration
	now := time.Now().UTC()
	for _, trial := range trials {
		if now.Sub(trial.StartedAt) < minDuration {
			continue
		}
		res, err := w.issuer.CompleteAndIssue(ctx, trial.ID, "")
		if err != nil {
			w.log.ErrorContext(ctx, "trial sweep: completion failed",
				"trial_id", trial.ID, "error", err)
			continue
		}
		w.log.InfoContext(ctx, "trial sweep: decision",
			"trial_id", trial.ID,
			"status", res.Status,
			"certificate", res.CertificateNumber,
		)
	}
	return nil
}

// SweepExpiry expires every conformant certificate whose validity window
// has ended.
func (w *Worker) SweepExpiry(ctx context.Context) error {
	now := time.Now().UTC()
	certs, err := w.store.ListCertificatesExpiringBefore(ctx, now.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	for _, cert := range certs {
		if _, err := w.issuer.Expire(ctx, cert.Number, now); err != nil {
			w.log.ErrorContext(ctx, "expiry sweep: transition failed",
				"number", cert.Number, "error", err)
			continue
		}
		w.log.InfoContext(ctx, "expiry sweep: certificate expired",
			"number", cert.Number, "expired_at", cert.ExpiresAt)
	}
	return nil
}
