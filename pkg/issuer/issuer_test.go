package issuer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oddc-labs/oddc/core/pkg/conform"
	"github.com/oddc-labs/oddc/core/pkg/domain"
	"github.com/oddc-labs/oddc/core/pkg/ledger"
	"github.com/oddc-labs/oddc/core/pkg/store"
)

type fixture struct {
	store  *store.Store
	ledger *ledger.Store
	issuer *Issuer
}

type recordingDispatcher struct {
	mu     sync.Mutex
	issued []string
	failed []string
}

func (d *recordingDispatcher) CertificateIssued(_ context.Context, cert *domain.Certificate, _ *domain.Application) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issued = append(d.issued, cert.Number)
}

func (d *recordingDispatcher) CertificationFailed(_ context.Context, app *domain.Application, _ *domain.Trial, _ []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, app.ID)
}

func newFixture(t *testing.T, dispatch Dispatcher) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "issuer.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	st := store.New(db, store.DialectSQLite)
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	led := ledger.NewStore(db, ledger.DialectSQLite)
	if err := led.Init(ctx); err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	iss := New(st, led, conform.NewEvaluator(conform.DefaultThresholds()), dispatch, slog.New(slog.DiscardHandler))
	return &fixture{store: st, ledger: led, issuer: iss}
}

// seedQualifyingTrial creates an approved application with a running trial
// whose counters meet every certification criterion.
func (f *fixture) seedQualifyingTrial(t *testing.T) *domain.Trial {
	t.Helper()
	ctx := context.Background()

	app, err := f.issuer.SubmitApplication(ctx, ApplicationRequest{
		Organization:    "Aurora Dynamics",
		SystemName:      "aurora-l4-shuttle",
		ODDSpec:         "urban-daytime-dry",
		Envelope:        `{"max_speed_kph":40}`,
		EnvelopeVersion: "1.0.0",
	}, "registrar")
	if err != nil {
		t.Fatalf("submit application: %v", err)
	}
	if _, err := f.issuer.Review(ctx, app.ID, domain.ApplicationUnderReview, "reviewer"); err != nil {
		t.Fatalf("to under review: %v", err)
	}
	if _, err := f.issuer.Review(ctx, app.ID, domain.ApplicationApproved, "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	trial, err := f.issuer.StartTrial(ctx, app.ID, "")
	if err != nil {
		t.Fatalf("start trial: %v", err)
	}

	// Roll up counters the way the telemetry aggregator would, then
	// backdate the start so the duration criterion holds.
	trial, err = f.issuer.RecordTelemetry(ctx, trial.ID, TelemetryBatch{
		Samples:             150,
		ConformantSamples:   145,
		BoundaryActivations: 3,
		ConvergenceScore:    0.97,
		EvidenceHash:        "sha256:evidence",
	})
	if err != nil {
		t.Fatalf("record telemetry: %v", err)
	}
	trial.StartedAt = time.Now().UTC().Add(-80 * time.Hour)
	if err := f.store.SaveTrialTransition(ctx, f.store.DB(), trial); err != nil {
		t.Fatalf("backdate trial: %v", err)
	}
	return trial
}

func TestCompleteAndIssuePass(t *testing.T) {
	dispatch := &recordingDispatcher{}
	f := newFixture(t, dispatch)
	ctx := context.Background()
	trial := f.seedQualifyingTrial(t)

	res, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "admin")
	if err != nil {
		t.Fatalf("complete and issue: %v", err)
	}
	if res.Status != StatusIssued {
		t.Fatalf("status %s, want ISSUED (%+v)", res.Status, res)
	}
	wantNumber := domain.FormatNumber(time.Now().UTC().Year(), 1)
	if res.CertificateNumber != wantNumber {
		t.Fatalf("number %s, want %s", res.CertificateNumber, wantNumber)
	}
	if !res.Evaluation.Pass {
		t.Fatalf("evaluation should pass: %+v", res.Evaluation)
	}

	cert, err := f.store.GetCertificateByNumber(ctx, f.store.DB(), wantNumber)
	if err != nil {
		t.Fatalf("load certificate: %v", err)
	}
	if cert.State != domain.CertificateConformant {
		t.Fatalf("certificate state %s", cert.State)
	}
	if cert.Organization != "Aurora Dynamics" || cert.EvidenceHash != "sha256:evidence" {
		t.Fatalf("snapshot fields wrong: %+v", cert)
	}
	if cert.Signature == "" {
		t.Fatal("signature missing")
	}
	if months := cert.ExpiresAt.Sub(cert.IssuedAt); months < 700*24*time.Hour {
		t.Fatalf("validity window too short: %s", months)
	}
	if len(cert.History) != 1 || cert.History[0].Action != "issued" || cert.History[0].Actor != "admin" {
		t.Fatalf("history wrong: %+v", cert.History)
	}

	gotTrial, err := f.store.GetTrial(ctx, f.store.DB(), trial.ID)
	if err != nil {
		t.Fatalf("load trial: %v", err)
	}
	if gotTrial.State != domain.TrialCompleted || gotTrial.Verdict != domain.VerdictPass {
		t.Fatalf("trial not finalized: %s/%s", gotTrial.State, gotTrial.Verdict)
	}
	app, err := f.store.GetApplication(ctx, f.store.DB(), trial.ApplicationID)
	if err != nil {
		t.Fatalf("load application: %v", err)
	}
	if app.State != domain.ApplicationConformant {
		t.Fatalf("application state %s", app.State)
	}

	n, err := f.ledger.CountByAction(ctx, ledger.ActionCertificateIssued)
	if err != nil || n != 1 {
		t.Fatalf("want 1 certificate_issued entry, got %d (%v)", n, err)
	}
	if err := f.ledger.Verify(ctx); err != nil {
		t.Fatalf("ledger chain broken after issuance: %v", err)
	}
	if len(dispatch.issued) != 1 || dispatch.issued[0] != wantNumber {
		t.Fatalf("dispatcher not triggered: %v", dispatch.issued)
	}
}

func TestCompleteAndIssueIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trial := f.seedQualifyingTrial(t)

	first, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Status != StatusIssued {
		t.Fatalf("first status %s", first.Status)
	}

	second, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Status != StatusAlreadyIssued {
		t.Fatalf("second status %s, want ALREADY_ISSUED", second.Status)
	}
	if second.CertificateNumber != first.CertificateNumber {
		t.Fatalf("retry returned a different number: %s vs %s", second.CertificateNumber, first.CertificateNumber)
	}

	issued, err := f.ledger.CountByAction(ctx, ledger.ActionCertificateIssued)
	if err != nil || issued != 1 {
		t.Fatalf("want exactly 1 issuance entry, got %d (%v)", issued, err)
	}
	noops, err := f.ledger.CountByAction(ctx, ledger.ActionCertificateIssueNoop)
	if err != nil || noops != 1 {
		t.Fatalf("retry should leave a noop entry, got %d (%v)", noops, err)
	}
}

func TestCompleteAndIssueConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trial := f.seedQualifyingTrial(t)

	const n = 8
	results := make(chan Status, n)
	var wg sync.WaitGroup
	for k := 0; k < n; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
			if err != nil {
				t.Errorf("concurrent call: %v", err)
				return
			}
			results <- res.Status
		}()
	}
	wg.Wait()
	close(results)

	var issued, already int
	for status := range results {
		switch status {
		case StatusIssued:
			issued++
		case StatusAlreadyIssued:
			already++
		default:
			t.Fatalf("unexpected status %s", status)
		}
	}
	if issued != 1 {
		t.Fatalf("%d calls issued a certificate, want exactly 1", issued)
	}
	if already != n-1 {
		t.Fatalf("%d calls saw AlreadyIssued, want %d", already, n-1)
	}
	count, err := f.ledger.CountByAction(ctx, ledger.ActionCertificateIssued)
	if err != nil || count != 1 {
		t.Fatalf("ledger has %d issuance entries, want 1 (%v)", count, err)
	}
}

func TestCompleteAndIssueFail(t *testing.T) {
	dispatch := &recordingDispatcher{}
	f := newFixture(t, dispatch)
	ctx := context.Background()
	trial := f.seedQualifyingTrial(t)

	// Zero activations: the enforcement criterion fails.
	trial.BoundaryActivations = 0
	if err := f.store.UpdateTrialCounters(ctx, f.store.DB(), trial); err != nil {
		t.Fatalf("update counters: %v", err)
	}

	res, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
	if err != nil {
		t.Fatalf("complete and issue: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status %s, want FAILED", res.Status)
	}
	if len(res.Evaluation.FailureReasons) != 1 || res.Evaluation.FailureReasons[0] != conform.ReasonEnforcementNotVerified {
		t.Fatalf("reasons %v", res.Evaluation.FailureReasons)
	}

	app, err := f.store.GetApplication(ctx, f.store.DB(), trial.ApplicationID)
	if err != nil {
		t.Fatalf("load application: %v", err)
	}
	if app.State != domain.ApplicationTestFailed {
		t.Fatalf("application state %s, want TEST_FAILED", app.State)
	}
	gotTrial, _ := f.store.GetTrial(ctx, f.store.DB(), trial.ID)
	if gotTrial.Verdict != domain.VerdictFail {
		t.Fatalf("verdict %s", gotTrial.Verdict)
	}
	if _, err := f.store.GetCertificateByApplication(ctx, f.store.DB(), trial.ApplicationID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("a certificate exists after a failed trial: %v", err)
	}

	n, err := f.ledger.CountByAction(ctx, ledger.ActionCertificationFailed)
	if err != nil || n != 1 {
		t.Fatalf("want 1 certification_failed entry, got %d (%v)", n, err)
	}
	if len(dispatch.failed) != 1 {
		t.Fatalf("failure notification not dispatched")
	}

	// Retrying a recorded failure changes nothing.
	res, err = f.issuer.CompleteAndIssue(ctx, trial.ID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("retry status %s", res.Status)
	}
	n, _ = f.ledger.CountByAction(ctx, ledger.ActionCertificationFailed)
	if n != 1 {
		t.Fatalf("retry duplicated the failure entry: %d", n)
	}
}

func TestCompleteAndIssueNotFound(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.issuer.CompleteAndIssue(context.Background(), "no-such-trial", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusNotFound {
		t.Fatalf("status %s, want NOT_FOUND", res.Status)
	}
	entries, err := f.ledger.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("NotFound must not write ledger entries, got %d", len(entries))
	}
}

func TestCompleteAndIssuePendingTrialRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trial := f.startTrialWithoutTelemetry(t)

	// No telemetry has arrived, so the trial never left Pending.
	res, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusValidationError {
		t.Fatalf("status %s, want VALIDATION_ERROR", res.Status)
	}
}

// startTrialWithoutTelemetry approves an application and starts a trial but
// sends no telemetry, leaving the trial in Pending.
func (f *fixture) startTrialWithoutTelemetry(t *testing.T) *domain.Trial {
	t.Helper()
	ctx := context.Background()
	app, err := f.issuer.SubmitApplication(ctx, ApplicationRequest{
		Organization: "Aurora Dynamics",
		SystemName:   "aurora-l4-freight",
		Envelope:     `{}`,
	}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.issuer.Review(ctx, app.ID, domain.ApplicationUnderReview, ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := f.issuer.Review(ctx, app.ID, domain.ApplicationApproved, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	trial, err := f.issuer.StartTrial(ctx, app.ID, "")
	if err != nil {
		t.Fatalf("start trial: %v", err)
	}
	return trial
}

func TestTrialRunsOnFirstTelemetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trial := f.startTrialWithoutTelemetry(t)

	if trial.State != domain.TrialPending {
		t.Fatalf("new trial state %s, want PENDING", trial.State)
	}
	if !trial.StartedAt.IsZero() {
		t.Fatalf("new trial has StartedAt %v before any telemetry", trial.StartedAt)
	}

	trial, err := f.issuer.RecordTelemetry(ctx, trial.ID, TelemetryBatch{Samples: 10, ConformantSamples: 9})
	if err != nil {
		t.Fatalf("record telemetry: %v", err)
	}
	if trial.State != domain.TrialRunning {
		t.Fatalf("state after first telemetry %s, want RUNNING", trial.State)
	}
	if trial.StartedAt.IsZero() {
		t.Fatal("StartedAt not stamped on first telemetry")
	}

	got, err := f.store.GetTrial(ctx, f.store.DB(), trial.ID)
	if err != nil {
		t.Fatalf("reload trial: %v", err)
	}
	if got.State != domain.TrialRunning {
		t.Fatalf("persisted state %s, want RUNNING", got.State)
	}
	if got.TotalSamples != 10 || got.ConformantSamples != 9 {
		t.Fatalf("persisted counters %d/%d", got.TotalSamples, got.ConformantSamples)
	}
}

type recordingMetrics struct {
	mu      sync.Mutex
	status  string
	elapsed time.Duration
}

func (m *recordingMetrics) RecordDecision(_ context.Context, status string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.elapsed = elapsed
}

func TestDecisionMetricIgnoresClockSkew(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trial := f.seedQualifyingTrial(t)

	// A skewed domain clock must not leak into the duration metric; the
	// metric measures how long the decision took, not what time it was.
	metrics := &recordingMetrics{}
	f.issuer.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }).WithMetrics(metrics)

	res, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
	if err != nil {
		t.Fatalf("complete and issue: %v", err)
	}
	if res.Status != StatusIssued {
		t.Fatalf("status %s, want ISSUED", res.Status)
	}
	if metrics.status != string(StatusIssued) {
		t.Fatalf("recorded status %q", metrics.status)
	}
	if metrics.elapsed < 0 || metrics.elapsed > time.Minute {
		t.Fatalf("recorded elapsed %v, want real decision latency", metrics.elapsed)
	}
}

func TestFailedTrialLoopsBackToApproved(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trial := f.seedQualifyingTrial(t)

	trial.BoundaryActivations = 0
	if err := f.store.UpdateTrialCounters(ctx, f.store.DB(), trial); err != nil {
		t.Fatalf("update counters: %v", err)
	}
	if _, err := f.issuer.CompleteAndIssue(ctx, trial.ID, ""); err != nil {
		t.Fatalf("fail trial: %v", err)
	}

	// TestFailed is not terminal: a second trial is allowed and loops the
	// application back through Approved.
	retry, err := f.issuer.StartTrial(ctx, trial.ApplicationID, "")
	if err != nil {
		t.Fatalf("start retry trial: %v", err)
	}
	if retry.State != domain.TrialPending {
		t.Fatalf("retry trial state %s, want PENDING", retry.State)
	}
	app, _ := f.store.GetApplication(ctx, f.store.DB(), trial.ApplicationID)
	if app.State != domain.ApplicationApproved {
		t.Fatalf("application state %s, want APPROVED", app.State)
	}
}

func TestSequentialNumbersAcrossApplications(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	year := time.Now().UTC().Year()

	for k := 1; k <= 3; k++ {
		trial := f.seedQualifyingTrialNamed(t, fmt.Sprintf("system-%d", k))
		res, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
		if err != nil {
			t.Fatalf("issue %d: %v", k, err)
		}
		want := domain.FormatNumber(year, int64(k))
		if res.CertificateNumber != want {
			t.Fatalf("number %s, want %s", res.CertificateNumber, want)
		}
	}
}

// seedQualifyingTrialNamed is seedQualifyingTrial with a distinct system
// name, for multi-application tests.
func (f *fixture) seedQualifyingTrialNamed(t *testing.T, system string) *domain.Trial {
	t.Helper()
	ctx := context.Background()
	app, err := f.issuer.SubmitApplication(ctx, ApplicationRequest{
		Organization: "Aurora Dynamics",
		SystemName:   system,
		Envelope:     `{}`,
	}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.issuer.Review(ctx, app.ID, domain.ApplicationUnderReview, ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := f.issuer.Review(ctx, app.ID, domain.ApplicationApproved, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	trial, err := f.issuer.StartTrial(ctx, app.ID, "")
	if err != nil {
		t.Fatalf("start trial: %v", err)
	}
	trial, err = f.issuer.RecordTelemetry(ctx, trial.ID, TelemetryBatch{
		Samples:             200,
		ConformantSamples:   198,
		BoundaryActivations: 5,
		EvidenceHash:        "sha256:evidence-" + system,
	})
	if err != nil {
		t.Fatalf("record telemetry: %v", err)
	}
	trial.StartedAt = time.Now().UTC().Add(-80 * time.Hour)
	if err := f.store.SaveTrialTransition(ctx, f.store.DB(), trial); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	return trial
}

func TestLifecycleSuspendReinstateRevoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trial := f.seedQualifyingTrial(t)

	res, err := f.issuer.CompleteAndIssue(ctx, trial.ID, "")
	if err != nil || res.Status != StatusIssued {
		t.Fatalf("issue: %v (%+v)", err, res)
	}
	number := res.CertificateNumber

	cert, err := f.issuer.Suspend(ctx, number, "auditor", "envelope drift detected")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if cert.State != domain.CertificateSuspended {
		t.Fatalf("state %s", cert.State)
	}
	app, _ := f.store.GetApplication(ctx, f.store.DB(), cert.ApplicationID)
	if app.State != domain.ApplicationSuspended {
		t.Fatalf("application not mirrored: %s", app.State)
	}

	cert, err = f.issuer.Reinstate(ctx, number, "auditor", "drift resolved")
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if cert.State != domain.CertificateConformant {
		t.Fatalf("state %s", cert.State)
	}

	cert, err = f.issuer.Revoke(ctx, number, "auditor", "fraudulent evidence")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if cert.State != domain.CertificateRevoked {
		t.Fatalf("state %s", cert.State)
	}
	app, _ = f.store.GetApplication(ctx, f.store.DB(), cert.ApplicationID)
	if app.State != domain.ApplicationRevoked {
		t.Fatalf("application state %s, want REVOKED", app.State)
	}

	// Revoked is terminal.
	if _, err := f.issuer.Reinstate(ctx, number, "auditor", "oops"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reinstating a revoked certificate: %v", err)
	}

	// Full history survives: issued, suspended, reinstated, revoked.
	got, err := f.store.GetCertificateByNumber(ctx, f.store.DB(), number)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	wantActions := []string{"issued", "suspended", "reinstated", "revoked"}
	if len(got.History) != len(wantActions) {
		t.Fatalf("history %d entries, want %d: %+v", len(got.History), len(wantActions), got.History)
	}
	for k, action := range wantActions {
		if got.History[k].Action != action {
			t.Fatalf("history[%d] = %s, want %s", k, got.History[k].Action, action)
		}
	}
	if err := f.ledger.Verify(ctx); err != nil {
		t.Fatalf("chain broken after lifecycle: %v", err)
	}
}

func TestLifecycleNotFound(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.issuer.Suspend(context.Background(), "ODDC-2026-99999", "auditor", "x"); !errors.Is(err, ErrCertificateNotFound) {
		t.Fatalf("want ErrCertificateNotFound, got %v", err)
	}
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(string, string) error {
	return errors.New("schema violation")
}

func TestSubmitApplicationValidatesEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	f.issuer.WithEnvelopeValidator(rejectingValidator{})
	_, err := f.issuer.SubmitApplication(context.Background(), ApplicationRequest{
		Organization: "org", SystemName: "sys", Envelope: `{"bad":true}`,
	}, "")
	if err == nil {
		t.Fatal("invalid envelope was accepted")
	}
}
