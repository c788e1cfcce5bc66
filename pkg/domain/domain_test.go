package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTrial_Lifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trial := &Trial{ID: "t-1", State: TrialPending}

	if err := trial.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if trial.State != TrialRunning {
		t.Errorf("expected RUNNING, got %s", trial.State)
	}

	end := now.Add(80 * time.Hour)
	if err := trial.Complete(end); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if trial.EndedAt == nil || !trial.EndedAt.Equal(end) {
		t.Errorf("ended_at not stamped")
	}
	if got := trial.Elapsed(end.Add(time.Hour)); got != 80*time.Hour {
		t.Errorf("elapsed should use ended_at, got %v", got)
	}

	// Completed is terminal.
	if err := trial.Complete(end); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTrial_SkipRunningIsIllegal(t *testing.T) {
	trial := &Trial{State: TrialPending}
	if err := trial.Complete(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pending -> Completed must be rejected, got %v", err)
	}
}

func TestTrial_VerdictSetOnce(t *testing.T) {
	now := time.Now().UTC()
	trial := &Trial{State: TrialRunning, StartedAt: now.Add(-73 * time.Hour)}
	_ = trial.Complete(now)

	if err := trial.SetVerdict(VerdictPass); err != nil {
		t.Fatalf("first verdict: %v", err)
	}
	if err := trial.SetVerdict(VerdictFail); !errors.Is(err, ErrVerdictAlreadySet) {
		t.Errorf("expected ErrVerdictAlreadySet, got %v", err)
	}
	if trial.Verdict != VerdictPass {
		t.Errorf("verdict mutated after set")
	}
}

func TestTrial_VerdictRequiresCompletion(t *testing.T) {
	trial := &Trial{State: TrialRunning}
	if err := trial.SetVerdict(VerdictPass); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("verdict on running trial must be rejected, got %v", err)
	}
}

func TestTrial_PassRateZeroSamples(t *testing.T) {
	trial := &Trial{TotalSamples: 0, ConformantSamples: 0}
	if got := trial.PassRate(); got != 0 {
		t.Errorf("zero samples must give pass rate 0, got %f", got)
	}
}

func TestApplication_Transitions(t *testing.T) {
	now := time.Now()
	cases := []struct {
		from ApplicationState
		to   ApplicationState
		ok   bool
	}{
		{ApplicationPending, ApplicationUnderReview, true},
		{ApplicationUnderReview, ApplicationApproved, true},
		{ApplicationApproved, ApplicationConformant, true},
		{ApplicationApproved, ApplicationTestFailed, true},
		{ApplicationTestFailed, ApplicationApproved, true},
		{ApplicationConformant, ApplicationSuspended, true},
		{ApplicationSuspended, ApplicationConformant, true},
		{ApplicationSuspended, ApplicationRevoked, true},
		{ApplicationPending, ApplicationConformant, false},
		{ApplicationRejected, ApplicationPending, false},
		{ApplicationRevoked, ApplicationConformant, false},
		{ApplicationTestFailed, ApplicationConformant, false},
	}
	for _, tc := range cases {
		app := &Application{State: tc.from}
		err := app.TransitionTo(tc.to, now)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s should be legal: %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestCertificate_TransitionsAppendHistory(t *testing.T) {
	now := time.Now().UTC()
	cert := &Certificate{State: CertificateConformant}

	if err := cert.TransitionTo(CertificateSuspended, "admin@example.com", "spot audit", now); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := cert.TransitionTo(CertificateConformant, "admin@example.com", "audit cleared", now.Add(time.Hour)); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if err := cert.TransitionTo(CertificateRevoked, "admin@example.com", "envelope breach", now.Add(2*time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if len(cert.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(cert.History))
	}
	if cert.History[0].Action != "suspended" || cert.History[1].Action != "reinstated" || cert.History[2].Action != "revoked" {
		t.Errorf("history actions wrong: %+v", cert.History)
	}

	// Revoked is terminal.
	if err := cert.TransitionTo(CertificateConformant, "x", "y", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("revoked must be terminal, got %v", err)
	}
}

func TestFormatNumber(t *testing.T) {
	if got := FormatNumber(2026, 1); got != "ODDC-2026-00001" {
		t.Errorf("unexpected number %q", got)
	}
	if got := FormatNumber(2026, 123456); got != "ODDC-2026-123456" {
		t.Errorf("wide ordinals must not truncate, got %q", got)
	}
}

func TestParseNumber(t *testing.T) {
	year, ord, err := ParseNumber("ODDC-2026-00042")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if year != 2026 || ord != 42 {
		t.Errorf("got year=%d ord=%d", year, ord)
	}

	if _, _, err := ParseNumber("CERT-2026-00001"); err == nil {
		t.Error("foreign prefix must be rejected")
	}
	if _, _, err := ParseNumber("ODDC-26-1"); err == nil {
		t.Error("malformed number must be rejected")
	}
}
