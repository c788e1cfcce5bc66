package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// CertificateState is the lifecycle state of an issued certificate.
type CertificateState string

const (
	CertificateConformant CertificateState = "CONFORMANT"
	CertificateSuspended  CertificateState = "SUSPENDED"
	CertificateRevoked    CertificateState = "REVOKED"
	CertificateExpired    CertificateState = "EXPIRED"
)

// NumberPrefix is the human-readable certificate number prefix.
const NumberPrefix = "ODDC"

// HistoryEntry is one append-only record of a certificate state action.
type HistoryEntry struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Trigger   string    `json:"trigger"`
}

// Certificate is the issued, signed record of a Pass verdict.
//
// Snapshot fields are copied from the application and trial at issuance
// time; later edits to the application cannot retroactively alter an
// issued certificate.
type Certificate struct {
	ID            string `json:"id"`
	Number        string `json:"number"`
	ApplicationID string `json:"application_id"`
	TrialID       string `json:"trial_id"`

	Organization     string  `json:"organization"`
	SystemName       string  `json:"system_name"`
	Envelope         string  `json:"envelope"`
	ConvergenceScore float64 `json:"convergence_score"`
	EvidenceHash     string  `json:"evidence_hash"`

	// Signature is the deterministic integrity hash over
	// {number, organization, system, issued-at, evidence hash}.
	Signature string `json:"signature"`

	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	State     CertificateState `json:"state"`

	History []HistoryEntry `json:"history"`
}

var certificateTransitions = map[CertificateState][]CertificateState{
	CertificateConformant: {CertificateSuspended, CertificateRevoked, CertificateExpired},
	CertificateSuspended:  {CertificateConformant, CertificateRevoked},
	// Revoked and Expired are terminal.
}

// CanTransition reports whether the certificate may move to the given state.
func (c *Certificate) CanTransition(to CertificateState) bool {
	for _, s := range certificateTransitions[c.State] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo applies a legal state change and appends a history entry.
// Prior fields and history entries are never mutated.
func (c *Certificate) TransitionTo(to CertificateState, actor, trigger string, now time.Time) error {
	if !c.CanTransition(to) {
		return fmt.Errorf("%w: certificate %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	c.History = append(c.History, HistoryEntry{
		Action:    historyAction(to),
		Timestamp: now.UTC(),
		Actor:     actor,
		Trigger:   trigger,
	})
	return nil
}

func historyAction(s CertificateState) string {
	switch s {
	case CertificateSuspended:
		return "suspended"
	case CertificateRevoked:
		return "revoked"
	case CertificateExpired:
		return "expired"
	case CertificateConformant:
		return "reinstated"
	}
	return string(s)
}

// FormatNumber builds a certificate number: prefix + year + zero-padded
// ordinal within that year, e.g. ODDC-2026-00001.
func FormatNumber(year int, ordinal int64) string {
	return fmt.Sprintf("%s-%d-%05d", NumberPrefix, year, ordinal)
}

var numberPattern = regexp.MustCompile(`^` + NumberPrefix + `-(\d{4})-(\d{5,})$`)

// ParseNumber splits a certificate number back into year and ordinal.
func ParseNumber(number string) (year int, ordinal int64, err error) {
	m := numberPattern.FindStringSubmatch(number)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed certificate number %q", number)
	}
	year, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, err
	}
	ordinal, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return year, ordinal, nil
}
