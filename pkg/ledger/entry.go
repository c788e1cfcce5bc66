// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every certification-relevant action is recorded as an Entry whose hash
// covers the entry's own canonical serialization plus the previous entry's
// hash, so any after-the-fact mutation breaks the chain at a verifiable
// index. Entries are written once and never updated or deleted; the storage
// layer enforces this with triggers, not application discipline.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/oddc-labs/oddc/core/pkg/canonical"
)

// GenesisHash is the fixed previous-hash value of the first entry.
const GenesisHash = "genesis"

// Actor used for engine-initiated actions (the periodic worker, post-commit
// dispatch). API-initiated actions carry the authenticated subject instead.
const ActorSystem = "system"

// Ledger action names.
const (
	ActionCertificateIssued    = "certificate_issued"
	ActionCertificationFailed  = "certification_failed"
	ActionCertificateIssueNoop = "certificate_issue_noop"
	ActionCertificateSuspended = "certificate_suspended"
	ActionCertificateReinstate = "certificate_reinstated"
	ActionCertificateRevoked   = "certificate_revoked"
	ActionCertificateExpired   = "certificate_expired"
	ActionApplicationCreated   = "application_created"
	ActionApplicationReviewed  = "application_reviewed"
	ActionTrialStarted         = "trial_started"
)

var (
	// ErrChainBroken indicates the hash chain failed verification.
	ErrChainBroken = errors.New("ledger chain is broken")
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("ledger entry not found")
)

// Details is the typed details payload of an entry. It is canonicalized
// (RFC 8785) before hashing, so field insertion order never changes the
// entry hash.
type Details map[string]any

// Entry is one immutable record in the ledger.
type Entry struct {
	Sequence     int64     `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      Details   `json:"details"`
	PrevHash     string    `json:"prev_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// hashable is the canonical projection of an entry that the hash covers.
// The timestamp is serialized as RFC 3339 with nanoseconds, matching the
// stored column, so recomputation after a round-trip is exact.
type hashable struct {
	Sequence     int64   `json:"sequence"`
	Timestamp    string  `json:"timestamp"`
	Actor        string  `json:"actor"`
	Action       string  `json:"action"`
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	Details      Details `json:"details"`
}

// ComputeHash returns the entry hash:
// SHA-256(canonical(entry fields) || previous hash).
func ComputeHash(e *Entry) (string, error) {
	body, err := canonical.Marshal(hashable{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        e.Actor,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize entry %d: %w", e.Sequence, err)
	}
	return canonical.HashBytes(append(body, []byte(e.PrevHash)...)), nil
}

// ChainError reports the first index at which verification failed.
type ChainError struct {
	Index  int64 // sequence number of the offending entry
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain is broken at entry %d: %s", e.Index, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// VerifyChain recomputes every hash and confirms linkage. It fails closed:
// the first mismatch is reported with its exact sequence number. Used by
// integrity audits, not on the issuance hot path.
func VerifyChain(entries []*Entry) error {
	prev := GenesisHash
	for _, e := range entries {
		if e.PrevHash != prev {
			return &ChainError{Index: e.Sequence, Reason: fmt.Sprintf("prev_hash %s, expected %s", e.PrevHash, prev)}
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return &ChainError{Index: e.Sequence, Reason: err.Error()}
		}
		if computed != e.EntryHash {
			return &ChainError{Index: e.Sequence, Reason: fmt.Sprintf("entry_hash %s, recomputed %s", e.EntryHash, computed)}
		}
		prev = e.EntryHash
	}
	return nil
}
