package domain

import (
	"fmt"
	"time"
)

// ApplicationState is the lifecycle state of a certification application.
type ApplicationState string

const (
	ApplicationPending     ApplicationState = "PENDING"
	ApplicationUnderReview ApplicationState = "UNDER_REVIEW"
	ApplicationApproved    ApplicationState = "APPROVED"
	ApplicationConformant  ApplicationState = "CONFORMANT"
	ApplicationTestFailed  ApplicationState = "TEST_FAILED"
	ApplicationSuspended   ApplicationState = "SUSPENDED"
	ApplicationRevoked     ApplicationState = "REVOKED"
	ApplicationRejected    ApplicationState = "REJECTED"
)

// Application is the certification request for one organization/system pair.
type Application struct {
	ID           string           `json:"id"`
	Organization string           `json:"organization"`
	SystemName   string           `json:"system_name"`
	State        ApplicationState `json:"state"`

	// ODDSpec is the declared operational-domain specification.
	ODDSpec string `json:"odd_spec"`
	// Envelope is the declared operational envelope definition (JSON
	// document, validated at intake by pkg/envelope).
	Envelope        string `json:"envelope"`
	EnvelopeVersion string `json:"envelope_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// applicationTransitions is the legal transition table.
//
// TestFailed is not terminal: starting a new trial loops the application
// back to Approved. Revoked and Rejected are terminal.
var applicationTransitions = map[ApplicationState][]ApplicationState{
	ApplicationPending:     {ApplicationUnderReview, ApplicationRejected},
	ApplicationUnderReview: {ApplicationApproved, ApplicationRejected},
	ApplicationApproved:    {ApplicationConformant, ApplicationTestFailed},
	ApplicationConformant:  {ApplicationSuspended},
	ApplicationTestFailed:  {ApplicationApproved},
	ApplicationSuspended:   {ApplicationConformant, ApplicationRevoked},
	// Revoked and Rejected are terminal.
}

// CanTransition reports whether the application may move to the given state.
func (a *Application) CanTransition(to ApplicationState) bool {
	for _, s := range applicationTransitions[a.State] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo applies a legal state change.
func (a *Application) TransitionTo(to ApplicationState, now time.Time) error {
	if !a.CanTransition(to) {
		return fmt.Errorf("%w: application %s -> %s", ErrInvalidTransition, a.State, to)
	}
	a.State = to
	a.UpdatedAt = now.UTC()
	return nil
}
