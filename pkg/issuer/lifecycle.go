package issuer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oddc-labs/oddc/core/pkg/domain"
	"github.com/oddc-labs/oddc/core/pkg/ledger"
	"github.com/oddc-labs/oddc/core/pkg/store"
)

// ErrCertificateNotFound is returned by lifecycle operations when the
// certificate number does not exist.
var ErrCertificateNotFound = errors.New("certificate not found")

// Suspend moves a conformant certificate to Suspended, mirroring the
// application state, with one ledger entry for the action.
func (i *Issuer) Suspend(ctx context.Context, number, actor, trigger string) (*domain.Certificate, error) {
	return i.transitionCertificate(ctx, number, domain.CertificateSuspended, ledger.ActionCertificateSuspended, actor, trigger)
}

// Reinstate moves a suspended certificate back to Conformant.
func (i *Issuer) Reinstate(ctx context.Context, number, actor, trigger string) (*domain.Certificate, error) {
	return i.transitionCertificate(ctx, number, domain.CertificateConformant, ledger.ActionCertificateReinstate, actor, trigger)
}

// Revoke terminally revokes a certificate.
func (i *Issuer) Revoke(ctx context.Context, number, actor, trigger string) (*domain.Certificate, error) {
	return i.transitionCertificate(ctx, number, domain.CertificateRevoked, ledger.ActionCertificateRevoked, actor, trigger)
}

// Expire marks a certificate whose validity window has ended. Called by
// the periodic worker's expiry sweep, never by API callers.
func (i *Issuer) Expire(ctx context.Context, number string, now time.Time) (*domain.Certificate, error) {
	cert, err := i.transitionCertificate(ctx, number, domain.CertificateExpired, ledger.ActionCertificateExpired,
		ledger.ActorSystem, fmt.Sprintf("validity window ended %s", now.UTC().Format(time.RFC3339)))
	return cert, err
}

func (i *Issuer) transitionCertificate(ctx context.Context, number string, to domain.CertificateState, action, actor, trigger string) (*domain.Certificate, error) {
	if actor == "" {
		actor = ledger.ActorSystem
	}
	now := i.clock().UTC()

	var cert *domain.Certificate
	err := i.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		cert, err = i.store.GetCertificateByNumber(ctx, tx, number)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCertificateNotFound, number)
		}
		if err != nil {
			return err
		}

		if err := cert.TransitionTo(to, actor, trigger, now); err != nil {
			return err
		}
		if err := i.store.UpdateCertificateState(ctx, tx, cert); err != nil {
			return err
		}
		if err := i.store.AppendCertificateHistory(ctx, tx, cert.ID, cert.History[len(cert.History)-1]); err != nil {
			return err
		}
		if err := i.syncApplicationState(ctx, tx, cert.ApplicationID, to, now); err != nil {
			return err
		}

		_, err = i.ledger.Append(ctx, tx, actor, action, "certificate", cert.Number, ledger.Details{
			"application_id": cert.ApplicationID,
			"state":          string(to),
			"trigger":        trigger,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// syncApplicationState mirrors certificate lifecycle changes onto the
// application. Revocation of a conformant certificate passes through
// Suspended, the only legal path to Revoked. Expiry leaves the application
// untouched; the organization keeps its standing and may start a renewal
// trial.
func (i *Issuer) syncApplicationState(ctx context.Context, tx *sql.Tx, applicationID string, to domain.CertificateState, now time.Time) error {
	if to == domain.CertificateExpired {
		return nil
	}
	app, err := i.store.GetApplicationForUpdate(ctx, tx, applicationID)
	if err != nil {
		return err
	}

	var targets []domain.ApplicationState
	switch to {
	case domain.CertificateSuspended:
		targets = []domain.ApplicationState{domain.ApplicationSuspended}
	case domain.CertificateConformant:
		targets = []domain.ApplicationState{domain.ApplicationConformant}
	case domain.CertificateRevoked:
		if app.State == domain.ApplicationConformant {
			targets = []domain.ApplicationState{domain.ApplicationSuspended, domain.ApplicationRevoked}
		} else {
			targets = []domain.ApplicationState{domain.ApplicationRevoked}
		}
	}
	for _, target := range targets {
		if err := app.TransitionTo(target, now); err != nil {
			return err
		}
	}
	return i.store.UpdateApplicationState(ctx, tx, app)
}
