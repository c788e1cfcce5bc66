// Package dispatch performs the post-commit side effects of a
// certification decision: certificate document rendering, telemetry
// session promotion, and outbound notification.
//
// Everything here is best-effort by contract. A failure is logged and
// parked in the outbox with enough context to retry manually; it is never
// surfaced to the issuer, whose decision has already committed.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/oddc-labs/oddc/core/pkg/domain"
)

// Event names published to notifiers.
const (
	EventCertificateIssued     = "certificate.issued"
	EventApplicationTestFailed = "application.test_failed"
)

// DefaultEffectTimeout bounds each individual side effect.
const DefaultEffectTimeout = 10 * time.Second

// Renderer produces the certificate document from an issued snapshot.
type Renderer interface {
	RenderCertificate(ctx context.Context, cert *domain.Certificate, app *domain.Application) ([]byte, error)
}

// Notifier delivers a fire-and-forget event.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any) error
}

// SessionPromoter marks an application's telemetry sessions as
// production-grade. Must be idempotent; the dispatcher may call it again
// on a manual retry.
type SessionPromoter interface {
	PromoteSessions(ctx context.Context, applicationID, certificateID string) (int64, error)
}

// Archiver stores a rendered document durably.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Metrics counts side-effect failures. pkg/observability implements it.
type Metrics interface {
	RecordSideEffectFailure(ctx context.Context, effect string)
}

// Dispatcher fans a committed decision out to the side-effect
// collaborators. Any of the collaborators may be nil; the corresponding
// effect is skipped.
type Dispatcher struct {
	renderer Renderer
	archive  Archiver
	promoter SessionPromoter
	notifier Notifier
	outbox   *Outbox
	metrics  Metrics
	log      *slog.Logger
	timeout  time.Duration
}

// New creates a dispatcher. outbox may be nil, in which case failures are
// only logged.
func New(renderer Renderer, archive Archiver, promoter SessionPromoter, notifier Notifier, outbox *Outbox, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		renderer: renderer,
		archive:  archive,
		promoter: promoter,
		notifier: notifier,
		outbox:   outbox,
		log:      log,
		timeout:  DefaultEffectTimeout,
	}
}

// WithTimeout overrides the per-effect timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// WithMetrics wires side-effect failure counting.
func (d *Dispatcher) WithMetrics(m Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// CertificateIssued runs the post-issuance effects: render and archive the
// certificate document, promote the application's sessions, and notify.
// Each effect is attempted independently; one failing never stops the
// others.
func (d *Dispatcher) CertificateIssued(ctx context.Context, cert *domain.Certificate, app *domain.Application) {
	// The issuer's request context may be cancelled the moment it returns;
	// side effects get their own deadline instead.
	ctx = context.WithoutCancel(ctx)

	if d.renderer != nil {
		d.runEffect(ctx, "render", cert.Number, func(ctx context.Context) error {
			doc, err := d.renderer.RenderCertificate(ctx, cert, app)
			if err != nil {
				return err
			}
			if d.archive != nil {
				return d.archive.Put(ctx, "certificates/"+cert.Number+".json", doc)
			}
			return nil
		})
	}
	if d.promoter != nil {
		d.runEffect(ctx, "promote_sessions", cert.Number, func(ctx context.Context) error {
			promoted, err := d.promoter.PromoteSessions(ctx, cert.ApplicationID, cert.ID)
			if err != nil {
				return err
			}
			d.log.InfoContext(ctx, "telemetry sessions promoted",
				"application_id", cert.ApplicationID, "certificate", cert.Number, "count", promoted)
			return nil
		})
	}
	if d.notifier != nil {
		d.runEffect(ctx, "notify", cert.Number, func(ctx context.Context) error {
			return d.notifier.Notify(ctx, EventCertificateIssued, map[string]any{
				"certificate_number": cert.Number,
				"application_id":     cert.ApplicationID,
				"organization":       cert.Organization,
				"system_name":        cert.SystemName,
				"issued_at":          cert.IssuedAt.UTC().Format(time.RFC3339),
				"expires_at":         cert.ExpiresAt.UTC().Format(time.RFC3339),
			})
		})
	}
}

// CertificationFailed notifies about a recorded failure. No rendering or
// promotion applies on this path.
func (d *Dispatcher) CertificationFailed(ctx context.Context, app *domain.Application, trial *domain.Trial, reasons []string) {
	if d.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.runEffect(ctx, "notify", trial.ID, func(ctx context.Context) error {
		return d.notifier.Notify(ctx, EventApplicationTestFailed, map[string]any{
			"application_id":  app.ID,
			"trial_id":        trial.ID,
			"organization":    app.Organization,
			"system_name":     app.SystemName,
			"failure_reasons": reasons,
		})
	})
}

func (d *Dispatcher) runEffect(ctx context.Context, effect, resource string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return
	}
	d.log.ErrorContext(ctx, "post-commit side effect failed",
		"effect", effect, "resource", resource, "error", err)
	if d.metrics != nil {
		d.metrics.RecordSideEffectFailure(ctx, effect)
	}
	if d.outbox != nil {
		if obErr := d.outbox.Record(ctx, effect, resource, err); obErr != nil {
			d.log.ErrorContext(ctx, "failed to park effect in outbox",
				"effect", effect, "resource", resource, "error", obErr)
		}
	}
}
