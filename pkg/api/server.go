package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oddc-labs/oddc/core/pkg/auth"
	"github.com/oddc-labs/oddc/core/pkg/dispatch"
	"github.com/oddc-labs/oddc/core/pkg/domain"
	"github.com/oddc-labs/oddc/core/pkg/issuer"
	"github.com/oddc-labs/oddc/core/pkg/ledger"
	"github.com/oddc-labs/oddc/core/pkg/store"
)

// Server wires the engine's operations to HTTP routes.
type Server struct {
	issuer *issuer.Issuer
	store  *store.Store
	ledger *ledger.Store
	outbox *dispatch.Outbox
	log    *slog.Logger
}

// NewServer creates the API server. outbox may be nil.
func NewServer(iss *issuer.Issuer, st *store.Store, led *ledger.Store, outbox *dispatch.Outbox, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{issuer: iss, store: st, ledger: led, outbox: outbox, log: log}
}

// Routes returns the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/applications", s.handleSubmitApplication)
	mux.HandleFunc("GET /api/applications/{id}", s.handleGetApplication)
	mux.HandleFunc("POST /api/applications/{id}/review", s.handleReview)
	mux.HandleFunc("POST /api/applications/{id}/trials", s.handleStartTrial)
	mux.HandleFunc("GET /api/applications/{id}/ledger", s.handleApplicationLedger)

	mux.HandleFunc("GET /api/trials/{id}", s.handleGetTrial)
	mux.HandleFunc("POST /api/trials/{id}/telemetry", s.handleTelemetry)
	mux.HandleFunc("POST /api/trials/{id}/complete", s.handleCompleteTrial)

	mux.HandleFunc("GET /api/certificates/{number}", s.handleGetCertificate)
	mux.HandleFunc("POST /api/certificates/{number}/suspend", s.handleSuspend)
	mux.HandleFunc("POST /api/certificates/{number}/reinstate", s.handleReinstate)
	mux.HandleFunc("POST /api/certificates/{number}/revoke", s.handleRevoke)

	mux.HandleFunc("GET /api/ledger", s.handleExportLedger)
	mux.HandleFunc("GET /api/ledger/verify", s.handleVerifyLedger)
	mux.HandleFunc("GET /api/outbox", s.handleOutbox)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actor(r *http.Request) string {
	return auth.Subject(r.Context())
}

func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		Organization    string `json:"organization"`
		SystemName      string `json:"system_name"`
		ODDSpec         string `json:"odd_spec"`
		Envelope        string `json:"envelope"`
		EnvelopeVersion string `json:"envelope_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	app, err := s.issuer.SubmitApplication(r.Context(), issuer.ApplicationRequest{
		Organization:    req.Organization,
		SystemName:      req.SystemName,
		ODDSpec:         req.ODDSpec,
		Envelope:        req.Envelope,
		EnvelopeVersion: req.EnvelopeVersion,
	}, actor(r))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, app)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApplication(r.Context(), s.store.DB(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "application not found")
		return
	}
	if err != nil {
		s.log.ErrorContext(r.Context(), "get application", "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, app)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	target := domain.ApplicationState(req.State)
	switch target {
	case domain.ApplicationUnderReview, domain.ApplicationApproved, domain.ApplicationRejected:
	default:
		WriteBadRequest(w, "state must be UNDER_REVIEW, APPROVED, or REJECTED")
		return
	}

	app, err := s.issuer.Review(r.Context(), r.PathValue("id"), target, actor(r))
	if err != nil {
		s.writeIssuerError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, app)
}

func (s *Server) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	trial, err := s.issuer.StartTrial(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		s.writeIssuerError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, trial)
}

func (s *Server) handleGetTrial(w http.ResponseWriter, r *http.Request) {
	trial, err := s.store.GetTrial(r.Context(), s.store.DB(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "trial not found")
		return
	}
	if err != nil {
		s.log.ErrorContext(r.Context(), "get trial", "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, trial)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var batch issuer.TelemetryBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	trial, err := s.issuer.RecordTelemetry(r.Context(), r.PathValue("id"), batch)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, trial)
	case errors.Is(err, issuer.ErrTrialNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		WriteConflict(w, err.Error())
	default:
		WriteBadRequest(w, err.Error())
	}
}

func (s *Server) handleCompleteTrial(w http.ResponseWriter, r *http.Request) {
	res, err := s.issuer.CompleteAndIssue(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		s.log.ErrorContext(r.Context(), "complete and issue", "error", err)
		WriteInternal(w)
		return
	}

	status := http.StatusOK
	switch res.Status {
	case issuer.StatusIssued:
		status = http.StatusCreated
	case issuer.StatusNotFound:
		WriteNotFound(w, res.Reason)
		return
	case issuer.StatusValidationError:
		WriteError(w, http.StatusUnprocessableEntity, "Validation Error", res.Reason)
		return
	}
	WriteJSON(w, status, res)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.store.GetCertificateByNumber(r.Context(), s.store.DB(), r.PathValue("number"))
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "certificate not found")
		return
	}
	if err != nil {
		s.log.ErrorContext(r.Context(), "get certificate", "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, cert)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, s.issuer.Suspend)
}

func (s *Server) handleReinstate(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, s.issuer.Reinstate)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, s.issuer.Revoke)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, number, actor, trigger string) (*domain.Certificate, error)) {
	var req struct {
		Trigger string `json:"trigger"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Trigger == "" {
		WriteBadRequest(w, "trigger is required")
		return
	}

	cert, err := op(r.Context(), r.PathValue("number"), actor(r), req.Trigger)
	if err != nil {
		s.writeIssuerError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, cert)
}

func (s *Server) handleApplicationLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.EntriesForResource(r.Context(), "application", r.PathValue("id"))
	if err != nil {
		s.log.ErrorContext(r.Context(), "application ledger", "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.Entries(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "export ledger", "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	err := s.ledger.Verify(r.Context())
	if err == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"intact": true})
		return
	}
	var chainErr *ledger.ChainError
	if errors.As(err, &chainErr) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"intact":       false,
			"broken_index": chainErr.Index,
			"reason":       chainErr.Reason,
		})
		return
	}
	s.log.ErrorContext(r.Context(), "verify ledger", "error", err)
	WriteInternal(w)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if s.outbox == nil {
		WriteJSON(w, http.StatusOK, []any{})
		return
	}
	pending, err := s.outbox.Pending(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "outbox", "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, pending)
}

func (s *Server) writeIssuerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, issuer.ErrApplicationNotFound), errors.Is(err, issuer.ErrCertificateNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		WriteConflict(w, err.Error())
	default:
		s.log.ErrorContext(r.Context(), "engine operation failed", "error", err)
		WriteInternal(w)
	}
}
