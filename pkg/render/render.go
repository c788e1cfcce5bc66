// Package render produces the human-facing certificate document from an
// issued snapshot. The document is a self-contained JSON record: everything
// needed to verify the certificate offline (number, snapshot fields,
// signature, evidence hash) is embedded.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oddc-labs/oddc/core/pkg/domain"
)

// DocumentVersion identifies the rendered document layout.
const DocumentVersion = "1"

// Document is the rendered certificate.
type Document struct {
	Version           string          `json:"version"`
	CertificateNumber string          `json:"certificate_number"`
	Organization      string          `json:"organization"`
	SystemName        string          `json:"system_name"`
	Envelope          json.RawMessage `json:"envelope"`
	ConvergenceScore  float64         `json:"convergence_score"`
	EvidenceHash      string          `json:"evidence_hash"`
	Signature         string          `json:"signature"`
	IssuedAt          string          `json:"issued_at"`
	ExpiresAt         string          `json:"expires_at"`
	State             string          `json:"state"`
	History           []historyLine   `json:"history"`
}

type historyLine struct {
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Trigger   string `json:"trigger"`
}

// JSONRenderer renders certificates as indented JSON documents.
type JSONRenderer struct{}

// NewJSONRenderer creates a renderer.
func NewJSONRenderer() *JSONRenderer { return &JSONRenderer{} }

// RenderCertificate builds the document from the issued snapshot. The
// application is accepted for interface symmetry; every rendered field
// comes from the certificate's own copied-at-issuance snapshot, so a later
// application edit cannot leak into the document.
func (r *JSONRenderer) RenderCertificate(_ context.Context, cert *domain.Certificate, _ *domain.Application) ([]byte, error) {
	envelope := json.RawMessage(cert.Envelope)
	if !json.Valid(envelope) {
		return nil, fmt.Errorf("render: certificate %s has a non-JSON envelope snapshot", cert.Number)
	}

	doc := Document{
		Version:           DocumentVersion,
		CertificateNumber: cert.Number,
		Organization:      cert.Organization,
		SystemName:        cert.SystemName,
		Envelope:          envelope,
		ConvergenceScore:  cert.ConvergenceScore,
		EvidenceHash:      cert.EvidenceHash,
		Signature:         cert.Signature,
		IssuedAt:          cert.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt:         cert.ExpiresAt.UTC().Format(time.RFC3339),
		State:             string(cert.State),
		History:           make([]historyLine, 0, len(cert.History)),
	}
	for _, h := range cert.History {
		doc.History = append(doc.History, historyLine{
			Action:    h.Action,
			Timestamp: h.Timestamp.UTC().Format(time.RFC3339),
			Actor:     h.Actor,
			Trigger:   h.Trigger,
		})
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render: marshal certificate %s: %w", cert.Number, err)
	}
	return out, nil
}
