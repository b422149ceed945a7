package dispute

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rentloop/disputes/internal/traces"
)

// EscalateRequest contains the external arbitrator's contact details.
type EscalateRequest struct {
	ArbitratorContact string `json:"arbitratorContact" binding:"required"`
}

// EscalateToThirdParty hands the dispute to an external arbitrator and
// starts the evidence collection window. Admin only, from
// negotiation_failed.
func (s *Service) EscalateToThirdParty(ctx context.Context, id string, actor Actor, req EscalateRequest) (*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(req.ArbitratorContact) == "" {
		return nil, fmt.Errorf("%w: arbitrator contact is required", ErrValidation)
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusNegotiationFailed {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	d.ThirdParty = &ThirdPartyResolution{
		EscalatedBy:       actor.ID,
		EscalatedAt:       now,
		ArbitratorContact: strings.TrimSpace(req.ArbitratorContact),
		EvidenceDeadline:  now.Add(s.windows.Evidence),
	}
	d.appendTimeline("escalated_to_third_party", actor.ID, req.ArbitratorContact, now)
	return s.transition(ctx, d, StatusNegotiationFailed, StatusThirdPartyEscalated, actor.ID)
}

// ShareShipperInfo snapshots both parties' contact details for the
// arbitrator. Optional, admin only, taken at most once; does not change
// status.
func (s *Service) ShareShipperInfo(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusThirdPartyEscalated && d.Status != StatusEvidenceUploaded {
		return nil, ErrInvalidTransition
	}
	if d.ThirdParty.SharedData != nil {
		return nil, ErrAlreadyResponded
	}

	info, err := s.orders.GetLineItem(ctx, d.OrderID, d.LineItem)
	if err != nil {
		return nil, fmt.Errorf("resolve party contacts: %w", err)
	}
	contacts := map[string]string{
		info.OwnerID:  info.OwnerContact,
		info.RenterID: info.RenterContact,
	}

	now := time.Now()
	d.ThirdParty.SharedData = &SharedContactInfo{
		ComplainantContact: contacts[d.Complainant],
		RespondentContact:  contacts[d.Respondent],
		SharedAt:           now,
	}
	d.appendTimeline("shipper_info_shared", actor.ID, "", now)

	if err := s.store.Update(ctx, d, d.Status); err != nil {
		return nil, err
	}
	s.notify(d.Complainant, "dispute.contact_info_shared", d, nil)
	s.notify(d.Respondent, "dispute.contact_info_shared", d, nil)
	return d, nil
}

// EvidenceRequest contains third-party evidence uploaded by a party.
type EvidenceRequest struct {
	Documents      []string `json:"documents"`
	Photos         []string `json:"photos"`
	OfficialRuling string   `json:"officialRuling"`
}

// UploadThirdPartyEvidence records a party's arbitrator evidence and moves
// the dispute to third_party_evidence_uploaded.
func (s *Service) UploadThirdPartyEvidence(ctx context.Context, id string, actor Actor, req EvidenceRequest) (*Dispute, error) {
	if len(req.Documents) == 0 && len(req.Photos) == 0 && strings.TrimSpace(req.OfficialRuling) == "" {
		return nil, fmt.Errorf("%w: at least one document, photo, or ruling text is required", ErrValidation)
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusThirdPartyEscalated {
		return nil, ErrInvalidTransition
	}
	if !d.IsParty(actor.ID) {
		return nil, ErrForbidden
	}

	now := time.Now()
	tp := d.ThirdParty
	tp.Documents = req.Documents
	tp.Photos = req.Photos
	tp.OfficialRuling = strings.TrimSpace(req.OfficialRuling)
	tp.UploadedBy = actor.ID
	tp.UploadedAt = &now
	tp.RejectReason = ""
	d.appendTimeline("third_party_evidence_uploaded", actor.ID, "", now)
	return s.transition(ctx, d, StatusThirdPartyEscalated, StatusEvidenceUploaded, actor.ID)
}

// RejectThirdPartyEvidence bounces invalid evidence back to
// third_party_escalated for resubmission. Admin only.
func (s *Service) RejectThirdPartyEvidence(ctx context.Context, id string, actor Actor, reason string) (*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: a rejection requires a reason", ErrValidation)
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusEvidenceUploaded {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	tp := d.ThirdParty
	uploader := tp.UploadedBy
	tp.Documents = nil
	tp.Photos = nil
	tp.OfficialRuling = ""
	tp.UploadedBy = ""
	tp.UploadedAt = nil
	tp.RejectReason = strings.TrimSpace(reason)
	d.appendTimeline("third_party_evidence_rejected", actor.ID, reason, now)

	d.Status = StatusThirdPartyEscalated
	if err := s.store.Update(ctx, d, StatusEvidenceUploaded); err != nil {
		return nil, err
	}
	if uploader != "" {
		s.notify(uploader, "dispute.evidence_rejected", d, map[string]any{"reason": tp.RejectReason})
	}
	s.publish("dispute.transitioned", d, actor.ID)
	return d, nil
}

// FinalDecisionRequest contains the admin's final ruling after third-party
// evidence, including the settlement intent consumed downstream.
type FinalDecisionRequest struct {
	Ruling          string           `json:"ruling" binding:"required"`
	FinancialImpact *FinancialImpact `json:"financialImpact"`
}

// AdminFinalDecision records the terminal third-party ruling. The
// financial-impact payload is recorded, never executed here.
func (s *Service) AdminFinalDecision(ctx context.Context, id string, actor Actor, req FinalDecisionRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.AdminFinalDecision",
		traces.DisputeID(id), traces.Actor(actor.ID))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(req.Ruling) == "" {
		return nil, fmt.Errorf("%w: ruling is required", ErrValidation)
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusEvidenceUploaded {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	d.appendTimeline("admin_final_decision", actor.ID, req.Ruling, now)
	resolved, err := s.resolve(ctx, d, StatusEvidenceUploaded, StatusResolved, Resolution{
		ResolvedBy:      actor.ID,
		At:              now,
		Text:            req.Ruling,
		Source:          SourceThirdParty,
		FinancialImpact: req.FinancialImpact,
	})
	if err != nil {
		return nil, err
	}
	if req.FinancialImpact != nil {
		log.Printf("dispute %s resolved with financial impact: refund=%s penalty=%s payer=%s payee=%s",
			d.ID, req.FinancialImpact.RefundAmount, req.FinancialImpact.PenaltyAmount,
			req.FinancialImpact.Payer, req.FinancialImpact.Payee)
	}
	return resolved, nil
}
