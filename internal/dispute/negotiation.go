package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProposalRequest contains the parameters for a negotiation proposal.
type ProposalRequest struct {
	Text   string `json:"text" binding:"required"`
	Amount string `json:"amount"`
}

// ProposeAgreement appends a proposal to the negotiation room history.
// Either party may propose; no status change. The room deadline is not
// checked here: deadline enforcement belongs exclusively to the sweep.
func (s *Service) ProposeAgreement(ctx context.Context, id string, actor Actor, req ProposalRequest) (*Dispute, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: proposal text is required", ErrValidation)
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusInNegotiation {
		return nil, ErrInvalidTransition
	}
	if !d.IsParty(actor.ID) {
		return nil, ErrForbidden
	}

	now := time.Now()
	p := Proposal{
		ID:     newProposalID(),
		Actor:  actor.ID,
		Text:   strings.TrimSpace(req.Text),
		Amount: req.Amount,
		At:     now,
	}
	d.Negotiation.Proposals = append(d.Negotiation.Proposals, p)

	// Proposing implies standing behind the proposal: the proposer's
	// acceptance moves to the new proposal, superseding any earlier one.
	// Settlement then only needs the counterpart to accept it.
	switch actor.ID {
	case d.Complainant:
		d.Negotiation.ComplainantAcceptedID = p.ID
	case d.Respondent:
		d.Negotiation.RespondentAcceptedID = p.ID
	}
	d.appendTimeline("proposal_made", actor.ID, p.Text, now)

	if err := s.store.Update(ctx, d, StatusInNegotiation); err != nil {
		return nil, err
	}
	s.notify(s.counterpart(d, actor.ID), "dispute.proposal_made", d, map[string]any{"proposalId": p.ID})
	return d, nil
}

// RespondToAgreement accepts or declines the counterpart's most recent
// proposal. When both parties have accepted the same proposal the dispute
// resolves with source negotiation.
func (s *Service) RespondToAgreement(ctx context.Context, id string, actor Actor, accepted bool) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusInNegotiation {
		return nil, ErrInvalidTransition
	}
	if !d.IsParty(actor.ID) {
		return nil, ErrForbidden
	}

	room := d.Negotiation
	latest := room.latestBy(s.counterpart(d, actor.ID))
	if latest == nil {
		return nil, fmt.Errorf("%w: counterpart has no proposal to respond to", ErrValidation)
	}

	now := time.Now()
	if !accepted {
		// Declining leaves the acceptance flags alone: the decliner's own
		// standing proposal (if any) stays on the table, and an acceptance
		// of an older counterpart proposal is already unsettleable.
		d.appendTimeline("proposal_declined", actor.ID, latest.ID, now)
		if err := s.store.Update(ctx, d, StatusInNegotiation); err != nil {
			return nil, err
		}
		s.notify(latest.Actor, "dispute.proposal_declined", d, map[string]any{"proposalId": latest.ID})
		return d, nil
	}

	switch actor.ID {
	case d.Complainant:
		room.ComplainantAcceptedID = latest.ID
	case d.Respondent:
		room.RespondentAcceptedID = latest.ID
	}
	d.appendTimeline("proposal_accepted", actor.ID, latest.ID, now)

	// The accepted IDs only match when both parties stand behind the same
	// proposal: the counterpart's acceptance was set when they made it (or
	// moved away if they proposed again), so a match means the accepted
	// proposal is still the counterpart's standing offer.
	if room.ComplainantAcceptedID != "" && room.ComplainantAcceptedID == room.RespondentAcceptedID {
		return s.resolve(ctx, d, StatusInNegotiation, StatusNegotiationResolved, Resolution{
			ResolvedBy: actor.ID,
			At:         now,
			Text:       latest.Text,
			Source:     SourceNegotiation,
			FinancialImpact: &FinancialImpact{
				RefundAmount: latest.Amount,
				Payer:        latest.Actor,
				Payee:        s.counterpart(d, latest.Actor),
			},
		})
	}

	if err := s.store.Update(ctx, d, StatusInNegotiation); err != nil {
		return nil, err
	}
	s.notify(latest.Actor, "dispute.proposal_accepted", d, map[string]any{"proposalId": latest.ID})
	return d, nil
}

// OwnerFinalOfferRequest contains the owner's unilateral final offer.
type OwnerFinalOfferRequest struct {
	Text   string `json:"text" binding:"required"`
	Amount string `json:"amount"`
}

// SubmitOwnerFinalDecision records the owner's final offer, a fallback when
// proposal exchange stalls. Issued at most once per dispute.
func (s *Service) SubmitOwnerFinalDecision(ctx context.Context, id string, actor Actor, req OwnerFinalOfferRequest) (*Dispute, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: offer text is required", ErrValidation)
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusInNegotiation {
		return nil, ErrInvalidTransition
	}
	if actor.ID != d.Owner() {
		return nil, ErrForbidden
	}
	if d.Negotiation.OwnerFinalOffer != nil {
		return nil, ErrAlreadyResponded
	}

	now := time.Now()
	d.Negotiation.OwnerFinalOffer = &OwnerFinalOffer{
		Text:   strings.TrimSpace(req.Text),
		Amount: req.Amount,
		At:     now,
	}
	d.appendTimeline("owner_final_offer", actor.ID, req.Text, now)

	if err := s.store.Update(ctx, d, StatusInNegotiation); err != nil {
		return nil, err
	}
	s.notify(d.Renter(), "dispute.owner_final_offer", d, nil)
	return d, nil
}

// RespondToOwnerDecision records the renter's answer to the owner's final
// offer. Acceptance parks the dispute for admin confirmation; rejection
// fails the negotiation, enabling third-party escalation.
func (s *Service) RespondToOwnerDecision(ctx context.Context, id string, actor Actor, accepted bool) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusInNegotiation {
		return nil, ErrInvalidTransition
	}
	if actor.ID != d.Renter() {
		return nil, ErrForbidden
	}
	offer := d.Negotiation.OwnerFinalOffer
	if offer == nil {
		return nil, fmt.Errorf("%w: no owner final offer to respond to", ErrValidation)
	}
	if offer.RenterAccepted != nil {
		return nil, ErrAlreadyResponded
	}

	now := time.Now()
	offer.RenterAccepted = &accepted
	offer.RespondedAt = &now
	d.appendTimeline("owner_offer_response", actor.ID, fmt.Sprintf("accepted=%t", accepted), now)

	if accepted {
		s.notify(d.Owner(), "dispute.owner_offer_accepted", d, nil)
		return s.transition(ctx, d, StatusInNegotiation, StatusAwaitingAdminConfirm, actor.ID)
	}
	s.notify(d.Owner(), "dispute.owner_offer_rejected", d, nil)
	return s.transition(ctx, d, StatusInNegotiation, StatusNegotiationFailed, actor.ID)
}

// ConfirmOwnerAgreement is the admin's final confirmation of an accepted
// owner offer, resolving the dispute with source negotiation.
func (s *Service) ConfirmOwnerAgreement(ctx context.Context, id string, actor Actor) (*Dispute, error) {
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
	if d.Status != StatusAwaitingAdminConfirm {
		return nil, ErrInvalidTransition
	}

	offer := d.Negotiation.OwnerFinalOffer
	now := time.Now()
	d.appendTimeline("owner_agreement_confirmed", actor.ID, "", now)
	return s.resolve(ctx, d, StatusAwaitingAdminConfirm, StatusNegotiationResolved, Resolution{
		ResolvedBy: actor.ID,
		At:         now,
		Text:       offer.Text,
		Source:     SourceNegotiation,
		FinancialImpact: &FinancialImpact{
			RefundAmount: offer.Amount,
			Payer:        d.Owner(),
			Payee:        d.Renter(),
		},
	})
}

// counterpart returns the other party of the dispute.
func (s *Service) counterpart(d *Dispute, actorID string) string {
	if actorID == d.Complainant {
		return d.Respondent
	}
	return d.Complainant
}
