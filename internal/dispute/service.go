package dispute

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/rentloop/disputes/internal/metrics"
	"github.com/rentloop/disputes/internal/traces"
)

// Windows are the fixed deadline offsets applied at each stage.
type Windows struct {
	Response    time.Duration // respondent must react to an open dispute
	Decision    time.Duration // parties must react to an admin ruling
	Negotiation time.Duration // negotiation room lifetime
	Evidence    time.Duration // third-party evidence collection
}

// DefaultWindows returns the standard deadline offsets.
func DefaultWindows() Windows {
	return Windows{
		Response:    48 * time.Hour,
		Decision:    72 * time.Hour,
		Negotiation: 72 * time.Hour,
		Evidence:    7 * 24 * time.Hour,
	}
}

// Service implements the dispute state machine. Every transition runs under
// the per-dispute mutex and persists with a status compare-and-swap, so an
// interactive call and a sweep can never both apply a transition to the
// same dispute.
type Service struct {
	store    Store
	orders   OrderService
	rooms    RoomCreator
	notifier Notifier
	events   Publisher
	windows  Windows
	locks    sync.Map // per-dispute ID locks
}

// NewService creates a new dispute service.
func NewService(store Store, orders OrderService, windows Windows) *Service {
	if windows.Response <= 0 {
		windows = DefaultWindows()
	}
	return &Service{store: store, orders: orders, windows: windows}
}

// WithRooms adds the messaging collaborator used to open negotiation rooms.
func (s *Service) WithRooms(rc RoomCreator) *Service {
	s.rooms = rc
	return s
}

// WithNotifier adds the best-effort notification collaborator.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPublisher adds a live event publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

// disputeLock returns a mutex for the given dispute ID.
func (s *Service) disputeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateRequest contains the parameters for raising a dispute.
type CreateRequest struct {
	OrderID     string   `json:"orderId" binding:"required"`
	LineItem    int      `json:"lineItem"`
	Category    Category `json:"category" binding:"required"`
	Description string   `json:"description" binding:"required"`
	Evidence    []string `json:"evidence"`
}

// Create raises a new dispute on one order line item. Delivery-phase
// disputes may only be raised by the renter against the owner; return-phase
// disputes only by the owner against the renter. The line item is marked
// disputed for the lifetime of any non-terminal status.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create",
		traces.OrderID(req.OrderID), traces.Actor(actor.ID), traces.DisputeCategory(string(req.Category)))
	defer span.End()

	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, req.Category)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if req.LineItem < 0 {
		return nil, fmt.Errorf("%w: lineItem must be >= 0", ErrValidation)
	}

	info, err := s.orders.GetLineItem(ctx, req.OrderID, req.LineItem)
	if err != nil {
		return nil, fmt.Errorf("resolve order line item: %w", err)
	}
	if info.Disputed {
		return nil, ErrLineItemDisputed
	}
	if active, err := s.store.GetActiveByLineItem(ctx, req.OrderID, req.LineItem); err == nil && active != nil {
		return nil, ErrLineItemDisputed
	}

	// Complainant and respondent are assigned deterministically from the
	// order, never taken from the request.
	var complainant, respondent string
	switch info.Phase {
	case PhaseDelivery:
		complainant, respondent = info.RenterID, info.OwnerID
	case PhaseReturn:
		complainant, respondent = info.OwnerID, info.RenterID
	default:
		return nil, fmt.Errorf("%w: order has unknown shipment phase %q", ErrValidation, info.Phase)
	}
	if actor.ID != complainant {
		return nil, ErrForbidden
	}
	if complainant == respondent {
		return nil, fmt.Errorf("%w: complainant and respondent are the same party", ErrValidation)
	}

	now := time.Now()
	status := StatusOpen
	if req.Category.FastPath() {
		status = StatusAdminReview
	}

	d := &Dispute{
		ID:          newDisputeID(),
		OrderID:     req.OrderID,
		LineItem:    req.LineItem,
		Phase:       info.Phase,
		Complainant: complainant,
		Respondent:  respondent,
		Category:    req.Category,
		Status:      status,
		Priority:    PriorityMedium,
		Description: strings.TrimSpace(req.Description),
		Evidence:    req.Evidence,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	d.appendTimeline("dispute_created", actor.ID, string(req.Category), now)

	if err := s.orders.MarkDisputed(ctx, req.OrderID, req.LineItem); err != nil {
		return nil, fmt.Errorf("mark line item disputed: %w", err)
	}
	if err := s.store.Create(ctx, d); err != nil {
		// Release the line item so a retry isn't blocked by a dispute
		// that was never persisted.
		if clearErr := s.orders.ClearDisputed(ctx, req.OrderID, req.LineItem); clearErr != nil {
			log.Printf("WARNING: failed to clear disputed flag after create failure for order %s item %d: %v", req.OrderID, req.LineItem, clearErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist dispute")
		return nil, fmt.Errorf("create dispute: %w", err)
	}
	span.SetAttributes(traces.DisputeID(d.ID), traces.DisputeStatus(string(d.Status)))

	metrics.DisputesOpenedTotal.WithLabelValues(string(req.Category)).Inc()
	s.notify(d.Respondent, "dispute.created", d, nil)
	s.publish("dispute.created", d, actor.ID)
	return d, nil
}

// RespondentResponseRequest contains the respondent's answer.
type RespondentResponseRequest struct {
	Decision ResponseDecision `json:"decision" binding:"required"`
	Reason   string           `json:"reason"`
	Evidence []string         `json:"evidence"`
}

// RespondentRespond records the respondent's accept/reject answer to an
// open complaint. Accepting resolves the dispute immediately.
func (s *Service) RespondentRespond(ctx context.Context, id string, actor Actor, req RespondentResponseRequest) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrInvalidTransition
	}
	if actor.ID != d.Respondent {
		return nil, ErrForbidden
	}

	now := time.Now()
	switch req.Decision {
	case DecisionAccepted:
		d.Response = &RespondentResponse{Decision: DecisionAccepted, Reason: req.Reason, Evidence: req.Evidence, At: now}
		d.appendTimeline("respondent_accepted", actor.ID, req.Reason, now)
		return s.resolve(ctx, d, StatusOpen, StatusRespondentAccepted, Resolution{
			ResolvedBy: actor.ID,
			At:         now,
			Text:       "respondent accepted the complaint",
			Source:     SourceRespondentAccepted,
		})
	case DecisionRejected:
		if strings.TrimSpace(req.Reason) == "" {
			return nil, fmt.Errorf("%w: a rejection requires a reason", ErrValidation)
		}
		d.Response = &RespondentResponse{Decision: DecisionRejected, Reason: req.Reason, Evidence: req.Evidence, At: now}
		d.appendTimeline("respondent_rejected", actor.ID, req.Reason, now)
		return s.transition(ctx, d, StatusOpen, StatusRespondentRejected, actor.ID)
	default:
		return nil, fmt.Errorf("%w: decision must be accepted or rejected", ErrValidation)
	}
}

// AdminReviewRequest contains the admin's ruling on a rejected complaint.
type AdminReviewRequest struct {
	Ruling    string   `json:"ruling" binding:"required"`
	Reasoning string   `json:"reasoning"`
	Evidence  []string `json:"evidence"`
}

// AdminReview records the admin ruling. Legal from respondent_rejected and
// from admin_review (the shipper-fault fast path and sweep-escalated
// no-response disputes enter there). Does not resolve: both parties must
// still react to the ruling.
func (s *Service) AdminReview(ctx context.Context, id string, actor Actor, req AdminReviewRequest) (*Dispute, error) {
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
	if d.Status != StatusRespondentRejected && d.Status != StatusAdminReview {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	d.AssignedAdmin = actor.ID
	d.AdminDecision = &AdminDecision{
		AdminID:   actor.ID,
		Ruling:    req.Ruling,
		Reasoning: req.Reasoning,
		Evidence:  req.Evidence,
		RespondBy: now.Add(s.windows.Decision),
		At:        now,
	}
	d.appendTimeline("admin_ruled", actor.ID, req.Ruling, now)
	return s.transition(ctx, d, d.Status, StatusAdminDecisionMade, actor.ID)
}

// RespondToAdminDecision records one party's acceptance or rejection of the
// admin ruling. Each party answers exactly once. When both have answered:
// both accepted resolves the dispute; any rejection opens a negotiation
// room. The check-and-transition runs under the dispute lock, so two
// concurrent answers serialize and only one performs the follow-on
// transition.
func (s *Service) RespondToAdminDecision(ctx context.Context, id string, actor Actor, accepted bool) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusAdminDecisionMade {
		return nil, ErrInvalidTransition
	}
	if !d.IsParty(actor.ID) {
		return nil, ErrForbidden
	}

	dec := d.AdminDecision
	now := time.Now()
	switch actor.ID {
	case d.Complainant:
		if dec.ComplainantAccepted != nil {
			return nil, ErrAlreadyResponded
		}
		dec.ComplainantAccepted = &accepted
	case d.Respondent:
		if dec.RespondentAccepted != nil {
			return nil, ErrAlreadyResponded
		}
		dec.RespondentAccepted = &accepted
	}
	d.appendTimeline("admin_decision_response", actor.ID, fmt.Sprintf("accepted=%t", accepted), now)

	if dec.ComplainantAccepted == nil || dec.RespondentAccepted == nil {
		// First answer only: no transition yet.
		if err := s.store.Update(ctx, d, StatusAdminDecisionMade); err != nil {
			return nil, err
		}
		return d, nil
	}

	if *dec.ComplainantAccepted && *dec.RespondentAccepted {
		return s.resolve(ctx, d, StatusAdminDecisionMade, StatusBothAccepted, Resolution{
			ResolvedBy: dec.AdminID,
			At:         now,
			Text:       dec.Ruling,
			Source:     SourceBothAcceptedRuling,
		})
	}
	return s.openNegotiation(ctx, d, now)
}

// openNegotiation creates the negotiation room and moves to in_negotiation.
// Must be called under the dispute lock from admin_decision_made.
func (s *Service) openNegotiation(ctx context.Context, d *Dispute, now time.Time) (*Dispute, error) {
	roomID := ""
	if s.rooms != nil {
		id, err := s.rooms.CreateRoom(ctx, d.Complainant, d.Respondent)
		if err != nil {
			// The room is owned by the messaging collaborator; its absence
			// must not stall the lifecycle.
			log.Printf("WARNING: failed to create negotiation room for dispute %s: %v", d.ID, err)
		} else {
			roomID = id
		}
	}
	d.Negotiation = &NegotiationRoom{
		RoomID:    roomID,
		StartedAt: now,
		Deadline:  now.Add(s.windows.Negotiation),
	}
	d.appendTimeline("negotiation_opened", "system", roomID, now)
	return s.transition(ctx, d, StatusAdminDecisionMade, StatusInNegotiation, "system")
}

// Get returns one dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetForActor returns a dispute if the actor is a party or an admin.
func (s *Service) GetForActor(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !d.IsParty(actor.ID) {
		return nil, ErrForbidden
	}
	return d, nil
}

// List returns disputes matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*Dispute, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

// Timeline returns the audit trail for a dispute.
func (s *Service) Timeline(ctx context.Context, id string, actor Actor) ([]TimelineEntry, error) {
	d, err := s.GetForActor(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return d.Timeline, nil
}

// SetPriority updates the admin-settable priority. Never affects transitions.
func (s *Service) SetPriority(ctx context.Context, id string, actor Actor, p Priority) (*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, p)
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	d.Priority = p
	d.appendTimeline("priority_set", actor.ID, string(p), now)
	if err := s.store.Update(ctx, d, d.Status); err != nil {
		return nil, err
	}
	return d, nil
}

// transition persists a status change with CAS against the status the
// caller read, then emits the bookkeeping every transition shares.
// Must be called under the dispute lock.
func (s *Service) transition(ctx context.Context, d *Dispute, from, to Status, actor string) (*Dispute, error) {
	d.Status = to
	if err := s.store.Update(ctx, d, from); err != nil {
		return nil, err
	}
	metrics.DisputeTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.notify(d.Complainant, "dispute.status_changed", d, nil)
	s.notify(d.Respondent, "dispute.status_changed", d, nil)
	s.publish("dispute.transitioned", d, actor)
	return d, nil
}

// resolve applies a terminal transition: it writes the resolution
// sub-record, releases the disputed line item, and notifies both parties.
// Must be called under the dispute lock.
func (s *Service) resolve(ctx context.Context, d *Dispute, from, to Status, res Resolution) (*Dispute, error) {
	if !to.IsTerminal() {
		return nil, fmt.Errorf("resolve called with non-terminal status %s", to)
	}
	d.Resolution = &res
	d.Status = to
	d.appendTimeline("resolved", res.ResolvedBy, string(res.Source), res.At)
	if err := s.store.Update(ctx, d, from); err != nil {
		return nil, err
	}

	if err := s.orders.ClearDisputed(ctx, d.OrderID, d.LineItem); err != nil {
		log.Printf("WARNING: failed to clear disputed flag for order %s item %d: %v", d.OrderID, d.LineItem, err)
	}

	metrics.DisputeTransitionsTotal.WithLabelValues(string(to)).Inc()
	metrics.DisputesResolvedTotal.WithLabelValues(string(res.Source)).Inc()
	s.notify(d.Complainant, "dispute.resolved", d, map[string]any{"source": string(res.Source)})
	s.notify(d.Respondent, "dispute.resolved", d, map[string]any{"source": string(res.Source)})
	s.publish("dispute.resolved", d, res.ResolvedBy)
	return d, nil
}

// notify sends a best-effort notification. Failures never surface.
func (s *Service) notify(recipient, eventType string, d *Dispute, extra map[string]any) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{
		"disputeId": d.ID,
		"orderId":   d.OrderID,
		"status":    string(d.Status),
		"category":  string(d.Category),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.notifier.Notify(recipient, eventType, payload)
}

func (s *Service) publish(eventType string, d *Dispute, actor string) {
	if s.events == nil {
		return
	}
	s.events.PublishDisputeEvent(eventType, d.ID, d.Status, actor)
}
