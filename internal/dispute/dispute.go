// Package dispute implements the rental dispute lifecycle.
//
// Flow:
//  1. A party raises a dispute on one rental order line item
//  2. The respondent accepts (done) or rejects the complaint
//  3. On rejection an admin rules; both parties react to the ruling
//  4. If either party rejects the ruling, a time-boxed negotiation room opens
//  5. Failed negotiation escalates to an external arbitrator, evidence is
//     collected, and the admin records the final ruling
//
// Deadlines at every stage are enforced by a background sweep (Timer), never
// by the interactive operations themselves, so there is exactly one codepath
// for time-based transitions.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/rentloop/disputes/internal/idgen"
)

var (
	ErrNotFound         = errors.New("dispute not found")
	ErrForbidden        = errors.New("caller is not authorized for this operation")
	ErrInvalidTransition = errors.New("operation not legal from current status")
	ErrValidation       = errors.New("invalid or missing field")
	ErrAlreadyResponded = errors.New("actor has already responded")
	ErrConflict         = errors.New("dispute was modified concurrently")
	ErrLineItemDisputed = errors.New("line item already under an active dispute")
)

// Status is the state-machine discriminator. A dispute holds exactly one
// status at any time and only moves forward, except for the explicit
// evidence-rejection bounce back to third_party_escalated.
type Status string

const (
	StatusOpen                   Status = "open"
	StatusAdminReview            Status = "admin_review"
	StatusRespondentAccepted     Status = "respondent_accepted"
	StatusRespondentRejected     Status = "respondent_rejected"
	StatusAdminDecisionMade      Status = "admin_decision_made"
	StatusBothAccepted           Status = "both_accepted"
	StatusInNegotiation          Status = "in_negotiation"
	StatusNegotiationResolved    Status = "negotiation_resolved"
	StatusAwaitingAdminConfirm   Status = "awaiting_admin_confirmation"
	StatusNegotiationFailed      Status = "negotiation_failed"
	StatusThirdPartyEscalated    Status = "third_party_escalated"
	StatusEvidenceUploaded       Status = "third_party_evidence_uploaded"
	StatusResolved               Status = "resolved"
)

// IsTerminal returns true if no further transition is legal from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRespondentAccepted, StatusBothAccepted, StatusNegotiationResolved, StatusResolved:
		return true
	}
	return false
}

// Category is the enumerated dispute reason. Immutable after creation.
type Category string

const (
	CategoryProductDamage    Category = "product_damage"
	CategoryMissingItems     Category = "missing_items"
	CategoryLateReturn       Category = "late_return"
	CategoryDamagedByShipper Category = "damaged_by_shipper"
	CategoryNoResponse       Category = "no_response"
	CategoryOther            Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryProductDamage, CategoryMissingItems, CategoryLateReturn,
		CategoryDamagedByShipper, CategoryNoResponse, CategoryOther:
		return true
	}
	return false
}

// FastPath reports whether disputes of this category skip respondent
// negotiation and enter directly at admin review. A respondent cannot
// resolve a carrier's fault, so there is nothing for them to accept.
func (c Category) FastPath() bool {
	return c == CategoryDamagedByShipper
}

// Phase identifies which shipment leg the dispute concerns.
type Phase string

const (
	PhaseDelivery Phase = "delivery" // owner -> renter
	PhaseReturn   Phase = "return"   // renter -> owner
)

// Priority is admin-settable and never affects transitions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ResolutionSource records which path produced the terminal resolution.
type ResolutionSource string

const (
	SourceRespondentAccepted ResolutionSource = "respondent_accepted"
	SourceBothAcceptedRuling ResolutionSource = "both_accepted_admin_ruling"
	SourceNegotiation        ResolutionSource = "negotiation"
	SourceThirdParty         ResolutionSource = "third_party"
)

// Role is the capability level of a caller.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor identifies the caller of an operation. The service never trusts its
// transport context: every admin-only operation re-checks Role here even
// though upstream middleware has already done so.
type Actor struct {
	ID   string
	Role Role
}

// System is the privileged internal actor used by the escalation sweep.
var System = Actor{ID: "system", Role: RoleAdmin}

// IsAdmin reports whether the actor holds the admin capability.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// TimelineEntry is one append-only audit record. Entries are never mutated
// or truncated.
type TimelineEntry struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ResponseDecision is the respondent's answer to the complaint.
type ResponseDecision string

const (
	DecisionAccepted ResponseDecision = "accepted"
	DecisionRejected ResponseDecision = "rejected"
)

// RespondentResponse is written at most once, from status open.
type RespondentResponse struct {
	Decision ResponseDecision `json:"decision"`
	Reason   string           `json:"reason,omitempty"`
	Evidence []string         `json:"evidence,omitempty"`
	At       time.Time        `json:"at"`
}

// AdminDecision is the admin's ruling after a rejected complaint. The
// acceptance flags are the only fields mutable after creation, each written
// at most once per party.
type AdminDecision struct {
	AdminID              string     `json:"adminId"`
	Ruling               string     `json:"ruling"`
	Reasoning            string     `json:"reasoning,omitempty"`
	Evidence             []string   `json:"evidence,omitempty"`
	ComplainantAccepted  *bool      `json:"complainantAccepted,omitempty"`
	RespondentAccepted   *bool      `json:"respondentAccepted,omitempty"`
	RespondBy            time.Time  `json:"respondBy"`
	At                   time.Time  `json:"at"`
}

// Proposal is one entry in the negotiation room's proposal history.
type Proposal struct {
	ID     string    `json:"id"`
	Actor  string    `json:"actor"`
	Text   string    `json:"text"`
	Amount string    `json:"amount,omitempty"`
	At     time.Time `json:"at"`
}

// OwnerFinalOffer is the owner's unilateral fallback offer inside the room.
type OwnerFinalOffer struct {
	Text           string     `json:"text"`
	Amount         string     `json:"amount,omitempty"`
	At             time.Time  `json:"at"`
	RenterAccepted *bool      `json:"renterAccepted,omitempty"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty"`
}

// NegotiationRoom is created once when either party rejects the admin
// ruling. The deadline is fixed at creation; only the sweep enforces it.
type NegotiationRoom struct {
	RoomID                string           `json:"roomId,omitempty"`
	StartedAt             time.Time        `json:"startedAt"`
	Deadline              time.Time        `json:"deadline"`
	Proposals             []Proposal       `json:"proposals,omitempty"`
	ComplainantAcceptedID string           `json:"complainantAcceptedId,omitempty"`
	RespondentAcceptedID  string           `json:"respondentAcceptedId,omitempty"`
	OwnerFinalOffer       *OwnerFinalOffer `json:"ownerFinalOffer,omitempty"`
}

// latestBy returns the most recent proposal made by actorID, or nil.
func (n *NegotiationRoom) latestBy(actorID string) *Proposal {
	for i := len(n.Proposals) - 1; i >= 0; i-- {
		if n.Proposals[i].Actor == actorID {
			return &n.Proposals[i]
		}
	}
	return nil
}

// SharedContactInfo is the snapshot of both parties' contact details
// released to the external arbitrator.
type SharedContactInfo struct {
	ComplainantContact string    `json:"complainantContact"`
	RespondentContact  string    `json:"respondentContact"`
	SharedAt           time.Time `json:"sharedAt"`
}

// ThirdPartyResolution tracks the handoff to an out-of-band arbitrator.
type ThirdPartyResolution struct {
	EscalatedBy       string             `json:"escalatedBy"`
	EscalatedAt       time.Time          `json:"escalatedAt"`
	ArbitratorContact string             `json:"arbitratorContact"`
	EvidenceDeadline  time.Time          `json:"evidenceDeadline"`
	Documents         []string           `json:"documents,omitempty"`
	Photos            []string           `json:"photos,omitempty"`
	OfficialRuling    string             `json:"officialRuling,omitempty"`
	UploadedBy        string             `json:"uploadedBy,omitempty"`
	UploadedAt        *time.Time         `json:"uploadedAt,omitempty"`
	RejectReason      string             `json:"rejectReason,omitempty"`
	SharedData        *SharedContactInfo `json:"sharedData,omitempty"`
}

// FinancialImpact is the settlement intent recorded on terminal resolution.
// It is data only: an external settlement service consumes it asynchronously.
type FinancialImpact struct {
	RefundAmount  string `json:"refundAmount,omitempty"`
	PenaltyAmount string `json:"penaltyAmount,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Payee         string `json:"payee,omitempty"`
}

// Resolution is the terminal sub-record. Exactly one exists for any dispute
// that reached a terminal status.
type Resolution struct {
	ResolvedBy      string           `json:"resolvedBy"`
	At              time.Time        `json:"at"`
	Text            string           `json:"text"`
	Source          ResolutionSource `json:"source"`
	FinancialImpact *FinancialImpact `json:"financialImpact,omitempty"`
}

// Dispute is the root aggregate, one record per case. Never hard-deleted;
// a terminal status is the only end of life.
type Dispute struct {
	ID            string                `json:"id"`
	OrderID       string                `json:"orderId"`
	LineItem      int                   `json:"lineItem"`
	Phase         Phase                 `json:"phase"`
	Complainant   string                `json:"complainant"`
	Respondent    string                `json:"respondent"`
	AssignedAdmin string                `json:"assignedAdmin,omitempty"`
	Category      Category              `json:"category"`
	Status        Status                `json:"status"`
	Priority      Priority              `json:"priority"`
	Description   string                `json:"description"`
	Evidence      []string              `json:"evidence,omitempty"`
	Response      *RespondentResponse   `json:"respondentResponse,omitempty"`
	AdminDecision *AdminDecision        `json:"adminDecision,omitempty"`
	Negotiation   *NegotiationRoom      `json:"negotiationRoom,omitempty"`
	ThirdParty    *ThirdPartyResolution `json:"thirdPartyResolution,omitempty"`
	Resolution    *Resolution           `json:"resolution,omitempty"`
	Timeline      []TimelineEntry       `json:"timeline"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// Owner returns the owner party for this dispute's shipment phase.
func (d *Dispute) Owner() string {
	if d.Phase == PhaseDelivery {
		return d.Respondent // renter complains against owner
	}
	return d.Complainant // owner complains against renter
}

// Renter returns the renter party for this dispute's shipment phase.
func (d *Dispute) Renter() string {
	if d.Phase == PhaseDelivery {
		return d.Complainant
	}
	return d.Respondent
}

// IsParty reports whether id is the complainant or respondent.
func (d *Dispute) IsParty(id string) bool {
	return id != "" && (id == d.Complainant || id == d.Respondent)
}

// appendTimeline records one audit entry and bumps UpdatedAt.
func (d *Dispute) appendTimeline(action, actor, detail string, at time.Time) {
	d.Timeline = append(d.Timeline, TimelineEntry{Action: action, Actor: actor, Detail: detail, At: at})
	d.UpdatedAt = at
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status   Status
	Category Category
	Party    string // matches complainant or respondent
	Limit    int
}

// Store persists disputes. Update takes the status the caller read so the
// store can apply compare-and-swap semantics: the write succeeds only if the
// persisted status still equals expect, otherwise ErrConflict is returned
// and nothing is written.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute, expect Status) error
	List(ctx context.Context, f Filter) ([]*Dispute, error)
	GetActiveByLineItem(ctx context.Context, orderID string, lineItem int) (*Dispute, error)

	// Sweep queries. Both return only disputes still in the sweepable
	// status, so a re-run against already-transitioned disputes is a no-op.
	ListOpenPastResponseWindow(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
	ListNegotiationExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
}

// OrderInfo is the order service's view of one rental line item.
type OrderInfo struct {
	OwnerID       string
	RenterID      string
	Phase         Phase
	Disputed      bool
	OwnerContact  string
	RenterContact string
}

// OrderService is the order/inventory collaborator.
type OrderService interface {
	GetLineItem(ctx context.Context, orderID string, lineItem int) (*OrderInfo, error)
	MarkDisputed(ctx context.Context, orderID string, lineItem int) error
	ClearDisputed(ctx context.Context, orderID string, lineItem int) error
}

// RoomCreator is the messaging collaborator. The room is a logically
// separate resource; its id is referenced, never managed, here.
type RoomCreator interface {
	CreateRoom(ctx context.Context, participantA, participantB string) (string, error)
}

// Notifier delivers best-effort notifications. Implementations must never
// block the caller; failures are logged, not returned.
type Notifier interface {
	Notify(recipient, eventType string, payload map[string]any)
}

// Publisher receives lifecycle events for live streaming (ops dashboards).
type Publisher interface {
	PublishDisputeEvent(eventType, disputeID string, status Status, actor string)
}

func newDisputeID() string  { return idgen.WithPrefix("dsp_") }
func newProposalID() string { return idgen.WithPrefix("prop_") }
