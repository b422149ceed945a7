package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

// clone deep-copies a dispute so callers never alias stored sub-records.
func clone(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	cp.Timeline = append([]TimelineEntry(nil), d.Timeline...)
	if d.Response != nil {
		r := *d.Response
		r.Evidence = append([]string(nil), d.Response.Evidence...)
		cp.Response = &r
	}
	if d.AdminDecision != nil {
		a := *d.AdminDecision
		a.Evidence = append([]string(nil), d.AdminDecision.Evidence...)
		a.ComplainantAccepted = cloneBool(d.AdminDecision.ComplainantAccepted)
		a.RespondentAccepted = cloneBool(d.AdminDecision.RespondentAccepted)
		cp.AdminDecision = &a
	}
	if d.Negotiation != nil {
		n := *d.Negotiation
		n.Proposals = append([]Proposal(nil), d.Negotiation.Proposals...)
		if d.Negotiation.OwnerFinalOffer != nil {
			o := *d.Negotiation.OwnerFinalOffer
			o.RenterAccepted = cloneBool(d.Negotiation.OwnerFinalOffer.RenterAccepted)
			if d.Negotiation.OwnerFinalOffer.RespondedAt != nil {
				at := *d.Negotiation.OwnerFinalOffer.RespondedAt
				o.RespondedAt = &at
			}
			n.OwnerFinalOffer = &o
		}
		cp.Negotiation = &n
	}
	if d.ThirdParty != nil {
		tp := *d.ThirdParty
		tp.Documents = append([]string(nil), d.ThirdParty.Documents...)
		tp.Photos = append([]string(nil), d.ThirdParty.Photos...)
		if d.ThirdParty.UploadedAt != nil {
			at := *d.ThirdParty.UploadedAt
			tp.UploadedAt = &at
		}
		if d.ThirdParty.SharedData != nil {
			sd := *d.ThirdParty.SharedData
			tp.SharedData = &sd
		}
		cp.ThirdParty = &tp
	}
	if d.Resolution != nil {
		r := *d.Resolution
		if d.Resolution.FinancialImpact != nil {
			fi := *d.Resolution.FinancialImpact
			r.FinancialImpact = &fi
		}
		cp.Resolution = &r
	}
	return &cp
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	m.disputes[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Category != "" && d.Category != f.Category {
			continue
		}
		if f.Party != "" && !d.IsParty(f.Party) {
			continue
		}
		result = append(result, clone(d))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) GetActiveByLineItem(_ context.Context, orderID string, lineItem int) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID && d.LineItem == lineItem && !d.Status.IsTerminal() {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListOpenPastResponseWindow(_ context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusOpen || d.Response != nil {
			continue
		}
		if d.CreatedAt.Before(before) {
			result = append(result, clone(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListNegotiationExpired(_ context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusInNegotiation || d.Negotiation == nil {
			continue
		}
		if d.Negotiation.Deadline.Before(before) {
			result = append(result, clone(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
