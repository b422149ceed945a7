package dispute

import (
	"context"
	"log"
	"time"

	"github.com/rentloop/disputes/internal/metrics"
	"github.com/rentloop/disputes/internal/traces"
)

const sweepBatchSize = 100

// SweepResult summarizes one escalation sweep.
type SweepResult struct {
	NoResponseEscalated int `json:"noResponseEscalated"`
	NegotiationsFailed  int `json:"negotiationsFailed"`
	Errors              int `json:"errors"`
}

// Sweep force-applies deadline transitions as the system actor:
//
//  1. Open disputes past the response window with no respondent action are
//     escalated to admin review (automatic non-response rejection).
//  2. Negotiations past their room deadline without mutual agreement fail.
//
// Each dispute is re-checked under its own lock, so a sweep racing an
// interactive action loses cleanly, and re-running against an
// already-transitioned dispute is a no-op. An error on one dispute never
// aborts the sweep for the rest.
func (s *Service) Sweep(ctx context.Context) SweepResult {
	ctx, span := traces.StartSpan(ctx, "dispute.Sweep")
	defer span.End()

	now := time.Now()
	var res SweepResult

	stale, err := s.store.ListOpenPastResponseWindow(ctx, now.Add(-s.windows.Response), sweepBatchSize)
	if err != nil {
		log.Printf("WARNING: sweep: list open disputes past response window: %v", err)
		res.Errors++
	} else {
		for _, d := range stale {
			if err := s.escalateNoResponse(ctx, d.ID, now); err != nil {
				log.Printf("WARNING: sweep: escalate dispute %s: %v", d.ID, err)
				res.Errors++
				continue
			}
			res.NoResponseEscalated++
		}
	}

	expired, err := s.store.ListNegotiationExpired(ctx, now, sweepBatchSize)
	if err != nil {
		log.Printf("WARNING: sweep: list expired negotiations: %v", err)
		res.Errors++
	} else {
		for _, d := range expired {
			if err := s.failNegotiation(ctx, d.ID, now); err != nil {
				log.Printf("WARNING: sweep: fail negotiation for dispute %s: %v", d.ID, err)
				res.Errors++
				continue
			}
			res.NegotiationsFailed++
		}
	}

	return res
}

// escalateNoResponse moves one unanswered open dispute to admin review.
// The guard re-check under the lock makes the transition idempotent.
func (s *Service) escalateNoResponse(ctx context.Context, id string, now time.Time) error {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != StatusOpen || d.Response != nil {
		return nil // already handled, nothing to do
	}
	if d.CreatedAt.After(now.Add(-s.windows.Response)) {
		return nil
	}

	d.appendTimeline("auto_escalated_no_response", System.ID, "respondent did not answer within the response window", now)
	_, err = s.transition(ctx, d, StatusOpen, StatusAdminReview, System.ID)
	if err != nil {
		return err
	}
	metrics.SweepTransitionsTotal.WithLabelValues("no_response").Inc()
	return nil
}

// failNegotiation moves one expired negotiation to negotiation_failed.
func (s *Service) failNegotiation(ctx context.Context, id string, now time.Time) error {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != StatusInNegotiation {
		return nil
	}
	if d.Negotiation == nil || d.Negotiation.Deadline.After(now) {
		return nil
	}

	d.appendTimeline("negotiation_expired", System.ID, "room deadline elapsed without mutual agreement", now)
	_, err = s.transition(ctx, d, StatusInNegotiation, StatusNegotiationFailed, System.ID)
	if err != nil {
		return err
	}
	metrics.SweepTransitionsTotal.WithLabelValues("negotiation_expired").Inc()
	return nil
}
