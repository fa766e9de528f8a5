/*
settlement.go - Payment rail notifications: the pending -> paid transition

PURPOSE:
  The payment rail tells us an invoice was paid. Deliveries can be
  duplicated, delayed, reordered or concurrent. Whatever arrives, each
  contribution moves pending -> paid at most once, and only the delivery
  that made the move goes on to trigger cycle completion.

CONTRACT (after the HTTP layer has verified the HMAC):
  1. Unknown external id                    -> NotFoundError (terminal)
  2. Id of an invoice replaced by a re-issue-> OutcomeFlagged when settled
                                               (invoice_superseded), else
                                               OutcomeIgnored
  3. Contribution already paid              -> OutcomeDuplicate (no-op)
  4. settled=false                          -> OutcomeIgnored (no-op)
  5. Amount differs from the contribution   -> ValidationError, no change
  6. Invoice expired or cycle already closed-> OutcomeFlagged, no change,
                                               late_settlement audit+event
  7. UPDATE ... WHERE status='pending'      -> OutcomeSettled for the one
                                               delivery that wins; others
                                               report duplicate
  8. Winner runs completion; a payout it creates is processed after the
     group lock is released.

RECONCILIATION:
  Reconcile asks the rail for an invoice's status and feeds the answer
  through the same path. The sweeper uses it for pending contributions
  whose webhook may have been lost.

SEE ALSO:
  - api/webhook.go: signature verification, HTTP status mapping
  - completion.go: Advance
*/
package tontine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sunusav/tontine-engine/metrics"
)

// Notification is a settlement notice from the payment rail.
type Notification struct {
	ExternalPaymentID string
	Settled           bool
	Amount            int64
}

type SettlementOutcome string

const (
	OutcomeSettled   SettlementOutcome = "settled"
	OutcomeDuplicate SettlementOutcome = "duplicate"
	OutcomeIgnored   SettlementOutcome = "ignored"
	OutcomeFlagged   SettlementOutcome = "flagged"
)

// SettlementResult describes what a notification did.
type SettlementResult struct {
	Outcome      SettlementOutcome
	Contribution *Contribution
	Payout       *Payout // set when this settlement completed the cycle
	Reason       string  // why a notification was flagged
}

// Settlement applies rail notifications to contributions.
type Settlement struct {
	store      Store
	rail       PaymentRail
	completion *CompletionEngine
	audit      *AuditTrail
	events     EventPublisher
	now        func() time.Time
	log        *slog.Logger
}

func NewSettlement(store Store, rail PaymentRail, completion *CompletionEngine, audit *AuditTrail, events EventPublisher, now func() time.Time, logger *slog.Logger) *Settlement {
	return &Settlement{
		store:      store,
		rail:       rail,
		completion: completion,
		audit:      audit,
		events:     events,
		now:        now,
		log:        logger,
	}
}

// Apply processes one notification.
func (s *Settlement) Apply(ctx context.Context, n Notification) (*SettlementResult, error) {
	res, err := s.apply(ctx, n)
	switch {
	case err == nil:
		metrics.SettlementsTotal.WithLabelValues(string(res.Outcome)).Inc()
	case IsNotFound(err):
		metrics.SettlementsTotal.WithLabelValues("not_found").Inc()
	default:
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
	}
	return res, err
}

func (s *Settlement) apply(ctx context.Context, n Notification) (*SettlementResult, error) {
	if n.ExternalPaymentID == "" {
		return nil, invalid("external_payment_id", "required")
	}
	if n.Amount < 0 {
		return nil, invalid("amount", "must not be negative")
	}

	c, err := s.store.GetContributionByPaymentID(ctx, n.ExternalPaymentID)
	if err != nil {
		return nil, err
	}
	if c.ExternalPaymentID != n.ExternalPaymentID {
		// Paid on an invoice that a re-issue replaced: flagged, never applied.
		if !n.Settled {
			return &SettlementResult{Outcome: OutcomeIgnored, Contribution: c}, nil
		}
		return s.flagSuperseded(ctx, c, n), nil
	}
	if c.Status == ContributionPaid {
		return &SettlementResult{Outcome: OutcomeDuplicate, Contribution: c}, nil
	}
	if !n.Settled {
		return &SettlementResult{Outcome: OutcomeIgnored, Contribution: c}, nil
	}
	if n.Amount != c.Amount {
		s.audit.Record(ctx, ActorPaymentRail, AuditSettlementRejected, "contribution", c.ID, contributionState(c), map[string]any{
			"reason":          "amount_mismatch",
			"expected_amount": c.Amount,
			"received_amount": n.Amount,
		})
		return nil, invalid("amount", fmt.Sprintf("expected %d, got %d", c.Amount, n.Amount))
	}

	now := s.now().UTC()
	if reason, late, err := s.lateReason(ctx, c, now); err != nil {
		return nil, err
	} else if late {
		return s.flag(ctx, c, reason), nil
	}

	applied, err := s.store.MarkContributionPaid(ctx, n.ExternalPaymentID, now)
	if err != nil {
		return nil, fmt.Errorf("mark contribution paid: %w", err)
	}
	if !applied {
		// Lost the race to another delivery, or the sweeper expired it.
		cur, err := s.store.GetContribution(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == ContributionExpired {
			return s.flag(ctx, cur, "invoice_expired"), nil
		}
		return &SettlementResult{Outcome: OutcomeDuplicate, Contribution: cur}, nil
	}

	before := *c
	c.Status = ContributionPaid
	c.PaidAt = &now
	s.audit.Record(ctx, ActorPaymentRail, AuditContributionSettled, "contribution", c.ID, contributionState(&before), contributionState(c))
	s.events.Publish(ctx, Event{
		ID:         uuid.NewString(),
		Type:       EventContributionSettled,
		GroupID:    c.GroupID,
		Cycle:      c.CycleNumber,
		OccurredAt: now,
		Data:       map[string]any{"user_id": c.UserID, "amount": c.Amount},
	})
	s.log.Info("contribution settled", "group_id", c.GroupID, "cycle", c.CycleNumber, "contribution_id", c.ID)

	res := &SettlementResult{Outcome: OutcomeSettled, Contribution: c}

	// The contribution is paid whatever happens next. A completion that
	// cannot run now (lock timeout, store error) is picked up by the sweeper.
	payout, err := s.completion.Advance(ctx, c.GroupID)
	if err != nil {
		s.log.Warn("completion check after settlement did not finish",
			"group_id", c.GroupID, "cycle", c.CycleNumber, "error", err)
	}
	res.Payout = payout
	return res, nil
}

// lateReason reports whether a settlement arrived too late to apply.
func (s *Settlement) lateReason(ctx context.Context, c *Contribution, now time.Time) (string, bool, error) {
	if c.IsExpiredAt(now) {
		return "invoice_expired", true, nil
	}
	g, err := s.store.GetGroup(ctx, c.GroupID)
	if err != nil {
		return "", false, err
	}
	if g.CurrentCycle != c.CycleNumber {
		return "cycle_closed", true, nil
	}
	return "", false, nil
}

// flag records a late settlement for manual reconciliation.
func (s *Settlement) flag(ctx context.Context, c *Contribution, reason string) *SettlementResult {
	return s.flagWith(ctx, c, reason, nil)
}

// flagSuperseded records a payment made on an invoice that a re-issue
// replaced. The paid invoice id and amount are kept for the operator.
func (s *Settlement) flagSuperseded(ctx context.Context, c *Contribution, n Notification) *SettlementResult {
	return s.flagWith(ctx, c, "invoice_superseded", map[string]any{
		"paid_external_payment_id": n.ExternalPaymentID,
		"received_amount":          n.Amount,
	})
}

func (s *Settlement) flagWith(ctx context.Context, c *Contribution, reason string, extra map[string]any) *SettlementResult {
	detail := map[string]any{"reason": reason}
	data := map[string]any{"user_id": c.UserID, "amount": c.Amount, "reason": reason}
	for k, v := range extra {
		detail[k] = v
		data[k] = v
	}
	s.audit.Record(ctx, ActorPaymentRail, AuditLateSettlement, "contribution", c.ID, contributionState(c), detail)
	s.events.Publish(ctx, Event{
		ID:         uuid.NewString(),
		Type:       EventLateSettlement,
		GroupID:    c.GroupID,
		Cycle:      c.CycleNumber,
		OccurredAt: s.now().UTC(),
		Data:       data,
	})
	s.log.Warn("late settlement flagged for reconciliation",
		"group_id", c.GroupID, "contribution_id", c.ID, "reason", reason)
	return &SettlementResult{Outcome: OutcomeFlagged, Contribution: c, Reason: reason}
}

// Reconcile checks a pending contribution's invoice with the rail and
// applies the result.
func (s *Settlement) Reconcile(ctx context.Context, contributionID string) (*SettlementResult, error) {
	c, err := s.store.GetContribution(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	if c.Status != ContributionPending {
		return &SettlementResult{Outcome: OutcomeDuplicate, Contribution: c}, nil
	}

	st, err := s.rail.CheckStatus(ctx, c.ExternalPaymentID)
	if err != nil {
		return nil, &ExternalServiceError{Op: "check_status", Err: err}
	}
	if !st.Settled {
		return &SettlementResult{Outcome: OutcomeIgnored, Contribution: c}, nil
	}
	return s.Apply(ctx, Notification{
		ExternalPaymentID: c.ExternalPaymentID,
		Settled:           true,
		Amount:            st.Amount,
	})
}

// Reject records a notification refused before it reached Apply (bad
// signature, unreadable body). This is the only trace such a request leaves.
func (s *Settlement) Reject(ctx context.Context, reason string, detail map[string]any) {
	after := map[string]any{"reason": reason}
	for k, v := range detail {
		after[k] = v
	}
	s.audit.Record(ctx, ActorPaymentRail, AuditSettlementRejected, "settlement", "", nil, after)
	metrics.SettlementsTotal.WithLabelValues("invalid").Inc()
	s.log.Warn("settlement notification rejected", "reason", reason)
}
