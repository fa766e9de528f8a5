/*
payout.go - Payout disbursement

PURPOSE:
  Sends a cycle's pot to its winner through the payment rail and records
  how the platform fee splits.

LIFECYCLE:
  pending -> processing        conditional; one disbursement in flight
  processing -> paid           rail succeeded; fee record written with it
  processing -> failed         rail refused, unreachable, or no payout target
  failed -> pending            Retry, an explicit admin action only

FAILURE:
  A failed payout is never deleted or cancelled: the amount stays owed to
  the winner. Failure raises an operator alert (error log, alert counter,
  payout_failed event). Nothing retries automatically.

  If the rail confirms the disbursement but the store cannot record it,
  the payout is left in processing and an alert is raised. Marking it
  failed would invite a second disbursement.

DISBURSED AMOUNT:
  Payout.Amount by default. With DeductFee the platform fee is withheld
  and Payout.Amount - PlatformFee is sent.
*/
package tontine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sunusav/tontine-engine/metrics"
)

// PayoutProcessor disburses payouts.
type PayoutProcessor struct {
	store     Store
	rail      PaymentRail
	fees      FeeSchedule
	audit     *AuditTrail
	events    EventPublisher
	now       func() time.Time
	log       *slog.Logger
	deductFee bool
}

func NewPayoutProcessor(store Store, rail PaymentRail, fees FeeSchedule, deductFee bool, audit *AuditTrail, events EventPublisher, now func() time.Time, logger *slog.Logger) *PayoutProcessor {
	return &PayoutProcessor{
		store:     store,
		rail:      rail,
		fees:      fees,
		audit:     audit,
		events:    events,
		now:       now,
		log:       logger,
		deductFee: deductFee,
	}
}

// Process disburses a pending payout. Calling it on a payout that is
// already paid returns the payout unchanged.
func (pp *PayoutProcessor) Process(ctx context.Context, payoutID string) (*Payout, error) {
	// A disbursement that has started must finish its bookkeeping even if
	// the triggering request goes away.
	ctx = context.WithoutCancel(ctx)

	p, err := pp.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	ok, err := pp.store.TransitionPayout(ctx, payoutID, PayoutPending, PayoutProcessing)
	if err != nil {
		return nil, fmt.Errorf("start payout: %w", err)
	}
	if !ok {
		cur, err := pp.store.GetPayout(ctx, payoutID)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case PayoutPaid:
			return cur, nil
		case PayoutProcessing:
			return cur, &ConcurrencyError{Resource: "payout " + payoutID, Reason: "disbursement in progress"}
		default:
			return cur, &ConflictError{Resource: "payout", Reason: fmt.Sprintf("status is %s", cur.Status)}
		}
	}
	p.Status = PayoutProcessing

	g, err := pp.store.GetGroup(ctx, p.GroupID)
	if err != nil {
		return pp.fail(ctx, p, fmt.Errorf("load group: %w", err))
	}
	winner, err := pp.store.GetMember(ctx, p.GroupID, p.WinnerUserID)
	if err != nil {
		return pp.fail(ctx, p, fmt.Errorf("load winner: %w", err))
	}
	if winner.PayoutTarget == "" {
		return pp.fail(ctx, p, invalid("payout_target", "winner has no registered payout target"))
	}

	split, err := pp.fees.Split(p.Amount, pp.fees.RateFor(*g))
	if err != nil {
		return pp.fail(ctx, p, err)
	}
	amount := p.Amount
	if pp.deductFee {
		amount -= split.Platform
	}

	d, err := pp.rail.Disburse(ctx, winner.PayoutTarget, amount)
	if err != nil {
		return pp.fail(ctx, p, &ExternalServiceError{Op: "disburse", Err: err})
	}

	rec := split.Record(p.ID)
	rec.CreatedAt = pp.now().UTC()
	if err := pp.store.RecordPayoutSuccess(ctx, p.ID, d.ExternalPaymentID, d.Fee, rec); err != nil {
		metrics.PayoutAlerts.Inc()
		pp.log.Error("ALERT: payout disbursed but not recorded; reconcile manually",
			"payout_id", p.ID, "group_id", p.GroupID, "external_payment_id", d.ExternalPaymentID, "error", err)
		return p, fmt.Errorf("record disbursed payout %s: %w", p.ID, err)
	}

	before := *p
	p.Status = PayoutPaid
	p.ExternalPaymentID = d.ExternalPaymentID
	p.RoutingFee = d.Fee
	p.Error = ""
	p.UpdatedAt = rec.CreatedAt

	metrics.PayoutsTotal.WithLabelValues(string(PayoutPaid)).Inc()
	pp.audit.Record(ctx, ActorSystem, AuditPayoutPaid, "payout", p.ID, payoutState(&before), map[string]any{
		"status":              string(p.Status),
		"external_payment_id": p.ExternalPaymentID,
		"routing_fee":         p.RoutingFee,
		"disbursed_amount":    amount,
		"platform_fee":        rec.PlatformFee,
		"partner_fee":         rec.PartnerFee,
		"community_fee":       rec.CommunityFee,
		"net_platform_fee":    rec.NetPlatformFee,
	})
	pp.events.Publish(ctx, Event{
		ID:         uuid.NewString(),
		Type:       EventPayoutPaid,
		GroupID:    p.GroupID,
		Cycle:      p.CycleNumber,
		OccurredAt: p.UpdatedAt,
		Data:       map[string]any{"payout_id": p.ID, "winner_user_id": p.WinnerUserID, "amount": amount},
	})
	pp.log.Info("payout paid", "payout_id", p.ID, "group_id", p.GroupID, "cycle", p.CycleNumber, "amount", amount)
	return p, nil
}

// fail parks a processing payout in failed and raises the alert.
func (pp *PayoutProcessor) fail(ctx context.Context, p *Payout, cause error) (*Payout, error) {
	before := *p
	if err := pp.store.RecordPayoutFailure(ctx, p.ID, cause.Error()); err != nil {
		pp.log.Error("could not record payout failure", "payout_id", p.ID, "error", err)
		return p, errors.Join(cause, err)
	}
	p.Status = PayoutFailed
	p.Error = cause.Error()
	p.UpdatedAt = pp.now().UTC()

	metrics.PayoutsTotal.WithLabelValues(string(PayoutFailed)).Inc()
	metrics.PayoutAlerts.Inc()
	pp.audit.Record(ctx, ActorSystem, AuditPayoutFailed, "payout", p.ID, payoutState(&before), payoutState(p))
	pp.events.Publish(ctx, Event{
		ID:         uuid.NewString(),
		Type:       EventPayoutFailed,
		GroupID:    p.GroupID,
		Cycle:      p.CycleNumber,
		OccurredAt: p.UpdatedAt,
		Data:       map[string]any{"payout_id": p.ID, "winner_user_id": p.WinnerUserID, "amount": p.Amount},
	})
	pp.log.Error("ALERT: payout failed; funds held for winner, manual retry required",
		"payout_id", p.ID, "group_id", p.GroupID, "cycle", p.CycleNumber, "amount", p.Amount, "error", cause)
	return p, cause
}

// Retry moves a failed payout back to pending and processes it again.
// Admin operation.
func (pp *PayoutProcessor) Retry(ctx context.Context, payoutID, actor string) (*Payout, error) {
	p, err := pp.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	ok, err := pp.store.TransitionPayout(ctx, payoutID, PayoutFailed, PayoutPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{Resource: "payout", Reason: "only failed payouts can be retried"}
	}
	pp.audit.Record(ctx, actor, AuditPayoutRetried, "payout", payoutID,
		map[string]any{"status": string(PayoutFailed), "error": p.Error},
		map[string]any{"status": string(PayoutPending)})
	pp.log.Info("payout retry requested", "payout_id", payoutID, "actor", actor)
	return pp.Process(ctx, payoutID)
}

func (pp *PayoutProcessor) GetPayout(ctx context.Context, id string) (*Payout, error) {
	return pp.store.GetPayout(ctx, id)
}

func (pp *PayoutProcessor) ListPayouts(ctx context.Context, groupID string) ([]Payout, error) {
	if _, err := pp.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return pp.store.ListPayouts(ctx, groupID)
}

// ProcessPending disburses payouts left in pending, e.g. after a restart
// between cycle completion and disbursement.
func (pp *PayoutProcessor) ProcessPending(ctx context.Context) (int, error) {
	pending, err := pp.store.ListPayoutsByStatus(ctx, PayoutPending)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pending {
		if _, err := pp.Process(ctx, p.ID); err == nil {
			n++
		}
	}
	return n, nil
}
