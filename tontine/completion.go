/*
completion.go - Cycle completion state machine

PURPOSE:
  Decides, exactly once per (group, cycle), that a cycle is fully funded,
  picks the winner and creates the payout.

STATE MACHINE (Group.CycleStatus):
  active -> processing -> completed -> active (cycle+1)
                      \-> failed  (integrity violation; ResumeCycle -> active)

ALGORITHM (under the per-group lock):
  1. Re-read the group; count active members and, among them, those with
     a paid contribution for the current cycle.
  2. Not everyone has paid         -> no-op
  3. Status is not active          -> no-op (someone already completed it)
  4. active -> processing (conditional)
     No paid contributions / no eligible winner -> failed, IntegrityError
     total  = sum of ALL paid contributions of the cycle
     winner = selector over paid, active members
     CompleteCycle: insert payout, completed, cycle+1, active
  5. Release the lock, then hand the payout to the PayoutProcessor.

EXACTLY-ONCE:
  Three layers: the group lock, the status guard on every transition, and
  the unique (group_id, cycle_number) index on payouts.

NO NETWORK INSIDE THE LOCK:
  The critical section touches only the store. Disbursement happens in
  Advance after unlock.
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

// CompletionEngine runs the completion check for a group.
type CompletionEngine struct {
	store    Store
	locker   Locker
	selector WinnerSelector
	payouts  *PayoutProcessor
	audit    *AuditTrail
	events   EventPublisher
	now      func() time.Time
	log      *slog.Logger

	lockTimeout time.Duration
}

func NewCompletionEngine(store Store, locker Locker, selector WinnerSelector, payouts *PayoutProcessor, audit *AuditTrail, events EventPublisher, now func() time.Time, logger *slog.Logger, lockTimeout time.Duration) *CompletionEngine {
	return &CompletionEngine{
		store:       store,
		locker:      locker,
		selector:    selector,
		payouts:     payouts,
		audit:       audit,
		events:      events,
		now:         now,
		log:         logger,
		lockTimeout: lockTimeout,
	}
}

// Advance runs TryComplete and, if it created a payout, processes it after
// the group lock has been released. A payout whose disbursement fails is
// still returned, in status failed, alongside the error.
func (e *CompletionEngine) Advance(ctx context.Context, groupID string) (*Payout, error) {
	p, err := e.TryComplete(ctx, groupID)
	if err != nil || p == nil {
		return nil, err
	}
	return e.payouts.Process(ctx, p.ID)
}

// TryComplete completes the group's current cycle if every active member
// has paid. It returns the created payout, or nil when there was nothing to
// do.
func (e *CompletionEngine) TryComplete(ctx context.Context, groupID string) (*Payout, error) {
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	unlock, err := e.locker.Lock(lctx, groupID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.Active || g.CycleStatus != CycleActive {
		return nil, nil
	}

	members, err := e.store.ListMembers(ctx, groupID, true)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	contributions, err := e.store.ListContributions(ctx, groupID, g.CurrentCycle)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}

	paidBy := make(map[string]bool)
	var total int64
	var paidCount int
	for _, c := range contributions {
		if c.Status == ContributionPaid {
			paidBy[c.UserID] = true
			total += c.Amount
			paidCount++
		}
	}
	var candidates []string
	for _, m := range members {
		if paidBy[m.UserID] {
			candidates = append(candidates, m.UserID)
		}
	}
	if len(candidates) != len(members) {
		return nil, nil
	}

	cycle := g.CurrentCycle
	ok, err := e.store.SetCycleStatus(ctx, groupID, cycle, CycleActive, CycleProcessing)
	if err != nil {
		return nil, fmt.Errorf("start processing: %w", err)
	}
	if !ok {
		return nil, nil
	}

	if paidCount == 0 || len(candidates) == 0 {
		return nil, e.fail(ctx, g, &IntegrityError{
			Invariant: "winner_has_paid",
			Detail:    fmt.Sprintf("cycle %d has no paid contribution from an active member", cycle),
		})
	}

	now := e.now().UTC()
	p := Payout{
		ID:           uuid.NewString(),
		GroupID:      groupID,
		CycleNumber:  cycle,
		WinnerUserID: e.selector.Select(candidates),
		Amount:       total,
		Status:       PayoutPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CompleteCycle(ctx, p, now.Add(g.CycleLength())); err != nil {
		return nil, e.fail(ctx, g, err)
	}

	metrics.CyclesCompletedTotal.Inc()
	e.audit.Record(ctx, ActorSystem, AuditCycleCompleted, "group", groupID,
		map[string]any{"current_cycle": cycle, "cycle_status": string(CycleActive)},
		map[string]any{"current_cycle": cycle + 1, "cycle_status": string(CycleActive), "payout_id": p.ID, "payout_amount": p.Amount, "winner_user_id": p.WinnerUserID})
	e.events.Publish(ctx, Event{
		ID:         uuid.NewString(),
		Type:       EventCycleCompleted,
		GroupID:    groupID,
		Cycle:      cycle,
		OccurredAt: now,
		Data:       map[string]any{"payout_id": p.ID, "winner_user_id": p.WinnerUserID, "amount": p.Amount},
	})
	e.log.Info("cycle completed",
		"group_id", groupID, "cycle", cycle, "payout_id", p.ID, "amount", p.Amount, "contributions", paidCount)

	return &p, nil
}

// fail parks the cycle in failed and raises the alert. The original error
// is returned.
func (e *CompletionEngine) fail(ctx context.Context, g *Group, cause error) error {
	if _, err := e.store.SetCycleStatus(ctx, g.ID, g.CurrentCycle, CycleProcessing, CycleFailed); err != nil {
		e.log.Error("could not mark cycle failed", "group_id", g.ID, "cycle", g.CurrentCycle, "error", err)
	}

	metrics.CyclesFailedTotal.Inc()
	e.audit.Record(ctx, ActorSystem, AuditCycleFailed, "group", g.ID,
		map[string]any{"current_cycle": g.CurrentCycle, "cycle_status": string(CycleProcessing)},
		map[string]any{"current_cycle": g.CurrentCycle, "cycle_status": string(CycleFailed), "error": cause.Error()})
	e.events.Publish(ctx, Event{
		ID:         uuid.NewString(),
		Type:       EventCycleFailed,
		GroupID:    g.ID,
		Cycle:      g.CurrentCycle,
		OccurredAt: e.now().UTC(),
		Data:       map[string]any{"error": cause.Error()},
	})
	e.log.Error("ALERT: cycle completion failed; manual resume required",
		"group_id", g.ID, "cycle", g.CurrentCycle, "error", cause)
	return cause
}

// ResumeCycle moves a failed cycle back to active so collection and
// completion can continue. Admin operation.
func (e *CompletionEngine) ResumeCycle(ctx context.Context, groupID, actor string) (*Group, error) {
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	unlock, err := e.locker.Lock(lctx, groupID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.CycleStatus != CycleFailed {
		return nil, &ConflictError{Resource: "group", Reason: fmt.Sprintf("cycle is %s, not failed", g.CycleStatus)}
	}
	ok, err := e.store.SetCycleStatus(ctx, groupID, g.CurrentCycle, CycleFailed, CycleActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{Resource: "group", Reason: "cycle changed concurrently"}
	}

	before := groupState(g)
	g.CycleStatus = CycleActive
	e.audit.Record(ctx, actor, AuditCycleResumed, "group", groupID, before, groupState(g))
	e.log.Info("cycle resumed", "group_id", groupID, "cycle", g.CurrentCycle, "actor", actor)
	return g, nil
}
