/*
engine.go - Wiring of the cycle and settlement engine

PURPOSE:
  Builds every component from one Store, one PaymentRail and Options, and
  exposes the operations the HTTP layer and the sweeper call. Nothing in
  this package keeps package-level state; two Engines over two stores are
  fully independent.

COMPONENTS:
  Registry        groups and members               registry.go
  Ledger          contribution invoices            contributions.go
  Settlement      rail notifications               settlement.go
  Completion      cycle state machine              completion.go
  Payouts         disbursement                     payout.go
  Audit           redacted audit trail             audit.go

USAGE:
  eng, err := tontine.NewEngine(store, rail, tontine.Options{Fees: fees})
  c, err := eng.RequestContribution(ctx, groupID, userID, "")
  res, err := eng.HandleSettlement(ctx, tontine.Notification{...})
*/
package tontine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Defaults applied by NewEngine to zero-valued Options.
const (
	DefaultInvoiceExpiry     = time.Hour
	DefaultLockTimeout       = 5 * time.Second
	DefaultAttemptStaleAfter = 2 * time.Minute
)

// Options configures an Engine. Zero values get defaults.
type Options struct {
	Fees                FeeSchedule
	InvoiceExpiry       time.Duration
	LockTimeout         time.Duration
	AttemptStaleAfter   time.Duration
	DeductFeeFromPayout bool

	Now      func() time.Time
	Logger   *slog.Logger
	Selector WinnerSelector
	Locker   Locker
	Events   EventPublisher
}

func (o *Options) setDefaults() {
	if o.Fees.PlatformRate.IsZero() && o.Fees.PartnerShare.IsZero() && o.Fees.CommunityShare.IsZero() {
		o.Fees = DefaultFeeSchedule()
	}
	if o.InvoiceExpiry <= 0 {
		o.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.AttemptStaleAfter <= 0 {
		o.AttemptStaleAfter = DefaultAttemptStaleAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Selector == nil {
		o.Selector = NewRandomSelector(nil)
	}
	if o.Locker == nil {
		o.Locker = NewKeyedLocker()
	}
	if o.Events == nil {
		o.Events = discardPublisher{}
	}
}

// Engine is the assembled cycle and settlement engine.
type Engine struct {
	Registry   *Registry
	Ledger     *ContributionLedger
	Settlement *Settlement
	Completion *CompletionEngine
	Payouts    *PayoutProcessor
	Audit      *AuditTrail

	store Store
	log   *slog.Logger
}

func NewEngine(store Store, rail PaymentRail, opts Options) (*Engine, error) {
	if store == nil || rail == nil {
		return nil, fmt.Errorf("tontine: store and payment rail are required")
	}
	opts.setDefaults()
	if err := opts.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("tontine: fee schedule: %w", err)
	}

	log := opts.Logger.With("component", "tontine")
	audit := NewAuditTrail(store, opts.Now, log)
	payouts := NewPayoutProcessor(store, rail, opts.Fees, opts.DeductFeeFromPayout, audit, opts.Events, opts.Now, log)
	completion := NewCompletionEngine(store, opts.Locker, opts.Selector, payouts, audit, opts.Events, opts.Now, log, opts.LockTimeout)

	return &Engine{
		Registry:   NewRegistry(store, opts.Locker, audit, opts.Now, log, opts.LockTimeout),
		Ledger:     NewContributionLedger(store, rail, audit, opts.Now, log, opts.InvoiceExpiry, opts.AttemptStaleAfter),
		Settlement: NewSettlement(store, rail, completion, audit, opts.Events, opts.Now, log),
		Completion: completion,
		Payouts:    payouts,
		Audit:      audit,
		store:      store,
		log:        log,
	}, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (e *Engine) CreateGroup(ctx context.Context, p CreateGroupParams, creatorID string) (*Group, error) {
	return e.Registry.CreateGroup(ctx, p, creatorID)
}

func (e *Engine) AddMember(ctx context.Context, groupID, userID, payoutTarget string) (*Member, error) {
	return e.Registry.AddMember(ctx, groupID, userID, payoutTarget)
}

// RemoveMember deactivates a member and re-runs completion, since the
// remaining members may now all have paid. The removal stands even if the
// completion check fails; that failure is alerted and left to the sweeper
// or an admin.
func (e *Engine) RemoveMember(ctx context.Context, groupID, userID, actor string) (*Payout, error) {
	if err := e.Registry.RemoveMember(ctx, groupID, userID, actor); err != nil {
		return nil, err
	}
	p, err := e.Completion.Advance(ctx, groupID)
	if err != nil {
		e.log.Warn("completion check after member removal did not finish", "group_id", groupID, "error", err)
	}
	return p, nil
}

func (e *Engine) RequestContribution(ctx context.Context, groupID, userID, idempotencyKey string) (*Contribution, error) {
	return e.Ledger.RequestContribution(ctx, groupID, userID, idempotencyKey)
}

func (e *Engine) HandleSettlement(ctx context.Context, n Notification) (*SettlementResult, error) {
	return e.Settlement.Apply(ctx, n)
}

// ResumeCycle reactivates a failed cycle and re-runs completion.
func (e *Engine) ResumeCycle(ctx context.Context, groupID, actor string) (*Group, *Payout, error) {
	g, err := e.Completion.ResumeCycle(ctx, groupID, actor)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.Completion.Advance(ctx, groupID)
	return g, p, err
}

func (e *Engine) RetryPayout(ctx context.Context, payoutID, actor string) (*Payout, error) {
	return e.Payouts.Retry(ctx, payoutID, actor)
}

// IsMember reports whether userID is an active member of the group.
func (e *Engine) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	m, err := e.store.GetMember(ctx, groupID, userID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return m.IsActive, nil
}

// =============================================================================
// SWEEP - Periodic housekeeping
// =============================================================================

// SweepResult summarises one Sweep.
type SweepResult struct {
	Expired         int
	Reconciled      int
	Flagged         int
	CyclesCompleted int
	PayoutsResumed  int
	Errors          int
}

// Sweep asks the rail about pending contributions whose webhook may have
// been lost, then expires lapsed invoices, re-runs completion for every
// active group and disburses payouts left pending. Reconciling before
// expiring means an invoice paid on the rail is always seen: applied when
// still in time, flagged otherwise.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	pending, err := e.store.ListPendingContributions(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending contributions: %w", err)
	}
	for _, c := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r, err := e.Settlement.Reconcile(ctx, c.ID)
		if err != nil {
			res.Errors++
			e.log.Warn("reconcile contribution", "contribution_id", c.ID, "error", err)
			continue
		}
		switch r.Outcome {
		case OutcomeSettled:
			res.Reconciled++
			if r.Payout != nil {
				res.CyclesCompleted++
			}
		case OutcomeFlagged:
			res.Flagged++
		}
	}

	expired, err := e.Ledger.ExpireStale(ctx)
	if err != nil {
		return res, err
	}
	res.Expired = len(expired)

	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return res, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if !g.Active || g.CycleStatus != CycleActive {
			continue
		}
		p, err := e.Completion.Advance(ctx, g.ID)
		if err != nil {
			res.Errors++
			e.log.Warn("completion sweep", "group_id", g.ID, "error", err)
		}
		if p != nil {
			res.CyclesCompleted++
		}
	}

	n, err := e.Payouts.ProcessPending(ctx)
	if err != nil {
		return res, fmt.Errorf("process pending payouts: %w", err)
	}
	res.PayoutsResumed = n

	return res, nil
}
