/*
contributions.go - Per-cycle contribution records and invoice issuance

PURPOSE:
  A member asks to pay this cycle; the ledger returns an invoice to pay.
  There is at most one contribution row per (group, member, cycle). The
  ledger creates and re-issues rows but never marks anything paid; only
  settlement.go does that.

REQUEST FLOW:
  1. Group must be active and the caller an active member.
  2. Already paid this cycle               -> ConflictError
  3. Pending invoice still valid           -> return it (idempotent)
  4. Claim the PaymentAttempt for the idempotency key:
       succeeded -> return its contribution
       in flight -> ConcurrencyError
       failed    -> retry (Attempts+1)
  5. Ask the rail for an invoice, then insert the row, or re-issue the
     expired row for the tuple.

IDEMPOTENCY KEY:
  Client-supplied (Idempotency-Key header) or derived:
    group:user:cycle               first invoice of the cycle
    group:user:cycle:<old id>      re-issue after the invoice expired

SEE ALSO:
  - settlement.go: pending -> paid
  - api/scheduler.go: periodic ExpireStale
*/
package tontine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ContributionLedger issues and lists contributions.
type ContributionLedger struct {
	store Store
	rail  PaymentRail
	audit *AuditTrail
	now   func() time.Time
	log   *slog.Logger

	invoiceExpiry time.Duration
	staleAfter    time.Duration
}

func NewContributionLedger(store Store, rail PaymentRail, audit *AuditTrail, now func() time.Time, logger *slog.Logger, invoiceExpiry, staleAfter time.Duration) *ContributionLedger {
	return &ContributionLedger{
		store:         store,
		rail:          rail,
		audit:         audit,
		now:           now,
		log:           logger,
		invoiceExpiry: invoiceExpiry,
		staleAfter:    staleAfter,
	}
}

// RequestContribution returns the invoice userID should pay for the group's
// current cycle.
func (l *ContributionLedger) RequestContribution(ctx context.Context, groupID, userID, idempotencyKey string) (*Contribution, error) {
	g, err := l.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.Active {
		return nil, notFound("group", groupID)
	}
	m, err := l.store.GetMember(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, notFound("member", userID)
	}

	cycle := g.CurrentCycle
	now := l.now().UTC()

	existing, err := l.store.FindContribution(ctx, groupID, userID, cycle)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		switch {
		case existing.Status == ContributionPaid:
			return nil, &ConflictError{Resource: "contribution", Reason: fmt.Sprintf("already paid for cycle %d", cycle)}
		case !existing.IsExpiredAt(now):
			return existing, nil
		}
	}

	key := idempotencyKey
	if key == "" {
		key = defaultAttemptKey(groupID, userID, cycle, existing)
	}

	attempt, started, err := l.store.BeginAttempt(ctx, PaymentAttempt{
		IdempotencyKey: key,
		GroupID:        groupID,
		UserID:         userID,
		CycleNumber:    cycle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, now.Add(-l.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("begin payment attempt: %w", err)
	}
	if !started {
		if attempt.Status == AttemptSucceeded && attempt.ContributionID != "" {
			return l.store.GetContribution(ctx, attempt.ContributionID)
		}
		return nil, &ConcurrencyError{Resource: "payment attempt", Reason: "request already in progress"}
	}

	c, err := l.issue(ctx, g, userID, existing, now)
	if err != nil {
		attempt.Status = AttemptFailed
		attempt.Error = err.Error()
		attempt.UpdatedAt = l.now().UTC()
		if ferr := l.store.FinishAttempt(ctx, *attempt); ferr != nil {
			l.log.Error("record failed payment attempt", "key", key, "error", ferr)
		}
		return nil, err
	}

	attempt.Status = AttemptSucceeded
	attempt.ContributionID = c.ID
	attempt.Error = ""
	attempt.UpdatedAt = l.now().UTC()
	if err := l.store.FinishAttempt(ctx, *attempt); err != nil {
		l.log.Error("record payment attempt", "key", key, "error", err)
	}
	return c, nil
}

// issue obtains an invoice and persists it, either as a new row or over the
// expired row for the same tuple.
func (l *ContributionLedger) issue(ctx context.Context, g *Group, userID string, existing *Contribution, now time.Time) (*Contribution, error) {
	memo := fmt.Sprintf("%s - cycle %d", g.Name, g.CurrentCycle)
	inv, err := l.rail.CreateInvoice(ctx, g.ContributionAmount, memo)
	if err != nil {
		return nil, &ExternalServiceError{Op: "create_invoice", Err: err}
	}
	expiresAt := now.Add(l.invoiceExpiry)

	if existing != nil {
		applied, err := l.store.ReissueContribution(ctx, existing.ID, existing.ExternalPaymentID, inv.ExternalPaymentID, inv.PaymentRequest, expiresAt)
		if err != nil {
			return nil, err
		}
		if !applied {
			// Someone else re-issued or settled it first.
			return l.current(ctx, existing.ID)
		}
		c := *existing
		c.ExternalPaymentID = inv.ExternalPaymentID
		c.PaymentRequest = inv.PaymentRequest
		c.ExpiresAt = expiresAt
		c.Status = ContributionPending
		l.audit.Record(ctx, userID, AuditContributionReissued, "contribution", c.ID, contributionState(existing), contributionState(&c))
		return &c, nil
	}

	c := Contribution{
		ID:                uuid.NewString(),
		GroupID:           g.ID,
		UserID:            userID,
		CycleNumber:       g.CurrentCycle,
		Amount:            g.ContributionAmount,
		ExternalPaymentID: inv.ExternalPaymentID,
		PaymentRequest:    inv.PaymentRequest,
		Status:            ContributionPending,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
	}
	if err := l.store.CreateContribution(ctx, c); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		// A concurrent request with a different key created the row.
		winner, ferr := l.store.FindContribution(ctx, g.ID, userID, g.CurrentCycle)
		if ferr != nil {
			return nil, err
		}
		return l.current(ctx, winner.ID)
	}

	l.audit.Record(ctx, userID, AuditContributionCreated, "contribution", c.ID, nil, contributionState(&c))
	return &c, nil
}

// current re-reads a contribution after losing a race and reports a paid
// row as a conflict.
func (l *ContributionLedger) current(ctx context.Context, id string) (*Contribution, error) {
	c, err := l.store.GetContribution(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == ContributionPaid {
		return nil, &ConflictError{Resource: "contribution", Reason: fmt.Sprintf("already paid for cycle %d", c.CycleNumber)}
	}
	return c, nil
}

func defaultAttemptKey(groupID, userID string, cycle int, expired *Contribution) string {
	key := fmt.Sprintf("%s:%s:%d", groupID, userID, cycle)
	if expired != nil {
		key += ":" + expired.ExternalPaymentID
	}
	return key
}

// ListContributions returns the contributions of one cycle. cycle <= 0
// means the group's current cycle.
func (l *ContributionLedger) ListContributions(ctx context.Context, groupID string, cycle int) ([]Contribution, error) {
	g, err := l.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if cycle <= 0 {
		cycle = g.CurrentCycle
	}
	return l.store.ListContributions(ctx, groupID, cycle)
}

// ExpireStale moves pending contributions whose invoice has lapsed to
// expired. An expired contribution can only become pending again through a
// re-issued invoice.
func (l *ContributionLedger) ExpireStale(ctx context.Context) ([]Contribution, error) {
	expired, err := l.store.ExpireContributions(ctx, l.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("expire contributions: %w", err)
	}
	for i := range expired {
		c := expired[i]
		before := c
		before.Status = ContributionPending
		l.audit.Record(ctx, ActorSystem, AuditContributionExpired, "contribution", c.ID, contributionState(&before), contributionState(&c))
	}
	if len(expired) > 0 {
		l.log.Info("expired stale contributions", "count", len(expired))
	}
	return expired, nil
}
