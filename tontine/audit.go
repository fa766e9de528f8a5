/*
audit.go - Append-only record of every state mutation

PURPOSE:
  Every operation that changes (or refuses to change) engine state leaves
  an AuditEntry: who, what, which resource, before and after. Payloads go
  through pkg/redact before they are written, so phone numbers, invoices
  and payout targets never land in the audit table.

FAILURE POLICY:
  The audit trail observes; it does not gate. A failed audit write is
  logged and counted (tontine_audit_write_failures_total) and the
  operation that produced it still succeeds.

SEE ALSO:
  - store.go: AuditLog, AuditFilter
  - pkg/redact: scrubbing rules
*/
package tontine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sunusav/tontine-engine/metrics"
	"github.com/sunusav/tontine-engine/pkg/redact"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	Actor      string // user id, or "system" / "payment_rail"
	Action     AuditAction
	Resource   string // "group", "member", "contribution", "payout"
	ResourceID string
	Before     map[string]any
	After      map[string]any
}

type AuditAction string

const (
	AuditGroupCreated         AuditAction = "group_created"
	AuditGroupCreateFailed    AuditAction = "group_create_failed"
	AuditMemberAdded          AuditAction = "member_added"
	AuditMemberAddFailed      AuditAction = "member_add_failed"
	AuditMemberRemoved        AuditAction = "member_removed"
	AuditMemberRemoveFailed   AuditAction = "member_remove_failed"
	AuditPayoutTargetSet      AuditAction = "payout_target_set"
	AuditContributionCreated  AuditAction = "contribution_created"
	AuditContributionReissued AuditAction = "contribution_reissued"
	AuditContributionExpired  AuditAction = "contribution_expired"
	AuditContributionSettled  AuditAction = "contribution_settled"
	AuditSettlementRejected   AuditAction = "settlement_rejected"
	AuditLateSettlement       AuditAction = "late_settlement"
	AuditCycleCompleted       AuditAction = "cycle_completed"
	AuditCycleFailed          AuditAction = "cycle_failed"
	AuditCycleResumed         AuditAction = "cycle_resumed"
	AuditPayoutPaid           AuditAction = "payout_paid"
	AuditPayoutFailed         AuditAction = "payout_failed"
	AuditPayoutRetried        AuditAction = "payout_retried"
)

// Well-known non-user actors.
const (
	ActorSystem      = "system"
	ActorPaymentRail = "payment_rail"
)

// AuditTrail redacts and appends audit entries.
type AuditTrail struct {
	log   AuditLog
	now   func() time.Time
	alert *slog.Logger
}

func NewAuditTrail(log AuditLog, now func() time.Time, logger *slog.Logger) *AuditTrail {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditTrail{log: log, now: now, alert: logger}
}

// Record appends one entry. It never returns an error to the caller.
func (a *AuditTrail) Record(ctx context.Context, actor string, action AuditAction, resource, resourceID string, before, after map[string]any) {
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  a.now().UTC(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Before:     redact.Map(before),
		After:      redact.Map(after),
	}
	// Detach from request cancellation: the entry must land even if the
	// client hung up.
	if err := a.log.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		metrics.AuditFailuresTotal.Inc()
		a.alert.Error("audit write failed",
			"action", action,
			"resource", resource,
			"resource_id", resourceID,
			"error", err,
		)
	}
}

// Query passes through to the underlying log.
func (a *AuditTrail) Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return a.log.QueryAudit(ctx, filter)
}

// Before/after snapshots. Keys match the JSON field names used by the API.

func groupState(g *Group) map[string]any {
	if g == nil {
		return nil
	}
	return map[string]any{
		"name":                g.Name,
		"contribution_amount": g.ContributionAmount,
		"cycle_length_days":   g.CycleLengthDays,
		"max_members":         g.MaxMembers,
		"current_cycle":       g.CurrentCycle,
		"cycle_status":        string(g.CycleStatus),
		"active":              g.Active,
	}
}

func memberState(m *Member) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"user_id":       m.UserID,
		"role":          string(m.Role),
		"is_active":     m.IsActive,
		"payout_target": m.PayoutTarget,
	}
}

func contributionState(c *Contribution) map[string]any {
	if c == nil {
		return nil
	}
	return map[string]any{
		"user_id":             c.UserID,
		"cycle_number":        c.CycleNumber,
		"amount":              c.Amount,
		"external_payment_id": c.ExternalPaymentID,
		"status":              string(c.Status),
	}
}

func payoutState(p *Payout) map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"cycle_number":        p.CycleNumber,
		"winner_user_id":      p.WinnerUserID,
		"amount":              p.Amount,
		"status":              string(p.Status),
		"external_payment_id": p.ExternalPaymentID,
		"error":               p.Error,
	}
}
