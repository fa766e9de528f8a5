/*
store.go - Persistence contracts for groups, contributions, payouts and audit

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never issues raw reads-then-writes for state that can race: every
  transition that matters is a conditional write that reports whether it
  took effect.

KEY INTERFACES:
  GroupStore:        Groups and memberships (capacity-checked joins)
  ContributionStore: Per-cycle contributions, keyed by rail payment id
  PayoutStore:       Payouts and fee records; atomic cycle completion
  AttemptStore:      Idempotency records for invoice creation
  AuditLog:          Append-only audit trail
  Store:             All of the above

CONDITIONAL WRITES:
  MarkContributionPaid   UPDATE ... WHERE status = 'pending'
  SetCycleStatus         UPDATE ... WHERE current_cycle = ? AND cycle_status = ?
  TransitionPayout       UPDATE ... WHERE status = ?
  Each returns (applied bool, err). applied=false is not an error: another
  writer got there first and the caller treats it as a no-op.

ATOMIC OPERATIONS:
  CreateGroup:   group row + creator's admin membership
  AddMember:     active-count check + insert/reactivate
  CompleteCycle: payout insert + processing -> completed -> active(next)
  RecordPayoutSuccess: payout paid + fee record insert

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (WAL)
  - tontine/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - completion.go: relies on CompleteCycle's guard for exactly-once
  - settlement.go: relies on MarkContributionPaid for at-most-once
*/
package tontine

import (
	"context"
	"time"
)

// =============================================================================
// GROUPS & MEMBERS
// =============================================================================

type GroupStore interface {
	// CreateGroup persists the group and its creator's membership atomically.
	CreateGroup(ctx context.Context, g Group, creator Member) error

	// GetGroup returns a NotFoundError if the group does not exist.
	GetGroup(ctx context.Context, id string) (*Group, error)

	ListGroups(ctx context.Context) ([]Group, error)

	// SetCycleStatus moves the group from `from` to `to` only if it is still
	// on `cycle` with status `from`.
	SetCycleStatus(ctx context.Context, groupID string, cycle int, from, to CycleStatus) (bool, error)

	// AddMember inserts m, or reactivates a previously deactivated member.
	// Returns ConflictError if m is already active and CapacityError if the
	// group already has maxMembers active members. The check and the write
	// are atomic.
	AddMember(ctx context.Context, m Member, maxMembers int) (*Member, error)

	GetMember(ctx context.Context, groupID, userID string) (*Member, error)

	ListMembers(ctx context.Context, groupID string, activeOnly bool) ([]Member, error)

	// DeactivateMember soft-deletes a membership. Returns false if it was
	// already inactive.
	DeactivateMember(ctx context.Context, groupID, userID string) (bool, error)

	SetPayoutTarget(ctx context.Context, groupID, userID, target string) error

	CountActiveMembers(ctx context.Context, groupID string) (int, error)
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

type ContributionStore interface {
	// CreateContribution returns ConflictError when the (group, user, cycle)
	// tuple or the external payment id already exists.
	CreateContribution(ctx context.Context, c Contribution) error

	GetContribution(ctx context.Context, id string) (*Contribution, error)

	// FindContribution looks up the row for a (group, user, cycle) tuple.
	FindContribution(ctx context.Context, groupID, userID string, cycle int) (*Contribution, error)

	// GetContributionByPaymentID also resolves invoices that were superseded
	// by a re-issue. The returned row then carries a different
	// ExternalPaymentID than the one asked for.
	GetContributionByPaymentID(ctx context.Context, externalPaymentID string) (*Contribution, error)

	ListContributions(ctx context.Context, groupID string, cycle int) ([]Contribution, error)

	ListPendingContributions(ctx context.Context) ([]Contribution, error)

	// MarkContributionPaid is the pending -> paid transition. Only one caller
	// ever sees true for a given contribution.
	MarkContributionPaid(ctx context.Context, externalPaymentID string, paidAt time.Time) (bool, error)

	// ReissueContribution points a non-paid contribution at a fresh invoice
	// and resets it to pending. It only applies while the row still carries
	// oldExternalID, so two concurrent re-issues cannot both win. The old
	// id stays resolvable through GetContributionByPaymentID.
	ReissueContribution(ctx context.Context, id, oldExternalID, newExternalID, paymentRequest string, expiresAt time.Time) (bool, error)

	// ExpireContribution moves one pending contribution to expired.
	ExpireContribution(ctx context.Context, id string) (bool, error)

	// ExpireContributions moves pending contributions whose invoice lapsed
	// before now to expired and returns them.
	ExpireContributions(ctx context.Context, now time.Time) ([]Contribution, error)
}

// =============================================================================
// PAYOUTS & FEES
// =============================================================================

type PayoutStore interface {
	// CompleteCycle inserts p and advances the group from p.CycleNumber
	// (status processing) to p.CycleNumber+1 (status active) in one
	// transaction. Returns IntegrityError if the group is no longer on that
	// cycle or not processing, and ConflictError if a payout already exists.
	CompleteCycle(ctx context.Context, p Payout, nextCycleEndsAt time.Time) error

	GetPayout(ctx context.Context, id string) (*Payout, error)

	GetPayoutByCycle(ctx context.Context, groupID string, cycle int) (*Payout, error)

	ListPayouts(ctx context.Context, groupID string) ([]Payout, error)

	ListPayoutsByStatus(ctx context.Context, status PayoutStatus) ([]Payout, error)

	TransitionPayout(ctx context.Context, id string, from, to PayoutStatus) (bool, error)

	// RecordPayoutSuccess marks a processing payout paid and stores its fee
	// record atomically.
	RecordPayoutSuccess(ctx context.Context, id, externalPaymentID string, routingFee int64, fee FeeRecord) error

	// RecordPayoutFailure marks a processing payout failed. The row is kept.
	RecordPayoutFailure(ctx context.Context, id, reason string) error

	GetFeeRecord(ctx context.Context, payoutID string) (*FeeRecord, error)
}

// =============================================================================
// PAYMENT ATTEMPTS - Idempotent invoice creation
// =============================================================================

type AttemptStore interface {
	// BeginAttempt claims the idempotency key in a.
	//   - no record:                      insert pending, started=true
	//   - succeeded:                      return it, started=false
	//   - pending, updated after stale:   return it, started=false
	//   - failed, or pending and stale:   back to pending, Attempts+1, started=true
	BeginAttempt(ctx context.Context, a PaymentAttempt, staleBefore time.Time) (attempt *PaymentAttempt, started bool, err error)

	// FinishAttempt records the outcome (Status, Error, ContributionID, UpdatedAt).
	FinishAttempt(ctx context.Context, a PaymentAttempt) error

	GetAttempt(ctx context.Context, key string) (*PaymentAttempt, error)
}

// =============================================================================
// AUDIT LOG - Separate from state, tracks who did what when
// =============================================================================

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Actor      string
	Resource   string
	ResourceID string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
	Limit      int // 0 = no limit
}

// Matches reports whether e passes the filter. Shared by store implementations
// that filter in memory.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// STORE - Everything the engine persists
// =============================================================================

type Store interface {
	GroupStore
	ContributionStore
	PayoutStore
	AttemptStore
	AuditLog
}
