/*
Package tontine provides the cycle and settlement engine for rotating savings groups.

PURPOSE:
  A tontine is a fixed cohort that contributes an equal amount every cycle.
  Once everyone has paid, one member receives the whole pot. This package
  tracks contributions, ingests payment-rail settlements, completes cycles
  exactly once, and drives the payout to the selected winner.

KEY CONCEPTS IN THIS FILE (types.go):
  - Group: the cohort, its cycle counter and cycle state machine
  - Member: a (group, user) pair, soft-deactivated, never deleted
  - Contribution: one member's obligation for one cycle
  - Payout: the pooled amount owed to a cycle's winner
  - FeeRecord: how the platform fee on a payout was split

MONEY:
  All amounts are int64 satoshis. Only rates are decimals (see fees.go).

STATE MACHINES:
  Group.CycleStatus:    active -> processing -> completed -> active (next cycle)
                                             \-> failed (manual resume)
  Contribution.Status:  pending -> paid (once, never reverted)
                        pending -> expired -> pending (re-issued invoice)
  Payout.Status:        pending -> processing -> paid | failed
                        failed  -> pending (manual retry only)

SEE ALSO:
  - store.go: persistence contracts
  - completion.go: the cycle state machine
  - settlement.go: pending -> paid transition
*/
package tontine

import "time"

// =============================================================================
// IDENTIFIERS & ENUMS
// =============================================================================

type CycleStatus string

const (
	CycleActive     CycleStatus = "active"
	CycleProcessing CycleStatus = "processing"
	CycleCompleted  CycleStatus = "completed"
	CycleFailed     CycleStatus = "failed"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type ContributionStatus string

const (
	ContributionPending ContributionStatus = "pending"
	ContributionPaid    ContributionStatus = "paid"
	ContributionExpired ContributionStatus = "expired"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
)

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// =============================================================================
// GROUP & MEMBERSHIP
// =============================================================================

// Group is a tontine cohort.
// CurrentCycle and CycleStatus are only ever changed by the completion engine
// (and by ResumeCycle for failed cycles).
type Group struct {
	ID                 string
	Name               string
	ContributionAmount int64 // sats per member per cycle
	CycleLengthDays    int
	MaxMembers         int
	CurrentCycle       int
	CycleStatus        CycleStatus
	CycleEndsAt        time.Time
	Active             bool
	Verified           bool // verified groups get the discounted fee rate
	CreatedBy          string
	CreatedAt          time.Time
}

// CycleLength returns the cycle duration.
func (g Group) CycleLength() time.Duration {
	return time.Duration(g.CycleLengthDays) * 24 * time.Hour
}

// Member links a user to a group.
type Member struct {
	GroupID      string
	UserID       string
	Role         Role
	IsActive     bool
	PayoutTarget string // Lightning destination (invoice/address) for winnings
	JoinedAt     time.Time
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

// Contribution is one member's payment for one cycle.
// ExternalPaymentID is issued by the payment rail and is globally unique.
type Contribution struct {
	ID                string
	GroupID           string
	UserID            string
	CycleNumber       int
	Amount            int64
	ExternalPaymentID string
	PaymentRequest    string
	Status            ContributionStatus
	ExpiresAt         time.Time
	PaidAt            *time.Time
	CreatedAt         time.Time
}

// IsExpiredAt reports whether the invoice behind a pending contribution has lapsed.
func (c Contribution) IsExpiredAt(now time.Time) bool {
	return c.Status == ContributionExpired ||
		(c.Status == ContributionPending && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt))
}

// PaymentAttempt deduplicates invoice creation for one logical client request.
type PaymentAttempt struct {
	IdempotencyKey string
	GroupID        string
	UserID         string
	CycleNumber    int
	Status         AttemptStatus
	Attempts       int
	Error          string
	ContributionID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// PAYOUTS & FEES
// =============================================================================

// Payout is created exactly once per (group, cycle).
// A failed payout is never deleted: the amount stays owed to the winner.
type Payout struct {
	ID                string
	GroupID           string
	CycleNumber       int
	WinnerUserID      string
	Amount            int64
	Status            PayoutStatus
	ExternalPaymentID string
	RoutingFee        int64
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FeeRecord persists the fee split computed for a paid payout.
type FeeRecord struct {
	PayoutID       string
	TotalAmount    int64
	PlatformFee    int64
	PartnerFee     int64
	CommunityFee   int64
	NetPlatformFee int64
	PlatformRate   string // decimal string, e.g. "0.01"
	CreatedAt      time.Time
}
