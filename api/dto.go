/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API, decoupled from the tontine domain types so
  fields can be renamed internally without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Compound response wrappers

AMOUNTS:
  All amounts are integer satoshis. Timestamps are RFC 3339 UTC.

SEE ALSO:
  - handlers.go, webhook.go: Use these types
*/
package api

import (
	"time"

	"github.com/sunusav/tontine-engine/tontine"
)

// =============================================================================
// GROUPS & MEMBERS
// =============================================================================

type CreateGroupRequest struct {
	Name               string `json:"name"`
	ContributionAmount int64  `json:"contribution_amount"`
	CycleLengthDays    int    `json:"cycle_length_days"`
	MaxMembers         int    `json:"max_members"`
	Verified           bool   `json:"verified,omitempty"`
	PayoutTarget       string `json:"payout_target,omitempty"`
}

type GroupDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ContributionAmount int64  `json:"contribution_amount"`
	CycleLengthDays    int    `json:"cycle_length_days"`
	MaxMembers         int    `json:"max_members"`
	CurrentCycle       int    `json:"current_cycle"`
	CycleStatus        string `json:"cycle_status"`
	CycleEndsAt        string `json:"cycle_ends_at"`
	Active             bool   `json:"active"`
	Verified           bool   `json:"verified"`
	CreatedBy          string `json:"created_by"`
	CreatedAt          string `json:"created_at"`
}

// JoinGroupRequest joins the caller. Admins may name another user.
type JoinGroupRequest struct {
	UserID       string `json:"user_id,omitempty"`
	PayoutTarget string `json:"payout_target,omitempty"`
}

type SetPayoutTargetRequest struct {
	PayoutTarget string `json:"payout_target"`
}

type MemberDTO struct {
	GroupID         string `json:"group_id"`
	UserID          string `json:"user_id"`
	Role            string `json:"role"`
	IsActive        bool   `json:"is_active"`
	HasPayoutTarget bool   `json:"has_payout_target"`
	JoinedAt        string `json:"joined_at"`
}

type RemoveMemberResponse struct {
	Removed bool       `json:"removed"`
	Payout  *PayoutDTO `json:"payout,omitempty"` // set when the removal completed the cycle
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

type ContributionDTO struct {
	ID                string  `json:"id"`
	GroupID           string  `json:"group_id"`
	UserID            string  `json:"user_id"`
	CycleNumber       int     `json:"cycle_number"`
	Amount            int64   `json:"amount"`
	ExternalPaymentID string  `json:"external_payment_id"`
	PaymentRequest    string  `json:"payment_request,omitempty"`
	Status            string  `json:"status"`
	ExpiresAt         string  `json:"expires_at"`
	PaidAt            *string `json:"paid_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// =============================================================================
// SETTLEMENT WEBHOOK
// =============================================================================

// SettlementNotificationRequest is the payment rail's webhook body.
type SettlementNotificationRequest struct {
	ExternalPaymentID string `json:"external_payment_id"`
	Settled           bool   `json:"settled"`
	Amount            int64  `json:"amount"`
}

type SettlementResponse struct {
	Outcome        string     `json:"outcome"`
	ContributionID string     `json:"contribution_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Payout         *PayoutDTO `json:"payout,omitempty"`
}

// =============================================================================
// PAYOUTS
// =============================================================================

type PayoutDTO struct {
	ID                string `json:"id"`
	GroupID           string `json:"group_id"`
	CycleNumber       int    `json:"cycle_number"`
	WinnerUserID      string `json:"winner_user_id"`
	Amount            int64  `json:"amount"`
	Status            string `json:"status"`
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
	RoutingFee        int64  `json:"routing_fee"`
	Error             string `json:"error,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

// =============================================================================
// ADMIN
// =============================================================================

type ResumeCycleResponse struct {
	Group  GroupDTO   `json:"group"`
	Payout *PayoutDTO `json:"payout,omitempty"`
}

type AuditEntryDTO struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

type SweepResponse struct {
	Expired         int `json:"expired"`
	Reconciled      int `json:"reconciled"`
	Flagged         int `json:"flagged"`
	CyclesCompleted int `json:"cycles_completed"`
	PayoutsResumed  int `json:"payouts_resumed"`
	Errors          int `json:"errors"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toGroupDTO(g *tontine.Group) GroupDTO {
	return GroupDTO{
		ID:                 g.ID,
		Name:               g.Name,
		ContributionAmount: g.ContributionAmount,
		CycleLengthDays:    g.CycleLengthDays,
		MaxMembers:         g.MaxMembers,
		CurrentCycle:       g.CurrentCycle,
		CycleStatus:        string(g.CycleStatus),
		CycleEndsAt:        formatTime(g.CycleEndsAt),
		Active:             g.Active,
		Verified:           g.Verified,
		CreatedBy:          g.CreatedBy,
		CreatedAt:          formatTime(g.CreatedAt),
	}
}

// toMemberDTO never exposes the payout target itself; it is a payment
// destination and only its presence matters to other members.
func toMemberDTO(m *tontine.Member) MemberDTO {
	return MemberDTO{
		GroupID:         m.GroupID,
		UserID:          m.UserID,
		Role:            string(m.Role),
		IsActive:        m.IsActive,
		HasPayoutTarget: m.PayoutTarget != "",
		JoinedAt:        formatTime(m.JoinedAt),
	}
}

func toContributionDTO(c *tontine.Contribution) ContributionDTO {
	dto := ContributionDTO{
		ID:                c.ID,
		GroupID:           c.GroupID,
		UserID:            c.UserID,
		CycleNumber:       c.CycleNumber,
		Amount:            c.Amount,
		ExternalPaymentID: c.ExternalPaymentID,
		PaymentRequest:    c.PaymentRequest,
		Status:            string(c.Status),
		ExpiresAt:         formatTime(c.ExpiresAt),
		CreatedAt:         formatTime(c.CreatedAt),
	}
	if c.PaidAt != nil {
		s := formatTime(*c.PaidAt)
		dto.PaidAt = &s
	}
	return dto
}

func toPayoutDTO(p *tontine.Payout) *PayoutDTO {
	if p == nil {
		return nil
	}
	return &PayoutDTO{
		ID:                p.ID,
		GroupID:           p.GroupID,
		CycleNumber:       p.CycleNumber,
		WinnerUserID:      p.WinnerUserID,
		Amount:            p.Amount,
		Status:            string(p.Status),
		ExternalPaymentID: p.ExternalPaymentID,
		RoutingFee:        p.RoutingFee,
		Error:             p.Error,
		CreatedAt:         formatTime(p.CreatedAt),
		UpdatedAt:         formatTime(p.UpdatedAt),
	}
}

func toAuditEntryDTO(e tontine.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:      e.Actor,
		Action:     string(e.Action),
		Resource:   e.Resource,
		ResourceID: e.ResourceID,
		Before:     e.Before,
		After:      e.After,
	}
}
