// Package store provides in-process Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sunusav/tontine-engine/tontine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements tontine.Store. One mutex guards everything, which makes
// every method trivially atomic. Values are copied in and out.
type Memory struct {
	mu            sync.RWMutex
	groups        map[string]tontine.Group
	members       map[memberKey]tontine.Member
	contributions map[string]tontine.Contribution // by id
	byPaymentID   map[string]string               // external id (current or superseded) -> contribution id
	byTuple       map[tupleKey]string             // (group, user, cycle) -> contribution id
	payouts       map[string]tontine.Payout
	payoutByCycle map[cycleKey]string
	fees          map[string]tontine.FeeRecord
	attempts      map[string]tontine.PaymentAttempt
	audit         []tontine.AuditEntry
}

type memberKey struct {
	GroupID string
	UserID  string
}

type tupleKey struct {
	GroupID string
	UserID  string
	Cycle   int
}

type cycleKey struct {
	GroupID string
	Cycle   int
}

var _ tontine.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		groups:        make(map[string]tontine.Group),
		members:       make(map[memberKey]tontine.Member),
		contributions: make(map[string]tontine.Contribution),
		byPaymentID:   make(map[string]string),
		byTuple:       make(map[tupleKey]string),
		payouts:       make(map[string]tontine.Payout),
		payoutByCycle: make(map[cycleKey]string),
		fees:          make(map[string]tontine.FeeRecord),
		attempts:      make(map[string]tontine.PaymentAttempt),
	}
}

// =============================================================================
// GROUPS & MEMBERS
// =============================================================================

func (m *Memory) CreateGroup(_ context.Context, g tontine.Group, creator tontine.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[g.ID]; ok {
		return &tontine.ConflictError{Resource: "group", Reason: "id already exists"}
	}
	m.groups[g.ID] = g
	m.members[memberKey{creator.GroupID, creator.UserID}] = creator
	return nil
}

func (m *Memory) GetGroup(_ context.Context, id string) (*tontine.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "group", ID: id}
	}
	return &g, nil
}

func (m *Memory) ListGroups(_ context.Context) ([]tontine.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]tontine.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SetCycleStatus(_ context.Context, groupID string, cycle int, from, to tontine.CycleStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false, &tontine.NotFoundError{Resource: "group", ID: groupID}
	}
	if g.CurrentCycle != cycle || g.CycleStatus != from {
		return false, nil
	}
	g.CycleStatus = to
	m.groups[groupID] = g
	return true, nil
}

func (m *Memory) AddMember(_ context.Context, mem tontine.Member, maxMembers int) (*tontine.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memberKey{mem.GroupID, mem.UserID}
	existing, exists := m.members[k]
	if exists && existing.IsActive {
		return nil, &tontine.ConflictError{Resource: "member", Reason: "user is already a member"}
	}
	if m.countActiveLocked(mem.GroupID) >= maxMembers {
		return nil, &tontine.CapacityError{GroupID: mem.GroupID, MaxMembers: maxMembers}
	}

	if exists {
		existing.IsActive = true
		if mem.PayoutTarget != "" {
			existing.PayoutTarget = mem.PayoutTarget
		}
		m.members[k] = existing
		return &existing, nil
	}
	mem.IsActive = true
	m.members[k] = mem
	return &mem, nil
}

func (m *Memory) GetMember(_ context.Context, groupID, userID string) (*tontine.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[memberKey{groupID, userID}]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "member", ID: userID}
	}
	return &mem, nil
}

func (m *Memory) ListMembers(_ context.Context, groupID string, activeOnly bool) ([]tontine.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tontine.Member
	for k, mem := range m.members {
		if k.GroupID != groupID || (activeOnly && !mem.IsActive) {
			continue
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *Memory) DeactivateMember(_ context.Context, groupID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memberKey{groupID, userID}
	mem, ok := m.members[k]
	if !ok {
		return false, &tontine.NotFoundError{Resource: "member", ID: userID}
	}
	if !mem.IsActive {
		return false, nil
	}
	mem.IsActive = false
	m.members[k] = mem
	return true, nil
}

func (m *Memory) SetPayoutTarget(_ context.Context, groupID, userID, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memberKey{groupID, userID}
	mem, ok := m.members[k]
	if !ok {
		return &tontine.NotFoundError{Resource: "member", ID: userID}
	}
	mem.PayoutTarget = target
	m.members[k] = mem
	return nil
}

func (m *Memory) CountActiveMembers(_ context.Context, groupID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveLocked(groupID), nil
}

func (m *Memory) countActiveLocked(groupID string) int {
	n := 0
	for k, mem := range m.members {
		if k.GroupID == groupID && mem.IsActive {
			n++
		}
	}
	return n
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func (m *Memory) CreateContribution(_ context.Context, c tontine.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tk := tupleKey{c.GroupID, c.UserID, c.CycleNumber}
	if _, ok := m.byTuple[tk]; ok {
		return &tontine.ConflictError{Resource: "contribution", Reason: "already exists for this cycle"}
	}
	if _, ok := m.byPaymentID[c.ExternalPaymentID]; ok {
		return &tontine.ConflictError{Resource: "contribution", Reason: "external payment id already used"}
	}
	m.contributions[c.ID] = c
	m.byTuple[tk] = c.ID
	m.byPaymentID[c.ExternalPaymentID] = c.ID
	return nil
}

func (m *Memory) GetContribution(_ context.Context, id string) (*tontine.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contributions[id]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "contribution", ID: id}
	}
	return &c, nil
}

func (m *Memory) FindContribution(_ context.Context, groupID, userID string, cycle int) (*tontine.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTuple[tupleKey{groupID, userID, cycle}]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "contribution", ID: groupID + "/" + userID}
	}
	c := m.contributions[id]
	return &c, nil
}

func (m *Memory) GetContributionByPaymentID(_ context.Context, externalPaymentID string) (*tontine.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPaymentID[externalPaymentID]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "contribution", ID: externalPaymentID}
	}
	c := m.contributions[id]
	return &c, nil
}

func (m *Memory) ListContributions(_ context.Context, groupID string, cycle int) ([]tontine.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tontine.Contribution
	for _, c := range m.contributions {
		if c.GroupID == groupID && c.CycleNumber == cycle {
			out = append(out, c)
		}
	}
	sortContributions(out)
	return out, nil
}

func (m *Memory) ListPendingContributions(_ context.Context) ([]tontine.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tontine.Contribution
	for _, c := range m.contributions {
		if c.Status == tontine.ContributionPending {
			out = append(out, c)
		}
	}
	sortContributions(out)
	return out, nil
}

func (m *Memory) MarkContributionPaid(_ context.Context, externalPaymentID string, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPaymentID[externalPaymentID]
	if !ok {
		return false, nil
	}
	c := m.contributions[id]
	if c.ExternalPaymentID != externalPaymentID || c.Status != tontine.ContributionPending {
		return false, nil
	}
	c.Status = tontine.ContributionPaid
	c.PaidAt = &paidAt
	m.contributions[id] = c
	return true, nil
}

func (m *Memory) ReissueContribution(_ context.Context, id, oldExternalID, newExternalID, paymentRequest string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contributions[id]
	if !ok || c.ExternalPaymentID != oldExternalID || c.Status == tontine.ContributionPaid {
		return false, nil
	}
	if _, taken := m.byPaymentID[newExternalID]; taken {
		return false, &tontine.ConflictError{Resource: "contribution", Reason: "external payment id already used"}
	}
	c.ExternalPaymentID = newExternalID
	c.PaymentRequest = paymentRequest
	c.ExpiresAt = expiresAt
	c.Status = tontine.ContributionPending
	m.contributions[id] = c
	m.byPaymentID[newExternalID] = id
	return true, nil
}

func (m *Memory) ExpireContribution(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contributions[id]
	if !ok || c.Status != tontine.ContributionPending {
		return false, nil
	}
	c.Status = tontine.ContributionExpired
	m.contributions[id] = c
	return true, nil
}

func (m *Memory) ExpireContributions(_ context.Context, now time.Time) ([]tontine.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []tontine.Contribution
	for id, c := range m.contributions {
		if c.Status == tontine.ContributionPending && !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now) {
			c.Status = tontine.ContributionExpired
			m.contributions[id] = c
			out = append(out, c)
		}
	}
	sortContributions(out)
	return out, nil
}

func sortContributions(cs []tontine.Contribution) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// =============================================================================
// PAYOUTS & FEES
// =============================================================================

func (m *Memory) CompleteCycle(_ context.Context, p tontine.Payout, nextCycleEndsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ck := cycleKey{p.GroupID, p.CycleNumber}
	if _, ok := m.payoutByCycle[ck]; ok {
		return &tontine.ConflictError{Resource: "payout", Reason: "cycle already has a payout"}
	}
	g, ok := m.groups[p.GroupID]
	if !ok {
		return &tontine.NotFoundError{Resource: "group", ID: p.GroupID}
	}
	if g.CurrentCycle != p.CycleNumber || g.CycleStatus != tontine.CycleProcessing {
		return &tontine.IntegrityError{
			Invariant: "cycle_advance",
			Detail:    "group is not processing the payout's cycle",
		}
	}

	m.payouts[p.ID] = p
	m.payoutByCycle[ck] = p.ID
	g.CurrentCycle++
	g.CycleStatus = tontine.CycleActive
	g.CycleEndsAt = nextCycleEndsAt
	m.groups[g.ID] = g
	return nil
}

func (m *Memory) GetPayout(_ context.Context, id string) (*tontine.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "payout", ID: id}
	}
	return &p, nil
}

func (m *Memory) GetPayoutByCycle(_ context.Context, groupID string, cycle int) (*tontine.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.payoutByCycle[cycleKey{groupID, cycle}]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "payout", ID: groupID}
	}
	p := m.payouts[id]
	return &p, nil
}

func (m *Memory) ListPayouts(_ context.Context, groupID string) ([]tontine.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tontine.Payout
	for _, p := range m.payouts {
		if p.GroupID == groupID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, nil
}

func (m *Memory) ListPayoutsByStatus(_ context.Context, status tontine.PayoutStatus) ([]tontine.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tontine.Payout
	for _, p := range m.payouts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) TransitionPayout(_ context.Context, id string, from, to tontine.PayoutStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return false, &tontine.NotFoundError{Resource: "payout", ID: id}
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	if to == tontine.PayoutPending {
		p.Error = ""
	}
	m.payouts[id] = p
	return true, nil
}

func (m *Memory) RecordPayoutSuccess(_ context.Context, id, externalPaymentID string, routingFee int64, fee tontine.FeeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return &tontine.NotFoundError{Resource: "payout", ID: id}
	}
	if p.Status != tontine.PayoutProcessing {
		return &tontine.ConflictError{Resource: "payout", Reason: "not processing"}
	}
	if _, ok := m.fees[id]; ok {
		return &tontine.ConflictError{Resource: "fee_record", Reason: "already recorded"}
	}
	p.Status = tontine.PayoutPaid
	p.ExternalPaymentID = externalPaymentID
	p.RoutingFee = routingFee
	p.Error = ""
	p.UpdatedAt = time.Now().UTC()
	m.payouts[id] = p
	m.fees[id] = fee
	return nil
}

func (m *Memory) RecordPayoutFailure(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return &tontine.NotFoundError{Resource: "payout", ID: id}
	}
	if p.Status != tontine.PayoutProcessing {
		return &tontine.ConflictError{Resource: "payout", Reason: "not processing"}
	}
	p.Status = tontine.PayoutFailed
	p.Error = reason
	p.UpdatedAt = time.Now().UTC()
	m.payouts[id] = p
	return nil
}

func (m *Memory) GetFeeRecord(_ context.Context, payoutID string) (*tontine.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.fees[payoutID]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "fee_record", ID: payoutID}
	}
	return &f, nil
}

// =============================================================================
// PAYMENT ATTEMPTS
// =============================================================================

func (m *Memory) BeginAttempt(_ context.Context, a tontine.PaymentAttempt, staleBefore time.Time) (*tontine.PaymentAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.attempts[a.IdempotencyKey]
	if !ok {
		a.Status = tontine.AttemptPending
		a.Attempts = 1
		m.attempts[a.IdempotencyKey] = a
		return &a, true, nil
	}

	switch {
	case existing.Status == tontine.AttemptSucceeded:
		return &existing, false, nil
	case existing.Status == tontine.AttemptPending && existing.UpdatedAt.After(staleBefore):
		return &existing, false, nil
	}

	existing.Status = tontine.AttemptPending
	existing.Attempts++
	existing.Error = ""
	existing.UpdatedAt = a.UpdatedAt
	m.attempts[a.IdempotencyKey] = existing
	return &existing, true, nil
}

func (m *Memory) FinishAttempt(_ context.Context, a tontine.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.attempts[a.IdempotencyKey]
	if !ok {
		return &tontine.NotFoundError{Resource: "payment_attempt", ID: a.IdempotencyKey}
	}
	existing.Status = a.Status
	existing.Error = a.Error
	existing.ContributionID = a.ContributionID
	existing.UpdatedAt = a.UpdatedAt
	m.attempts[a.IdempotencyKey] = existing
	return nil
}

func (m *Memory) GetAttempt(_ context.Context, key string) (*tontine.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.attempts[key]
	if !ok {
		return nil, &tontine.NotFoundError{Resource: "payment_attempt", ID: key}
	}
	return &a, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry tontine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter tontine.AuditFilter) ([]tontine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tontine.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			out = append(out, e)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// AuditCount returns the number of entries whose action starts with prefix
// ("" counts all).
func (m *Memory) AuditCount(prefix string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.audit {
		if strings.HasPrefix(string(e.Action), prefix) {
			n++
		}
	}
	return n
}
