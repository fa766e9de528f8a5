/*
registry.go - Group and membership lifecycle

PURPOSE:
  Creates groups and manages who belongs to them. The registry feeds the
  engine two numbers that matter: the active member count (the completion
  threshold) and the group's capacity.

RULES:
  - The creator becomes the group's admin in the same write as the group.
  - A group never has more than MaxMembers active members.
  - Members are soft-deactivated, never deleted, so past contributions keep
    their attribution. A deactivated member may rejoin; capacity applies.
  - Every call leaves exactly one audit entry, success or failure.

SEE ALSO:
  - completion.go: consumes the active member count
  - store.go: GroupStore.AddMember does the atomic capacity check
*/
package tontine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation bounds for new groups.
const (
	MaxGroupNameLength = 100
	MinCycleLengthDays = 1
	MaxCycleLengthDays = 365
	MinGroupMembers    = 2
	MaxGroupMembers    = 100
)

// CreateGroupParams are the caller-supplied fields of a new group.
type CreateGroupParams struct {
	Name               string
	ContributionAmount int64
	CycleLengthDays    int
	MaxMembers         int
	Verified           bool
	PayoutTarget       string // creator's payout destination, optional
}

// Validate rejects parameters the engine cannot run a cycle with.
func (p CreateGroupParams) Validate() error {
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		return invalid("name", "required")
	case len(name) > MaxGroupNameLength:
		return invalid("name", "too long")
	case p.ContributionAmount <= 0:
		return invalid("contribution_amount", "must be positive")
	case p.CycleLengthDays < MinCycleLengthDays || p.CycleLengthDays > MaxCycleLengthDays:
		return invalid("cycle_length_days", "must be between 1 and 365")
	case p.MaxMembers < MinGroupMembers || p.MaxMembers > MaxGroupMembers:
		return invalid("max_members", "must be between 2 and 100")
	}
	return nil
}

// Registry implements group and membership operations.
type Registry struct {
	store  Store
	locker Locker
	audit  *AuditTrail
	now    func() time.Time
	log    *slog.Logger

	lockTimeout time.Duration
}

func NewRegistry(store Store, locker Locker, audit *AuditTrail, now func() time.Time, logger *slog.Logger, lockTimeout time.Duration) *Registry {
	return &Registry{
		store:       store,
		locker:      locker,
		audit:       audit,
		now:         now,
		log:         logger,
		lockTimeout: lockTimeout,
	}
}

// =============================================================================
// GROUPS
// =============================================================================

// CreateGroup creates a group on cycle 1 with creatorID as its admin.
func (r *Registry) CreateGroup(ctx context.Context, p CreateGroupParams, creatorID string) (*Group, error) {
	g, err := r.createGroup(ctx, p, creatorID)
	if err != nil {
		r.audit.Record(ctx, creatorID, AuditGroupCreateFailed, "group", "", nil, map[string]any{
			"name":  p.Name,
			"error": err.Error(),
		})
		return nil, err
	}

	r.audit.Record(ctx, creatorID, AuditGroupCreated, "group", g.ID, nil, groupState(g))
	r.log.Info("group created", "group_id", g.ID, "max_members", g.MaxMembers, "contribution_amount", g.ContributionAmount)
	return g, nil
}

func (r *Registry) createGroup(ctx context.Context, p CreateGroupParams, creatorID string) (*Group, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, invalid("creator_id", "required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	g := Group{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(p.Name),
		ContributionAmount: p.ContributionAmount,
		CycleLengthDays:    p.CycleLengthDays,
		MaxMembers:         p.MaxMembers,
		CurrentCycle:       1,
		CycleStatus:        CycleActive,
		Active:             true,
		Verified:           p.Verified,
		CreatedBy:          creatorID,
		CreatedAt:          now,
	}
	g.CycleEndsAt = now.Add(g.CycleLength())

	admin := Member{
		GroupID:      g.ID,
		UserID:       creatorID,
		Role:         RoleAdmin,
		IsActive:     true,
		PayoutTarget: p.PayoutTarget,
		JoinedAt:     now,
	}
	if err := r.store.CreateGroup(ctx, g, admin); err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Registry) GetGroup(ctx context.Context, id string) (*Group, error) {
	return r.store.GetGroup(ctx, id)
}

func (r *Registry) ListGroups(ctx context.Context) ([]Group, error) {
	return r.store.ListGroups(ctx)
}

// activeGroup returns the group, or NotFoundError if it is missing or inactive.
func (r *Registry) activeGroup(ctx context.Context, id string) (*Group, error) {
	g, err := r.store.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !g.Active {
		return nil, notFound("group", id)
	}
	return g, nil
}

// =============================================================================
// MEMBERS
// =============================================================================

// AddMember joins userID to the group as a regular member.
func (r *Registry) AddMember(ctx context.Context, groupID, userID, payoutTarget string) (*Member, error) {
	m, err := r.addMember(ctx, groupID, userID, payoutTarget)
	if err != nil {
		r.audit.Record(ctx, userID, AuditMemberAddFailed, "member", groupID+"/"+userID, nil, map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	r.audit.Record(ctx, userID, AuditMemberAdded, "member", groupID+"/"+userID, nil, memberState(m))
	return m, nil
}

func (r *Registry) addMember(ctx context.Context, groupID, userID, payoutTarget string) (*Member, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "required")
	}
	g, err := r.activeGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	return r.store.AddMember(ctx, Member{
		GroupID:      groupID,
		UserID:       userID,
		Role:         RoleMember,
		IsActive:     true,
		PayoutTarget: payoutTarget,
		JoinedAt:     r.now().UTC(),
	}, g.MaxMembers)
}

// RemoveMember soft-deactivates a member. It runs under the group lock so
// that the member's open contribution is expired before any completion
// check can see the smaller member count. The caller re-runs completion
// afterwards.
func (r *Registry) RemoveMember(ctx context.Context, groupID, userID, actor string) error {
	err := r.removeMember(ctx, groupID, userID)
	if err != nil {
		r.audit.Record(ctx, actor, AuditMemberRemoveFailed, "member", groupID+"/"+userID, nil, map[string]any{
			"error": err.Error(),
		})
		return err
	}
	r.audit.Record(ctx, actor, AuditMemberRemoved, "member", groupID+"/"+userID,
		map[string]any{"is_active": true}, map[string]any{"is_active": false})
	return nil
}

func (r *Registry) removeMember(ctx context.Context, groupID, userID string) error {
	if _, err := r.store.GetGroup(ctx, groupID); err != nil {
		return err
	}

	lctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	unlock, err := r.locker.Lock(lctx, groupID)
	if err != nil {
		return err
	}
	defer unlock()

	g, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}

	m, err := r.store.GetMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !m.IsActive {
		return notFound("member", userID)
	}

	c, err := r.store.FindContribution(ctx, groupID, userID, g.CurrentCycle)
	switch {
	case err == nil && c.Status == ContributionPending:
		if _, err := r.store.ExpireContribution(ctx, c.ID); err != nil {
			return err
		}
	case err != nil && !IsNotFound(err):
		return err
	}

	if _, err := r.store.DeactivateMember(ctx, groupID, userID); err != nil {
		return err
	}
	return nil
}

// SetPayoutTarget registers where a member's winnings are sent.
func (r *Registry) SetPayoutTarget(ctx context.Context, groupID, userID, target string) error {
	if strings.TrimSpace(target) == "" {
		return invalid("payout_target", "required")
	}
	before, err := r.store.GetMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if err := r.store.SetPayoutTarget(ctx, groupID, userID, target); err != nil {
		return err
	}
	after := *before
	after.PayoutTarget = target
	r.audit.Record(ctx, userID, AuditPayoutTargetSet, "member", groupID+"/"+userID, memberState(before), memberState(&after))
	return nil
}

func (r *Registry) GetMember(ctx context.Context, groupID, userID string) (*Member, error) {
	return r.store.GetMember(ctx, groupID, userID)
}

func (r *Registry) ListMembers(ctx context.Context, groupID string) ([]Member, error) {
	if _, err := r.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return r.store.ListMembers(ctx, groupID, false)
}
