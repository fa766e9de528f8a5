package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunusav/tontine-engine/store/sqlite"
	"github.com/sunusav/tontine-engine/tontine"
	"github.com/sunusav/tontine-engine/tontine/store"
)

// Every test runs against both implementations; they must agree.
func forEachStore(t *testing.T, fn func(t *testing.T, s tontine.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

var t0 = time.Date(2026, time.January, 5, 8, 30, 0, 0, time.UTC)

func seedGroup(t *testing.T, s tontine.Store, id string, maxMembers int) tontine.Group {
	t.Helper()
	g := tontine.Group{
		ID:                 id,
		Name:               "group " + id,
		ContributionAmount: 1000,
		CycleLengthDays:    7,
		MaxMembers:         maxMembers,
		CurrentCycle:       1,
		CycleStatus:        tontine.CycleActive,
		CycleEndsAt:        t0.Add(7 * 24 * time.Hour),
		Active:             true,
		CreatedBy:          "admin",
		CreatedAt:          t0,
	}
	require.NoError(t, s.CreateGroup(context.Background(), g, tontine.Member{
		GroupID: id, UserID: "admin", Role: tontine.RoleAdmin, IsActive: true, JoinedAt: t0,
	}))
	return g
}

func contribution(groupID, userID string, cycle int, ext string) tontine.Contribution {
	return tontine.Contribution{
		ID:                fmt.Sprintf("c-%s-%s-%d", groupID, userID, cycle),
		GroupID:           groupID,
		UserID:            userID,
		CycleNumber:       cycle,
		Amount:            1000,
		ExternalPaymentID: ext,
		PaymentRequest:    "lnbc-" + ext,
		Status:            tontine.ContributionPending,
		ExpiresAt:         t0.Add(time.Hour),
		CreatedAt:         t0,
	}
}

// =============================================================================
// GROUPS & MEMBERS
// =============================================================================

func TestStore_GroupRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		want := seedGroup(t, s, "g1", 5)

		got, err := s.GetGroup(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, want, *got)

		admin, err := s.GetMember(ctx, "g1", "admin")
		require.NoError(t, err)
		assert.Equal(t, tontine.RoleAdmin, admin.Role)
		assert.True(t, admin.IsActive)

		_, err = s.GetGroup(ctx, "missing")
		assert.True(t, tontine.IsNotFound(err))
	})
}

func TestStore_SetCycleStatusIsConditional(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 5)

		ok, err := s.SetCycleStatus(ctx, "g1", 1, tontine.CycleActive, tontine.CycleProcessing)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetCycleStatus(ctx, "g1", 1, tontine.CycleActive, tontine.CycleProcessing)
		require.NoError(t, err)
		assert.False(t, ok, "second transition from active must lose")

		ok, err = s.SetCycleStatus(ctx, "g1", 2, tontine.CycleProcessing, tontine.CycleFailed)
		require.NoError(t, err)
		assert.False(t, ok, "wrong cycle")

		_, err = s.SetCycleStatus(ctx, "missing", 1, tontine.CycleActive, tontine.CycleProcessing)
		assert.True(t, tontine.IsNotFound(err))
	})
}

func TestStore_AddMemberCapacityAndRejoin(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 2)
		bob := tontine.Member{GroupID: "g1", UserID: "bob", Role: tontine.RoleMember, JoinedAt: t0, PayoutTarget: "lnbc1bob"}

		_, err := s.AddMember(ctx, bob, 2)
		require.NoError(t, err)

		_, err = s.AddMember(ctx, bob, 2)
		assert.True(t, errors.Is(err, tontine.ErrConflict))

		_, err = s.AddMember(ctx, tontine.Member{GroupID: "g1", UserID: "carol", Role: tontine.RoleMember, JoinedAt: t0}, 2)
		assert.True(t, errors.Is(err, tontine.ErrCapacity))

		ok, err := s.DeactivateMember(ctx, "g1", "bob")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.DeactivateMember(ctx, "g1", "bob")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.CountActiveMembers(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// rejoin keeps the stored payout target when none is given
		back, err := s.AddMember(ctx, tontine.Member{GroupID: "g1", UserID: "bob", Role: tontine.RoleMember, JoinedAt: t0.Add(time.Hour)}, 2)
		require.NoError(t, err)
		assert.True(t, back.IsActive)
		assert.Equal(t, "lnbc1bob", back.PayoutTarget)

		active, err := s.ListMembers(ctx, "g1", true)
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})
}

func TestStore_ConcurrentAddMember(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 4)

		var wg sync.WaitGroup
		var mu sync.Mutex
		added := 0
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AddMember(ctx, tontine.Member{GroupID: "g1", UserID: fmt.Sprintf("u%d", i), Role: tontine.RoleMember, JoinedAt: t0}, 4)
				if err == nil {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 3, added)
		n, err := s.CountActiveMembers(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})
}

func TestStore_SetPayoutTarget(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 3)

		require.NoError(t, s.SetPayoutTarget(ctx, "g1", "admin", "lnbc1admin"))
		m, err := s.GetMember(ctx, "g1", "admin")
		require.NoError(t, err)
		assert.Equal(t, "lnbc1admin", m.PayoutTarget)

		err = s.SetPayoutTarget(ctx, "g1", "nobody", "x")
		assert.True(t, tontine.IsNotFound(err))
	})
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func TestStore_ContributionUniqueness(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 3)

		c := contribution("g1", "admin", 1, "ext-1")
		require.NoError(t, s.CreateContribution(ctx, c))

		dupTuple := c
		dupTuple.ID = "other"
		dupTuple.ExternalPaymentID = "ext-2"
		assert.True(t, errors.Is(s.CreateContribution(ctx, dupTuple), tontine.ErrConflict))

		dupExt := contribution("g1", "admin", 2, "ext-1")
		assert.True(t, errors.Is(s.CreateContribution(ctx, dupExt), tontine.ErrConflict))

		got, err := s.GetContributionByPaymentID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, c, *got)

		found, err := s.FindContribution(ctx, "g1", "admin", 1)
		require.NoError(t, err)
		assert.Equal(t, c.ID, found.ID)

		_, err = s.FindContribution(ctx, "g1", "admin", 9)
		assert.True(t, tontine.IsNotFound(err))
	})
}

func TestStore_MarkPaidOnlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 3)
		require.NoError(t, s.CreateContribution(ctx, contribution("g1", "admin", 1, "ext-1")))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.MarkContributionPaid(ctx, "ext-1", t0.Add(time.Minute))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		c, err := s.GetContributionByPaymentID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, tontine.ContributionPaid, c.Status)
		require.NotNil(t, c.PaidAt)
		assert.Equal(t, t0.Add(time.Minute), *c.PaidAt)

		ok, err := s.MarkContributionPaid(ctx, "unknown", t0)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_ExpireAndReissue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 3)
		require.NoError(t, s.CreateContribution(ctx, contribution("g1", "admin", 1, "ext-1")))

		none, err := s.ExpireContributions(ctx, t0.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, none)

		expired, err := s.ExpireContributions(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, tontine.ContributionExpired, expired[0].Status)

		pending, err := s.ListPendingContributions(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		// an expired row cannot be marked paid
		ok, err := s.MarkContributionPaid(ctx, "ext-1", t0)
		require.NoError(t, err)
		assert.False(t, ok)

		// stale old id loses the compare-and-swap
		ok, err = s.ReissueContribution(ctx, expired[0].ID, "not-the-id", "ext-x", "lnbc-x", t0.Add(3*time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ReissueContribution(ctx, expired[0].ID, "ext-1", "ext-2", "lnbc-ext-2", t0.Add(3*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		c, err := s.GetContributionByPaymentID(ctx, "ext-2")
		require.NoError(t, err)
		assert.Equal(t, tontine.ContributionPending, c.Status)
		assert.Equal(t, t0.Add(3*time.Hour), c.ExpiresAt)

		// the superseded id still resolves to the row, which now carries ext-2
		old, err := s.GetContributionByPaymentID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, c.ID, old.ID)
		assert.Equal(t, "ext-2", old.ExternalPaymentID)

		// and it can never mark the row paid
		ok, err = s.MarkContributionPaid(ctx, "ext-1", t0)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.GetContributionByPaymentID(ctx, "ext-unknown")
		assert.True(t, tontine.IsNotFound(err))

		ok, err = s.ExpireContribution(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.ExpireContribution(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// =============================================================================
// PAYOUTS
// =============================================================================

func payout(groupID string, cycle int) tontine.Payout {
	return tontine.Payout{
		ID:           fmt.Sprintf("p-%s-%d", groupID, cycle),
		GroupID:      groupID,
		CycleNumber:  cycle,
		WinnerUserID: "admin",
		Amount:       3000,
		Status:       tontine.PayoutPending,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func TestStore_CompleteCycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 3)
		next := t0.Add(14 * 24 * time.Hour)

		// not processing yet
		err := s.CompleteCycle(ctx, payout("g1", 1), next)
		assert.True(t, errors.Is(err, tontine.ErrIntegrity))

		_, err = s.SetCycleStatus(ctx, "g1", 1, tontine.CycleActive, tontine.CycleProcessing)
		require.NoError(t, err)

		p := payout("g1", 1)
		p.ID = "p-ok"
		require.NoError(t, s.CompleteCycle(ctx, p, next))

		g, err := s.GetGroup(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 2, g.CurrentCycle)
		assert.Equal(t, tontine.CycleActive, g.CycleStatus)
		assert.Equal(t, next, g.CycleEndsAt)

		// a second payout for the same cycle is refused
		dup := payout("g1", 1)
		dup.ID = "p-dup"
		assert.True(t, errors.Is(s.CompleteCycle(ctx, dup, next), tontine.ErrConflict))

		byCycle, err := s.GetPayoutByCycle(ctx, "g1", 1)
		require.NoError(t, err)
		assert.Equal(t, "p-ok", byCycle.ID)
	})
}

func TestStore_PayoutLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		seedGroup(t, s, "g1", 3)
		_, err := s.SetCycleStatus(ctx, "g1", 1, tontine.CycleActive, tontine.CycleProcessing)
		require.NoError(t, err)
		p := payout("g1", 1)
		require.NoError(t, s.CompleteCycle(ctx, p, t0))

		// failure path
		assert.True(t, errors.Is(s.RecordPayoutFailure(ctx, p.ID, "boom"), tontine.ErrConflict), "must be processing")
		ok, err := s.TransitionPayout(ctx, p.ID, tontine.PayoutPending, tontine.PayoutProcessing)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.RecordPayoutFailure(ctx, p.ID, "boom"))

		failed, err := s.ListPayoutsByStatus(ctx, tontine.PayoutFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "boom", failed[0].Error)

		// retry clears the error
		ok, err = s.TransitionPayout(ctx, p.ID, tontine.PayoutFailed, tontine.PayoutPending)
		require.NoError(t, err)
		require.True(t, ok)
		got, err := s.GetPayout(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Error)

		ok, err = s.TransitionPayout(ctx, p.ID, tontine.PayoutFailed, tontine.PayoutPending)
		require.NoError(t, err)
		assert.False(t, ok)

		// success path
		_, err = s.TransitionPayout(ctx, p.ID, tontine.PayoutPending, tontine.PayoutProcessing)
		require.NoError(t, err)
		fee := tontine.FeeRecord{
			PayoutID: p.ID, TotalAmount: 3000, PlatformFee: 30, PartnerFee: 9, CommunityFee: 6,
			NetPlatformFee: 15, PlatformRate: "0.01", CreatedAt: t0,
		}
		require.NoError(t, s.RecordPayoutSuccess(ctx, p.ID, "hash-1", 2, fee))

		got, err = s.GetPayout(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, tontine.PayoutPaid, got.Status)
		assert.Equal(t, "hash-1", got.ExternalPaymentID)
		assert.Equal(t, int64(2), got.RoutingFee)

		gotFee, err := s.GetFeeRecord(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, fee, *gotFee)

		assert.Error(t, s.RecordPayoutSuccess(ctx, p.ID, "hash-2", 0, fee), "already paid")

		_, err = s.TransitionPayout(ctx, "missing", tontine.PayoutPending, tontine.PayoutProcessing)
		assert.True(t, tontine.IsNotFound(err))
	})
}

// =============================================================================
// ATTEMPTS & AUDIT
// =============================================================================

func TestStore_BeginAttempt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		a := tontine.PaymentAttempt{IdempotencyKey: "k", GroupID: "g1", UserID: "u", CycleNumber: 1, CreatedAt: t0, UpdatedAt: t0}

		got, started, err := s.BeginAttempt(ctx, a, t0.Add(-time.Minute))
		require.NoError(t, err)
		assert.True(t, started)
		assert.Equal(t, 1, got.Attempts)

		// in flight and fresh
		_, started, err = s.BeginAttempt(ctx, a, t0.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, started)

		// in flight but stale
		later := a
		later.UpdatedAt = t0.Add(5 * time.Minute)
		got, started, err = s.BeginAttempt(ctx, later, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, started)
		assert.Equal(t, 2, got.Attempts)

		got.Status = tontine.AttemptSucceeded
		got.ContributionID = "c1"
		require.NoError(t, s.FinishAttempt(ctx, *got))

		got, started, err = s.BeginAttempt(ctx, a, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, started)
		assert.Equal(t, "c1", got.ContributionID)

		assert.True(t, tontine.IsNotFound(s.FinishAttempt(ctx, tontine.PaymentAttempt{IdempotencyKey: "nope"})))
	})
}

func TestStore_AuditQuery(t *testing.T) {
	forEachStore(t, func(t *testing.T, s tontine.Store) {
		ctx := context.Background()
		for i, action := range []tontine.AuditAction{tontine.AuditGroupCreated, tontine.AuditMemberAdded, tontine.AuditMemberAdded} {
			require.NoError(t, s.AppendAudit(ctx, tontine.AuditEntry{
				ID:         fmt.Sprintf("a%d", i),
				Timestamp:  t0.Add(time.Duration(i) * time.Minute),
				Actor:      "admin",
				Action:     action,
				Resource:   "group",
				ResourceID: "g1",
				After:      map[string]any{"n": float64(i)},
			}))
		}

		all, err := s.QueryAudit(ctx, tontine.AuditFilter{ResourceID: "g1"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, map[string]any{"n": float64(2)}, all[2].After)
		assert.Nil(t, all[0].Before)

		added, err := s.QueryAudit(ctx, tontine.AuditFilter{Actions: []tontine.AuditAction{tontine.AuditMemberAdded}, Limit: 1})
		require.NoError(t, err)
		require.Len(t, added, 1)
		assert.Equal(t, "a1", added[0].ID)

		from := t0.Add(90 * time.Second)
		late, err := s.QueryAudit(ctx, tontine.AuditFilter{From: &from})
		require.NoError(t, err)
		require.Len(t, late, 1)
		assert.Equal(t, "a2", late[0].ID)
	})
}

func TestSQLite_ResetAndPing(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	seedGroup(t, s, "g1", 3)
	require.NoError(t, s.Reset(ctx))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}
