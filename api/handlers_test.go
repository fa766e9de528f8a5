/*
handlers_test.go - HTTP tests for the API and the settlement webhook

Tests run the full router against the in-memory store and the mock rail:
- webhook signature, status mapping and replay
- authentication and access rules
- group, member, contribution and payout endpoints
- admin endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunusav/tontine-engine/rail/mock"
	"github.com/sunusav/tontine-engine/tontine"
	"github.com/sunusav/tontine-engine/tontine/store"
)

const testWebhookSecret = "test-webhook-secret"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testServer struct {
	t       *testing.T
	store   *store.Memory
	rail    *mock.Rail
	engine  *tontine.Engine
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	rail := mock.New()
	eng, err := tontine.NewEngine(st, rail, tontine.Options{
		Logger:   quiet,
		Selector: tontine.NewRandomSelector(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)

	h := NewHandler(eng, NewTokenManager("test-jwt-secret", time.Hour), testWebhookSecret, quiet)
	return &testServer{t: t, store: st, rail: rail, engine: eng, handler: h, router: NewRouter(h, nil)}
}

func (s *testServer) token(userID, role string) string {
	s.t.Helper()
	tok, err := s.handler.Tokens.Generate(userID, role)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) webhook(body []byte, signature string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/settlement", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) notify(c ContributionDTO, amount int64) *httptest.ResponseRecorder {
	s.t.Helper()
	body, err := json.Marshal(SettlementNotificationRequest{
		ExternalPaymentID: c.ExternalPaymentID,
		Settled:           true,
		Amount:            amount,
	})
	require.NoError(s.t, err)
	return s.webhook(body, Sign([]byte(testWebhookSecret), body))
}

// group creates a group of n members through the API (user-1 creates it)
// and has every member request an invoice.
func (s *testServer) group(n int, amount int64) (GroupDTO, []ContributionDTO) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/groups", s.token("user-1", ""), CreateGroupRequest{
		Name:               "Market women",
		ContributionAmount: amount,
		CycleLengthDays:    7,
		MaxMembers:         n,
		PayoutTarget:       "lnbc1target-user-1",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var g GroupDTO
	decode(s.t, rec, &g)

	for i := 2; i <= n; i++ {
		u := fmt.Sprintf("user-%d", i)
		rec := s.do(http.MethodPost, "/api/groups/"+g.ID+"/members", s.token(u, ""), JoinGroupRequest{PayoutTarget: "lnbc1target-" + u})
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	var cs []ContributionDTO
	for i := 1; i <= n; i++ {
		u := fmt.Sprintf("user-%d", i)
		rec := s.do(http.MethodPost, "/api/groups/"+g.ID+"/contributions", s.token(u, ""), nil)
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
		var c ContributionDTO
		decode(s.t, rec, &c)
		cs = append(cs, c)
	}
	return g, cs
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (s *testServer) contribution(id string) *tontine.Contribution {
	s.t.Helper()
	c, err := s.store.GetContribution(context.Background(), id)
	require.NoError(s.t, err)
	return c
}

// =============================================================================
// WEBHOOK
// =============================================================================

func TestWebhook_InvalidSignature_LeavesOneAuditEntry(t *testing.T) {
	// GIVEN: a pending contribution
	s := newTestServer(t)
	_, cs := s.group(2, 1000)
	before := s.store.AuditCount("")

	// WHEN: a notification arrives signed with the wrong secret
	body, _ := json.Marshal(SettlementNotificationRequest{ExternalPaymentID: cs[0].ExternalPaymentID, Settled: true, Amount: 1000})
	rec := s.webhook(body, Sign([]byte("wrong-secret"), body))

	// THEN: 401, exactly one audit entry, contribution untouched
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, before+1, s.store.AuditCount(""))
	assert.Equal(t, 1, s.store.AuditCount(string(tontine.AuditSettlementRejected)))
	assert.Equal(t, tontine.ContributionPending, s.contribution(cs[0].ID).Status)
}

func TestWebhook_MissingOrGarbledSignature(t *testing.T) {
	s := newTestServer(t)
	_, cs := s.group(2, 1000)
	body, _ := json.Marshal(SettlementNotificationRequest{ExternalPaymentID: cs[0].ExternalPaymentID, Settled: true, Amount: 1000})

	assert.Equal(t, http.StatusUnauthorized, s.webhook(body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.webhook(body, "sha256=not-hex").Code)

	// Signature over a different body
	other := append([]byte(nil), body...)
	other[len(other)-2] = '9'
	assert.Equal(t, http.StatusUnauthorized, s.webhook(other, Sign([]byte(testWebhookSecret), body)).Code)

	assert.Equal(t, tontine.ContributionPending, s.contribution(cs[0].ID).Status)
}

func TestWebhook_FullCycleAndReplay(t *testing.T) {
	// GIVEN: three members with open invoices
	s := newTestServer(t)
	g, cs := s.group(3, 1000)

	// WHEN: the first two pay
	for _, c := range cs[:2] {
		rec := s.notify(c, 1000)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var res SettlementResponse
		decode(t, rec, &res)
		assert.Equal(t, "settled", res.Outcome)
		assert.Nil(t, res.Payout)
	}

	// AND: the last one pays
	rec := s.notify(cs[2], 1000)
	require.Equal(t, http.StatusOK, rec.Code)
	var res SettlementResponse
	decode(t, rec, &res)

	// THEN: the cycle completes and the pot is paid out
	assert.Equal(t, "settled", res.Outcome)
	require.NotNil(t, res.Payout)
	assert.Equal(t, int64(3000), res.Payout.Amount)
	assert.Equal(t, "paid", res.Payout.Status)
	assert.Equal(t, 1, res.Payout.CycleNumber)

	rec = s.do(http.MethodGet, "/api/groups/"+g.ID, s.token("user-2", ""), nil)
	var got GroupDTO
	decode(t, rec, &got)
	assert.Equal(t, 2, got.CurrentCycle)
	assert.Equal(t, "active", got.CycleStatus)

	// AND: a replayed notification is a 200 no-op
	rec = s.notify(cs[0], 1000)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, "duplicate", res.Outcome)
	assert.Len(t, s.rail.Payments(), 1)
}

func TestWebhook_StatusMapping(t *testing.T) {
	s := newTestServer(t)
	_, cs := s.group(2, 1000)

	t.Run("unknown reference", func(t *testing.T) {
		rec := s.notify(ContributionDTO{ExternalPaymentID: "no-such-invoice"}, 1000)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		rec := s.notify(cs[0], 999)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var er ErrorResponse
		decode(t, rec, &er)
		assert.Equal(t, "amount", er.Field)
		assert.Equal(t, tontine.ContributionPending, s.contribution(cs[0].ID).Status)
	})

	t.Run("malformed body", func(t *testing.T) {
		body := []byte(`{"external_payment_id": `)
		rec := s.webhook(body, Sign([]byte(testWebhookSecret), body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing reference", func(t *testing.T) {
		body := []byte(`{"settled": true, "amount": 1000}`)
		rec := s.webhook(body, Sign([]byte(testWebhookSecret), body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not settled is ignored", func(t *testing.T) {
		body, _ := json.Marshal(SettlementNotificationRequest{ExternalPaymentID: cs[1].ExternalPaymentID, Settled: false, Amount: 1000})
		rec := s.webhook(body, Sign([]byte(testWebhookSecret), body))
		require.Equal(t, http.StatusOK, rec.Code)
		var res SettlementResponse
		decode(t, rec, &res)
		assert.Equal(t, "ignored", res.Outcome)
		assert.Equal(t, tontine.ContributionPending, s.contribution(cs[1].ID).Status)
	})
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("k")
	body := []byte(`{"a":1}`)
	sig := Sign(secret, body)

	tests := []struct {
		name   string
		secret []byte
		header string
		want   bool
	}{
		{"prefixed", secret, sig, true},
		{"bare hex", secret, sig[len("sha256="):], true},
		{"surrounding space", secret, " " + sig + " ", true},
		{"wrong secret", []byte("other"), sig, false},
		{"empty header", secret, "", false},
		{"empty secret", nil, sig, false},
		{"not hex", secret, "sha256=zz", false},
		{"truncated", secret, sig[:20], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(tt.secret, body, tt.header))
		})
	}
}

// =============================================================================
// AUTH
// =============================================================================

func TestAPI_RequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/groups", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/groups", "not-a-jwt", nil).Code)

	other := NewTokenManager("another-secret", time.Hour)
	forged, err := other.Generate("user-1", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/groups", forged, nil).Code)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/groups", s.token("user-1", ""), nil).Code)
}

func TestAPI_AdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/audit", s.token("user-1", ""), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/api/admin/audit", s.token("ops", RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenManager(t *testing.T) {
	m := NewTokenManager("secret", time.Hour)

	tok, err := m.Generate("user-7", RoleAdmin)
	require.NoError(t, err)
	claims, err := m.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)

	// Expired
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	raw, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Unsigned
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-7"}})
	raw, err = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// No subject
	anon := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleAdmin})
	raw, err = anon.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// =============================================================================
// GROUPS & MEMBERS
// =============================================================================

func TestAPI_CreateGroupValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/groups", s.token("user-1", ""), CreateGroupRequest{
		Name: "g", ContributionAmount: 0, CycleLengthDays: 7, MaxMembers: 5,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var er ErrorResponse
	decode(t, rec, &er)
	assert.Equal(t, "contribution_amount", er.Field)

	rec = s.do(http.MethodPost, "/api/groups", s.token("user-1", ""), map[string]any{"name": "g", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_VerifiedGroupsRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	req := CreateGroupRequest{Name: "Co-op", ContributionAmount: 500, CycleLengthDays: 30, MaxMembers: 10, Verified: true}

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/groups", s.token("user-1", ""), req).Code)

	rec := s.do(http.MethodPost, "/api/groups", s.token("ops", RoleAdmin), req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var g GroupDTO
	decode(t, rec, &g)
	assert.True(t, g.Verified)
	assert.Equal(t, 1, g.CurrentCycle)
	assert.Equal(t, "ops", g.CreatedBy)
}

func TestAPI_JoinGroup(t *testing.T) {
	s := newTestServer(t)
	g, _ := s.group(2, 1000)
	path := "/api/groups/" + g.ID + "/members"

	// Full
	rec := s.do(http.MethodPost, path, s.token("user-3", ""), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Already a member
	rec = s.do(http.MethodPost, path, s.token("user-2", ""), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Adding someone else needs the admin role
	rec = s.do(http.MethodPost, path, s.token("user-2", ""), JoinGroupRequest{UserID: "user-9"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown group
	rec = s.do(http.MethodPost, "/api/groups/nope/members", s.token("user-3", ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_GroupReadsRequireMembership(t *testing.T) {
	s := newTestServer(t)
	g, _ := s.group(2, 1000)

	for _, path := range []string{
		"/api/groups/" + g.ID + "/members",
		"/api/groups/" + g.ID + "/contributions",
		"/api/groups/" + g.ID + "/payouts",
	} {
		assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, s.token("outsider", ""), nil).Code, path)
		assert.Equal(t, http.StatusOK, s.do(http.MethodGet, path, s.token("user-2", ""), nil).Code, path)
		assert.Equal(t, http.StatusOK, s.do(http.MethodGet, path, s.token("ops", RoleAdmin), nil).Code, path)
	}

	rec := s.do(http.MethodGet, "/api/groups/"+g.ID+"/members", s.token("user-1", ""), nil)
	var members []MemberDTO
	decode(t, rec, &members)
	require.Len(t, members, 2)
	assert.True(t, members[0].HasPayoutTarget)
	assert.NotContains(t, rec.Body.String(), "lnbc1target")
}

func TestAPI_ListContributions_HidesOtherInvoices(t *testing.T) {
	s := newTestServer(t)
	g, _ := s.group(3, 1000)

	rec := s.do(http.MethodGet, "/api/groups/"+g.ID+"/contributions?cycle=1", s.token("user-2", ""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cs []ContributionDTO
	decode(t, rec, &cs)
	require.Len(t, cs, 3)
	for _, c := range cs {
		if c.UserID == "user-2" {
			assert.NotEmpty(t, c.PaymentRequest)
		} else {
			assert.Empty(t, c.PaymentRequest)
		}
	}

	assert.Equal(t, http.StatusBadRequest,
		s.do(http.MethodGet, "/api/groups/"+g.ID+"/contributions?cycle=x", s.token("user-2", ""), nil).Code)
}

func TestAPI_RemoveMember(t *testing.T) {
	s := newTestServer(t)
	g, _ := s.group(3, 1000)
	path := "/api/groups/" + g.ID + "/members/"

	// A regular member cannot remove someone else
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, path+"user-3", s.token("user-2", ""), nil).Code)

	// The group admin (creator) can
	rec := s.do(http.MethodDelete, path+"user-3", s.token("user-1", ""), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res RemoveMemberResponse
	decode(t, rec, &res)
	assert.True(t, res.Removed)

	// Members can leave
	assert.Equal(t, http.StatusOK, s.do(http.MethodDelete, path+"user-2", s.token("user-2", ""), nil).Code)

	// Removing again is a 404
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, path+"user-2", s.token("user-1", ""), nil).Code)
}

func TestAPI_SetPayoutTarget(t *testing.T) {
	s := newTestServer(t)
	g, _ := s.group(2, 1000)
	path := "/api/groups/" + g.ID + "/members/user-2/payout-target"

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPut, path, s.token("user-1", ""), SetPayoutTargetRequest{PayoutTarget: "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, path, s.token("user-2", ""), SetPayoutTargetRequest{}).Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodPut, path, s.token("user-2", ""), SetPayoutTargetRequest{PayoutTarget: "lnbc1new"}).Code)

	m, err := s.store.GetMember(context.Background(), g.ID, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "lnbc1new", m.PayoutTarget)
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func TestAPI_RequestContribution_IdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/groups", s.token("user-1", ""), CreateGroupRequest{
		Name: "g", ContributionAmount: 2500, CycleLengthDays: 7, MaxMembers: 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var g GroupDTO
	decode(t, rec, &g)
	path := "/api/groups/" + g.ID + "/contributions"

	var first, second ContributionDTO
	rec = s.do(http.MethodPost, path, s.token("user-1", ""), nil, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decode(t, rec, &first)
	rec = s.do(http.MethodPost, path, s.token("user-1", ""), nil, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decode(t, rec, &second)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2500), first.Amount)
	assert.Equal(t, "pending", first.Status)
	assert.Equal(t, 1, s.rail.InvoiceCount())

	// Not a member
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, path, s.token("user-9", ""), nil).Code)
}

func TestAPI_RequestContribution_RailDown(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/groups", s.token("user-1", ""), CreateGroupRequest{
		Name: "g", ContributionAmount: 2500, CycleLengthDays: 7, MaxMembers: 3,
	})
	var g GroupDTO
	decode(t, rec, &g)

	s.rail.SetFailInvoices(true)
	rec = s.do(http.MethodPost, "/api/groups/"+g.ID+"/contributions", s.token("user-1", ""), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "mock rail")
}

// =============================================================================
// PAYOUTS & ADMIN
// =============================================================================

func TestAPI_FailedPayout_AdminRetry(t *testing.T) {
	// GIVEN: a cycle whose disbursement fails
	s := newTestServer(t)
	g, cs := s.group(2, 1000)
	s.rail.SetFailDisburse(true)
	for _, c := range cs {
		require.Equal(t, http.StatusOK, s.notify(c, 1000).Code)
	}

	rec := s.do(http.MethodGet, "/api/groups/"+g.ID+"/payouts", s.token("user-1", ""), nil)
	var payouts []PayoutDTO
	decode(t, rec, &payouts)
	require.Len(t, payouts, 1)
	p := payouts[0]
	assert.Equal(t, "failed", p.Status)
	assert.Equal(t, int64(2000), p.Amount)

	// WHEN: an admin retries while the rail is still down
	rec = s.do(http.MethodPost, "/api/admin/payouts/"+p.ID+"/retry", s.token("ops", RoleAdmin), nil)

	// THEN: 502 and the payout stays failed
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// WHEN: the rail recovers and the admin retries again
	s.rail.SetFailDisburse(false)
	rec = s.do(http.MethodPost, "/api/admin/payouts/"+p.ID+"/retry", s.token("ops", RoleAdmin), nil)

	// THEN: paid
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid PayoutDTO
	decode(t, rec, &paid)
	assert.Equal(t, "paid", paid.Status)

	// AND: retrying a paid payout is a conflict
	rec = s.do(http.MethodPost, "/api/admin/payouts/"+p.ID+"/retry", s.token("ops", RoleAdmin), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: members can read it, outsiders cannot
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/payouts/"+p.ID, s.token("user-2", ""), nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/payouts/"+p.ID, s.token("outsider", ""), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/payouts/nope", s.token("user-2", ""), nil).Code)
}

func TestAPI_ResumeCycle_NotFailed(t *testing.T) {
	s := newTestServer(t)
	g, _ := s.group(2, 1000)

	rec := s.do(http.MethodPost, "/api/admin/groups/"+g.ID+"/resume", s.token("ops", RoleAdmin), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_AuditQuery(t *testing.T) {
	s := newTestServer(t)
	g, _ := s.group(2, 1000)

	rec := s.do(http.MethodGet, "/api/admin/audit?action=group_created&action=member_added", s.token("ops", RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []AuditEntryDTO
	decode(t, rec, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "group_created", entries[0].Action)
	assert.Equal(t, g.ID, entries[0].ResourceID)
	assert.Equal(t, "member_added", entries[1].Action)

	rec = s.do(http.MethodGet, "/api/admin/audit?limit=1", s.token("ops", RoleAdmin), nil)
	decode(t, rec, &entries)
	assert.Len(t, entries, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/admin/audit?from=yesterday", s.token("ops", RoleAdmin), nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/admin/audit?limit=0", s.token("ops", RoleAdmin), nil).Code)
}

func TestAPI_AdminSweep_ReconcilesLostWebhooks(t *testing.T) {
	// GIVEN: both invoices paid on the rail, webhooks never delivered
	s := newTestServer(t)
	g, cs := s.group(2, 1000)
	for _, c := range cs {
		_, err := s.rail.Settle(c.ExternalPaymentID)
		require.NoError(t, err)
	}

	// WHEN: an admin triggers a sweep
	rec := s.do(http.MethodPost, "/api/admin/sweep", s.token("ops", RoleAdmin), nil)

	// THEN: both are reconciled and the cycle completes
	require.Equal(t, http.StatusOK, rec.Code)
	var res SweepResponse
	decode(t, rec, &res)
	assert.Equal(t, 2, res.Reconciled)
	assert.Equal(t, 1, res.CyclesCompleted)

	got, err := s.store.GetGroup(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentCycle)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)

	s.handler.Health = func(context.Context) error { return errors.New("database is locked") }
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/healthz", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/healthz", "", nil)

	rec := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tontine_http_requests_total")
}
