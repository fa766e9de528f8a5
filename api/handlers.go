/*
handlers.go - HTTP API handlers for the tontine engine

PURPOSE:
  Exposes the cycle and settlement engine via a REST API. Handles HTTP
  request/response and JSON, checks who may see what, and delegates every
  state change to tontine.Engine.

ENDPOINTS:
  Groups:
    POST   /api/groups                                  Create group (caller becomes admin member)
    GET    /api/groups                                  List groups
    GET    /api/groups/{id}                             Get group

  Members:
    POST   /api/groups/{id}/members                     Join (admins may add another user)
    GET    /api/groups/{id}/members                     List members
    DELETE /api/groups/{id}/members/{userID}            Leave / remove
    PUT    /api/groups/{id}/members/{userID}/payout-target

  Contributions:
    POST   /api/groups/{id}/contributions               Request invoice (Idempotency-Key header)
    GET    /api/groups/{id}/contributions?cycle=N       List a cycle's contributions

  Payouts:
    GET    /api/groups/{id}/payouts
    GET    /api/payouts/{id}

  Admin (role=admin):
    POST   /api/admin/payouts/{id}/retry
    POST   /api/admin/groups/{id}/resume
    POST   /api/admin/sweep
    GET    /api/admin/audit

ACCESS:
  Group reads require active membership or the admin role. Members may
  remove themselves; group admins may remove anyone in their group.

ERROR HANDLING:
  writeEngineError maps tontine error categories to HTTP status:
  - 400: ValidationError
  - 404: NotFoundError
  - 409: ConflictError, CapacityError, ConcurrencyError (+ Retry-After)
  - 502: ExternalServiceError
  - 500: IntegrityError and anything unclassified

SEE ALSO:
  - dto.go: Request/response data structures
  - webhook.go: Settlement webhook
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sunusav/tontine-engine/tontine"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *tontine.Engine
	Tokens *TokenManager

	// Health reports storage readiness for /healthz. Optional.
	Health func(ctx context.Context) error

	// Sweeper, when set, serialises manual sweeps with the background ones.
	Sweeper *Sweeper

	webhookSecret []byte
	log           *slog.Logger
}

func NewHandler(engine *tontine.Engine, tokens *TokenManager, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:        engine,
		Tokens:        tokens,
		webhookSecret: []byte(webhookSecret),
		log:           logger.With("component", "api"),
	}
}

// Healthz answers liveness and storage readiness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// GROUP HANDLERS
// =============================================================================

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	caller := mustPrincipal(r)

	var req CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Verified && !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "Only administrators can create verified groups", nil)
		return
	}

	g, err := h.Engine.CreateGroup(r.Context(), tontine.CreateGroupParams{
		Name:               req.Name,
		ContributionAmount: req.ContributionAmount,
		CycleLengthDays:    req.CycleLengthDays,
		MaxMembers:         req.MaxMembers,
		Verified:           req.Verified,
		PayoutTarget:       req.PayoutTarget,
	}, caller.UserID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupDTO(g))
}

func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Engine.Registry.ListGroups(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]GroupDTO, len(groups))
	for i := range groups {
		dtos[i] = toGroupDTO(&groups[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.Engine.Registry.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	caller := mustPrincipal(r)
	groupID := chi.URLParam(r, "id")

	var req JoinGroupRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	userID := caller.UserID
	if req.UserID != "" && req.UserID != caller.UserID {
		if !caller.IsAdmin() {
			writeError(w, http.StatusForbidden, "Cannot add another user", nil)
			return
		}
		userID = req.UserID
	}

	m, err := h.Engine.AddMember(r.Context(), groupID, userID, req.PayoutTarget)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if !h.authorizeGroupRead(w, r, groupID) {
		return
	}

	members, err := h.Engine.Registry.ListMembers(r.Context(), groupID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]MemberDTO, len(members))
	for i := range members {
		dtos[i] = toMemberDTO(&members[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	caller := mustPrincipal(r)
	groupID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if userID != caller.UserID && !caller.IsAdmin() {
		m, err := h.Engine.Registry.GetMember(r.Context(), groupID, caller.UserID)
		if err != nil && !tontine.IsNotFound(err) {
			h.writeEngineError(w, r, err)
			return
		}
		if m == nil || !m.IsActive || m.Role != tontine.RoleAdmin {
			writeError(w, http.StatusForbidden, "Only group admins can remove other members", nil)
			return
		}
	}

	p, err := h.Engine.RemoveMember(r.Context(), groupID, userID, caller.UserID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveMemberResponse{Removed: true, Payout: toPayoutDTO(p)})
}

func (h *Handler) SetPayoutTarget(w http.ResponseWriter, r *http.Request) {
	caller := mustPrincipal(r)
	groupID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if userID != caller.UserID {
		writeError(w, http.StatusForbidden, "Members set their own payout target", nil)
		return
	}

	var req SetPayoutTargetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Engine.Registry.SetPayoutTarget(r.Context(), groupID, userID, req.PayoutTarget); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CONTRIBUTION HANDLERS
// =============================================================================

// RequestContribution creates (or returns) the caller's invoice for the
// current cycle. Clients should send an Idempotency-Key header so a retried
// request never creates a second invoice.
func (h *Handler) RequestContribution(w http.ResponseWriter, r *http.Request) {
	caller := mustPrincipal(r)
	groupID := chi.URLParam(r, "id")

	c, err := h.Engine.RequestContribution(r.Context(), groupID, caller.UserID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContributionDTO(c))
}

func (h *Handler) ListContributions(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	cycle := 0
	if s := r.URL.Query().Get("cycle"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid cycle", nil)
			return
		}
		cycle = n
	}
	if !h.authorizeGroupRead(w, r, groupID) {
		return
	}

	cs, err := h.Engine.Ledger.ListContributions(r.Context(), groupID, cycle)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	caller := mustPrincipal(r)
	dtos := make([]ContributionDTO, len(cs))
	for i := range cs {
		dtos[i] = toContributionDTO(&cs[i])
		if cs[i].UserID != caller.UserID {
			dtos[i].PaymentRequest = ""
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if !h.authorizeGroupRead(w, r, groupID) {
		return
	}

	ps, err := h.Engine.Payouts.ListPayouts(r.Context(), groupID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]*PayoutDTO, len(ps))
	for i := range ps {
		dtos[i] = toPayoutDTO(&ps[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Payouts.GetPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !h.authorizeGroupRead(w, r, p.GroupID) {
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	caller := mustPrincipal(r)

	p, err := h.Engine.RetryPayout(r.Context(), chi.URLParam(r, "id"), caller.UserID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

func (h *Handler) ResumeCycle(w http.ResponseWriter, r *http.Request) {
	caller := mustPrincipal(r)

	g, p, err := h.Engine.ResumeCycle(r.Context(), chi.URLParam(r, "id"), caller.UserID)
	if err != nil && g == nil {
		h.writeEngineError(w, r, err)
		return
	}
	if err != nil {
		// Resumed, but completion did not finish; the group is reported as is.
		h.log.Warn("completion after resume did not finish", "group_id", g.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, ResumeCycleResponse{Group: toGroupDTO(g), Payout: toPayoutDTO(p)})
}

// Sweep runs the housekeeping pass now instead of waiting for the sweeper.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var (
		res tontine.SweepResult
		err error
	)
	if h.Sweeper != nil {
		res, err = h.Sweeper.RunNow(r.Context())
	} else {
		res, err = h.Engine.Sweep(r.Context())
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{
		Expired:         res.Expired,
		Reconciled:      res.Reconciled,
		Flagged:         res.Flagged,
		CyclesCompleted: res.CyclesCompleted,
		PayoutsResumed:  res.PayoutsResumed,
		Errors:          res.Errors,
	})
}

// QueryAudit filters the audit trail. Query parameters: actor, resource,
// resource_id, action (repeatable), from, to (RFC 3339), limit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tontine.AuditFilter{
		Actor:      q.Get("actor"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resource_id"),
		Limit:      100,
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, tontine.AuditAction(a))
	}
	for _, tf := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		s := q.Get(tf.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+tf.name+" (use RFC 3339)", err)
			return
		}
		*tf.dst = &t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "Invalid limit (1-1000)", nil)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Engine.Audit.Query(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// authorizeGroupRead allows active members of the group and platform admins.
// It writes the response and returns false otherwise.
func (h *Handler) authorizeGroupRead(w http.ResponseWriter, r *http.Request, groupID string) bool {
	caller := mustPrincipal(r)
	if caller.IsAdmin() {
		return true
	}
	ok, err := h.Engine.IsMember(r.Context(), groupID, caller.UserID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "Not a member of this group", nil)
		return false
	}
	return true
}

func mustPrincipal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeEngineError maps a tontine error to an HTTP response.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *tontine.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Field: ve.Field, Details: ve.Reason})
	case errors.Is(err, tontine.ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, tontine.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, tontine.ErrCapacity):
		writeError(w, http.StatusConflict, "Group is full", err)
	case errors.Is(err, tontine.ErrConflict):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, tontine.ErrConcurrency):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "Busy, retry shortly", err)
	case errors.Is(err, tontine.ErrExternalService):
		h.log.Warn("payment rail error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "Payment rail unavailable", nil)
	case errors.Is(err, tontine.ErrIntegrity):
		h.log.Error("integrity error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Integrity check failed", nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", nil)
	default:
		h.log.Error("internal error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
