package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sunusav/tontine-engine/tontine"
)

// =============================================================================
// GROUPS
// =============================================================================

const groupColumns = `id, name, contribution_amount, cycle_length_days, max_members,
	current_cycle, cycle_status, cycle_ends_at, active, verified, created_by, created_at`

func (s *Store) CreateGroup(ctx context.Context, g tontine.Group, creator tontine.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO groups (`+groupColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			g.ID,
			g.Name,
			g.ContributionAmount,
			g.CycleLengthDays,
			g.MaxMembers,
			g.CurrentCycle,
			string(g.CycleStatus),
			formatTime(g.CycleEndsAt),
			g.Active,
			g.Verified,
			g.CreatedBy,
			formatTime(g.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &tontine.ConflictError{Resource: "group", Reason: "id already exists"}
			}
			return fmt.Errorf("failed to insert group: %w", err)
		}
		return insertMember(ctx, tx, creator)
	})
}

func (s *Store) GetGroup(ctx context.Context, id string) (*tontine.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, db execer, id string) (*tontine.Group, error) {
	row := db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tontine.NotFoundError{Resource: "group", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]tontine.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []tontine.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *Store) SetCycleStatus(ctx context.Context, groupID string, cycle int, from, to tontine.CycleStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET cycle_status = ?
		WHERE id = ? AND current_cycle = ? AND cycle_status = ?
	`, string(to), groupID, cycle, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update cycle status: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := getGroup(ctx, s.db, groupID); err != nil {
		return false, err
	}
	return false, nil
}

func scanGroup(row scanner) (*tontine.Group, error) {
	var g tontine.Group
	var status, endsAt, createdAt string
	err := row.Scan(
		&g.ID,
		&g.Name,
		&g.ContributionAmount,
		&g.CycleLengthDays,
		&g.MaxMembers,
		&g.CurrentCycle,
		&status,
		&endsAt,
		&g.Active,
		&g.Verified,
		&g.CreatedBy,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	g.CycleStatus = tontine.CycleStatus(status)
	g.CycleEndsAt = parseTime(endsAt)
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `group_id, user_id, role, is_active, payout_target, joined_at`

func (s *Store) AddMember(ctx context.Context, m tontine.Member, maxMembers int) (*tontine.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *tontine.Member
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getMember(ctx, tx, m.GroupID, m.UserID)
		if err != nil && !tontine.IsNotFound(err) {
			return err
		}
		if existing != nil && existing.IsActive {
			return &tontine.ConflictError{Resource: "member", Reason: "user is already a member"}
		}

		n, err := countActive(ctx, tx, m.GroupID)
		if err != nil {
			return err
		}
		if n >= maxMembers {
			return &tontine.CapacityError{GroupID: m.GroupID, MaxMembers: maxMembers}
		}

		if existing != nil {
			_, err := tx.ExecContext(ctx, `
				UPDATE members SET is_active = TRUE, payout_target = COALESCE(?, payout_target)
				WHERE group_id = ? AND user_id = ?
			`, nullString(m.PayoutTarget), m.GroupID, m.UserID)
			if err != nil {
				return fmt.Errorf("failed to reactivate member: %w", err)
			}
			out, err = getMember(ctx, tx, m.GroupID, m.UserID)
			return err
		}

		m.IsActive = true
		if err := insertMember(ctx, tx, m); err != nil {
			return err
		}
		out = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertMember(ctx context.Context, db execer, m tontine.Member) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		m.GroupID,
		m.UserID,
		string(m.Role),
		m.IsActive,
		nullString(m.PayoutTarget),
		formatTime(m.JoinedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &tontine.ConflictError{Resource: "member", Reason: "user is already a member"}
		}
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, groupID, userID string) (*tontine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getMember(ctx, s.db, groupID, userID)
}

func getMember(ctx context.Context, db execer, groupID, userID string) (*tontine.Member, error) {
	row := db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tontine.NotFoundError{Resource: "member", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func (s *Store) ListMembers(ctx context.Context, groupID string, activeOnly bool) ([]tontine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + memberColumns + ` FROM members WHERE group_id = ?`
	if activeOnly {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY joined_at ASC, user_id ASC`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []tontine.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateMember(ctx context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET is_active = FALSE
		WHERE group_id = ? AND user_id = ? AND is_active = TRUE
	`, groupID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate member: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := getMember(ctx, s.db, groupID, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SetPayoutTarget(ctx context.Context, groupID, userID, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET payout_target = ? WHERE group_id = ? AND user_id = ?
	`, nullString(target), groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to set payout target: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return &tontine.NotFoundError{Resource: "member", ID: userID}
	}
	return nil
}

func (s *Store) CountActiveMembers(ctx context.Context, groupID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return countActive(ctx, s.db, groupID)
}

func countActive(ctx context.Context, db execer, groupID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM members WHERE group_id = ? AND is_active = TRUE`,
		groupID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return n, nil
}

func scanMember(row scanner) (*tontine.Member, error) {
	var m tontine.Member
	var role, joinedAt string
	var target sql.NullString
	if err := row.Scan(&m.GroupID, &m.UserID, &role, &m.IsActive, &target, &joinedAt); err != nil {
		return nil, err
	}
	m.Role = tontine.Role(role)
	m.PayoutTarget = target.String
	m.JoinedAt = parseTime(joinedAt)
	return &m, nil
}
