package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sunusav/tontine-engine/tontine"
)

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, group_id, cycle_number, winner_user_id, amount, status,
	external_payment_id, routing_fee, error, created_at, updated_at`

// CompleteCycle inserts the payout and advances the group in one transaction.
// The UPDATE's WHERE clause is the guard: it only matches a group still
// processing the payout's cycle.
func (s *Store) CompleteCycle(ctx context.Context, p tontine.Payout, nextCycleEndsAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payouts (`+payoutColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.ID,
			p.GroupID,
			p.CycleNumber,
			p.WinnerUserID,
			p.Amount,
			string(p.Status),
			nullString(p.ExternalPaymentID),
			p.RoutingFee,
			nullString(p.Error),
			formatTime(p.CreatedAt),
			formatTime(p.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &tontine.ConflictError{Resource: "payout", Reason: "cycle already has a payout"}
			}
			return fmt.Errorf("failed to insert payout: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE groups
			SET current_cycle = current_cycle + 1, cycle_status = 'active', cycle_ends_at = ?
			WHERE id = ? AND current_cycle = ? AND cycle_status = 'processing'
		`, formatTime(nextCycleEndsAt), p.GroupID, p.CycleNumber)
		if err != nil {
			return fmt.Errorf("failed to advance cycle: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := getGroup(ctx, tx, p.GroupID); err != nil {
				return err
			}
			return &tontine.IntegrityError{
				Invariant: "cycle_advance",
				Detail:    "group is not processing the payout's cycle",
			}
		}
		return nil
	})
}

func (s *Store) GetPayout(ctx context.Context, id string) (*tontine.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getPayout(ctx, s.db, "id = ?", id)
}

func (s *Store) GetPayoutByCycle(ctx context.Context, groupID string, cycle int) (*tontine.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := getPayout(ctx, s.db, "group_id = ? AND cycle_number = ?", groupID, cycle)
	if tontine.IsNotFound(err) {
		return nil, &tontine.NotFoundError{Resource: "payout", ID: groupID}
	}
	return p, err
}

func getPayout(ctx context.Context, db execer, where string, args ...any) (*tontine.Payout, error) {
	row := db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE `+where, args...)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tontine.NotFoundError{Resource: "payout", ID: fmt.Sprint(args[0])}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return p, nil
}

func (s *Store) ListPayouts(ctx context.Context, groupID string) ([]tontine.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE group_id = ? ORDER BY cycle_number ASC
	`, groupID)
}

func (s *Store) ListPayoutsByStatus(ctx context.Context, status tontine.PayoutStatus) ([]tontine.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE status = ? ORDER BY created_at ASC, id ASC
	`, string(status))
}

func (s *Store) TransitionPayout(ctx context.Context, id string, from, to tontine.PayoutStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE payouts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if to == tontine.PayoutPending {
		query = `UPDATE payouts SET status = ?, updated_at = ?, error = NULL WHERE id = ? AND status = ?`
	}
	res, err := s.db.ExecContext(ctx, query, string(to), formatTime(time.Now()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition payout: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := getPayout(ctx, s.db, "id = ?", id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) RecordPayoutSuccess(ctx context.Context, id, externalPaymentID string, routingFee int64, fee tontine.FeeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payouts
			SET status = 'paid', external_payment_id = ?, routing_fee = ?, error = NULL, updated_at = ?
			WHERE id = ? AND status = 'processing'
		`, nullString(externalPaymentID), routingFee, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to record payout: %w", err)
		}
		if err := requireProcessing(ctx, tx, res, id); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO fee_records
			(payout_id, total_amount, platform_fee, partner_fee, community_fee, net_platform_fee, platform_rate, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			id,
			fee.TotalAmount,
			fee.PlatformFee,
			fee.PartnerFee,
			fee.CommunityFee,
			fee.NetPlatformFee,
			fee.PlatformRate,
			formatTime(fee.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &tontine.ConflictError{Resource: "fee_record", Reason: "already recorded"}
			}
			return fmt.Errorf("failed to insert fee record: %w", err)
		}
		return nil
	})
}

func (s *Store) RecordPayoutFailure(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET status = 'failed', error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, reason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to record payout failure: %w", err)
	}
	return requireProcessing(ctx, s.db, res, id)
}

// requireProcessing turns a no-op update of a processing payout into the
// right error.
func requireProcessing(ctx context.Context, db execer, res sql.Result, id string) error {
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := getPayout(ctx, db, "id = ?", id); err != nil {
		return err
	}
	return &tontine.ConflictError{Resource: "payout", Reason: "not processing"}
}

func (s *Store) queryPayouts(ctx context.Context, query string, args ...any) ([]tontine.Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var out []tontine.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayout(row scanner) (*tontine.Payout, error) {
	var p tontine.Payout
	var status, createdAt, updatedAt string
	var extID, errText sql.NullString
	err := row.Scan(
		&p.ID,
		&p.GroupID,
		&p.CycleNumber,
		&p.WinnerUserID,
		&p.Amount,
		&status,
		&extID,
		&p.RoutingFee,
		&errText,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = tontine.PayoutStatus(status)
	p.ExternalPaymentID = extID.String
	p.Error = errText.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// =============================================================================
// FEE RECORDS
// =============================================================================

func (s *Store) GetFeeRecord(ctx context.Context, payoutID string) (*tontine.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f tontine.FeeRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT payout_id, total_amount, platform_fee, partner_fee, community_fee,
		       net_platform_fee, platform_rate, created_at
		FROM fee_records WHERE payout_id = ?
	`, payoutID).Scan(
		&f.PayoutID,
		&f.TotalAmount,
		&f.PlatformFee,
		&f.PartnerFee,
		&f.CommunityFee,
		&f.NetPlatformFee,
		&f.PlatformRate,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tontine.NotFoundError{Resource: "fee_record", ID: payoutID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fee record: %w", err)
	}
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}
