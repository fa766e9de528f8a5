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
// CONTRIBUTIONS
// =============================================================================

const contributionColumns = `id, group_id, user_id, cycle_number, amount, external_payment_id,
	payment_request, status, expires_at, paid_at, created_at`

func (s *Store) CreateContribution(ctx context.Context, c tontine.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt *time.Time
	if !c.ExpiresAt.IsZero() {
		expiresAt = &c.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (`+contributionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.GroupID,
		c.UserID,
		c.CycleNumber,
		c.Amount,
		c.ExternalPaymentID,
		c.PaymentRequest,
		string(c.Status),
		nullTime(expiresAt),
		nullTime(c.PaidAt),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &tontine.ConflictError{Resource: "contribution", Reason: "already exists for this member and cycle"}
		}
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

func (s *Store) GetContribution(ctx context.Context, id string) (*tontine.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getContribution(ctx, "id = ?", id)
}

func (s *Store) FindContribution(ctx context.Context, groupID, userID string, cycle int) (*tontine.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.getContribution(ctx, "group_id = ? AND user_id = ? AND cycle_number = ?", groupID, userID, cycle)
	if tontine.IsNotFound(err) {
		return nil, &tontine.NotFoundError{Resource: "contribution", ID: fmt.Sprintf("%s/%s/%d", groupID, userID, cycle)}
	}
	return c, err
}

func (s *Store) GetContributionByPaymentID(ctx context.Context, externalPaymentID string) (*tontine.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.getContribution(ctx, "external_payment_id = ?", externalPaymentID)
	if tontine.IsNotFound(err) {
		c, err = s.getContribution(ctx,
			"id = (SELECT contribution_id FROM superseded_invoices WHERE external_payment_id = ?)", externalPaymentID)
	}
	if tontine.IsNotFound(err) {
		return nil, &tontine.NotFoundError{Resource: "contribution", ID: externalPaymentID}
	}
	return c, err
}

func (s *Store) getContribution(ctx context.Context, where string, args ...any) (*tontine.Contribution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE `+where, args...)
	c, err := scanContribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tontine.NotFoundError{Resource: "contribution", ID: fmt.Sprint(args[0])}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contribution: %w", err)
	}
	return c, nil
}

func (s *Store) ListContributions(ctx context.Context, groupID string, cycle int) ([]tontine.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryContributions(ctx, `
		SELECT `+contributionColumns+` FROM contributions
		WHERE group_id = ? AND cycle_number = ?
		ORDER BY created_at ASC, id ASC
	`, groupID, cycle)
}

func (s *Store) ListPendingContributions(ctx context.Context) ([]tontine.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryContributions(ctx, `
		SELECT `+contributionColumns+` FROM contributions
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *Store) MarkContributionPaid(ctx context.Context, externalPaymentID string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE contributions SET status = 'paid', paid_at = ?
		WHERE external_payment_id = ? AND status = 'pending'
	`, formatTime(paidAt), externalPaymentID)
	if err != nil {
		return false, fmt.Errorf("failed to mark contribution paid: %w", err)
	}
	return affected(res)
}

func (s *Store) ReissueContribution(ctx context.Context, id, oldExternalID, newExternalID, paymentRequest string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE contributions
			SET external_payment_id = ?, payment_request = ?, expires_at = ?, status = 'pending'
			WHERE id = ? AND external_payment_id = ? AND status != 'paid'
		`, newExternalID, paymentRequest, formatTime(expiresAt), id, oldExternalID)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &tontine.ConflictError{Resource: "contribution", Reason: "external payment id already used"}
			}
			return fmt.Errorf("failed to reissue contribution: %w", err)
		}
		if applied, err = affected(res); err != nil || !applied {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO superseded_invoices (external_payment_id, contribution_id, superseded_at)
			VALUES (?, ?, ?)
		`, oldExternalID, id, formatTime(time.Now())); err != nil {
			return fmt.Errorf("failed to record superseded invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) ExpireContribution(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE contributions SET status = 'expired' WHERE id = ? AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to expire contribution: %w", err)
	}
	return affected(res)
}

func (s *Store) ExpireContributions(ctx context.Context, now time.Time) ([]tontine.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []tontine.Contribution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+contributionColumns+` FROM contributions
			WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?
			ORDER BY created_at ASC, id ASC
		`, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to query stale contributions: %w", err)
		}
		for rows.Next() {
			c, err := scanContribution(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan contribution: %w", err)
			}
			c.Status = tontine.ContributionExpired
			out = append(out, *c)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range out {
			if _, err := tx.ExecContext(ctx,
				`UPDATE contributions SET status = 'expired' WHERE id = ? AND status = 'pending'`, c.ID,
			); err != nil {
				return fmt.Errorf("failed to expire contribution: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) queryContributions(ctx context.Context, query string, args ...any) ([]tontine.Contribution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	var out []tontine.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContribution(row scanner) (*tontine.Contribution, error) {
	var c tontine.Contribution
	var status, createdAt string
	var expiresAt, paidAt sql.NullString
	err := row.Scan(
		&c.ID,
		&c.GroupID,
		&c.UserID,
		&c.CycleNumber,
		&c.Amount,
		&c.ExternalPaymentID,
		&c.PaymentRequest,
		&status,
		&expiresAt,
		&paidAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = tontine.ContributionStatus(status)
	if t := parseNullTime(expiresAt); t != nil {
		c.ExpiresAt = *t
	}
	c.PaidAt = parseNullTime(paidAt)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// =============================================================================
// PAYMENT ATTEMPTS
// =============================================================================

const attemptColumns = `idempotency_key, group_id, user_id, cycle_number, status, attempts,
	error, contribution_id, created_at, updated_at`

func (s *Store) BeginAttempt(ctx context.Context, a tontine.PaymentAttempt, staleBefore time.Time) (*tontine.PaymentAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *tontine.PaymentAttempt
	var started bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getAttempt(ctx, tx, a.IdempotencyKey)
		if err != nil && !tontine.IsNotFound(err) {
			return err
		}

		if existing == nil {
			a.Status = tontine.AttemptPending
			a.Attempts = 1
			_, err := tx.ExecContext(ctx, `
				INSERT INTO payment_attempts (`+attemptColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				a.IdempotencyKey,
				a.GroupID,
				a.UserID,
				a.CycleNumber,
				string(a.Status),
				a.Attempts,
				nullString(a.Error),
				nullString(a.ContributionID),
				formatTime(a.CreatedAt),
				formatTime(a.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert payment attempt: %w", err)
			}
			out, started = &a, true
			return nil
		}

		switch {
		case existing.Status == tontine.AttemptSucceeded,
			existing.Status == tontine.AttemptPending && existing.UpdatedAt.After(staleBefore):
			out = existing
			return nil
		}

		existing.Status = tontine.AttemptPending
		existing.Attempts++
		existing.Error = ""
		existing.UpdatedAt = a.UpdatedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE payment_attempts SET status = ?, attempts = ?, error = NULL, updated_at = ?
			WHERE idempotency_key = ?
		`, string(existing.Status), existing.Attempts, formatTime(existing.UpdatedAt), existing.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to restart payment attempt: %w", err)
		}
		out, started = existing, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, started, nil
}

func (s *Store) FinishAttempt(ctx context.Context, a tontine.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_attempts SET status = ?, error = ?, contribution_id = ?, updated_at = ?
		WHERE idempotency_key = ?
	`, string(a.Status), nullString(a.Error), nullString(a.ContributionID), formatTime(a.UpdatedAt), a.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to finish payment attempt: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return &tontine.NotFoundError{Resource: "payment_attempt", ID: a.IdempotencyKey}
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, key string) (*tontine.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getAttempt(ctx, s.db, key)
}

func getAttempt(ctx context.Context, db execer, key string) (*tontine.PaymentAttempt, error) {
	var a tontine.PaymentAttempt
	var status, createdAt, updatedAt string
	var errText, contributionID sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE idempotency_key = ?`, key,
	).Scan(
		&a.IdempotencyKey,
		&a.GroupID,
		&a.UserID,
		&a.CycleNumber,
		&status,
		&a.Attempts,
		&errText,
		&contributionID,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tontine.NotFoundError{Resource: "payment_attempt", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	a.Status = tontine.AttemptStatus(status)
	a.Error = errText.String
	a.ContributionID = contributionID.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
