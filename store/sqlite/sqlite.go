/*
Package sqlite provides a SQLite-backed implementation of tontine.Store.

PURPOSE:
  Durable storage for groups, memberships, contributions, payouts, fee
  records, payment attempts and the audit log. The in-memory store in
  tontine/store is the reference for semantics; this package must behave
  identically.

KEY TABLES:
  groups:            cohort, current cycle and cycle status
  members:           (group_id, user_id) memberships, soft-deactivated
  contributions:     one row per (group_id, user_id, cycle_number)
  superseded_invoices: invoices replaced by a re-issue, kept for late payments
  payment_attempts:  idempotency records for invoice creation
  payouts:           one row per (group_id, cycle_number)
  fee_records:       fee split of a paid payout
  audit_log:         append-only, before/after as JSON

UNIQUENESS (the last line of defence for exactly-once):
  contributions(group_id, user_id, cycle_number)
  contributions(external_payment_id)
  payouts(group_id, cycle_number)
  fee_records(payout_id)

CONDITIONAL WRITES:
  Every racing transition is an UPDATE with the expected current state in
  its WHERE clause; RowsAffected tells the caller whether it won.

CONCURRENCY:
  Uses sync.RWMutex plus a single pooled connection. SQLite allows one
  writer at a time anyway; the mutex keeps multi-statement operations
  (capacity check + insert, payout + cycle advance) atomic without relying
  on busy-retry behaviour.

WAL MODE:
  Opened with WAL for crash recovery and reader/writer overlap.

USAGE:
  store, err := sqlite.New("./data/tontine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng, err := tontine.NewEngine(store, rail, opts)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - tontine/store.go: interface definitions
  - tontine/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sunusav/tontine-engine/tontine"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements tontine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ tontine.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// writes are serialised by SQLite regardless.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		contribution_amount INTEGER NOT NULL CHECK (contribution_amount > 0),
		cycle_length_days INTEGER NOT NULL,
		max_members INTEGER NOT NULL,
		current_cycle INTEGER NOT NULL DEFAULT 1,
		cycle_status TEXT NOT NULL DEFAULT 'active',
		cycle_ends_at TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		group_id TEXT NOT NULL REFERENCES groups(id),
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		payout_target TEXT,
		joined_at TEXT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);

	-- Hot path: active member count for capacity and completion
	CREATE INDEX IF NOT EXISTS idx_members_group_active
		ON members(group_id, is_active);

	CREATE TABLE IF NOT EXISTS contributions (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL REFERENCES groups(id),
		user_id TEXT NOT NULL,
		cycle_number INTEGER NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		external_payment_id TEXT NOT NULL UNIQUE,
		payment_request TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		expires_at TEXT,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (group_id, user_id, cycle_number)
	);

	CREATE INDEX IF NOT EXISTS idx_contributions_group_cycle
		ON contributions(group_id, cycle_number);
	CREATE INDEX IF NOT EXISTS idx_contributions_status
		ON contributions(status);

	CREATE TABLE IF NOT EXISTS superseded_invoices (
		external_payment_id TEXT PRIMARY KEY,
		contribution_id TEXT NOT NULL REFERENCES contributions(id),
		superseded_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_attempts (
		idempotency_key TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		cycle_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		error TEXT,
		contribution_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL REFERENCES groups(id),
		cycle_number INTEGER NOT NULL,
		winner_user_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		status TEXT NOT NULL DEFAULT 'pending',
		external_payment_id TEXT,
		routing_fee INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (group_id, cycle_number)
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_status
		ON payouts(status);

	CREATE TABLE IF NOT EXISTS fee_records (
		payout_id TEXT PRIMARY KEY REFERENCES payouts(id),
		total_amount INTEGER NOT NULL,
		platform_fee INTEGER NOT NULL,
		partner_fee INTEGER NOT NULL,
		community_fee INTEGER NOT NULL,
		net_platform_fee INTEGER NOT NULL,
		platform_rate TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		resource_id TEXT,
		before_json TEXT,
		after_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_resource
		ON audit_log(resource, resource_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp
		ON audit_log(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data. Used by tests and the dev server.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"fee_records", "payouts", "payment_attempts", "superseded_invoices", "contributions", "members", "groups", "audit_log"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry tontine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := marshalState(entry.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(entry.After)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor, action, resource, resource_id, before_json, after_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		formatTime(entry.Timestamp),
		entry.Actor,
		string(entry.Action),
		entry.Resource,
		nullString(entry.ResourceID),
		before,
		after,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter tontine.AuditFilter) ([]tontine.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, filter.Resource)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*filter.To))
	}

	query := `SELECT id, timestamp, actor, action, resource, resource_id, before_json, after_json FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []tontine.AuditEntry
	for rows.Next() {
		var e tontine.AuditEntry
		var ts, action string
		var resourceID, before, after sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &action, &e.Resource, &resourceID, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Action = tontine.AuditAction(action)
		e.ResourceID = resourceID.String
		if e.Before, err = unmarshalState(before); err != nil {
			return nil, err
		}
		if e.After, err = unmarshalState(after); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// affected reports whether a conditional write changed a row.
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalState(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit state: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalState(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode audit state: %w", err)
	}
	return m, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
