/*
Package sqlite provides a SQLite-backed implementation of the clearance
storage interfaces.

PURPOSE:
  Implements CriteriaStore and AffiliateStateStore, plus a reference
  EarningsProvider backed by local tables so the service runs end to
  end without the production earnings ledger. The same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  clearance.CriteriaStore:       Criteria lifecycle with guarded writes
  clearance.AffiliateStateStore: Per-affiliate clearance/batch state
  clearance.EarningsProvider:    Dev/demo earnings aggregation

GUARDED TRANSITIONS:
  Lifecycle and batch-state writes are UPDATEs guarded by the expected
  current state:

    UPDATE ... SET lifecycle_status='locked'
    WHERE id=? AND lifecycle_status='open'

  Zero rows affected means another call won the race; the store reports
  clearance.ErrConcurrentModification and the engines decide what that
  means. This is the compare-and-swap discipline that keeps concurrent
  lock() calls and concurrent batch calls on one affiliate safe.

KEY TABLES:
  clearance_criteria: One row per payout period; one active at a time
  affiliate_states:   (criteria, affiliate) -> status + batch state
  status_overrides:   Append-only audit of manual status changes
  affiliates:         Identity fields for the dev earnings provider
  earnings:           Individual unpaid earning lines (dev provider)

WAL MODE:
  SQLite is opened with WAL for better read concurrency, plus a
  sync.RWMutex for in-process safety.

USAGE:
  store, err := sqlite.New("./data/clearance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - clearance/store.go: Interface definitions
  - clearance/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/ferryline/clearance-engine/clearance"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Clearance criteria (one row per payout period)
	CREATE TABLE IF NOT EXISTS clearance_criteria (
		id TEXT PRIMARY KEY,
		lifecycle_status TEXT NOT NULL DEFAULT 'open',
		cutoff_date TEXT,
		minimum_amount TEXT,
		forced_complete BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		superseded_at TEXT
	);

	-- At most one active (non-superseded) record at a time
	-- Indexing a constant enforces at most one non-superseded row.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_criteria_active
		ON clearance_criteria((1)) WHERE superseded_at IS NULL;

	-- Per-affiliate state within one period
	CREATE TABLE IF NOT EXISTS affiliate_states (
		criteria_id TEXT NOT NULL,
		affiliate_id INTEGER NOT NULL,
		clearance_status TEXT NOT NULL DEFAULT 'pending',
		batch_state TEXT NOT NULL DEFAULT 'none',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (criteria_id, affiliate_id)
	);

	CREATE INDEX IF NOT EXISTS idx_affiliate_states_batch
		ON affiliate_states(criteria_id, batch_state);

	-- Append-only audit of manual status overrides
	CREATE TABLE IF NOT EXISTS status_overrides (
		id TEXT PRIMARY KEY,
		criteria_id TEXT NOT NULL,
		affiliate_id INTEGER NOT NULL,
		previous_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		actor TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_affiliate
		ON status_overrides(criteria_id, affiliate_id, created_at);

	-- Dev earnings provider: affiliate identities
	CREATE TABLE IF NOT EXISTS affiliates (
		id INTEGER PRIMARY KEY,
		display_name TEXT NOT NULL,
		contract_type TEXT NOT NULL,
		id_expiration_date TEXT,
		fake BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Dev earnings provider: individual unpaid earning lines
	CREATE TABLE IF NOT EXISTS earnings (
		id TEXT PRIMARY KEY,
		affiliate_id INTEGER NOT NULL,
		booking_category INTEGER NOT NULL DEFAULT 1,
		amount TEXT NOT NULL,
		earned_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_earnings_affiliate
		ON earnings(affiliate_id, booking_category, earned_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CRITERIA STORE (clearance.CriteriaStore interface)
// =============================================================================

// Current returns the active criteria record, creating a default open
// record if none exists.
func (s *Store) Current(ctx context.Context) (*clearance.ClearanceCriteria, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	criteria, err := s.activeCriteria(ctx)
	if err != nil {
		return nil, err
	}
	if criteria != nil {
		return criteria, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clearance_criteria (id, lifecycle_status, created_at, updated_at) VALUES (?, 'open', ?, ?)`,
		id, now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Concurrent first use created the record; read it back.
			return s.activeCriteria(ctx)
		}
		return nil, fmt.Errorf("failed to create criteria: %w", err)
	}

	return s.activeCriteria(ctx)
}

func (s *Store) activeCriteria(ctx context.Context) (*clearance.ClearanceCriteria, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lifecycle_status, cutoff_date, minimum_amount, forced_complete,
		       created_at, updated_at, completed_at, superseded_at
		FROM clearance_criteria
		WHERE superseded_at IS NULL
	`)
	criteria, err := scanCriteria(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return criteria, err
}

// Lock sets cutoff/threshold with a guarded transition from open to locked.
func (s *Store) Lock(ctx context.Context, id clearance.CriteriaID, cutoff time.Time, minimum decimal.Decimal) (*clearance.ClearanceCriteria, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE clearance_criteria
		SET lifecycle_status = 'locked', cutoff_date = ?, minimum_amount = ?, updated_at = ?
		WHERE id = ? AND lifecycle_status = 'open'
	`, cutoff.Format("2006-01-02"), minimum.String(), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock criteria: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, clearance.ErrConcurrentModification
	}

	return s.getCriteria(ctx, id)
}

// Complete moves the record to completed with a guarded transition.
func (s *Store) Complete(ctx context.Context, id clearance.CriteriaID, forced bool) (*clearance.ClearanceCriteria, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE clearance_criteria
		SET lifecycle_status = 'completed', forced_complete = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND lifecycle_status = 'locked'
	`, forced, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to complete criteria: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, clearance.ErrConcurrentModification
	}

	return s.getCriteria(ctx, id)
}

// StartNewPeriod supersedes the active completed record and opens a fresh one.
func (s *Store) StartNewPeriod(ctx context.Context) (*clearance.ClearanceCriteria, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE clearance_criteria
		SET superseded_at = ?, updated_at = ?
		WHERE superseded_at IS NULL AND lifecycle_status = 'completed'
	`, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede criteria: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, clearance.ErrConcurrentModification
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO clearance_criteria (id, lifecycle_status, created_at, updated_at) VALUES (?, 'open', ?, ?)`,
		id, now, now,
	); err != nil {
		return nil, fmt.Errorf("failed to open new period: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.getCriteria(ctx, clearance.CriteriaID(id))
}

// History returns all criteria records, newest first.
func (s *Store) History(ctx context.Context) ([]clearance.ClearanceCriteria, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lifecycle_status, cutoff_date, minimum_amount, forced_complete,
		       created_at, updated_at, completed_at, superseded_at
		FROM clearance_criteria
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clearance.ClearanceCriteria
	for rows.Next() {
		criteria, err := scanCriteria(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *criteria)
	}
	return out, rows.Err()
}

func (s *Store) getCriteria(ctx context.Context, id clearance.CriteriaID) (*clearance.ClearanceCriteria, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lifecycle_status, cutoff_date, minimum_amount, forced_complete,
		       created_at, updated_at, completed_at, superseded_at
		FROM clearance_criteria
		WHERE id = ?
	`, id)
	criteria, err := scanCriteria(row)
	if err == sql.ErrNoRows {
		return nil, clearance.ErrNotFound
	}
	return criteria, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCriteria(row rowScanner) (*clearance.ClearanceCriteria, error) {
	var (
		c           clearance.ClearanceCriteria
		cutoff      sql.NullString
		minimum     sql.NullString
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
		superseded  sql.NullString
	)

	err := row.Scan(&c.ID, &c.Status, &cutoff, &minimum, &c.ForcedComplete,
		&createdAt, &updatedAt, &completedAt, &superseded)
	if err != nil {
		return nil, err
	}

	if cutoff.Valid {
		t, err := time.Parse("2006-01-02", cutoff.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cutoff date: %w", err)
		}
		c.CutoffDate = &t
	}
	if minimum.Valid {
		d, err := decimal.NewFromString(minimum.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse minimum amount: %w", err)
		}
		c.MinimumAmount = &d
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		c.CompletedAt = &t
	}
	if superseded.Valid {
		t, _ := time.Parse(time.RFC3339, superseded.String)
		c.SupersededAt = &t
	}

	return &c, nil
}

// =============================================================================
// AFFILIATE STATE STORE (clearance.AffiliateStateStore interface)
// =============================================================================

// States returns all persisted per-affiliate states for a period.
func (s *Store) States(ctx context.Context, criteriaID clearance.CriteriaID) (map[clearance.AffiliateID]clearance.AffiliateState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT criteria_id, affiliate_id, clearance_status, batch_state, updated_at
		FROM affiliate_states
		WHERE criteria_id = ?
	`, criteriaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[clearance.AffiliateID]clearance.AffiliateState)
	for rows.Next() {
		var (
			state     clearance.AffiliateState
			updatedAt string
		)
		if err := rows.Scan(&state.CriteriaID, &state.AffiliateID, &state.Status, &state.BatchState, &updatedAt); err != nil {
			return nil, err
		}
		state.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out[state.AffiliateID] = state
	}
	return out, rows.Err()
}

// SetStatus upserts the individual clearance status for one affiliate and
// returns the previous status. The read and the upsert share the store's
// write lock, so the returned value is the true predecessor even when
// overrides race.
func (s *Store) SetStatus(ctx context.Context, criteriaID clearance.CriteriaID, affiliateID clearance.AffiliateID, status clearance.ClearanceStatus) (clearance.ClearanceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := clearance.ClearancePending
	var current string
	err := s.db.QueryRowContext(ctx, `
		SELECT clearance_status FROM affiliate_states
		WHERE criteria_id = ? AND affiliate_id = ?
	`, criteriaID, affiliateID).Scan(&current)
	switch {
	case err == nil:
		previous = clearance.ClearanceStatus(current)
	case !errors.Is(err, sql.ErrNoRows):
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO affiliate_states (criteria_id, affiliate_id, clearance_status, batch_state, updated_at)
		VALUES (?, ?, ?, 'none', ?)
		ON CONFLICT(criteria_id, affiliate_id) DO UPDATE SET
			clearance_status = excluded.clearance_status,
			updated_at = excluded.updated_at
	`, criteriaID, affiliateID, status, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", err
	}
	return previous, nil
}

// TransitionBatchState performs a guarded batch-state transition for one
// affiliate. A missing row counts as BatchNone.
func (s *Store) TransitionBatchState(ctx context.Context, criteriaID clearance.CriteriaID, affiliateID clearance.AffiliateID, from, to clearance.BatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx, `
		UPDATE affiliate_states
		SET batch_state = ?, updated_at = ?
		WHERE criteria_id = ? AND affiliate_id = ? AND batch_state = ?
	`, to, now, criteriaID, affiliateID, from)
	if err != nil {
		return fmt.Errorf("failed to transition batch state: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if from != clearance.BatchNone {
		return clearance.ErrConcurrentModification
	}

	// No row yet: the implicit state is none, so insert directly in the
	// target state. A primary-key conflict means another call raced us.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO affiliate_states (criteria_id, affiliate_id, clearance_status, batch_state, updated_at)
		VALUES (?, ?, 'pending', ?, ?)
	`, criteriaID, affiliateID, to, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return clearance.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert affiliate state: %w", err)
	}
	return nil
}

// AppendOverride records one manual status change.
func (s *Store) AppendOverride(ctx context.Context, rec clearance.OverrideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_overrides (id, criteria_id, affiliate_id, previous_status, new_status, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.CriteriaID, rec.AffiliateID, rec.PreviousStatus, rec.NewStatus, rec.Actor,
		rec.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// Overrides returns the audit history for one affiliate, oldest first.
func (s *Store) Overrides(ctx context.Context, criteriaID clearance.CriteriaID, affiliateID clearance.AffiliateID) ([]clearance.OverrideRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, criteria_id, affiliate_id, previous_status, new_status, actor, created_at
		FROM status_overrides
		WHERE criteria_id = ? AND affiliate_id = ?
		ORDER BY created_at ASC
	`, criteriaID, affiliateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clearance.OverrideRecord
	for rows.Next() {
		var (
			rec       clearance.OverrideRecord
			actor     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.CriteriaID, &rec.AffiliateID, &rec.PreviousStatus,
			&rec.NewStatus, &actor, &createdAt); err != nil {
			return nil, err
		}
		rec.Actor = actor.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// EARNINGS PROVIDER (clearance.EarningsProvider interface, dev/demo)
// =============================================================================

// ListUnpaidEarnings aggregates the local earnings table per affiliate.
// The production deployment swaps this for the real ledger client; the
// engines only ever see the interface.
func (s *Store) ListUnpaidEarnings(ctx context.Context, q clearance.EarningsQuery) ([]clearance.EarningsRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.affiliate_id, a.display_name, a.contract_type, a.id_expiration_date, a.fake, e.amount
		FROM earnings e
		JOIN affiliates a ON a.id = e.affiliate_id
		WHERE e.booking_category = ? AND e.earned_date <= ?
		ORDER BY e.affiliate_id ASC
	`, q.BookingCategory, clearance.DateOnly(q.CutoffDate).Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clearance.EarningsRow
	for rows.Next() {
		var (
			id         clearance.AffiliateID
			name       string
			contract   string
			expiration sql.NullString
			fake       bool
			amountStr  string
		)
		if err := rows.Scan(&id, &name, &contract, &expiration, &fake, &amountStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse earning amount: %w", err)
		}

		if len(out) == 0 || out[len(out)-1].AffiliateID != id {
			row := clearance.EarningsRow{
				AffiliateID:  id,
				DisplayName:  name,
				ContractType: contract,
				Fake:         fake,
				UnpaidAmount: decimal.Zero,
			}
			if expiration.Valid {
				if t, err := time.Parse("2006-01-02", expiration.String); err == nil {
					row.IDExpirationDate = &t
				}
			}
			out = append(out, row)
		}
		last := &out[len(out)-1]
		last.UnpaidCount++
		last.UnpaidAmount = last.UnpaidAmount.Add(amount)
	}
	return out, rows.Err()
}

// SaveAffiliate upserts one affiliate identity (dev provider).
func (s *Store) SaveAffiliate(ctx context.Context, id clearance.AffiliateID, displayName, contractType string, idExpiration *time.Time, fake bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiration *string
	if idExpiration != nil {
		v := idExpiration.Format("2006-01-02")
		expiration = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO affiliates (id, display_name, contract_type, id_expiration_date, fake)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			contract_type = excluded.contract_type,
			id_expiration_date = excluded.id_expiration_date,
			fake = excluded.fake
	`, id, displayName, contractType, expiration, fake)
	return err
}

// AddEarning records one unpaid earning line (dev provider).
func (s *Store) AddEarning(ctx context.Context, affiliateID clearance.AffiliateID, bookingCategory int, amount decimal.Decimal, earnedDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bookingCategory == 0 {
		bookingCategory = clearance.DefaultBookingCategory
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO earnings (id, affiliate_id, booking_category, amount, earned_date)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), affiliateID, bookingCategory, amount.String(),
		clearance.DateOnly(earnedDate).Format("2006-01-02"))
	return err
}

// Reset clears all data (tests/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"clearance_criteria", "affiliate_states", "status_overrides", "affiliates", "earnings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
