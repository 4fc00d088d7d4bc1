// Package store provides in-memory implementations of the clearance
// persistence interfaces, for tests and dev runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ferryline/clearance-engine/clearance"
)

// =============================================================================
// MEMORY CRITERIA STORE
// =============================================================================

type MemoryCriteria struct {
	mu      sync.Mutex
	records []*clearance.ClearanceCriteria // insertion order; last non-superseded is active
}

func NewMemoryCriteria() *MemoryCriteria {
	return &MemoryCriteria{}
}

func (m *MemoryCriteria) Current(_ context.Context) (*clearance.ClearanceCriteria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(), nil
}

func (m *MemoryCriteria) activeLocked() *clearance.ClearanceCriteria {
	for _, rec := range m.records {
		if rec.SupersededAt == nil {
			snapshot := *rec
			return &snapshot
		}
	}
	rec := &clearance.ClearanceCriteria{
		ID:        clearance.CriteriaID(uuid.NewString()),
		Status:    clearance.StatusOpen,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	m.records = append(m.records, rec)
	snapshot := *rec
	return &snapshot
}

func (m *MemoryCriteria) Lock(_ context.Context, id clearance.CriteriaID, cutoff time.Time, minimum decimal.Decimal) (*clearance.ClearanceCriteria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findLocked(id)
	if rec == nil || rec.Status != clearance.StatusOpen {
		return nil, clearance.ErrConcurrentModification
	}

	cutoff = clearance.DateOnly(cutoff)
	rec.CutoffDate = &cutoff
	rec.MinimumAmount = &minimum
	rec.Status = clearance.StatusLocked
	rec.UpdatedAt = time.Now().UTC()

	snapshot := *rec
	return &snapshot, nil
}

func (m *MemoryCriteria) Complete(_ context.Context, id clearance.CriteriaID, forced bool) (*clearance.ClearanceCriteria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findLocked(id)
	if rec == nil || rec.Status != clearance.StatusLocked {
		return nil, clearance.ErrConcurrentModification
	}

	now := time.Now().UTC()
	rec.Status = clearance.StatusCompleted
	rec.ForcedComplete = forced
	rec.CompletedAt = &now
	rec.UpdatedAt = now

	snapshot := *rec
	return &snapshot, nil
}

func (m *MemoryCriteria) StartNewPeriod(_ context.Context) (*clearance.ClearanceCriteria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active *clearance.ClearanceCriteria
	for _, rec := range m.records {
		if rec.SupersededAt == nil {
			active = rec
			break
		}
	}
	if active == nil || active.Status != clearance.StatusCompleted {
		return nil, clearance.ErrConcurrentModification
	}

	now := time.Now().UTC()
	active.SupersededAt = &now

	fresh := &clearance.ClearanceCriteria{
		ID:        clearance.CriteriaID(uuid.NewString()),
		Status:    clearance.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.records = append(m.records, fresh)
	snapshot := *fresh
	return &snapshot, nil
}

func (m *MemoryCriteria) History(_ context.Context) ([]clearance.ClearanceCriteria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]clearance.ClearanceCriteria, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		out = append(out, *m.records[i])
	}
	return out, nil
}

func (m *MemoryCriteria) findLocked(id clearance.CriteriaID) *clearance.ClearanceCriteria {
	for _, rec := range m.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

// =============================================================================
// MEMORY AFFILIATE STATE STORE
// =============================================================================

type stateKey struct {
	CriteriaID  clearance.CriteriaID
	AffiliateID clearance.AffiliateID
}

type MemoryStates struct {
	mu        sync.Mutex
	states    map[stateKey]clearance.AffiliateState
	overrides []clearance.OverrideRecord
}

func NewMemoryStates() *MemoryStates {
	return &MemoryStates{states: make(map[stateKey]clearance.AffiliateState)}
}

func (m *MemoryStates) States(_ context.Context, criteriaID clearance.CriteriaID) (map[clearance.AffiliateID]clearance.AffiliateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[clearance.AffiliateID]clearance.AffiliateState)
	for k, v := range m.states {
		if k.CriteriaID == criteriaID {
			out[k.AffiliateID] = v
		}
	}
	return out, nil
}

func (m *MemoryStates) SetStatus(_ context.Context, criteriaID clearance.CriteriaID, affiliateID clearance.AffiliateID, status clearance.ClearanceStatus) (clearance.ClearanceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := stateKey{CriteriaID: criteriaID, AffiliateID: affiliateID}
	s, ok := m.states[k]
	if !ok {
		s = clearance.AffiliateState{
			CriteriaID:  criteriaID,
			AffiliateID: affiliateID,
			Status:      clearance.ClearancePending,
			BatchState:  clearance.BatchNone,
		}
	}
	previous := s.Status
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	m.states[k] = s
	return previous, nil
}

func (m *MemoryStates) TransitionBatchState(_ context.Context, criteriaID clearance.CriteriaID, affiliateID clearance.AffiliateID, from, to clearance.BatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := stateKey{CriteriaID: criteriaID, AffiliateID: affiliateID}
	s, ok := m.states[k]
	if !ok {
		if from != clearance.BatchNone {
			return clearance.ErrConcurrentModification
		}
		s = clearance.AffiliateState{
			CriteriaID:  criteriaID,
			AffiliateID: affiliateID,
			Status:      clearance.ClearancePending,
			BatchState:  clearance.BatchNone,
		}
	}
	if s.BatchState != from {
		return clearance.ErrConcurrentModification
	}
	s.BatchState = to
	s.UpdatedAt = time.Now().UTC()
	m.states[k] = s
	return nil
}

func (m *MemoryStates) AppendOverride(_ context.Context, rec clearance.OverrideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, rec)
	return nil
}

func (m *MemoryStates) Overrides(_ context.Context, criteriaID clearance.CriteriaID, affiliateID clearance.AffiliateID) ([]clearance.OverrideRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []clearance.OverrideRecord
	for _, rec := range m.overrides {
		if rec.CriteriaID == criteriaID && rec.AffiliateID == affiliateID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// MEMORY EARNINGS PROVIDER
// =============================================================================

// Earning is one unpaid earning line held by the in-memory provider.
type Earning struct {
	AffiliateID     clearance.AffiliateID
	BookingCategory int
	Amount          decimal.Decimal
	EarnedDate      time.Time
}

// Affiliate is the provider's view of one affiliate's identity fields.
type Affiliate struct {
	ID               clearance.AffiliateID
	DisplayName      string
	ContractType     string
	IDExpirationDate *time.Time
	Fake             bool
}

// MemoryEarnings is an in-memory EarningsProvider for tests and demos.
type MemoryEarnings struct {
	mu         sync.Mutex
	affiliates map[clearance.AffiliateID]Affiliate
	earnings   []Earning
}

func NewMemoryEarnings() *MemoryEarnings {
	return &MemoryEarnings{affiliates: make(map[clearance.AffiliateID]Affiliate)}
}

// AddAffiliate registers an affiliate identity.
func (m *MemoryEarnings) AddAffiliate(a Affiliate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.affiliates[a.ID] = a
}

// AddEarning records one unpaid earning line.
func (m *MemoryEarnings) AddEarning(e Earning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.BookingCategory == 0 {
		e.BookingCategory = clearance.DefaultBookingCategory
	}
	m.earnings = append(m.earnings, e)
}

func (m *MemoryEarnings) ListUnpaidEarnings(_ context.Context, q clearance.EarningsQuery) ([]clearance.EarningsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type agg struct {
		count  int
		amount decimal.Decimal
	}
	totals := make(map[clearance.AffiliateID]*agg)
	cutoff := clearance.DateOnly(q.CutoffDate)

	for _, e := range m.earnings {
		if e.BookingCategory != q.BookingCategory {
			continue
		}
		if clearance.DateOnly(e.EarnedDate).After(cutoff) {
			continue
		}
		t, ok := totals[e.AffiliateID]
		if !ok {
			t = &agg{amount: decimal.Zero}
			totals[e.AffiliateID] = t
		}
		t.count++
		t.amount = t.amount.Add(e.Amount)
	}

	rows := make([]clearance.EarningsRow, 0, len(totals))
	for id, t := range totals {
		a := m.affiliates[id]
		rows = append(rows, clearance.EarningsRow{
			AffiliateID:      id,
			DisplayName:      a.DisplayName,
			ContractType:     a.ContractType,
			UnpaidCount:      t.count,
			UnpaidAmount:     t.amount,
			IDExpirationDate: a.IDExpirationDate,
			Fake:             a.Fake,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AffiliateID < rows[j].AffiliateID })
	return rows, nil
}
