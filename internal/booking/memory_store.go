package booking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
// One mutex guards bookings and disputes so that the dual writes in
// OpenDispute and ResolveDispute are atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	bookings  map[uuid.UUID]*Booking
	disputes  map[uuid.UUID]*Dispute
	byBooking map[uuid.UUID]uuid.UUID // booking id -> dispute id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:  make(map[uuid.UUID]*Booking),
		disputes:  make(map[uuid.UUID]*Dispute),
		byBooking: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MemoryStore) Create(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bookings[b.ID]; exists {
		return ErrConcurrentModification
	}
	m.bookings[b.ID] = b.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, b *Booking, expected Status, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapLocked(b, expected, version)
}

// swapLocked performs the conditional write. Caller holds m.mu.
func (m *MemoryStore) swapLocked(b *Booking, expected Status, version int64) error {
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected || cur.Version != version {
		return ErrConcurrentModification
	}
	b.Version = version + 1
	m.bookings[b.ID] = b.clone()
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID uuid.UUID, cursor *pagination.Cursor, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if b.IsParty(partyID) && cursor.After(b.CreatedAt, b.ID) {
			result = append(result, b.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return strings.Compare(result[i].ID.String(), result[j].ID.String()) > 0
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, before time.Time, after *ReleaseCursor, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if b.Status != StatusDelivered || b.ReleaseAt == nil || b.ReleaseAt.After(before) {
			continue
		}
		if m.hasOpenDisputeLocked(b.ID) {
			continue
		}
		if after != nil && !releaseAfter(*b.ReleaseAt, b.ID, *after) {
			continue
		}
		result = append(result, b.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return releaseAfter(*result[j].ReleaseAt, result[j].ID, ReleaseCursor{ReleaseAt: *result[i].ReleaseAt, ID: result[i].ID})
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// releaseAfter reports whether (at, id) sorts strictly after c.
func releaseAfter(at time.Time, id uuid.UUID, c ReleaseCursor) bool {
	if at.Equal(c.ReleaseAt) {
		return strings.Compare(id.String(), c.ID.String()) > 0
	}
	return at.After(c.ReleaseAt)
}

func (m *MemoryStore) hasOpenDisputeLocked(bookingID uuid.UUID) bool {
	id, ok := m.byBooking[bookingID]
	return ok && m.disputes[id].Status == DisputeOpen
}

func (m *MemoryStore) OpenDispute(_ context.Context, b *Booking, expected Status, version int64, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byBooking[b.ID]; exists {
		return ErrDisputeAlreadyOpen
	}
	if err := m.swapLocked(b, expected, version); err != nil {
		return err
	}
	m.disputes[d.ID] = d.clone()
	m.byBooking[b.ID] = d.ID
	return nil
}

func (m *MemoryStore) ResolveDispute(_ context.Context, b *Booking, expected Status, version int64, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != DisputeOpen {
		// Resolved by someone else since the caller read it.
		return fmt.Errorf("%w: %w", ErrConcurrentModification, ErrDisputeNotOpen)
	}
	if err := m.swapLocked(b, expected, version); err != nil {
		return err
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id uuid.UUID) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetDisputeByBooking(_ context.Context, bookingID uuid.UUID) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byBooking[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.disputes[id].clone(), nil
}

func (m *MemoryStore) ListOpenDisputes(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == DisputeOpen {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
