package payment

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/chain"
	"github.com/mbd888/bookingescrow/internal/pagination"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments map[uuid.UUID]*Payment
	txHashes map[string]uuid.UUID // network|txHash -> payment id
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[uuid.UUID]*Payment),
		txHashes: make(map[string]uuid.UUID),
	}
}

func txKey(n chain.Network, hash string) string {
	return string(n) + "|" + hash
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := txKey(p.Network, p.TxHash)
	if _, dup := m.txHashes[key]; dup {
		return ErrDuplicateTxHash
	}
	m.txHashes[key] = p.ID
	m.payments[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) Decide(_ context.Context, p *Payment, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrAlreadyDecided
	}
	m.payments[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID uuid.UUID) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.BookingID != nil && *p.BookingID == bookingID {
			result = append(result, p.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListSubmitted(_ context.Context, networks []chain.Network, after *pagination.Cursor, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[chain.Network]bool, len(networks))
	for _, n := range networks {
		wanted[n] = true
	}
	var result []*Payment
	for _, p := range m.payments {
		if p.Status == StatusSubmitted && wanted[p.Network] && afterCursor(p, after) {
			result = append(result, p.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID.String() < b.ID.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// afterCursor reports whether p sorts after c in oldest-first order.
func afterCursor(p *Payment, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if p.CreatedAt.Equal(c.CreatedAt) {
		return p.ID.String() > c.ID.String()
	}
	return p.CreatedAt.After(c.CreatedAt)
}
