package review

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/pagination"
)

// MemoryStore is an in-memory review store for demo/development mode.
type MemoryStore struct {
	reviews map[uuid.UUID]*Review
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory review store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviews: make(map[uuid.UUID]*Review)}
}

func (m *MemoryStore) Create(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.reviews {
		if existing.BookingID == r.BookingID && existing.ReviewerID == r.ReviewerID {
			return ErrAlreadyReviewed
		}
	}
	cp := *r
	m.reviews[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByReviewee(_ context.Context, revieweeID uuid.UUID, cursor *pagination.Cursor, limit int) ([]*Review, error) {
	result := m.filter(func(r *Review) bool {
		return r.RevieweeID == revieweeID && cursor.After(r.CreatedAt, r.ID)
	})
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

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID uuid.UUID) ([]*Review, error) {
	result := m.filter(func(r *Review) bool { return r.BookingID == bookingID })
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Summary(_ context.Context, revieweeID uuid.UUID) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum Summary
	total := 0
	for _, r := range m.reviews {
		if r.RevieweeID == revieweeID {
			sum.Count++
			total += r.Rating
		}
	}
	if sum.Count > 0 {
		sum.Average = float64(total) / float64(sum.Count)
	}
	return sum, nil
}

func (m *MemoryStore) filter(keep func(r *Review) bool) []*Review {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Review
	for _, r := range m.reviews {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}
