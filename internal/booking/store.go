package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/pagination"
)

// ReleaseCursor is the keyset position of a release scan, ordered by
// (releaseAt, id) ascending.
type ReleaseCursor struct {
	ReleaseAt time.Time
	ID        uuid.UUID
}

// Store persists bookings and disputes.
//
// Every mutating method is conditional: the write only happens if the stored
// booking still has the expected status and version, otherwise it returns
// ErrConcurrentModification and leaves the store untouched. On success the
// stored version is expected+1 and b.Version is updated to match.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id uuid.UUID) (*Booking, error)
	CompareAndSwap(ctx context.Context, b *Booking, expected Status, version int64) error

	// ListByParty returns bookings where partyID is client or creator,
	// newest first, starting after cursor.
	ListByParty(ctx context.Context, partyID uuid.UUID, cursor *pagination.Cursor, limit int) ([]*Booking, error)

	// ListReleasable returns delivered bookings with releaseAt <= before and
	// no open dispute, ordered by (releaseAt, id), starting after cursor.
	ListReleasable(ctx context.Context, before time.Time, after *ReleaseCursor, limit int) ([]*Booking, error)

	// OpenDispute inserts d and writes b in one atomic step.
	OpenDispute(ctx context.Context, b *Booking, expected Status, version int64, d *Dispute) error
	// ResolveDispute updates d (which must still be open) and writes b in one
	// atomic step. A dispute resolved in the meantime is ErrConcurrentModification.
	ResolveDispute(ctx context.Context, b *Booking, expected Status, version int64, d *Dispute) error

	GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error)
	GetDisputeByBooking(ctx context.Context, bookingID uuid.UUID) (*Dispute, error)
	ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error)
}
