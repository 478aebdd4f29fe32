// Package review lets the two parties of a finished booking rate each other.
package review

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/pagination"
)

var (
	ErrNotFound        = errors.New("review not found")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrCommentTooLong  = errors.New("comment exceeds 1000 characters")
	ErrNotReviewable   = errors.New("booking can only be reviewed once delivered and accepted, released or refunded")
	ErrUnauthorized    = errors.New("only the client or creator of a booking can review it")
	ErrAlreadyReviewed = errors.New("booking already reviewed by this user")
)

// MaxCommentLength is the longest accepted comment, in runes.
const MaxCommentLength = 1000

// Review is one party's rating of the other for a booking.
type Review struct {
	ID         uuid.UUID `json:"id"`
	BookingID  uuid.UUID `json:"bookingId"`
	ReviewerID uuid.UUID `json:"reviewerId"`
	RevieweeID uuid.UUID `json:"revieweeId"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Summary aggregates the reviews a user received.
type Summary struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// reviewable reports whether reviews are open for a booking. Only bookings
// that were delivered and then finished qualify; a paid booking refunded by
// an admin never had work to rate.
func reviewable(b *booking.Booking) bool {
	if b.DeliveredAt == nil {
		return false
	}
	switch b.Status {
	case booking.StatusAccepted, booking.StatusReleased, booking.StatusRefunded:
		return true
	}
	return false
}

// Store persists reviews.
type Store interface {
	// Create fails with ErrAlreadyReviewed if the reviewer already reviewed the booking.
	Create(ctx context.Context, r *Review) error
	Get(ctx context.Context, id uuid.UUID) (*Review, error)
	ListByReviewee(ctx context.Context, revieweeID uuid.UUID, cursor *pagination.Cursor, limit int) ([]*Review, error)
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Review, error)
	Summary(ctx context.Context, revieweeID uuid.UUID) (Summary, error)
}

// BookingReader loads bookings. *booking.Service implements it.
type BookingReader interface {
	Load(ctx context.Context, id uuid.UUID) (*booking.Booking, error)
}
