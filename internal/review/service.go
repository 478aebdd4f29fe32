package review

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/logging"
	"github.com/mbd888/bookingescrow/internal/pagination"
)

// CreateRequest is the body of POST /v1/reviews.
type CreateRequest struct {
	BookingID uuid.UUID `json:"bookingId" binding:"required"`
	Rating    int       `json:"rating" binding:"required"`
	Comment   string    `json:"comment"`
}

// Service manages reviews.
type Service struct {
	store    Store
	bookings BookingReader
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a review service.
func NewService(store Store, bookings BookingReader, logger *slog.Logger) *Service {
	return &Service{store: store, bookings: bookings, logger: logger, now: time.Now}
}

// Create records the actor's review of the other party of a finished booking.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, ErrInvalidRating
	}
	comment := strings.TrimSpace(req.Comment)
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return nil, ErrCommentTooLong
	}

	b, err := s.bookings.Load(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}

	var reviewee uuid.UUID
	switch actor.ID {
	case b.ClientID:
		reviewee = b.CreatorID
	case b.CreatorID:
		reviewee = b.ClientID
	default:
		return nil, ErrUnauthorized
	}
	if !reviewable(b) {
		return nil, ErrNotReviewable
	}

	r := &Review{
		ID:         uuid.New(),
		BookingID:  b.ID,
		ReviewerID: actor.ID,
		RevieweeID: reviewee,
		Rating:     req.Rating,
		Comment:    comment,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	logging.Or(ctx, s.logger).Info("review created",
		"reviewId", r.ID, "bookingId", r.BookingID, "rating", r.Rating)
	return r, nil
}

// ListForUser returns one page of reviews a user received, newest first,
// plus their rating summary.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]*Review, string, Summary, error) {
	items, err := s.store.ListByReviewee(ctx, userID, cursor, limit+1)
	if err != nil {
		return nil, "", Summary{}, err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(r *Review) (time.Time, uuid.UUID) {
		return r.CreatedAt, r.ID
	})
	sum, err := s.store.Summary(ctx, userID)
	if err != nil {
		return nil, "", Summary{}, err
	}
	return page, next, sum, nil
}

// ListForBooking returns the (at most two) reviews of a booking.
func (s *Service) ListForBooking(ctx context.Context, bookingID uuid.UUID, actor auth.Actor) ([]*Review, error) {
	b, err := s.bookings.Load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.CanView(actor) {
		return nil, ErrUnauthorized
	}
	return s.store.ListByBooking(ctx, bookingID)
}
