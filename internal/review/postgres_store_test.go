//go:build integration

package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/testutil"
)

func TestPostgresReview_CreateAndSummary(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	b := &booking.Booking{
		ID:         uuid.New(),
		ClientID:   uuid.New(),
		CreatorID:  uuid.New(),
		Status:     booking.StatusCanceled,
		USDCAmount: decimal.NewFromInt(5),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := booking.NewPostgresStore(db).Create(ctx, b); err != nil {
		t.Fatalf("create booking: %v", err)
	}

	r := &Review{ID: uuid.New(), BookingID: b.ID, ReviewerID: b.ClientID, RevieweeID: b.CreatorID, Rating: 4, Comment: "ok", CreatedAt: now}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	dup := *r
	dup.ID = uuid.New()
	if err := store.Create(ctx, &dup); !errors.Is(err, ErrAlreadyReviewed) {
		t.Errorf("expected ErrAlreadyReviewed, got %v", err)
	}

	got, err := store.Get(ctx, r.ID)
	if err != nil || got.Comment != "ok" {
		t.Fatalf("Get: %+v, %v", got, err)
	}

	sum, err := store.Summary(ctx, b.CreatorID)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if sum.Count != 1 || sum.Average != 4 {
		t.Errorf("unexpected summary %+v", sum)
	}

	page, err := store.ListByReviewee(ctx, b.CreatorID, nil, 10)
	if err != nil || len(page) != 1 {
		t.Errorf("expected 1 review, got %d (%v)", len(page), err)
	}
}
