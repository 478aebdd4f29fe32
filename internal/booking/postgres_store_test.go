//go:build integration

package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/settlement"
	"github.com/mbd888/bookingescrow/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func newPGBooking(status Status, createdAt time.Time) *Booking {
	return &Booking{
		ID:         uuid.New(),
		ClientID:   uuid.New(),
		CreatorID:  uuid.New(),
		Status:     status,
		USDCAmount: decimal.RequireFromString("42.500000"),
		Chain:      "base",
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestPostgresBooking_CreateAndGet(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	b := newPGBooking(StatusPending, now)
	b.ServiceID = "svc_logo"
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending || got.ServiceID != "svc_logo" || !got.USDCAmount.Equal(b.USDCAmount) {
		t.Errorf("unexpected booking: %+v", got)
	}
	if got.Proof != nil || got.Settlement != nil || got.ReleaseAt != nil {
		t.Errorf("expected empty optional columns, got %+v", got)
	}

	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresBooking_CompareAndSwap(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	b := newPGBooking(StatusPaid, now)
	b.WorkStartedAt = &now
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale := *b
	releaseAt := now.Add(72 * time.Hour)
	b.Status = StatusDelivered
	b.DeliveredAt = &now
	b.ReleaseAt = &releaseAt
	b.Proof = &Proof{Links: []ProofItem{{URL: "https://example.com/x"}}}
	if err := store.CompareAndSwap(ctx, b, StatusPaid, 0); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if b.Version != 1 {
		t.Errorf("expected version 1, got %d", b.Version)
	}

	stale.Status = StatusCanceled
	if err := store.CompareAndSwap(ctx, &stale, StatusPaid, 0); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
	missing := newPGBooking(StatusPaid, now)
	if err := store.CompareAndSwap(ctx, missing, StatusPaid, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	split, _ := settlement.For(settlement.OutcomeRelease, b.USDCAmount)
	b.Status = StatusReleased
	b.Settlement = &split
	b.SettledAt = &releaseAt
	if err := store.CompareAndSwap(ctx, b, StatusDelivered, 1); err != nil {
		t.Fatalf("settle CompareAndSwap failed: %v", err)
	}

	got, _ := store.Get(ctx, b.ID)
	if got.Status != StatusReleased || got.Version != 2 {
		t.Errorf("expected released v2, got %s v%d", got.Status, got.Version)
	}
	if got.Settlement == nil || !got.Settlement.CreatorShare.Equal(decimal.RequireFromString("36.12")) {
		t.Errorf("unexpected settlement: %+v", got.Settlement)
	}
	if got.Proof == nil || got.Proof.Links[0].URL != "https://example.com/x" {
		t.Errorf("proof not persisted: %+v", got.Proof)
	}
}

func TestPostgresBooking_ListReleasable(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		b := newPGBooking(StatusDelivered, now)
		delivered := now.Add(-100 * time.Hour)
		releaseAt := now.Add(time.Duration(i-2) * time.Hour)
		b.DeliveredAt = &delivered
		b.ReleaseAt = &releaseAt
		if err := store.Create(ctx, b); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, b.ID)
	}

	// i == 2 releases at now; a dispute on ids[0] hides it.
	disputed, _ := store.Get(ctx, ids[0])
	disputed.Status = StatusDisputed
	d := &Dispute{ID: uuid.New(), BookingID: ids[0], OpenedBy: disputed.ClientID, Reason: "late", Status: DisputeOpen, OpenedAt: now}
	if err := store.OpenDispute(ctx, disputed, StatusDelivered, 0, d); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	got, err := store.ListReleasable(ctx, now, nil, 10)
	if err != nil {
		t.Fatalf("ListReleasable failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("expected [%s %s], got %d bookings", ids[1], ids[2], len(got))
	}

	rest, err := store.ListReleasable(ctx, now, &ReleaseCursor{ReleaseAt: *got[0].ReleaseAt, ID: got[0].ID}, 10)
	if err != nil {
		t.Fatalf("ListReleasable after cursor failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[2] {
		t.Errorf("expected only %s after cursor, got %d", ids[2], len(rest))
	}
}

func TestPostgresBooking_Disputes(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	b := newPGBooking(StatusDelivered, now)
	releaseAt := now.Add(72 * time.Hour)
	b.DeliveredAt = &now
	b.ReleaseAt = &releaseAt
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	b.Status = StatusDisputed
	d := &Dispute{ID: uuid.New(), BookingID: b.ID, OpenedBy: b.CreatorID, Reason: "unpaid extras", Status: DisputeOpen, OpenedAt: now}
	if err := store.OpenDispute(ctx, b, StatusDelivered, 0, d); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	again := *b
	second := &Dispute{ID: uuid.New(), BookingID: b.ID, OpenedBy: b.ClientID, Reason: "x", Status: DisputeOpen, OpenedAt: now}
	if err := store.OpenDispute(ctx, &again, StatusDisputed, 1, second); !errors.Is(err, ErrDisputeAlreadyOpen) {
		t.Errorf("expected ErrDisputeAlreadyOpen, got %v", err)
	}
	if got, _ := store.Get(ctx, b.ID); got.Version != 1 {
		t.Errorf("failed dispute open must not bump the version, got %d", got.Version)
	}

	open, err := store.ListOpenDisputes(ctx, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open dispute, got %d (%v)", len(open), err)
	}

	resolver := uuid.New()
	split, _ := settlement.Refund(b.USDCAmount)
	b.Status = StatusRefunded
	b.ReleaseAt = nil
	b.Settlement = &split
	b.SettledAt = &now
	d.Status = DisputeResolved
	d.Outcome = settlement.OutcomeRefund
	d.ResolvedBy = &resolver
	d.ResolvedAt = &now
	if err := store.ResolveDispute(ctx, b, StatusDisputed, 1, d); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	got, err := store.GetDisputeByBooking(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetDisputeByBooking failed: %v", err)
	}
	if got.Status != DisputeResolved || got.ResolvedBy == nil || *got.ResolvedBy != resolver {
		t.Errorf("unexpected dispute: %+v", got)
	}
	if err := store.ResolveDispute(ctx, b, StatusRefunded, 2, d); err == nil {
		t.Error("expected resolving twice to fail")
	}
}
