package booking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/events"
	"github.com/mbd888/bookingescrow/internal/settlement"
)

func TestAutoRelease_RequiresSystem(t *testing.T) {
	f := newFixture(t)
	b := f.delivered(t, "10")
	f.clock.Set(t0.Add(80 * time.Hour))

	for _, a := range []auth.Actor{f.client, f.creator, f.admin} {
		_, err := f.svc.AutoRelease(context.Background(), b.ID, a)
		assert.ErrorIs(t, err, ErrUnauthorized, a.Role)
	}
}

func TestAutoRelease_WindowBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.delivered(t, "10")
	releaseAt := *b.ReleaseAt

	f.clock.Set(releaseAt.Add(-time.Nanosecond))
	_, err := f.svc.AutoRelease(ctx, b.ID, auth.System)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "protection window still open", te.Reason)
	f.requireUnchanged(t, b)

	f.clock.Set(releaseAt)
	released, err := f.svc.AutoRelease(ctx, b.ID, auth.System)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, settlement.OutcomeRelease, released.Settlement.Outcome)
	assert.Equal(t, releaseAt, *released.SettledAt)
}

func TestSweep_ReleasesLapsedWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lapsed := f.delivered(t, "10")
	f.clock.Set(t0.Add(time.Hour))
	fresh := f.delivered(t, "10")
	paid := f.paid(t, "10")

	res, err := f.svc.RunReleaseSweep(ctx, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Released: 1}, res)

	got, _ := f.store.Get(ctx, lapsed.ID)
	assert.Equal(t, StatusReleased, got.Status)
	got, _ = f.store.Get(ctx, fresh.ID)
	assert.Equal(t, StatusDelivered, got.Status)
	got, _ = f.store.Get(ctx, paid.ID)
	assert.Equal(t, StatusPaid, got.Status)

	again, err := f.svc.RunReleaseSweep(ctx, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again, "second sweep is a no-op")
	assert.Len(t, f.events.OfType(events.TypeSettlementApplied), 1)
}

// A dispute opened inside the window holds the funds past the deadline.
func TestSweep_SkipsDisputedBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.delivered(t, "10")

	f.clock.Set(t0.Add(10 * time.Hour))
	_, _, err := f.svc.OpenDispute(ctx, b.ID, f.client, "wrong deliverable")
	require.NoError(t, err)

	res, err := f.svc.RunReleaseSweep(ctx, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)

	got, _ := f.store.Get(ctx, b.ID)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Nil(t, got.Settlement)
}

func TestSweep_Batches(t *testing.T) {
	f := newFixture(t)
	f.svc.WithSweepBatch(2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.delivered(t, "3")
	}
	res, err := f.svc.RunReleaseSweep(ctx, t0.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 5, res.Released)
}

type failingSwapStore struct {
	*MemoryStore
	failID uuid.UUID
}

func (s *failingSwapStore) CompareAndSwap(ctx context.Context, b *Booking, expected Status, version int64) error {
	if b.ID == s.failID {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CompareAndSwap(ctx, b, expected, version)
}

func TestSweep_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.svc.WithSweepBatch(1)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		ids = append(ids, f.delivered(t, "3").ID)
	}
	f.svc.store = &failingSwapStore{MemoryStore: f.store, failID: ids[0]}

	res, err := f.svc.RunReleaseSweep(ctx, t0.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Released: 2, Failed: 1}, res)

	got, _ := f.store.Get(ctx, ids[0])
	assert.Equal(t, StatusDelivered, got.Status)
	got, _ = f.store.Get(ctx, ids[2])
	assert.Equal(t, StatusReleased, got.Status)
}

// barrierStore makes the first two readers of a booking wait for each other,
// so both act on the same version.
type barrierStore struct {
	*MemoryStore
	wg   sync.WaitGroup
	left atomic.Int32
}

func newBarrierStore(inner *MemoryStore) *barrierStore {
	s := &barrierStore{MemoryStore: inner}
	s.wg.Add(2)
	s.left.Store(2)
	return s
}

func (s *barrierStore) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.MemoryStore.Get(ctx, id)
	if s.left.Add(-1) >= 0 {
		s.wg.Done()
		s.wg.Wait()
	}
	return b, err
}

func TestAcceptRacesSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.delivered(t, "100")
	f.clock.Set(t0.Add(73 * time.Hour))
	f.svc.store = newBarrierStore(f.store)

	var acceptErr error
	var sweep SweepResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = f.svc.AcceptDelivery(ctx, b.ID, f.client)
	}()
	go func() {
		defer wg.Done()
		sweep, _ = f.svc.RunReleaseSweep(ctx, t0.Add(73*time.Hour))
	}()
	wg.Wait()

	got, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Status == StatusAccepted || got.Status == StatusReleased, got.Status)
	assert.Len(t, f.events.OfType(events.TypeSettlementApplied), 1, "exactly one settlement")

	if got.Status == StatusAccepted {
		require.NoError(t, acceptErr)
		assert.Equal(t, 1, sweep.Skipped)
	} else {
		assert.ErrorIs(t, acceptErr, ErrConcurrentModification)
		assert.Equal(t, 1, sweep.Released)
	}
}

func TestConcurrentDisputeResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.delivered(t, "100")
	_, d, err := f.svc.OpenDispute(ctx, b.ID, f.client, "files are empty")
	require.NoError(t, err)
	f.svc.store = newBarrierStore(f.store)

	admin2 := auth.Actor{ID: uuid.New(), Role: auth.RoleAdmin}
	outcomes := []settlement.Outcome{settlement.OutcomeRefund, settlement.OutcomeRelease}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, admin := range []auth.Actor{f.admin, admin2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = f.svc.ResolveDispute(ctx, d.ID, admin, outcomes[i], "decided")
		}()
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.ErrorIs(t, err, ErrDisputeNotOpen)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.events.OfType(events.TypeSettlementApplied), 1, "exactly one settlement")

	got, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	stored, err := f.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DisputeResolved, stored.Status)
	if stored.Outcome == settlement.OutcomeRefund {
		assert.Equal(t, StatusRefunded, got.Status)
	} else {
		assert.Equal(t, StatusReleased, got.Status)
	}
}

func TestConcurrentDisputeOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.delivered(t, "100")

	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		opener := f.client
		if i%2 == 1 {
			opener = f.creator
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := f.svc.OpenDispute(ctx, b.ID, opener, "conflict"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	open, err := f.store.ListOpenDisputes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	b := f.delivered(t, "10")
	f.clock.Set(t0.Add(100 * time.Hour))

	timer := NewTimer(f.svc, 10*time.Millisecond, f.svc.logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, _ := f.store.Get(context.Background(), b.ID)
		return got.Status == StatusReleased
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
