package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/metrics"
)

// SweepResult summarizes one release sweep.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"` // changed by someone else between list and release
	Failed   int `json:"failed"`
}

// RunReleaseSweep auto-releases every delivered booking whose window lapsed
// at or before now and that has no open dispute. A failure on one booking
// does not stop the sweep. Running it twice for the same now is harmless:
// released bookings are no longer listed, and a booking released by a
// concurrent sweep is counted as skipped.
func (s *Service) RunReleaseSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.ReleaseSweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	var after *ReleaseCursor
	for {
		batch, err := s.store.ListReleasable(ctx, now, after, s.batch)
		if err != nil {
			return res, fmt.Errorf("list releasable bookings: %w", err)
		}

		for _, b := range batch {
			res.Scanned++
			_, err := s.autoRelease(ctx, b.ID, auth.System, now)
			switch {
			case err == nil:
				res.Released++
				metrics.ReleaseSweepReleasedTotal.Inc()
			case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidTransition):
				res.Skipped++
				s.log(ctx).Debug("release sweep skipped booking", "bookingId", b.ID, "error", err)
			default:
				res.Failed++
				metrics.ReleaseSweepFailedTotal.Inc()
				s.log(ctx).Warn("release sweep failed to release booking", "bookingId", b.ID, "error", err)
			}
		}

		if len(batch) < s.batch {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		last := batch[len(batch)-1]
		after = &ReleaseCursor{ReleaseAt: *last.ReleaseAt, ID: last.ID}
	}
}
