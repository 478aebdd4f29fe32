package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/bookingescrow/internal/events"
	"github.com/mbd888/bookingescrow/internal/metrics"
)

// ReminderThresholds are the remaining-window marks that trigger a
// reminder, most urgent first.
var ReminderThresholds = []time.Duration{time.Hour, 12 * time.Hour, 24 * time.Hour}

// Reminder tells both parties that a delivered booking is about to be
// auto-released. Delivery is best effort: a reminder is emitted when the
// remaining window crosses a threshold between two runs, so a run missed
// during downtime is not replayed.
type Reminder struct {
	service  *Service
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron

	mu       sync.Mutex
	lastRun  time.Time
	lookback time.Duration
}

// NewReminder creates a reminder job on a cron schedule such as "@every 5m".
// lookback is how far back the first run looks for crossings.
func NewReminder(service *Service, schedule string, lookback time.Duration, logger *slog.Logger) *Reminder {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Reminder{
		service:  service,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		lookback: lookback,
	}
}

// Start registers the job and starts the cron scheduler.
func (r *Reminder) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx, r.service.now()); err != nil {
			r.logger.Warn("release reminder run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule release reminders %q: %w", r.schedule, err)
	}
	r.logger.Info("scheduled release reminder job", "schedule", r.schedule)
	r.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (r *Reminder) Stop() context.Context {
	return r.cron.Stop()
}

// RunOnce emits reminders for thresholds crossed since the previous run and
// returns how many were sent.
func (r *Reminder) RunOnce(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	since := r.lastRun
	if since.IsZero() {
		since = now.Add(-r.lookback)
	}
	horizon := now.Add(ReminderThresholds[len(ReminderThresholds)-1])

	sent := 0
	var after *ReleaseCursor
	for {
		batch, err := r.service.store.ListReleasable(ctx, horizon, after, r.service.batch)
		if err != nil {
			return sent, fmt.Errorf("list delivered bookings: %w", err)
		}
		for _, b := range batch {
			threshold, ok := crossedThreshold(*b.ReleaseAt, since, now)
			if !ok {
				continue
			}
			remaining := b.ReleaseAt.Sub(now)
			r.service.publish(ctx, events.New(events.TypeReleaseReminder, b.ID, b.Parties(), now, events.ReleaseReminder{
				BookingID: b.ID,
				ReleaseAt: *b.ReleaseAt,
				Remaining: remaining,
				Threshold: threshold.String(),
			}))
			metrics.ReleaseRemindersTotal.WithLabelValues(threshold.String()).Inc()
			sent++
		}
		if len(batch) < r.service.batch {
			break
		}
		last := batch[len(batch)-1]
		after = &ReleaseCursor{ReleaseAt: *last.ReleaseAt, ID: last.ID}
	}

	r.lastRun = now
	return sent, nil
}

// crossedThreshold returns the most urgent threshold the remaining window
// passed between since and now. Already-lapsed windows never match.
func crossedThreshold(releaseAt, since, now time.Time) (time.Duration, bool) {
	before := releaseAt.Sub(since)
	remaining := releaseAt.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	for _, t := range ReminderThresholds {
		if before > t && remaining <= t {
			return t, true
		}
	}
	return 0, false
}
