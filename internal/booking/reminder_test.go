package booking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bookingescrow/internal/events"
)

func TestCrossedThreshold(t *testing.T) {
	release := t0.Add(72 * time.Hour)
	tests := []struct {
		name  string
		since time.Duration // before release
		now   time.Duration // before release
		want  time.Duration
		ok    bool
	}{
		{"nothing crossed", 30 * time.Hour, 25 * time.Hour, 0, false},
		{"crossed 24h", 25 * time.Hour, 23 * time.Hour, 24 * time.Hour, true},
		{"exactly at 24h", 25 * time.Hour, 24 * time.Hour, 24 * time.Hour, true},
		{"already past 24h", 24 * time.Hour, 20 * time.Hour, 0, false},
		{"crossed 12h", 13 * time.Hour, 11 * time.Hour, 12 * time.Hour, true},
		{"crossed several, most urgent wins", 30 * time.Hour, 30 * time.Minute, time.Hour, true},
		{"lapsed", 2 * time.Hour, -time.Minute, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := crossedThreshold(release, release.Add(-tt.since), release.Add(-tt.now))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReminder_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.delivered(t, "10")
	releaseAt := *b.ReleaseAt

	r := NewReminder(f.svc, "@every 1m", time.Minute, f.svc.logger)

	sent, err := r.RunOnce(ctx, releaseAt.Add(-30*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	sent, err = r.RunOnce(ctx, releaseAt.Add(-23*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = r.RunOnce(ctx, releaseAt.Add(-22*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "same threshold is not repeated")

	sent, err = r.RunOnce(ctx, releaseAt.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	reminders := f.events.OfType(events.TypeReleaseReminder)
	require.Len(t, reminders, 2)
	first := reminders[0].Data.(events.ReleaseReminder)
	assert.Equal(t, "24h0m0s", first.Threshold)
	assert.Equal(t, 23*time.Hour, first.Remaining)
	last := reminders[1].Data.(events.ReleaseReminder)
	assert.Equal(t, "1h0m0s", last.Threshold)
	assert.ElementsMatch(t, b.Parties(), reminders[1].Parties)
}

func TestReminder_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	r := NewReminder(f.svc, "every now and then", time.Minute, f.svc.logger)
	assert.Error(t, r.Start(context.Background()))
}
