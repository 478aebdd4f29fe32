package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, coolDown time.Duration) (*Breaker, *clock) {
	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	b := New(threshold, coolDown)
	b.now = c.Now
	return b, c
}

func TestBreaker_ClosedByDefault(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("base") {
		t.Fatal("expected unknown network to be allowed")
	}
	if b.State("base") != StateClosed {
		t.Fatalf("expected closed, got %v", b.State("base"))
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Failure("base")
	b.Failure("base")
	if !b.Allow("base") {
		t.Fatal("should still allow below threshold")
	}
	b.Failure("base")
	if b.Allow("base") {
		t.Fatal("should refuse once open")
	}
	if !b.Allow("polygon") {
		t.Fatal("other networks must not be affected")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.Failure("base")
	b.Success("base")
	b.Failure("base")
	if b.State("base") != StateClosed {
		t.Fatal("failures must be consecutive to open the circuit")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.Failure("base")
	clk.Advance(59 * time.Second)
	if b.Allow("base") {
		t.Fatal("should refuse during cool-down")
	}

	clk.Advance(time.Second)
	if !b.Allow("base") {
		t.Fatal("should let one probe through after cool-down")
	}
	if b.State("base") != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State("base"))
	}
	if b.Allow("base") {
		t.Fatal("only one probe may be in flight")
	}

	b.Success("base")
	if b.State("base") != StateClosed || !b.Allow("base") {
		t.Fatal("successful probe should close the circuit")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.Failure("base")
	}
	clk.Advance(time.Minute)
	b.Allow("base")
	b.Failure("base")

	if b.State("base") != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State("base"))
	}
	if b.Allow("base") {
		t.Fatal("cool-down should restart after a failed probe")
	}
}

func TestBreaker_Concurrent(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.Failure("base")
			} else {
				b.Success("base")
			}
			b.Allow("base")
		}(i)
	}
	wg.Wait()
}
