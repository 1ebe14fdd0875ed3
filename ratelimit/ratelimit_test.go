package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/onnwee/admiral/chaterr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTryAcquire_BurstThenThrottle(t *testing.T) {
	clk := newClock()
	l := New(map[Action]Rule{ActionMessage: {Capacity: 3, Interval: time.Second}}).WithClock(clk.now)

	for i := 0; i < 3; i++ {
		if d := l.TryAcquire("#chan", ActionMessage); !d.Granted {
			t.Fatalf("grant %d denied: %+v", i, d)
		}
	}
	d := l.TryAcquire("#chan", ActionMessage)
	if d.Granted {
		t.Fatal("fourth grant within window should be throttled")
	}
	if d.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", d.RetryAfter)
	}
	var te *chaterr.ThrottledError
	if !errors.As(d.Err(), &te) || te.RetryAfter != d.RetryAfter {
		t.Errorf("Err() = %v, want ThrottledError", d.Err())
	}

	clk.advance(d.RetryAfter)
	if d := l.TryAcquire("chan", ActionMessage); !d.Granted {
		t.Errorf("grant after RetryAfter denied: %+v", d)
	}
}

func TestTryAcquire_RollingWindowProperty(t *testing.T) {
	const capacity = 5
	rule := Rule{Capacity: capacity, Interval: 200 * time.Millisecond}
	window := rule.Window()

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 20; run++ {
		clk := newClock()
		l := New(map[Action]Rule{ActionMessage: rule}).WithClock(clk.now)
		var grants []time.Time
		for i := 0; i < 400; i++ {
			clk.advance(time.Duration(rng.Int63n(int64(150 * time.Millisecond))))
			if l.TryAcquire("c", ActionMessage).Granted {
				grants = append(grants, clk.now())
			}
		}
		// Any capacity+1 consecutive grants must span at least one full window.
		for i := capacity; i < len(grants); i++ {
			if span := grants[i].Sub(grants[i-capacity]); span < window {
				t.Fatalf("run %d: %d grants within %v (< window %v)", run, capacity+1, span, window)
			}
		}
		if len(grants) == 0 {
			t.Fatalf("run %d: nothing granted", run)
		}
	}
}

func TestTryAcquire_PerChannelAndGlobal(t *testing.T) {
	clk := newClock()
	l := New(map[Action]Rule{
		ActionMessage: {Capacity: 1, Interval: time.Second},
		ActionJoin:    {Capacity: 1, Interval: time.Second, Global: true},
	}).WithClock(clk.now)

	if !l.TryAcquire("a", ActionMessage).Granted || !l.TryAcquire("b", ActionMessage).Granted {
		t.Fatal("per-channel buckets should be independent")
	}
	if l.TryAcquire("A", ActionMessage).Granted {
		t.Error("channel names should be case-insensitive")
	}
	if !l.TryAcquire("a", ActionJoin).Granted {
		t.Fatal("first join denied")
	}
	if l.TryAcquire("b", ActionJoin).Granted {
		t.Error("global join bucket should be shared across channels")
	}
}

func TestTryAcquire_SpacingStaggersGrants(t *testing.T) {
	clk := newClock()
	l := New(map[Action]Rule{
		ActionJoin: {Capacity: 20, Interval: 500 * time.Millisecond, Global: true, Spacing: 300 * time.Millisecond},
	}).WithClock(clk.now)

	if !l.TryAcquire("a", ActionJoin).Granted {
		t.Fatal("first join denied")
	}
	d := l.TryAcquire("b", ActionJoin)
	if d.Granted {
		t.Fatal("second join should wait for spacing")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 300*time.Millisecond {
		t.Errorf("RetryAfter = %v, want (0, 300ms]", d.RetryAfter)
	}
	clk.advance(d.RetryAfter)
	if !l.TryAcquire("b", ActionJoin).Granted {
		t.Error("join after spacing denied")
	}
}

func TestTryAcquire_SpacingNotConsumedWhenBucketDenies(t *testing.T) {
	clk := newClock()
	l := New(map[Action]Rule{
		ActionJoin: {Capacity: 1, Interval: time.Second, Global: true, Spacing: 100 * time.Millisecond},
	}).WithClock(clk.now)

	if !l.TryAcquire("a", ActionJoin).Granted {
		t.Fatal("first join denied")
	}
	clk.advance(200 * time.Millisecond)
	d := l.TryAcquire("b", ActionJoin)
	if d.Granted || d.RetryAfter != 800*time.Millisecond {
		t.Fatalf("decision = %+v, want bucket retry of 800ms", d)
	}
	clk.advance(d.RetryAfter)
	if !l.TryAcquire("b", ActionJoin).Granted {
		t.Error("join denied once bucket refilled; spacing token leaked")
	}
}

func TestTryAcquire_UnconfiguredActionAlwaysGranted(t *testing.T) {
	l := New(map[Action]Rule{ActionMessage: {Capacity: 0}})
	for i := 0; i < 100; i++ {
		if !l.TryAcquire("c", ActionPart).Granted || !l.TryAcquire("c", ActionMessage).Granted {
			t.Fatal("unlimited action throttled")
		}
	}
}

func TestWait(t *testing.T) {
	l := New(map[Action]Rule{ActionMessage: {Capacity: 1, Interval: 30 * time.Millisecond}})
	ctx := context.Background()
	start := time.Now()
	if err := l.Wait(ctx, "c", ActionMessage); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := l.Wait(ctx, "c", ActionMessage); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second Wait returned after %v, want >= 30ms", elapsed)
	}
}

func TestWait_Cancelled(t *testing.T) {
	l := New(map[Action]Rule{ActionMessage: {Capacity: 1, Interval: time.Hour}})
	_ = l.TryAcquire("c", ActionMessage)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "c", ActionMessage); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestForget(t *testing.T) {
	clk := newClock()
	l := New(map[Action]Rule{ActionMessage: {Capacity: 1, Interval: time.Hour}}).WithClock(clk.now)
	_ = l.TryAcquire("c", ActionMessage)
	if l.TryAcquire("c", ActionMessage).Granted {
		t.Fatal("expected throttle")
	}
	// A bucket with a grant inside its window survives Forget.
	if l.Forget("#C") {
		t.Error("Forget() = true with a grant still inside the window")
	}
	if l.TryAcquire("c", ActionMessage).Granted {
		t.Error("Forget reset a bucket that still constrains the channel")
	}

	clk.advance(time.Hour)
	if !l.Forget("#C") {
		t.Error("Forget() = false for an idle bucket")
	}
	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets = %d after Forget, want 0", n)
	}
	if !l.Forget("never-seen") {
		t.Error("Forget() = false for an unknown channel")
	}
}
