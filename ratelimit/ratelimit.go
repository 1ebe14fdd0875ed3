// Package ratelimit gates outbound chat actions (messages, joins) so the client
// stays inside the platform's published limits.
//
// Each rule describes a bucket of Capacity tokens. A granted token returns to
// its bucket exactly Capacity*Interval after it was taken, so no more than
// Capacity actions are ever granted within any rolling window of that length.
// Rules are scoped per (channel, action) or, with Global, per action.
// Acquisition never blocks: a denied caller gets the delay after which a retry
// can succeed.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/admiral/chaterr"
)

// Action is the kind of outbound protocol action being limited.
type Action string

const (
	ActionMessage Action = "message"
	ActionJoin    Action = "join"
	ActionPart    Action = "part"
)

// Rule configures one bucket family.
type Rule struct {
	// Capacity is the burst size and the number of grants allowed per window.
	Capacity int
	// Interval is the refill period of a single token; the rolling window is
	// Capacity*Interval.
	Interval time.Duration
	// Global shares one bucket between all channels.
	Global bool
	// Spacing is the minimum gap between two consecutive grants, used to
	// stagger bursts such as re-joining many channels after a reconnect.
	Spacing time.Duration
}

// Window returns the rolling window the rule guarantees.
func (r Rule) Window() time.Duration {
	return time.Duration(r.Capacity) * r.Interval
}

// Decision is the outcome of TryAcquire.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
}

// Err returns nil for a grant and a *chaterr.ThrottledError otherwise.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return &chaterr.ThrottledError{RetryAfter: d.RetryAfter}
}

type bucketKey struct {
	channel string
	action  Action
}

// Limiter holds the buckets for every configured action.
type Limiter struct {
	mu      sync.Mutex
	rules   map[Action]Rule
	buckets map[bucketKey]*bucket
	spacers map[bucketKey]*rate.Limiter
	now     func() time.Time
}

// New returns a limiter for rules. Actions without a rule (or with a
// non-positive capacity) are never throttled.
func New(rules map[Action]Rule) *Limiter {
	r := make(map[Action]Rule, len(rules))
	for k, v := range rules {
		r[k] = v
	}
	return &Limiter{
		rules:   r,
		buckets: make(map[bucketKey]*bucket),
		spacers: make(map[bucketKey]*rate.Limiter),
		now:     time.Now,
	}
}

// WithClock replaces the time source; intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// TryAcquire takes a token for action on channel if one is available.
func (l *Limiter) TryAcquire(channel string, action Action) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[action]
	if !ok || rule.Capacity <= 0 {
		return Decision{Granted: true}
	}
	key := l.key(rule, channel, action)
	now := l.now()

	var spaced *rate.Reservation
	if rule.Spacing > 0 {
		sp, ok := l.spacers[key]
		if !ok {
			sp = rate.NewLimiter(rate.Every(rule.Spacing), 1)
			l.spacers[key] = sp
		}
		spaced = sp.ReserveN(now, 1)
		if d := spaced.DelayFrom(now); d > 0 {
			spaced.CancelAt(now)
			return Decision{RetryAfter: d}
		}
	}

	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(rule.Capacity, rule.Window())
		l.buckets[key] = b
	}
	if wait := b.take(now); wait > 0 {
		if spaced != nil {
			spaced.CancelAt(now)
		}
		return Decision{RetryAfter: wait}
	}
	return Decision{Granted: true}
}

// Wait blocks until a token is granted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, channel string, action Action) error {
	for {
		d := l.TryAcquire(channel, action)
		if d.Granted {
			return nil
		}
		t := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Forget drops the per-channel state of channel that no longer constrains
// anything. A bucket holding a grant from its current window is kept, so
// leaving and rejoining a channel cannot exceed the limit. It reports whether
// no state is left for the channel.
func (l *Limiter) Forget(channel string) bool {
	channel = normalize(channel)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	clean := true
	for k, b := range l.buckets {
		if k.channel != channel {
			continue
		}
		if !b.idle(now) {
			clean = false
			continue
		}
		delete(l.buckets, k)
	}
	for k, sp := range l.spacers {
		if k.channel != channel {
			continue
		}
		if sp.TokensAt(now) < 1 {
			clean = false
			continue
		}
		delete(l.spacers, k)
	}
	return clean
}

func (l *Limiter) key(rule Rule, channel string, action Action) bucketKey {
	if rule.Global {
		return bucketKey{action: action}
	}
	return bucketKey{channel: normalize(channel), action: action}
}

func normalize(channel string) string {
	return strings.ToLower(strings.TrimPrefix(channel, "#"))
}

// bucket remembers when each of its tokens was last granted; a ring of
// capacity timestamps where the oldest decides availability.
type bucket struct {
	grants []time.Time
	next   int
	filled int
	window time.Duration
}

func newBucket(capacity int, window time.Duration) *bucket {
	return &bucket{grants: make([]time.Time, capacity), window: window}
}

// take grants a token at now and returns 0, or returns how long until the
// oldest token comes back.
func (b *bucket) take(now time.Time) time.Duration {
	if b.filled == len(b.grants) {
		oldest := b.grants[b.next]
		if back := oldest.Add(b.window); now.Before(back) {
			return back.Sub(now)
		}
	} else {
		b.filled++
	}
	b.grants[b.next] = now
	b.next = (b.next + 1) % len(b.grants)
	return 0
}

// idle reports whether every grant has returned to the bucket.
func (b *bucket) idle(now time.Time) bool {
	if b.filled == 0 {
		return true
	}
	newest := b.grants[(b.next+len(b.grants)-1)%len(b.grants)]
	return !now.Before(newest.Add(b.window))
}
