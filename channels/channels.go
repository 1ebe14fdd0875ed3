// Package channels tracks the set of channels the user wants to be in,
// independently of whether the connection currently has them joined. After a
// reconnect the desired set is what gets restored.
package channels

import (
	"strings"
	"sync"
	"time"
)

// Subscription is one desired channel.
type Subscription struct {
	Channel         string    `json:"channel"`
	Joined          bool      `json:"joined"`
	LastJoinAttempt time.Time `json:"last_join_attempt,omitempty"`
}

// Normalize lowercases a channel name and strips its '#'.
func Normalize(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

// Valid reports whether ch is a plausible channel login after normalization.
func Valid(ch string) bool {
	if ch == "" || len(ch) > 25 {
		return false
	}
	for _, r := range ch {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// Multiplexer holds the desired subscriptions in insertion order.
type Multiplexer struct {
	mu          sync.Mutex
	order       []string
	subs        map[string]*Subscription
	joinTimeout time.Duration
}

// New returns an empty multiplexer. A join that has been issued but not
// confirmed is not re-issued until joinTimeout has passed.
func New(joinTimeout time.Duration) *Multiplexer {
	if joinTimeout <= 0 {
		joinTimeout = 10 * time.Second
	}
	return &Multiplexer{subs: make(map[string]*Subscription), joinTimeout: joinTimeout}
}

// Join adds ch to the desired set. It returns false if ch was already there.
func (m *Multiplexer) Join(ch string) bool {
	ch = Normalize(ch)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		return false
	}
	m.subs[ch] = &Subscription{Channel: ch}
	m.order = append(m.order, ch)
	return true
}

// Leave removes ch from the desired set. It returns false if ch was absent.
func (m *Multiplexer) Leave(ch string) bool {
	ch = Normalize(ch)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return false
	}
	delete(m.subs, ch)
	for i, c := range m.order {
		if c == ch {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Wanted reports whether ch is in the desired set.
func (m *Multiplexer) Wanted(ch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[Normalize(ch)]
	return ok
}

// Attempted records that a JOIN for ch was written at t.
func (m *Multiplexer) Attempted(ch string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[Normalize(ch)]; ok {
		s.LastJoinAttempt = t
	}
}

// Confirm marks ch joined after the server echoed our JOIN. It returns false
// for a channel that is no longer desired.
func (m *Multiplexer) Confirm(ch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[Normalize(ch)]
	if !ok {
		return false
	}
	s.Joined = true
	return true
}

// Parted marks ch not joined after the server echoed a PART of ours, or after
// the platform removed us from it.
func (m *Multiplexer) Parted(ch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[Normalize(ch)]; ok {
		s.Joined = false
		s.LastJoinAttempt = time.Time{}
	}
}

// Disconnected marks every subscription not joined; the desired set is kept.
func (m *Multiplexer) Disconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		s.Joined = false
		s.LastJoinAttempt = time.Time{}
	}
}

// PendingJoins returns the channels that still need a JOIN at now, in
// insertion order. A channel whose join is in flight is skipped until the join
// timeout elapses.
func (m *Multiplexer) PendingJoins(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ch := range m.order {
		s := m.subs[ch]
		if s.Joined {
			continue
		}
		if !s.LastJoinAttempt.IsZero() && now.Sub(s.LastJoinAttempt) < m.joinTimeout {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Snapshot copies the subscriptions in insertion order.
func (m *Multiplexer) Snapshot() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.order))
	for _, ch := range m.order {
		out = append(out, *m.subs[ch])
	}
	return out
}

// Len returns the number of desired channels.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
