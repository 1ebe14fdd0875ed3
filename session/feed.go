package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/admiral/event"
	"github.com/onnwee/admiral/telemetry"
)

// ErrFeedClosed is returned by Next once the engine has stopped and every
// buffered event was delivered.
var ErrFeedClosed = errors.New("event feed closed")

// feed is the bounded, ordered hand-off to the presentation layer. The engine
// is its only producer. A full feed makes the producer wait up to block; after
// that the oldest buffered events are dropped and replaced, in place, by one
// events_dropped notice counting them.
type feed struct {
	capacity int
	block    time.Duration

	mu          sync.Mutex
	items       []event.DomainEvent
	seq         uint64
	closed      bool
	overflowing bool

	avail chan struct{}
	space chan struct{}
	done  chan struct{}
}

func newFeed(capacity int, block time.Duration) *feed {
	if capacity < 2 {
		capacity = 2
	}
	return &feed{
		capacity: capacity,
		block:    block,
		avail:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// push appends ev and assigns its sequence number.
func (f *feed) push(ev event.DomainEvent) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		if len(f.items) >= f.capacity && (f.overflowing || f.block <= 0) {
			f.dropOldestLocked()
		}
		if len(f.items) < f.capacity {
			f.seq++
			ev.Header().Seq = f.seq
			f.items = append(f.items, ev)
			depth := len(f.items)
			f.mu.Unlock()
			signal(f.avail)
			telemetry.SetFeedDepth(depth)
			return
		}
		f.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(f.block)
		}
		select {
		case <-f.space:
		case <-timer.C:
			f.mu.Lock()
			f.overflowing = true
			f.mu.Unlock()
		case <-f.done:
			return
		}
	}
}

// dropOldestLocked frees one slot at the head of a full buffer.
func (f *feed) dropOldestLocked() {
	if n, ok := f.items[0].(*event.SystemNotice); ok && n.Notice == event.NoticeEventsDropped {
		f.items = append(f.items[:1], f.items[2:]...)
		n.Count++
		n.Text = fmt.Sprintf("%d events dropped", n.Count)
		telemetry.AddEventsDropped(1)
		return
	}
	first := f.items[0].Header()
	n := &event.SystemNotice{
		Meta:   event.NewMeta(first.ConnID, "", first.ReceivedAt),
		Notice: event.NoticeEventsDropped,
		Count:  2,
		Text:   "2 events dropped",
	}
	n.Seq = first.Seq
	rest := f.items[2:]
	f.items = make([]event.DomainEvent, 0, f.capacity)
	f.items = append(f.items, n)
	f.items = append(f.items, rest...)
	telemetry.AddEventsDropped(2)
}

// Next blocks until an event is available, ctx is done or the feed is closed
// and drained.
func (f *feed) Next(ctx context.Context) (event.DomainEvent, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			ev := f.items[0]
			f.items[0] = nil
			f.items = f.items[1:]
			f.overflowing = false
			depth := len(f.items)
			f.mu.Unlock()
			signal(f.space)
			telemetry.SetFeedDepth(depth)
			telemetry.IncEventDelivered(string(ev.Kind()))
			return ev, nil
		}
		if f.closed {
			f.mu.Unlock()
			return nil, ErrFeedClosed
		}
		f.mu.Unlock()

		select {
		case <-f.avail:
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered events.
func (f *feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
