package chatlog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/admiral/event"
	"github.com/onnwee/admiral/telemetry"
)

// Store is what a Recorder writes to; *Archive implements it.
type Store interface {
	Record(ctx context.Context, ev event.DomainEvent) error
}

// Recorder buffers archive-worthy events and writes them from one goroutine.
type Recorder struct {
	store   Store
	in      chan event.DomainEvent
	logger  *slog.Logger
	dropped atomic.Uint64
	timeout time.Duration
}

// NewRecorder returns a Recorder with room for buffer pending events.
func NewRecorder(store Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		in:      make(chan event.DomainEvent, buffer),
		logger:  logger.With(slog.String("component", "chatlog")),
		timeout: 5 * time.Second,
	}
}

// Observe queues ev for archiving. It never blocks; when the buffer is full
// the event is counted as dropped.
func (r *Recorder) Observe(ev event.DomainEvent) {
	switch ev.(type) {
	case *event.ChatMessage, *event.ModerationAction:
	default:
		return
	}
	select {
	case r.in <- ev:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("archive buffer full; dropping events", slog.Uint64("dropped_total", r.dropped.Load()))
		}
		telemetry.IncArchiveWrite("dropped")
	}
}

// Dropped reports how many events Observe discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued events until ctx is cancelled, then flushes what is
// already buffered.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case ev := <-r.in:
			r.write(context.WithoutCancel(ctx), ev)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case ev := <-r.in:
			if ctx.Err() != nil {
				return
			}
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev event.DomainEvent) {
	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Record(wctx, ev); err != nil {
		telemetry.IncArchiveWrite("error")
		r.logger.Error("failed to archive event",
			slog.String("kind", string(ev.Kind())),
			slog.String("channel", ev.Header().Channel),
			slog.Any("err", err))
		return
	}
	telemetry.IncArchiveWrite("ok")
}
