// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers for the chat session engine.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsDelivered   *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	FramesMalformed   prometheus.Counter
	CommandsSent      *prometheus.CounterVec
	CommandsThrottled *prometheus.CounterVec
	CommandsDropped   prometheus.Counter
	Reconnects        prometheus.Counter
	ArchiveWrites     *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec

	// Histograms (seconds)
	ConnectDuration prometheus.Observer

	// Gauges
	ConnectionPhase prometheus.Gauge
	FeedDepth       prometheus.Gauge
	QueueDepth      prometheus.Gauge
)

// Init registers metrics (idempotent). The helpers below are no-ops until Init
// has run, so packages can be exercised without a registry.
func Init() {
	once.Do(func() {
		EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_events_delivered_total", Help: "Domain events handed to the presentation feed"}, []string{"kind"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "Events coalesced away because the presentation feed overflowed"})
		FramesMalformed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_frames_malformed_total", Help: "Inbound frames that could not be parsed"})
		CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_commands_sent_total", Help: "Outbound commands written to the transport"}, []string{"kind"})
		CommandsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_commands_throttled_total", Help: "Outbound commands deferred by the rate limiter"}, []string{"kind"})
		CommandsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_commands_dropped_total", Help: "Queued commands discarded because the queue was full"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Reconnect attempts scheduled after transport loss"})
		ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_archive_writes_total", Help: "Chat archive writes by outcome"}, []string{"outcome"})
		HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_http_requests_total", Help: "Local bridge HTTP requests"}, []string{"route", "code"})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_connect_duration_seconds", Help: "Time from dial to Ready", Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}})
		ConnectionPhase = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connection_phase", Help: "Current connection phase (0=disconnected 1=connecting 2=authenticating 3=ready 4=reconnecting 5=failed)"})
		FeedDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_feed_depth", Help: "Events buffered for the presentation layer"})
		QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_command_queue_depth", Help: "Outbound commands waiting for Ready or the rate limiter"})
	})
}

// IncEventDelivered counts one event of kind handed to the presentation layer.
func IncEventDelivered(kind string) {
	if EventsDelivered != nil {
		EventsDelivered.WithLabelValues(kind).Inc()
	}
}

func AddEventsDropped(n int) {
	if EventsDropped != nil {
		EventsDropped.Add(float64(n))
	}
}

func IncFramesMalformed() {
	if FramesMalformed != nil {
		FramesMalformed.Inc()
	}
}

func IncCommandSent(kind string) {
	if CommandsSent != nil {
		CommandsSent.WithLabelValues(kind).Inc()
	}
}

func IncCommandThrottled(kind string) {
	if CommandsThrottled != nil {
		CommandsThrottled.WithLabelValues(kind).Inc()
	}
}

func IncCommandsDropped() {
	if CommandsDropped != nil {
		CommandsDropped.Inc()
	}
}

func IncReconnects() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// IncArchiveWrite counts one archive write; outcome is ok, error or dropped.
func IncArchiveWrite(outcome string) {
	if ArchiveWrites != nil {
		ArchiveWrites.WithLabelValues(outcome).Inc()
	}
}

func IncHTTPRequest(route string, code int) {
	if HTTPRequests != nil {
		HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

// SetConnectionPhase records the numeric connection phase.
func SetConnectionPhase(phase int) {
	if ConnectionPhase != nil {
		ConnectionPhase.Set(float64(phase))
	}
}

func SetFeedDepth(n int) {
	if FeedDepth != nil {
		FeedDepth.Set(float64(n))
	}
}

func SetQueueDepth(n int) {
	if QueueDepth != nil {
		QueueDepth.Set(float64(n))
	}
}

// ObserveSince records the time elapsed since start in obs if non-nil.
func ObserveSince(obs prometheus.Observer, start time.Time) time.Duration {
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or an empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base (or the default logger) with the corr attribute if present.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetCorrelation(ctx); id != "" {
		return base.With(slog.String("corr", id))
	}
	return base
}
