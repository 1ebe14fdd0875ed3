// Package server is the local HTTP bridge between the session engine and the
// presentation process: health, status, metrics, the event feed as
// Server-Sent Events, and endpoints for commands, channels, favorites and
// scrollback. It injects correlation IDs into request contexts for consistent
// logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/admiral/telemetry"
)

// Options configures the bridge. Engine is required; the rest is optional.
type Options struct {
	Engine    Engine
	Archive   Scrollback
	Favorites Favorites
	Users     Directory
	// OAuth mounts /auth/twitch/start and /auth/twitch/callback when set.
	OAuth *OAuthFlow

	// Token, when set, must be presented as X-Bridge-Token on every route
	// except /healthz.
	Token          string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewMux returns the HTTP handler with all routes.
func NewMux(opts Options) http.Handler {
	h := NewHandlers(opts)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/events", h.HandleEvents)
	mux.HandleFunc("/commands", h.HandleCommands)
	mux.HandleFunc("/channels", h.HandleChannels)
	mux.HandleFunc("/scrollback", h.HandleScrollback)
	mux.HandleFunc("/auth/reauthenticate", h.HandleReauthenticate)
	mux.HandleFunc("/users", h.HandleUsers)

	mux.HandleFunc("/favorites", h.HandleFavorites)
	mux.HandleFunc("/favorites/star", h.HandleFavoriteStar)
	mux.HandleFunc("/favorites/color", h.HandleFavoriteColor)

	if opts.OAuth != nil {
		mux.HandleFunc("/auth/twitch/start", opts.OAuth.HandleStart)
		mux.HandleFunc("/auth/twitch/callback", opts.OAuth.HandleCallback)
	}

	protected := bridgeAuth(mux, opts.Token, h.logger)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx, h.logger).Debug("request start",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		protected.ServeHTTP(rec, r.WithContext(ctx))

		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		telemetry.IncHTTPRequest(route, rec.statusCode)
		if rec.statusCode >= 500 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", rec.statusCode))
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
	return withCORS(handler, opts.AllowedOrigins)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the bridge on addr and shuts down gracefully on context
// cancellation.
func Start(ctx context.Context, addr string, opts Options) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, opts)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, ln net.Listener, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Handler:           NewMux(opts),
		ReadHeaderTimeout: 5 * time.Second,
		// no WriteTimeout: /events is a long-lived stream
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	logger.Info("bridge listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		logger.Error("http server error", slog.Any("err", err))
		return err
	}
	<-done
	return nil
}
