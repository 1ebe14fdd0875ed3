// Package ircconn owns one line-oriented chat transport: it dials, performs
// the capability/PASS/NICK handshake, keeps the link alive with PING, and
// reconnects with exponential backoff after transport loss.
//
// A running Conn produces an ordered stream of Updates. State transitions and
// inbound lines share that stream so consumers see them in the order they
// happened. Handshake chatter and keep-alive traffic are consumed internally.
package ircconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/telemetry"
)

// DefaultAddr is the TLS chat endpoint.
const DefaultAddr = "irc.chat.twitch.tv:6697"

var (
	// ErrRunning is returned by Start on a connection that is already running.
	ErrRunning = errors.New("connection already running")
	// ErrNotReady is returned by Send outside the Ready phase.
	ErrNotReady = errors.New("connection not ready")
	// ErrOutboxFull is returned by Send when the write buffer is saturated.
	ErrOutboxFull = errors.New("outbound buffer full")
	// ErrReconnectExhausted is the Failed reason after too many consecutive
	// reconnect attempts.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrKeepAliveTimeout reports a link that went silent past the deadline.
	ErrKeepAliveTimeout = errors.New("keep-alive deadline exceeded")
	// ErrServerReconnect reports a server-requested reconnect.
	ErrServerReconnect = errors.New("server requested reconnect")
)

// Dialer opens the raw transport. *net.Dialer and *tls.Dialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// TLSDialer returns the production dialer.
func TLSDialer(timeout time.Duration) Dialer {
	return &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
		Config:    &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// TokenFunc resolves the login and access token used for each handshake. It
// is called once per connection attempt so refreshed credentials are picked up
// on reconnect. An empty token performs an anonymous (read-only) login.
type TokenFunc func(ctx context.Context) (login, token string, err error)

// Anonymous logs in with a read-only justinfan nick.
func Anonymous(nick string) TokenFunc {
	if nick == "" {
		nick = "justinfan12345"
	}
	return func(context.Context) (string, string, error) { return nick, "", nil }
}

// Config configures a Conn. Zero values take the defaults noted per field.
type Config struct {
	Addr        string // DefaultAddr
	Dialer      Dialer // TLSDialer(HandshakeTimeout)
	Credentials TokenFunc
	// Capabilities requested before authentication.
	Capabilities []string // tags, commands, membership

	Backoff BackoffPolicy // 1s base, 60s cap, 0.2 jitter, 30s stable
	// MaxFailures is the number of consecutive reconnect attempts before the
	// connection gives up; zero retries forever.
	MaxFailures int

	PingInterval     time.Duration // 60s
	PingDeadline     time.Duration // 90s
	HandshakeTimeout time.Duration // 15s
	WriteTimeout     time.Duration // 10s
	StopGrace        time.Duration // 2s
	OutboxSize       int           // 64
	UpdateBuffer     int           // 256

	Logger *slog.Logger
	Rand   func() float64 // backoff jitter source
}

func (c *Config) withDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = TLSDialer(c.HandshakeTimeout)
	}
	if c.Credentials == nil {
		c.Credentials = Anonymous("")
	}
	if c.Capabilities == nil {
		c.Capabilities = []string{"twitch.tv/tags", "twitch.tv/commands", "twitch.tv/membership"}
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = time.Minute
	}
	if c.Backoff.StableAfter <= 0 {
		c.Backoff.StableAfter = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = time.Minute
	}
	if c.PingDeadline <= 0 {
		c.PingDeadline = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 64
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is a single reconnecting chat connection.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	outbox  chan string
	netConn net.Conn
}

// New returns an idle connection.
func New(cfg Config) *Conn {
	cfg.withDefaults()
	return &Conn{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "ircconn")),
		state:  State{Phase: Disconnected, Since: time.Now()},
	}
}

// Start launches the connection loop. The returned channel carries every state
// transition and inbound line and is closed when the loop ends, either after
// Stop or after entering Failed.
func (c *Conn) Start(ctx context.Context) (<-chan Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	updates := make(chan Update, c.cfg.UpdateBuffer)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, updates, c.done)
	return updates, nil
}

// Stop ends the loop and waits for it. Graceful shutdown is bounded by
// StopGrace, after which the transport is closed forcibly.
func (c *Conn) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t := time.NewTimer(c.cfg.StopGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		c.logger.Warn("graceful stop timed out; closing transport")
		c.mu.Lock()
		if c.netConn != nil {
			_ = c.netConn.Close()
		}
		c.mu.Unlock()
		<-done
	}
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues one protocol line for writing. It never blocks: outside Ready it
// returns ErrNotReady, and with a saturated write buffer ErrOutboxFull.
// Delivery is at most once: a line still buffered when the transport is lost
// comes back as an UpdateUnsent, while a line lost in the middle of a write is
// not reported.
func (c *Conn) Send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: line contains CR or LF", chaterr.ErrProtocolViolation)
	}
	c.mu.Lock()
	out, phase := c.outbox, c.state.Phase
	c.mu.Unlock()
	if phase != Ready || out == nil {
		return ErrNotReady
	}
	select {
	case out <- line:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (c *Conn) run(ctx context.Context, updates chan<- Update, done chan struct{}) {
	// The connection is startable again by the time the stream closes.
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		close(updates)
		close(done)
	}()

	bo := NewBackoff(c.cfg.Backoff, c.cfg.Rand)
	for {
		c.setState(ctx, updates, State{Phase: Connecting, Attempt: bo.Attempt()})
		readyAt, err := c.session(ctx, updates)

		if ctx.Err() != nil {
			c.setState(ctx, updates, State{Phase: Disconnected})
			return
		}
		if !readyAt.IsZero() && time.Since(readyAt) >= c.cfg.Backoff.StableAfter {
			bo.Reset()
		}
		if chaterr.IsAuthExpired(err) || chaterr.IsFatal(err) {
			c.logger.Error("connection failed", slog.Any("err", err))
			c.setState(ctx, updates, State{Phase: Failed, Reason: err})
			return
		}

		c.logger.Warn("transport lost", slog.Any("err", err), slog.Int("attempt", bo.Attempt()))
		c.setState(ctx, updates, State{Phase: Disconnected, Reason: err})

		if c.cfg.MaxFailures > 0 && bo.Attempt() >= c.cfg.MaxFailures {
			reason := fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, bo.Attempt(), err)
			c.setState(ctx, updates, State{Phase: Failed, Reason: reason})
			return
		}

		attempt, delay := bo.Next()
		telemetry.IncReconnects()
		c.setState(ctx, updates, State{Phase: Reconnecting, Attempt: attempt, Delay: delay})
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(ctx, updates, State{Phase: Disconnected})
			return
		case <-t.C:
		}
	}
}

type inbound struct {
	line string
	at   time.Time
}

// session runs one transport from dial to loss. It returns when the link is
// gone, with the time Ready was reached (zero if never).
func (c *Conn) session(ctx context.Context, updates chan<- Update) (readyAt time.Time, err error) {
	started := time.Now()
	spanCtx, span := telemetry.StartSpan(ctx, "ircconn", "ircconn.connect", attribute.String("addr", c.cfg.Addr))
	spanOpen := true
	endSpan := func(err error) {
		if !spanOpen {
			return
		}
		spanOpen = false
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}
	defer func() { endSpan(err) }()

	dialCtx, cancelDial := context.WithTimeout(spanCtx, c.cfg.HandshakeTimeout)
	nc, err := c.cfg.Dialer.DialContext(dialCtx, "tcp", c.cfg.Addr)
	cancelDial()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: dial %s: %w", chaterr.ErrTransient, c.cfg.Addr, err)
	}

	c.setState(ctx, updates, State{Phase: Authenticating})
	login, token, err := c.cfg.Credentials(ctx)
	if err != nil {
		_ = nc.Close()
		if chaterr.IsAuthExpired(err) || chaterr.IsFatal(err) {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("%w: resolve credentials: %w", chaterr.ErrTransient, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	outbox := make(chan string, c.cfg.OutboxSize+4)
	lines := make(chan inbound)
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	var wg sync.WaitGroup

	c.mu.Lock()
	c.netConn = nc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.outbox = nil
		c.netConn = nil
		c.mu.Unlock()
		cancel()
		_ = nc.Close()
		wg.Wait()
		c.reportUnsent(ctx, updates, outbox)
	}()

	if len(c.cfg.Capabilities) > 0 {
		outbox <- "CAP REQ :" + strings.Join(c.cfg.Capabilities, " ")
	}
	if token != "" {
		outbox <- "PASS oauth:" + strings.TrimPrefix(token, "oauth:")
	}
	outbox <- "NICK " + strings.ToLower(login)

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(sessCtx, nc, lines, readErr)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(sessCtx, nc, outbox, writeErr)
	}()

	handshake := time.NewTimer(c.cfg.HandshakeTimeout)
	defer handshake.Stop()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	// Fires once the link has been silent for PingDeadline.
	silence := time.NewTimer(c.cfg.PingDeadline)
	defer silence.Stop()
	ready := false

	for {
		select {
		case <-ctx.Done():
			return readyAt, ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				err = errors.New("connection closed by server")
			}
			return readyAt, fmt.Errorf("%w: read: %w", chaterr.ErrTransient, err)
		case err := <-writeErr:
			return readyAt, fmt.Errorf("%w: write: %w", chaterr.ErrTransient, err)
		case <-handshake.C:
			if !ready {
				return readyAt, fmt.Errorf("%w: handshake timed out after %s", chaterr.ErrTransient, c.cfg.HandshakeTimeout)
			}
		case <-silence.C:
			return readyAt, fmt.Errorf("%w: %w", chaterr.ErrTransient, ErrKeepAliveTimeout)
		case <-ticker.C:
			if ready {
				enqueue(outbox, "PING :tmi.twitch.tv")
			}
		case in := <-lines:
			silence.Reset(c.cfg.PingDeadline - time.Since(in.at))
			cmd, trailing := commandOf(in.line)
			switch cmd {
			case "PING":
				if !enqueue(outbox, "PONG :"+trailing) {
					c.logger.Warn("outbox full; PONG dropped")
				}
				continue
			case "PONG", "CAP", "002", "003", "004", "353", "366", "372", "375", "376":
				continue
			case "001":
				if !ready {
					ready = true
					readyAt = in.at
					handshake.Stop()
					telemetry.ObserveSince(telemetry.ConnectDuration, started)
					endSpan(nil)
					c.mu.Lock()
					c.outbox = outbox
					c.mu.Unlock()
					c.logger.Info("connection ready", slog.String("login", strings.ToLower(login)))
					c.setState(ctx, updates, State{Phase: Ready})
				}
				continue
			case "NOTICE":
				if !ready && isAuthFailure(trailing) {
					return readyAt, fmt.Errorf("%w: %s", chaterr.ErrAuthExpired, trailing)
				}
			case "RECONNECT":
				return readyAt, fmt.Errorf("%w: %w", chaterr.ErrTransient, ErrServerReconnect)
			}
			if !ready {
				c.logger.Debug("handshake line", slog.String("command", cmd))
				continue
			}
			select {
			case updates <- Update{Kind: UpdateLine, Line: in.line, ReceivedAt: in.at}:
			case <-ctx.Done():
				return readyAt, ctx.Err()
			}
			// Time spent blocked on a slow consumer is not link silence.
			silence.Reset(c.cfg.PingDeadline)
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, nc net.Conn, lines chan<- inbound, errc chan<- error) {
	br := bufio.NewReaderSize(nc, 16<<10)
	for {
		// A trailing fragment without a terminator is discarded with the error.
		raw, err := br.ReadString('\n')
		if err != nil {
			errc <- err
			return
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			continue
		}
		select {
		case lines <- inbound{line: line, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, nc net.Conn, outbox <-chan string, errc chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-outbox:
			_ = nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if _, err := io.WriteString(nc, line+"\r\n"); err != nil {
				errc <- err
				return
			}
		}
	}
}

// reportUnsent hands buffered caller lines back after transport loss. Handshake
// and keep-alive lines are internal and dropped. Nothing is reported on Stop.
func (c *Conn) reportUnsent(ctx context.Context, updates chan<- Update, outbox chan string) {
	for {
		select {
		case line := <-outbox:
			switch cmd, _ := commandOf(line); cmd {
			case "CAP", "PASS", "NICK", "PING", "PONG":
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			select {
			case updates <- Update{Kind: UpdateUnsent, Line: line}:
			case <-ctx.Done():
			}
		default:
			return
		}
	}
}

func (c *Conn) setState(ctx context.Context, updates chan<- Update, st State) {
	st.Since = time.Now()
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	telemetry.SetConnectionPhase(int(st.Phase))
	c.logger.Debug("state", slog.String("state", st.String()))

	u := Update{Kind: UpdateState, State: st}
	select {
	case updates <- u:
	case <-ctx.Done():
		select {
		case updates <- u:
		default:
		}
	}
}

func enqueue(outbox chan<- string, line string) bool {
	select {
	case outbox <- line:
		return true
	default:
		return false
	}
}

func isAuthFailure(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "login authentication failed") ||
		strings.Contains(t, "improperly formatted auth") ||
		strings.Contains(t, "login unsuccessful")
}

// commandOf returns the command and trailing parameter of a raw line without
// a full parse. Tags and prefix are skipped.
func commandOf(line string) (cmd, trailing string) {
	rest := line
	if strings.HasPrefix(rest, "@") {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rest = strings.TrimLeft(rest[i+1:], " ")
		} else {
			return "", ""
		}
	}
	if strings.HasPrefix(rest, ":") {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rest = strings.TrimLeft(rest[i+1:], " ")
		} else {
			return "", ""
		}
	}
	if i := strings.Index(rest, " :"); i >= 0 {
		trailing = rest[i+2:]
		rest = rest[:i]
	} else if strings.HasPrefix(rest, ":") {
		return "", rest[1:]
	}
	cmd, params, _ := strings.Cut(rest, " ")
	if trailing == "" {
		trailing = strings.TrimSpace(params)
	}
	return strings.ToUpper(cmd), trailing
}
