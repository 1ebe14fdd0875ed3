// Package session is the chat session engine: it owns the connection,
// resolves credentials through the vault, keeps the desired channel set joined
// across reconnects, gates outbound commands through the rate limiter, and
// hands an ordered feed of domain events to the presentation layer.
//
// All connection-driven work happens on one engine goroutine. Public methods
// are safe for concurrent use and never block on the network.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/admiral/channels"
	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/event"
	"github.com/onnwee/admiral/ircconn"
	"github.com/onnwee/admiral/ratelimit"
	"github.com/onnwee/admiral/telemetry"
	"github.com/onnwee/admiral/vault"
)

var (
	// ErrStopped is returned by operations on a stopped engine.
	ErrStopped = errors.New("session stopped")
	// ErrRunning is returned by Start on a running engine.
	ErrRunning = errors.New("session already running")
)

// Credentials is the part of the vault the engine uses.
type Credentials interface {
	Get(ctx context.Context, identity string) (vault.Credential, error)
	Refresh(ctx context.Context, identity string) (vault.Credential, error)
	Store(identity string, cred vault.Credential) error
}

// DefaultLimits are the platform's published limits for an ordinary account.
func DefaultLimits() map[ratelimit.Action]ratelimit.Rule {
	return map[ratelimit.Action]ratelimit.Rule{
		ratelimit.ActionMessage: {Capacity: 20, Interval: 1500 * time.Millisecond},
		ratelimit.ActionJoin:    {Capacity: 20, Interval: 500 * time.Millisecond, Global: true, Spacing: 300 * time.Millisecond},
	}
}

// Options configures an Engine.
type Options struct {
	// Identity is the vault key of the chat account.
	Identity string
	Vault    Credentials
	// Anonymous connects read-only without credentials.
	Anonymous bool

	Conn   ircconn.Config
	Limits map[ratelimit.Action]ratelimit.Rule

	FeedCapacity int           // 1024
	FeedBlock    time.Duration // 250ms
	QueueDepth   int           // 500
	JoinTimeout  time.Duration // 10s

	// Observer sees every event before it enters the feed. It runs on the
	// engine goroutine and must not block.
	Observer func(event.DomainEvent)
	Logger   *slog.Logger
}

// Engine is one chat session.
type Engine struct {
	opts   Options
	logger *slog.Logger
	connID string

	conn    *ircconn.Conn
	feed    *feed
	limiter *ratelimit.Limiter
	mux     *channels.Multiplexer
	norm    *event.Normalizer

	wake   chan struct{}
	resume chan struct{}

	mu       sync.Mutex
	queue    []Command
	notices  []event.DomainEvent
	// left holds departed channels whose limiter state is still in use.
	left     map[string]struct{}
	state    ircconn.State
	login    string
	started  bool
	stopped  bool
	paused   bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	// authRetried is owned by the engine goroutine: a refresh was already
	// attempted for the current run of auth rejections.
	authRetried bool
}

// New builds an engine. Nothing connects until Start.
func New(opts Options) *Engine {
	if opts.FeedCapacity <= 0 {
		opts.FeedCapacity = 1024
	}
	if opts.FeedBlock <= 0 {
		opts.FeedBlock = 250 * time.Millisecond
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 500
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.Limits == nil {
		opts.Limits = DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "session")),
		connID:  uuid.NewString(),
		feed:    newFeed(opts.FeedCapacity, opts.FeedBlock),
		limiter: ratelimit.New(opts.Limits),
		mux:     channels.New(opts.JoinTimeout),
		wake:    make(chan struct{}, 1),
		resume:  make(chan struct{}, 1),
		left:    make(map[string]struct{}),
		state:   ircconn.State{Phase: ircconn.Disconnected, Since: time.Now()},
	}
	e.norm = event.NewNormalizer(e.connID, opts.Identity, opts.Logger)
	cc := opts.Conn
	cc.Credentials = e.credentials
	if cc.Logger == nil {
		cc.Logger = opts.Logger
	}
	e.conn = ircconn.New(cc)
	return e
}

// Start connects and begins producing events.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrRunning
	}
	if !e.opts.Anonymous && (e.opts.Vault == nil || e.opts.Identity == "") {
		return fmt.Errorf("%w: identity and vault required unless anonymous", chaterr.ErrFatal)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.started = true
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	go e.loop(ctx, e.loopDone)
	e.logger.Info("session started", slog.String("conn_id", e.connID), slog.String("identity", e.opts.Identity))
	return nil
}

// Stop closes the connection without flushing queued commands, delivers a
// final Disconnected state change and closes the feed. It is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel, done := e.cancel, e.loopDone
	dropped := len(e.queue)
	e.queue = nil
	e.state = ircconn.State{Phase: ircconn.Disconnected, Since: time.Now()}
	final := e.state
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	telemetry.SetQueueDepth(0)
	telemetry.SetConnectionPhase(int(ircconn.Disconnected))
	e.feed.push(event.StateChanged(e.connID, final))
	e.feed.close()
	e.logger.Info("session stopped", slog.Int("unsent_commands", dropped))
}

// Next returns the next event for the presentation layer. After Stop it
// drains what is buffered, then returns ErrFeedClosed.
func (e *Engine) Next(ctx context.Context) (event.DomainEvent, error) {
	return e.feed.Next(ctx)
}

// State returns the connection state as last observed by the engine.
func (e *Engine) State() ircconn.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AwaitingAuth reports whether the session is paused until a credential is
// supplied or refreshed.
func (e *Engine) AwaitingAuth() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Subscriptions returns the desired channel set.
func (e *Engine) Subscriptions() []channels.Subscription {
	return e.mux.Snapshot()
}

// QueueLen returns the number of commands waiting to be written.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Join adds a channel to the desired set.
func (e *Engine) Join(channel string) error {
	return e.Submit(Command{Kind: JoinChannel, Channel: channel})
}

// Leave removes a channel from the desired set.
func (e *Engine) Leave(channel string) error {
	return e.Submit(Command{Kind: LeaveChannel, Channel: channel})
}

// Send queues a chat message, optionally as a reply to message replyTo.
func (e *Engine) Send(channel, text, replyTo string) (uuid.UUID, error) {
	cmd := Command{Kind: SendMessage, Channel: channel, Text: text, ReplyTo: replyTo, ID: uuid.New()}
	return cmd.ID, e.Submit(cmd)
}

// Submit validates and enqueues a command. Join and Leave take effect on the
// desired channel set immediately; the protocol commands follow when the
// connection is Ready and the limiter allows.
func (e *Engine) Submit(cmd Command) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = time.Now()
	}

	e.mu.Lock()
	defer e.nudge()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if cmd.Kind == SendMessage && e.opts.Anonymous {
		return fmt.Errorf("%w: anonymous sessions are read-only", ErrInvalidCommand)
	}

	switch cmd.Kind {
	case JoinChannel:
		if !e.mux.Join(cmd.Channel) {
			return nil
		}
		delete(e.left, channels.Normalize(cmd.Channel))
		e.removeQueuedLocked(func(q Command) bool { return q.Kind == LeaveChannel && q.Channel == cmd.Channel })
		if e.state.Phase != ircconn.Ready {
			return nil
		}
	case LeaveChannel:
		if !e.mux.Leave(cmd.Channel) {
			return nil
		}
		e.removeQueuedLocked(func(q Command) bool { return q.Kind == JoinChannel && q.Channel == cmd.Channel })
		e.left[channels.Normalize(cmd.Channel)] = struct{}{}
		e.forgetLeftLocked()
		if e.state.Phase != ircconn.Ready {
			return nil
		}
	}
	e.enqueueLocked(cmd)
	return nil
}

// SupplyCredential stores a new credential and resumes a session paused on
// expired authentication.
func (e *Engine) SupplyCredential(ctx context.Context, cred vault.Credential) error {
	if e.opts.Vault == nil {
		return fmt.Errorf("%w: no vault configured", chaterr.ErrFatal)
	}
	if cred.Identity == "" {
		cred.Identity = e.opts.Identity
	}
	if err := e.opts.Vault.Store(e.opts.Identity, cred); err != nil {
		return err
	}
	return e.Restart(ctx)
}

// Reauthenticate forces a credential refresh and resumes the session.
func (e *Engine) Reauthenticate(ctx context.Context) error {
	if e.opts.Vault == nil {
		return fmt.Errorf("%w: no vault configured", chaterr.ErrFatal)
	}
	if _, err := e.opts.Vault.Refresh(ctx, e.opts.Identity); err != nil {
		return err
	}
	return e.Restart(ctx)
}

// ReportAuthExpired surfaces a credential that can no longer be used, as
// detected outside the connection (for example by background validation), as a
// reauth_required notice. It does nothing while the session is already paused
// on expired authentication.
func (e *Engine) ReportAuthExpired(reason error) {
	e.mu.Lock()
	if e.stopped || e.paused {
		e.mu.Unlock()
		return
	}
	text := "re-authentication required"
	if reason != nil {
		text += ": " + reason.Error()
	}
	e.notices = append(e.notices, event.Notice(event.NoticeReauthRequired, "", text, time.Now()))
	e.mu.Unlock()
	e.nudge()
}

// Restart resumes a session whose connection entered Failed. It is a no-op
// while the connection is live.
func (e *Engine) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.state.Phase != ircconn.Failed {
		return nil
	}
	e.paused = false
	signal(e.resume)
	return nil
}

func (e *Engine) nudge() { signal(e.wake) }

// credentials resolves the login and token for each connection attempt.
func (e *Engine) credentials(ctx context.Context) (string, string, error) {
	if e.opts.Anonymous {
		login, token, err := ircconn.Anonymous("")(ctx)
		e.setLogin(login)
		return login, token, err
	}
	cred, err := e.opts.Vault.Get(ctx, e.opts.Identity)
	if errors.Is(err, vault.ErrNotFound) {
		return "", "", fmt.Errorf("%w: no credential stored for %s", chaterr.ErrAuthExpired, e.opts.Identity)
	}
	if err != nil {
		return "", "", err
	}
	login := cred.Identity
	if login == "" {
		login = e.opts.Identity
	}
	e.setLogin(login)
	return login, cred.AccessToken, nil
}

func (e *Engine) setLogin(login string) {
	e.mu.Lock()
	e.login = login
	e.mu.Unlock()
}

// loop is the engine goroutine. Each iteration runs the connection until it
// ends; a connection that ended in Failed waits for Restart.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		updates, err := e.conn.Start(ctx)
		if err != nil {
			e.logger.Error("connection start failed", slog.Any("err", err))
			return
		}
		e.run(ctx, updates)
		if ctx.Err() != nil {
			return
		}
		if e.AwaitingAuth() {
			if e.refreshAfterRejection(ctx) {
				select {
				case <-e.resume:
				default:
				}
				continue
			}
			e.emit(event.Notice(event.NoticeReauthRequired, "", "re-authentication required", time.Now()))
		}
		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				return
			case <-e.resume:
				waiting = false
			case <-e.wake:
				e.flushNotices()
			}
		}
		e.authRetried = false
		e.logger.Info("session resuming")
	}
}

// refreshAfterRejection makes one vault refresh per run of auth rejections.
// The server can reject a token the vault still believes valid; a refreshed
// credential resumes the session without user action.
func (e *Engine) refreshAfterRejection(ctx context.Context) bool {
	if e.opts.Anonymous || e.opts.Vault == nil || e.authRetried {
		return false
	}
	e.authRetried = true
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := e.opts.Vault.Refresh(rctx, e.opts.Identity); err != nil {
		e.logger.Warn("refresh after auth rejection failed", slog.Any("err", err))
		return false
	}
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("credential refreshed after auth rejection; reconnecting")
	return true
}

// run consumes one connection's update stream until it closes.
func (e *Engine) run(ctx context.Context, updates <-chan ircconn.Update) {
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()
	joinCheck := time.NewTicker(e.opts.JoinTimeout)
	defer joinCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			e.conn.Stop()
			for range updates {
			}
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			e.handle(u)
		case <-e.wake:
		case <-retry.C:
		case <-joinCheck.C:
			e.mu.Lock()
			if e.state.Phase == ircconn.Ready {
				e.enqueueJoinsLocked(time.Now())
			}
			e.forgetLeftLocked()
			e.mu.Unlock()
		}
		e.flushNotices()
		if d := e.pump(); d > 0 {
			retry.Reset(d)
		}
	}
}

func (e *Engine) handle(u ircconn.Update) {
	if u.Kind == ircconn.UpdateUnsent {
		e.unsent(u.Line)
		return
	}
	if u.Kind == ircconn.UpdateLine {
		ev := e.norm.Normalize(u.Line, u.ReceivedAt)
		switch ev := ev.(type) {
		case *event.UserJoined:
			if ev.Self && !e.mux.Confirm(ev.Channel) {
				e.logger.Debug("joined channel no longer wanted", slog.String("channel", ev.Channel))
			}
		case *event.UserParted:
			if ev.Self {
				e.mux.Parted(ev.Channel)
			}
		}
		e.emit(ev)
		return
	}

	st := u.State
	e.mu.Lock()
	e.state = st
	switch st.Phase {
	case ircconn.Ready:
		e.authRetried = false
		e.norm.SetSelf(e.login)
		e.enqueueJoinsLocked(time.Now())
	case ircconn.Disconnected, ircconn.Reconnecting, ircconn.Failed:
		e.mux.Disconnected()
		e.removeQueuedLocked(func(q Command) bool { return q.Kind != SendMessage })
	}
	if st.Phase == ircconn.Failed && chaterr.IsAuthExpired(st.Reason) {
		e.paused = true
	}
	e.mu.Unlock()

	e.emit(event.StateChanged(e.connID, st))
	if st.Phase == ircconn.Failed {
		e.logger.Warn("connection failed", slog.Any("err", st.Reason))
	}
}

// unsent reports a chat message lost with the transport. Lost JOINs need no
// notice: the multiplexer re-issues them after the reconnect.
func (e *Engine) unsent(line string) {
	cmd, channel := outboundTarget(line)
	if cmd != "PRIVMSG" {
		e.logger.Debug("unsent line dropped", slog.String("command", cmd), slog.String("channel", channel))
		return
	}
	telemetry.IncCommandsDropped()
	e.logger.Warn("message not sent before connection loss", slog.String("channel", channel))
	e.emit(event.Notice(event.NoticeCommandDropped, channel, "message not sent before the connection was lost", time.Now()))
}

func (e *Engine) emit(ev event.DomainEvent) {
	if e.opts.Observer != nil {
		e.opts.Observer(ev)
	}
	e.feed.push(ev)
}

func (e *Engine) flushNotices() {
	e.mu.Lock()
	pending := e.notices
	e.notices = nil
	e.mu.Unlock()
	for _, n := range pending {
		e.emit(n)
	}
}

// pump writes queued commands in order while the connection is Ready and the
// limiter allows. The head is never skipped: when it is throttled, pump
// returns how long to wait before trying again.
func (e *Engine) pump() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { telemetry.SetQueueDepth(len(e.queue)) }()

	for len(e.queue) > 0 {
		if e.state.Phase != ircconn.Ready {
			return 0
		}
		cmd := e.queue[0]
		switch cmd.Kind {
		case JoinChannel:
			if !e.mux.Wanted(cmd.Channel) {
				e.queue = e.queue[1:]
				continue
			}
		case LeaveChannel:
			if e.mux.Wanted(cmd.Channel) {
				e.queue = e.queue[1:]
				continue
			}
		}

		d := e.limiter.TryAcquire(cmd.Channel, cmd.action())
		if !d.Granted {
			telemetry.IncCommandThrottled(cmd.Kind.String())
			return d.RetryAfter
		}
		err := e.conn.Send(cmd.line())
		switch {
		case errors.Is(err, ircconn.ErrOutboxFull):
			return 50 * time.Millisecond
		case errors.Is(err, ircconn.ErrNotReady):
			return 0
		case err != nil:
			e.logger.Warn("command rejected", slog.String("kind", cmd.Kind.String()), slog.Any("err", err))
			e.queue = e.queue[1:]
			n := event.Notice(event.NoticeCommandRejected, cmd.Channel, err.Error(), time.Now())
			n.MsgID = cmd.ID.String()
			e.notices = append(e.notices, n)
			continue
		}
		e.queue = e.queue[1:]
		telemetry.IncCommandSent(cmd.Kind.String())
		if cmd.Kind == JoinChannel {
			e.mux.Attempted(cmd.Channel, time.Now())
		}
	}
	return 0
}

// enqueueLocked appends cmd, discarding the oldest bounded command when
// QueueDepth is reached. JOINs are outside the bound: the subscription set
// already limits them, and dropping one would lose a subscription.
func (e *Engine) enqueueLocked(cmd Command) {
	if e.boundedLenLocked() >= e.opts.QueueDepth {
		i := slices.IndexFunc(e.queue, func(q Command) bool { return q.Kind != JoinChannel })
		old := e.queue[i]
		e.queue = slices.Delete(e.queue, i, i+1)
		telemetry.IncCommandsDropped()
		n := event.Notice(event.NoticeCommandDropped, old.Channel, fmt.Sprintf("queue full; dropped %s", old.Kind), time.Now())
		n.MsgID = old.ID.String()
		e.notices = append(e.notices, n)
		e.logger.Warn("command queue full; dropped oldest", slog.String("kind", old.Kind.String()), slog.String("channel", old.Channel))
	}
	e.queue = append(e.queue, cmd)
	telemetry.SetQueueDepth(len(e.queue))
}

func (e *Engine) boundedLenLocked() int {
	n := 0
	for _, q := range e.queue {
		if q.Kind != JoinChannel {
			n++
		}
	}
	return n
}

// enqueueJoinsLocked puts JOINs for every pending subscription ahead of the
// queued messages, keeping subscription order. They do not count against
// QueueDepth.
func (e *Engine) enqueueJoinsLocked(now time.Time) {
	pending := e.mux.PendingJoins(now)
	if len(pending) == 0 {
		return
	}
	queued := make(map[string]bool)
	for _, q := range e.queue {
		if q.Kind == JoinChannel {
			queued[q.Channel] = true
		}
	}
	joins := make([]Command, 0, len(pending))
	for _, ch := range pending {
		if queued[ch] {
			continue
		}
		joins = append(joins, Command{ID: uuid.New(), Kind: JoinChannel, Channel: ch, SubmittedAt: now})
	}
	e.queue = append(joins, e.queue...)
}

// forgetLeftLocked releases limiter state of departed channels once it is idle
// and no queued command still targets them.
func (e *Engine) forgetLeftLocked() {
	for ch := range e.left {
		busy := false
		for _, q := range e.queue {
			if channels.Normalize(q.Channel) == ch {
				busy = true
				break
			}
		}
		if !busy && e.limiter.Forget(ch) {
			delete(e.left, ch)
		}
	}
}

func (e *Engine) removeQueuedLocked(match func(Command) bool) {
	kept := e.queue[:0]
	for _, q := range e.queue {
		if !match(q) {
			kept = append(kept, q)
		}
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = Command{}
	}
	e.queue = kept
}
