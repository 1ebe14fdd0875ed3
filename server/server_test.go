package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/admiral/channels"
	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/chatlog"
	"github.com/onnwee/admiral/event"
	"github.com/onnwee/admiral/favorites"
	"github.com/onnwee/admiral/ircconn"
	"github.com/onnwee/admiral/session"
	"github.com/onnwee/admiral/twitchapi"
	"github.com/onnwee/admiral/vault"
)

type fakeEngine struct {
	mu        sync.Mutex
	state     ircconn.State
	submitted []session.Command
	joined    []string
	left      []string
	submitErr error
	reauthErr error
	reauths   int

	events chan event.DomainEvent
	closed chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		state:  ircconn.State{Phase: ircconn.Ready, Since: time.Now()},
		events: make(chan event.DomainEvent, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeEngine) Next(ctx context.Context) (event.DomainEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return nil, session.ErrFeedClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeEngine) State() ircconn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) AwaitingAuth() bool { return false }

func (f *fakeEngine) Subscriptions() []channels.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channels.Subscription, 0, len(f.joined))
	for _, ch := range f.joined {
		out = append(out, channels.Subscription{Channel: ch, Joined: true})
	}
	return out
}

func (f *fakeEngine) QueueLen() int { return 0 }

func (f *fakeEngine) Submit(cmd session.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, cmd)
	return nil
}

func (f *fakeEngine) Join(ch string) error {
	ch = channels.Normalize(ch)
	if !channels.Valid(ch) {
		return session.ErrInvalidCommand
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, ch)
	return nil
}

func (f *fakeEngine) Leave(ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, channels.Normalize(ch))
	return nil
}

func (f *fakeEngine) Reauthenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauths++
	return f.reauthErr
}

type fakeAuthorizer struct{ err error }

func (a *fakeAuthorizer) AuthorizeURL(state string) (string, error) {
	return "https://id.example/authorize?state=" + state, nil
}

func (a *fakeAuthorizer) Exchange(ctx context.Context, code string) (vault.Credential, error) {
	if a.err != nil {
		return vault.Credential{}, a.err
	}
	return vault.Credential{Identity: "admiral", AccessToken: "tok-" + code, RefreshToken: "ref-" + code}, nil
}

type fakeDirectory struct{ err error }

func (d fakeDirectory) GetUsers(ctx context.Context, logins ...string) ([]twitchapi.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]twitchapi.User, 0, len(logins))
	for _, l := range logins {
		out = append(out, twitchapi.User{ID: "id-" + l, Login: l})
	}
	return out, nil
}

type fakeArchive struct{ entries []chatlog.Entry }

func (a fakeArchive) Recent(ctx context.Context, channel string, limit int) ([]chatlog.Entry, error) {
	if limit < len(a.entries) {
		return a.entries[len(a.entries)-limit:], nil
	}
	return a.entries, nil
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	h := NewMux(Options{Engine: newFakeEngine(), Token: "secret"})
	rr := do(t, h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}
}

func TestBridgeAuth(t *testing.T) {
	h := NewMux(Options{Engine: newFakeEngine(), Token: "secret"})
	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"no token", "/status", nil, http.StatusUnauthorized},
		{"wrong token", "/status", map[string]string{"X-Bridge-Token": "nope"}, http.StatusUnauthorized},
		{"header token", "/status", map[string]string{"X-Bridge-Token": "secret"}, http.StatusOK},
		{"query token", "/status?token=secret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := do(t, h, http.MethodGet, tt.target, "", tt.hdr); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	h := NewMux(Options{Engine: newFakeEngine()})
	rr := do(t, h, http.MethodGet, "/healthz", "", map[string]string{"X-Correlation-ID": "abc-123"})
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q, want abc-123", got)
	}
}

func TestStatusAndReadyz(t *testing.T) {
	eng := newFakeEngine()
	_ = eng.Join("forsen")
	h := NewMux(Options{Engine: eng})

	rr := do(t, h, http.MethodGet, "/status", "", nil)
	var st statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v (%s)", err, rr.Body.String())
	}
	if st.Phase != "ready" || len(st.Subscriptions) != 1 || st.Subscriptions[0].Channel != "forsen" {
		t.Errorf("status = %+v", st)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("readyz = %d while Ready", rr.Code)
	}

	eng.mu.Lock()
	eng.state = ircconn.State{Phase: ircconn.Failed, Reason: chaterr.ErrAuthExpired}
	eng.mu.Unlock()
	rr = do(t, h, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "failed") {
		t.Errorf("readyz = %d %s, want 503 with phase", rr.Code, rr.Body.String())
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{"send", `{"kind":"send_message","channel":"forsen","text":"hi"}`, nil, http.StatusAccepted},
		{"bad json", `{"kind":`, nil, http.StatusBadRequest},
		{"unknown kind", `{"kind":"dance","channel":"forsen"}`, nil, http.StatusBadRequest},
		{"unknown field", `{"kind":"join","channel":"forsen","x":1}`, nil, http.StatusBadRequest},
		{"rejected", `{"kind":"send_message","channel":"forsen","text":"hi"}`, fmt.Errorf("%w: too long", session.ErrInvalidCommand), http.StatusBadRequest},
		{"stopped", `{"kind":"join","channel":"forsen"}`, session.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.submitErr = tt.submitErr
			h := NewMux(Options{Engine: eng})
			rr := do(t, h, http.MethodPost, "/commands", tt.body, nil)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			if tt.want != http.StatusAccepted {
				return
			}
			var out commandAccepted
			if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
				t.Fatal(err)
			}
			if len(eng.submitted) != 1 || eng.submitted[0].ID != out.ID || eng.submitted[0].Kind != session.SendMessage {
				t.Errorf("submitted = %+v, response id %s", eng.submitted, out.ID)
			}
		})
	}
	h := NewMux(Options{Engine: newFakeEngine()})
	if rr := do(t, h, http.MethodGet, "/commands", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /commands = %d", rr.Code)
	}
}

func TestChannels(t *testing.T) {
	eng := newFakeEngine()
	h := NewMux(Options{Engine: eng})
	if rr := do(t, h, http.MethodPost, "/channels", `{"channel":"#XQC"}`, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("join = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/channels", `{"channel":"bad name"}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid join = %d, want 400", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/channels", "", nil)
	var subs []channels.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &subs); err != nil || len(subs) != 1 || subs[0].Channel != "xqc" {
		t.Errorf("GET /channels = %s (%v)", rr.Body.String(), err)
	}
	if rr := do(t, h, http.MethodDelete, "/channels?channel=xqc", "", nil); rr.Code != http.StatusAccepted {
		t.Errorf("leave = %d", rr.Code)
	}
	if len(eng.left) != 1 || eng.left[0] != "xqc" {
		t.Errorf("left = %v", eng.left)
	}
}

func TestReauthenticate(t *testing.T) {
	eng := newFakeEngine()
	h := NewMux(Options{Engine: eng})
	if rr := do(t, h, http.MethodPost, "/auth/reauthenticate", "", nil); rr.Code != http.StatusAccepted {
		t.Errorf("reauthenticate = %d", rr.Code)
	}
	eng.reauthErr = fmt.Errorf("refresh: %w", chaterr.ErrAuthExpired)
	rr := do(t, h, http.MethodPost, "/auth/reauthenticate", "", nil)
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), "auth_expired") {
		t.Errorf("reauthenticate with revoked token = %d %s", rr.Code, rr.Body.String())
	}
}

func TestScrollback(t *testing.T) {
	h := NewMux(Options{Engine: newFakeEngine()})
	if rr := do(t, h, http.MethodGet, "/scrollback?channel=forsen", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("scrollback without archive = %d, want 404", rr.Code)
	}

	archive := fakeArchive{entries: []chatlog.Entry{{MessageID: "1", Text: "a"}, {MessageID: "2", Text: "b"}}}
	h = NewMux(Options{Engine: newFakeEngine(), Archive: archive})
	rr := do(t, h, http.MethodGet, "/scrollback?channel=forsen&limit=1", "", nil)
	var got []chatlog.Entry
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "b" {
		t.Errorf("scrollback = %+v", got)
	}
	if rr := do(t, h, http.MethodGet, "/scrollback?channel=", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("scrollback without channel = %d", rr.Code)
	}
}

func TestFavorites(t *testing.T) {
	store, err := favorites.Load(filepath.Join(t.TempDir(), "favorites.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	h := NewMux(Options{Engine: newFakeEngine(), Favorites: store})

	if rr := do(t, h, http.MethodPost, "/favorites", `{"channel":"Forsen"}`, nil); rr.Code != http.StatusCreated {
		t.Fatalf("add = %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, "/favorites", `{"channel":"forsen"}`, nil); rr.Code != http.StatusOK {
		t.Errorf("re-add = %d, want 200", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/favorites", `{"channel":"no way"}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid add = %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/favorites/star", `{"channel":"forsen"}`, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"starred":true`) {
		t.Errorf("star = %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPut, "/favorites/color", `{"color":"#zzzzzz"}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad color = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPut, "/favorites/color", `{"color":"#101010"}`, nil); rr.Code != http.StatusNoContent {
		t.Errorf("color = %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/favorites", "", nil)
	var snap favoritesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Channels) != 1 || len(snap.Starred) != 1 || snap.BackgroundColor != "#101010" {
		t.Errorf("favorites = %+v", snap)
	}
	if rr := do(t, h, http.MethodDelete, "/favorites?channel=forsen", "", nil); rr.Code != http.StatusNoContent {
		t.Errorf("remove = %d", rr.Code)
	}
	if store.Contains("forsen") {
		t.Error("forsen still a favorite after DELETE")
	}

	h = NewMux(Options{Engine: newFakeEngine()})
	if rr := do(t, h, http.MethodGet, "/favorites", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("favorites disabled = %d", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	h := NewMux(Options{Engine: newFakeEngine(), AllowedOrigins: []string{"http://localhost:5173"}})
	rr := do(t, h, http.MethodOptions, "/commands", "", map[string]string{"Origin": "http://localhost:5173"})
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
	rr = do(t, h, http.MethodGet, "/healthz", "", map[string]string{"Origin": "http://evil.example"})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

type sseEvent struct {
	id, name, data string
}

func readSSE(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ev
}

func TestEventsStream(t *testing.T) {
	eng := newFakeEngine()
	srv := httptest.NewServer(NewMux(Options{Engine: eng}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	second, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Errorf("second consumer status = %d, want 409", second.StatusCode)
	}

	msg := &event.ChatMessage{Meta: event.NewMeta("c", "forsen", time.Now()), MessageID: "m1", Login: "a", Text: "hello"}
	msg.Seq = 7
	eng.events <- msg
	eng.events <- event.StateChanged("c", ircconn.State{Phase: ircconn.Reconnecting, Attempt: 2, Delay: time.Second})

	sc := bufio.NewScanner(resp.Body)
	first := readSSE(t, sc)
	if first.id != "7" || first.name != string(event.KindChatMessage) || !strings.Contains(first.data, `"text":"hello"`) {
		t.Errorf("first event = %+v", first)
	}
	next := readSSE(t, sc)
	if next.name != string(event.KindConnectionState) || !strings.Contains(next.data, `"phase":"reconnecting"`) {
		t.Errorf("second event = %+v", next)
	}

	close(eng.closed)
	if last := readSSE(t, sc); last.name != "closed" {
		t.Errorf("final event = %+v, want closed", last)
	}
}

func TestEventsHeartbeat(t *testing.T) {
	old := heartbeatEvery
	heartbeatEvery = 10 * time.Millisecond
	t.Cleanup(func() { heartbeatEvery = old })

	eng := newFakeEngine()
	srv := httptest.NewServer(NewMux(Options{Engine: eng}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == ": ping" {
			return
		}
	}
	t.Fatal("no heartbeat before stream ended")
}

func TestOAuthFlow(t *testing.T) {
	auth := &fakeAuthorizer{}
	var stored []string
	flow := NewOAuthFlow(auth, func(ctx context.Context, cred vault.Credential) error {
		stored = append(stored, cred.Identity)
		return nil
	}, nil)
	h := NewMux(Options{Engine: newFakeEngine(), OAuth: flow, Token: "secret"})

	rr := do(t, h, http.MethodGet, "/auth/twitch/start", "", map[string]string{"X-Bridge-Token": "secret"})
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	state := strings.TrimPrefix(loc, "https://id.example/authorize?state=")
	if state == loc || state == "" {
		t.Fatalf("Location = %q", loc)
	}

	if rr := do(t, h, http.MethodGet, "/auth/twitch/callback?code=c&state=forged", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("forged state = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/auth/twitch/callback?error=access_denied", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("denied = %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/auth/twitch/callback?code=good&state="+state, "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "admiral") {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body.String())
	}
	if len(stored) != 1 || stored[0] != "admiral" {
		t.Errorf("stored = %v", stored)
	}
	if strings.Contains(rr.Body.String(), "tok-") {
		t.Error("callback response leaked token material")
	}
	// states are single use
	if rr := do(t, h, http.MethodGet, "/auth/twitch/callback?code=good&state="+state, "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("replayed state = %d", rr.Code)
	}

	auth.err = fmt.Errorf("exchange: %w", chaterr.ErrAuthExpired)
	st, _ := flow.NewState()
	if rr := do(t, h, http.MethodGet, "/auth/twitch/callback?code=bad&state="+st, "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("failed exchange = %d", rr.Code)
	}
}

func TestOAuthStateExpiry(t *testing.T) {
	flow := NewOAuthFlow(&fakeAuthorizer{}, func(context.Context, vault.Credential) error { return nil }, nil)
	now := time.Now()
	flow.now = func() time.Time { return now }
	st, err := flow.NewState()
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(oauthStateTTL + time.Second)
	if flow.consumeState(st) {
		t.Error("expired state accepted")
	}
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, Options{Engine: newFakeEngine()}) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartBadAddr(t *testing.T) {
	err := Start(context.Background(), "not-an-address", Options{Engine: newFakeEngine()})
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestUsers(t *testing.T) {
	h := NewMux(Options{Engine: newFakeEngine()})
	if rr := do(t, h, http.MethodGet, "/users?login=forsen", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("users without directory = %d", rr.Code)
	}

	h = NewMux(Options{Engine: newFakeEngine(), Users: fakeDirectory{}})
	rr := do(t, h, http.MethodGet, "/users?login=forsen&login=xqc", "", nil)
	var users []twitchapi.User
	if err := json.Unmarshal(rr.Body.Bytes(), &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[1].ID != "id-xqc" {
		t.Errorf("users = %+v", users)
	}
	if rr := do(t, h, http.MethodGet, "/users", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("users without login = %d", rr.Code)
	}

	h = NewMux(Options{Engine: newFakeEngine(), Users: fakeDirectory{err: fmt.Errorf("helix: %w", chaterr.ErrAuthExpired)}})
	if rr := do(t, h, http.MethodGet, "/users?login=forsen", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("users with expired token = %d", rr.Code)
	}
}
