package chatlog

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/onnwee/admiral/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu    sync.Mutex
	got   []string
	fail  bool
	block chan struct{}
}

func (f *fakeStore) Record(ctx context.Context, ev event.DomainEvent) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("boom")
	}
	if m, ok := ev.(*event.ChatMessage); ok {
		f.got = append(f.got, m.Text)
	} else {
		f.got = append(f.got, string(ev.Kind()))
	}
	return nil
}

func (f *fakeStore) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func msg(text string) *event.ChatMessage {
	return &event.ChatMessage{Meta: event.NewMeta("c", "chan", time.Now()), MessageID: text, Text: text}
}

func TestRecorder_WritesInOrderAndFiltersKinds(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	r.Observe(msg("a"))
	r.Observe(&event.UserJoined{Meta: event.NewMeta("c", "chan", time.Now()), Login: "x"})
	r.Observe(msg("b"))
	r.Observe(&event.ModerationAction{Meta: event.NewMeta("c", "chan", time.Now()), Action: event.ModClear})
	r.Observe(msg("c"))

	deadline := time.Now().Add(time.Second)
	for len(store.texts()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	want := []string{"a", "b", string(event.KindModeration), "c"}
	if got := store.texts(); !reflect.DeepEqual(got, want) {
		t.Errorf("archived = %v, want %v", got, want)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	r := NewRecorder(store, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	r.Observe(msg("first"))
	// wait for the worker to pick up the first event and block in the store
	deadline := time.Now().Add(time.Second)
	for len(r.in) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		r.Observe(msg("x"))
	}
	if got := r.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	cancel()
	close(store.block)
	<-done
	if got := len(store.texts()); got != 3 {
		t.Errorf("archived %d events, want 3 (1 in flight + 2 flushed)", got)
	}
}

func TestRecorder_StoreErrorDoesNotStop(t *testing.T) {
	store := &fakeStore{fail: true}
	r := NewRecorder(store, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	r.Observe(msg("a"))
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	r.Observe(msg("b"))
	deadline := time.Now().Add(time.Second)
	for len(store.texts()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if got := store.texts(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("archived = %v, want [b]", got)
	}
}

func TestBadgesRoundTrip(t *testing.T) {
	tests := []struct {
		in   map[string]int
		want string
	}{
		{nil, ""},
		{map[string]int{"subscriber": 12, "broadcaster": 1}, "broadcaster/1,subscriber/12"},
	}
	for _, tt := range tests {
		got := EncodeBadges(tt.in)
		if got != tt.want {
			t.Errorf("EncodeBadges(%v) = %q, want %q", tt.in, got, tt.want)
		}
		if back := DecodeBadges(got); len(tt.in) > 0 && !reflect.DeepEqual(back, tt.in) {
			t.Errorf("DecodeBadges(%q) = %v, want %v", got, back, tt.in)
		}
	}
	if got := DecodeBadges("vip/1,broken,x/y"); !reflect.DeepEqual(got, map[string]int{"vip": 1}) {
		t.Errorf("DecodeBadges skips malformed pairs: got %v", got)
	}
}
