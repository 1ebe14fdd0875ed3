package chatlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/admiral/event"
	"github.com/onnwee/admiral/testutil"
)

func TestArchive_RecordAndRecent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	channel := fmt.Sprintf("archive_test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = database.ExecContext(context.Background(), `DELETE FROM chat_messages WHERE channel=$1`, channel)
		_, _ = database.ExecContext(context.Background(), `DELETE FROM moderation_events WHERE channel=$1`, channel)
	})

	a := NewArchive(database)
	base := time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)
	mk := func(id, login, text string, offset time.Duration) *event.ChatMessage {
		m := &event.ChatMessage{
			Meta:      event.NewMeta("c", channel, base.Add(offset)),
			MessageID: id,
			UserID:    "uid-" + login,
			Login:     login,
			Text:      text,
			Badges:    map[string]int{"subscriber": 3},
		}
		return m
	}
	msgs := []*event.ChatMessage{
		mk(channel+"-1", "alice", "hello", 0),
		mk(channel+"-2", "bob", "spam", time.Second),
		mk(channel+"-3", "carol", "hi", 2*time.Second),
	}
	msgs[2].Reply = &event.ReplyParent{MessageID: channel + "-1", Login: "alice", Text: "hello"}
	for _, m := range msgs {
		if err := a.Record(ctx, m); err != nil {
			t.Fatalf("Record(%s) error = %v", m.MessageID, err)
		}
	}
	// duplicate delivery is ignored
	if err := a.Record(ctx, msgs[0]); err != nil {
		t.Fatalf("Record duplicate error = %v", err)
	}

	timeout := &event.ModerationAction{
		Meta:         event.NewMeta("c", channel, base.Add(3*time.Second)),
		Action:       event.ModTimeout,
		TargetLogin:  "bob",
		TargetUserID: "uid-bob",
		Duration:     10 * time.Minute,
	}
	if err := a.Record(ctx, timeout); err != nil {
		t.Fatalf("Record(timeout) error = %v", err)
	}

	got, err := a.Recent(ctx, channel, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(got))
	}
	if got[0].Text != "hello" || got[2].Text != "hi" {
		t.Errorf("Recent() order = %q..%q, want oldest first", got[0].Text, got[2].Text)
	}
	if !got[1].Deleted || got[0].Deleted {
		t.Errorf("deleted flags = %v/%v, want only bob's message deleted", got[0].Deleted, got[1].Deleted)
	}
	if got[2].Reply == nil || got[2].Reply.Login != "alice" {
		t.Errorf("reply parent = %+v", got[2].Reply)
	}
	if got[0].Badges["subscriber"] != 3 {
		t.Errorf("badges = %v", got[0].Badges)
	}

	limited, err := a.Recent(ctx, channel, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Text != "hi" {
		t.Errorf("Recent(limit=1) = %+v, want newest message", limited)
	}
}
