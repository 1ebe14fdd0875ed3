package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/admiral/ircconn"
)

var received = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewNormalizer("conn-1", "Admiral", nil)
}

func TestNormalize_ChatMessage(t *testing.T) {
	line := "@badge-info=;badges=moderator/1,subscriber/12;color=#FF0000;display-name=Viewer;emotes=;first-msg=1;id=b34ccfc7-4977-403a-8a94-33c6bac34fb8;mod=1;room-id=1337;tmi-sent-ts=1700000000123;user-id=42 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #Chan :hello world"
	ev := newTestNormalizer().Normalize(line, received)

	msg, ok := ev.(*ChatMessage)
	if !ok {
		t.Fatalf("Normalize() = %T, want *ChatMessage", ev)
	}
	if msg.Channel != "chan" {
		t.Errorf("Channel = %q, want chan", msg.Channel)
	}
	if msg.Login != "viewer" || msg.DisplayName != "Viewer" || msg.UserID != "42" {
		t.Errorf("user = (%q, %q, %q)", msg.Login, msg.DisplayName, msg.UserID)
	}
	if msg.Text != "hello world" {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.MessageID != "b34ccfc7-4977-403a-8a94-33c6bac34fb8" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.Color != "#FF0000" {
		t.Errorf("Color = %q", msg.Color)
	}
	if msg.Badges["moderator"] != 1 || msg.Badges["subscriber"] != 12 {
		t.Errorf("Badges = %v", msg.Badges)
	}
	if !msg.FirstMessage {
		t.Error("FirstMessage not set")
	}
	if !msg.Authoritative || !msg.Timestamp.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("Timestamp = %v (authoritative=%v), want server time", msg.Timestamp, msg.Authoritative)
	}
	if !msg.ReceivedAt.Equal(received) || msg.ConnID != "conn-1" {
		t.Errorf("meta = %+v", msg.Meta)
	}
	if msg.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("event id not assigned")
	}
}

func TestNormalize_ReplyAndAction(t *testing.T) {
	line := "@display-name=B;id=2;reply-parent-display-name=A;reply-parent-msg-body=original;reply-parent-msg-id=parent-1;reply-parent-user-login=a;tmi-sent-ts=1700000000000 :b!b@b.tmi.twitch.tv PRIVMSG #c :@A hi"
	msg, ok := newTestNormalizer().Normalize(line, received).(*ChatMessage)
	if !ok {
		t.Fatal("expected ChatMessage")
	}
	if msg.Reply == nil || msg.Reply.MessageID != "parent-1" {
		t.Fatalf("Reply = %+v, want parent-1", msg.Reply)
	}

	action := ":b!b@b.tmi.twitch.tv PRIVMSG #c :\x01ACTION waves\x01"
	msg, ok = newTestNormalizer().Normalize(action, received).(*ChatMessage)
	if !ok {
		t.Fatal("expected ChatMessage")
	}
	if !msg.Action || msg.Text != "waves" {
		t.Errorf("action = (%v, %q), want (true, waves)", msg.Action, msg.Text)
	}
}

func TestNormalize_ReceiptTimeWithoutServerTimestamp(t *testing.T) {
	for _, line := range []string{
		":v!v@v.tmi.twitch.tv PRIVMSG #c :no tags",
		"@tmi-sent-ts=garbage :v!v@v.tmi.twitch.tv PRIVMSG #c :bad ts",
		"@tmi-sent-ts=-5 :v!v@v.tmi.twitch.tv PRIVMSG #c :negative",
	} {
		ev := newTestNormalizer().Normalize(line, received)
		h := ev.Header()
		if h.Authoritative || !h.Timestamp.Equal(received) {
			t.Errorf("%q: Timestamp = %v authoritative=%v, want receipt time", line, h.Timestamp, h.Authoritative)
		}
	}
}

func TestNormalize_Membership(t *testing.T) {
	n := newTestNormalizer()

	self, ok := n.Normalize(":admiral!admiral@admiral.tmi.twitch.tv JOIN #chan", received).(*UserJoined)
	if !ok || !self.Self || self.Channel != "chan" {
		t.Fatalf("self join = %+v", self)
	}
	other, ok := n.Normalize(":someone!someone@someone.tmi.twitch.tv JOIN #chan", received).(*UserJoined)
	if !ok || other.Self || other.Login != "someone" {
		t.Fatalf("other join = %+v", other)
	}
	part, ok := n.Normalize(":admiral!admiral@admiral.tmi.twitch.tv PART #chan", received).(*UserParted)
	if !ok || !part.Self {
		t.Fatalf("self part = %+v", part)
	}

	n.SetSelf("Renamed")
	again, _ := n.Normalize(":renamed!renamed@renamed.tmi.twitch.tv JOIN #x", received).(*UserJoined)
	if again == nil || !again.Self {
		t.Errorf("SetSelf not honored: %+v", again)
	}
}

func TestNormalize_Moderation(t *testing.T) {
	n := newTestNormalizer()

	timeout, ok := n.Normalize("@ban-duration=600;room-id=1;target-user-id=99;tmi-sent-ts=1700000000000 :tmi.twitch.tv CLEARCHAT #chan :baduser", received).(*ModerationAction)
	if !ok {
		t.Fatal("expected ModerationAction for timeout")
	}
	if timeout.Action != ModTimeout || timeout.Duration != 10*time.Minute || timeout.TargetLogin != "baduser" || timeout.TargetUserID != "99" {
		t.Errorf("timeout = %+v", timeout)
	}

	ban, ok := n.Normalize("@room-id=1;target-user-id=99;tmi-sent-ts=1700000000000 :tmi.twitch.tv CLEARCHAT #chan :baduser", received).(*ModerationAction)
	if !ok || ban.Action != ModBan {
		t.Errorf("ban = %+v", ban)
	}

	del, ok := n.Normalize("@login=baduser;room-id=;target-msg-id=abc-123;tmi-sent-ts=1700000000000 :tmi.twitch.tv CLEARMSG #chan :spam", received).(*ModerationAction)
	if !ok {
		t.Fatal("expected ModerationAction for CLEARMSG")
	}
	if del.Action != ModDelete || del.TargetMessageID != "abc-123" || del.TargetLogin != "baduser" || del.Text != "spam" {
		t.Errorf("delete = %+v", del)
	}
}

func TestNormalize_Notices(t *testing.T) {
	n := newTestNormalizer()

	notice, ok := n.Normalize("@msg-id=slow_on :tmi.twitch.tv NOTICE #chan :This room is now in slow mode.", received).(*SystemNotice)
	if !ok || notice.Notice != NoticeServer || notice.MsgID != "slow_on" || notice.Channel != "chan" {
		t.Errorf("notice = %+v", notice)
	}

	room, ok := n.Normalize("@emote-only=0;followers-only=-1;r9k=0;room-id=1;slow=0;subs-only=0 :tmi.twitch.tv ROOMSTATE #chan", received).(*SystemNotice)
	if !ok || room.Notice != NoticeRoomState || room.Params["followers-only"] != "-1" {
		t.Errorf("roomstate = %+v", room)
	}

	unknown, ok := n.Normalize("@x=y :tmi.twitch.tv FROBNICATE #chan :other 10", received).(*SystemNotice)
	if !ok || unknown.Notice != NoticeUnknown || unknown.MsgID != "FROBNICATE" || unknown.Channel != "chan" {
		t.Errorf("unknown = %+v", unknown)
	}
}

func TestNormalize_MalformedIsTotal(t *testing.T) {
	n := newTestNormalizer()
	for _, line := range []string{
		"",
		"@",
		"@tags-without-command",
		":prefix-only",
		"@a=b :prefix",
		"12",
		"!!! #chan :x",
		"PRIVMSG #c :bad\x00byte",
	} {
		ev := n.Normalize(line, received)
		notice, ok := ev.(*SystemNotice)
		if !ok || notice.Notice != NoticeMalformed {
			t.Errorf("Normalize(%q) = %#v, want malformed notice", line, ev)
			continue
		}
		if notice.Raw != line {
			t.Errorf("Raw = %q, want %q", notice.Raw, line)
		}
	}
}

func TestWellFormed(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"PING :tmi.twitch.tv", true},
		{":tmi.twitch.tv 001 me :Welcome", true},
		{"@a=b;c=d :x!x@x PRIVMSG #c :hi", true},
		{"@a=b PRIVMSG #c :hi", true},
		{"", false},
		{"@a=b", false},
		{":x", false},
		{"1234 foo", false},
		{"PRIV-MSG #c", false},
	}
	for _, tt := range tests {
		if got := wellFormed(tt.line); got != tt.want {
			t.Errorf("wellFormed(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestConnectionStateChangedJSON(t *testing.T) {
	ev := StateChanged("conn-1", ircconn.State{Phase: ircconn.Failed, Reason: errors.New("auth expired"), Since: received})
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(b)
	for _, want := range []string{`"phase":"failed"`, `"reason":"auth expired"`, `"conn_id":"conn-1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("json %s missing %s", s, want)
		}
	}
}
