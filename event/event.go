// Package event defines the typed domain events the session engine delivers to
// the presentation layer, and the normalizer that produces them from raw
// protocol lines.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/admiral/ircconn"
)

// Kind identifies an event variant.
type Kind string

const (
	KindChatMessage     Kind = "chat_message"
	KindUserJoined      Kind = "user_joined"
	KindUserParted      Kind = "user_parted"
	KindModeration      Kind = "moderation"
	KindConnectionState Kind = "connection_state"
	KindSystemNotice    Kind = "system_notice"
)

// Meta is carried by every event. Seq is assigned by the engine when the event
// enters the feed and is strictly increasing per engine.
type Meta struct {
	ID         uuid.UUID `json:"id"`
	Seq        uint64    `json:"seq"`
	ConnID     string    `json:"conn_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	// Timestamp is the server-sent time when Authoritative, else ReceivedAt.
	Timestamp     time.Time `json:"timestamp"`
	Authoritative bool      `json:"authoritative"`
}

// Header gives access to the shared metadata.
func (m *Meta) Header() *Meta { return m }

// DomainEvent is implemented by every event variant.
type DomainEvent interface {
	Kind() Kind
	Header() *Meta
}

// ChatMessage is a user message in a channel.
type ChatMessage struct {
	Meta
	MessageID    string         `json:"message_id"`
	UserID       string         `json:"user_id,omitempty"`
	Login        string         `json:"login"`
	DisplayName  string         `json:"display_name,omitempty"`
	Color        string         `json:"color,omitempty"`
	Badges       map[string]int `json:"badges,omitempty"`
	Emotes       []Emote        `json:"emotes,omitempty"`
	Text         string         `json:"text"`
	Action       bool           `json:"action,omitempty"`
	Bits         int            `json:"bits,omitempty"`
	FirstMessage bool           `json:"first_message,omitempty"`
	Reply        *ReplyParent   `json:"reply,omitempty"`
}

// Emote is one emote used in a message.
type Emote struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReplyParent identifies the message a ChatMessage replies to.
type ReplyParent struct {
	MessageID string `json:"message_id"`
	Login     string `json:"login,omitempty"`
	Text      string `json:"text,omitempty"`
}

func (*ChatMessage) Kind() Kind { return KindChatMessage }

// UserJoined reports a JOIN. Self is set when the joining user is us, which is
// how the engine learns a join was confirmed.
type UserJoined struct {
	Meta
	Login string `json:"login"`
	Self  bool   `json:"self,omitempty"`
}

func (*UserJoined) Kind() Kind { return KindUserJoined }

// UserParted reports a PART.
type UserParted struct {
	Meta
	Login string `json:"login"`
	Self  bool   `json:"self,omitempty"`
}

func (*UserParted) Kind() Kind { return KindUserParted }

// ModerationKind distinguishes moderation actions.
type ModerationKind string

const (
	ModTimeout ModerationKind = "timeout"
	ModBan     ModerationKind = "ban"
	ModClear   ModerationKind = "clear"
	ModDelete  ModerationKind = "delete"
)

// ModerationAction is a timeout, ban, chat clear or single-message deletion.
type ModerationAction struct {
	Meta
	Action          ModerationKind `json:"action"`
	TargetLogin     string         `json:"target_login,omitempty"`
	TargetUserID    string         `json:"target_user_id,omitempty"`
	TargetMessageID string         `json:"target_message_id,omitempty"`
	Duration        time.Duration  `json:"duration,omitempty"`
	Text            string         `json:"text,omitempty"`
}

func (*ModerationAction) Kind() Kind { return KindModeration }

// ConnectionStateChanged mirrors a connection state transition into the feed.
type ConnectionStateChanged struct {
	Meta
	State ircconn.State `json:"-"`
}

func (*ConnectionStateChanged) Kind() Kind { return KindConnectionState }

// MarshalJSON flattens State, whose Reason is an error.
func (e *ConnectionStateChanged) MarshalJSON() ([]byte, error) {
	out := struct {
		Meta
		Phase   string `json:"phase"`
		Attempt int    `json:"attempt,omitempty"`
		DelayMS int64  `json:"delay_ms,omitempty"`
		Reason  string `json:"reason,omitempty"`
	}{
		Meta:    e.Meta,
		Phase:   e.State.Phase.String(),
		Attempt: e.State.Attempt,
		DelayMS: e.State.Delay.Milliseconds(),
	}
	if e.State.Reason != nil {
		out.Reason = e.State.Reason.Error()
	}
	return json.Marshal(out)
}

// NoticeKind classifies a SystemNotice.
type NoticeKind string

const (
	NoticeServer          NoticeKind = "notice"
	NoticeUser            NoticeKind = "usernotice"
	NoticeRoomState       NoticeKind = "roomstate"
	NoticeUnknown         NoticeKind = "unknown"
	NoticeMalformed       NoticeKind = "malformed"
	NoticeEventsDropped   NoticeKind = "events_dropped"
	NoticeCommandDropped  NoticeKind = "command_dropped"
	NoticeCommandRejected NoticeKind = "command_rejected"
	NoticeReauthRequired  NoticeKind = "reauth_required"
)

// SystemNotice covers server notices, room state, unrecognized commands and
// engine-originated notices such as dropped events.
type SystemNotice struct {
	Meta
	Notice NoticeKind        `json:"notice"`
	MsgID  string            `json:"msg_id,omitempty"`
	Text   string            `json:"text,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	// Count is the number of events a NoticeEventsDropped stands for.
	Count int    `json:"count,omitempty"`
	Raw   string `json:"raw,omitempty"`
}

func (*SystemNotice) Kind() Kind { return KindSystemNotice }

// NewMeta returns metadata stamped at receivedAt.
func NewMeta(connID, channel string, receivedAt time.Time) Meta {
	return Meta{
		ID:         newID(),
		ConnID:     connID,
		Channel:    channel,
		ReceivedAt: receivedAt,
		Timestamp:  receivedAt,
	}
}

// StateChanged wraps a connection state.
func StateChanged(connID string, st ircconn.State) *ConnectionStateChanged {
	at := st.Since
	if at.IsZero() {
		at = time.Now()
	}
	return &ConnectionStateChanged{Meta: NewMeta(connID, "", at), State: st}
}

// Notice builds an engine-originated notice.
func Notice(kind NoticeKind, channel, text string, at time.Time) *SystemNotice {
	return &SystemNotice{Meta: NewMeta("", channel, at), Notice: kind, Text: text}
}

func newID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
