package event

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/admiral/telemetry"
)

// Normalizer turns raw protocol lines into domain events. It is not safe for
// concurrent use; the engine owns one per connection.
type Normalizer struct {
	connID string
	self   string
	logger *slog.Logger
}

// NewNormalizer returns a normalizer for the connection connID logged in as
// self.
func NewNormalizer(connID, self string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		connID: connID,
		self:   strings.ToLower(self),
		logger: logger.With(slog.String("component", "normalizer")),
	}
}

// SetSelf updates the login used to recognize our own JOIN/PART echoes.
func (n *Normalizer) SetSelf(login string) { n.self = strings.ToLower(login) }

// Normalize maps one line to an event. It never fails: frames that cannot be
// understood come back as a malformed SystemNotice carrying the raw line.
func (n *Normalizer) Normalize(line string, receivedAt time.Time) (ev DomainEvent) {
	if !wellFormed(line) {
		return n.malformed(line, receivedAt, "invalid frame")
	}
	defer func() {
		if r := recover(); r != nil {
			ev = n.malformed(line, receivedAt, fmt.Sprint(r))
		}
	}()

	switch m := twitch.ParseMessage(line).(type) {
	case *twitch.PrivateMessage:
		return n.chat(m, receivedAt)
	case *twitch.UserJoinMessage:
		meta := n.meta(m.Channel, nil, receivedAt)
		login := strings.ToLower(m.User)
		return &UserJoined{Meta: meta, Login: login, Self: login == n.self}
	case *twitch.UserPartMessage:
		meta := n.meta(m.Channel, nil, receivedAt)
		login := strings.ToLower(m.User)
		return &UserParted{Meta: meta, Login: login, Self: login == n.self}
	case *twitch.ClearChatMessage:
		return n.clearChat(m, receivedAt)
	case *twitch.ClearMessage:
		return &ModerationAction{
			Meta:            n.meta(m.Channel, m.Tags, receivedAt),
			Action:          ModDelete,
			TargetLogin:     m.Login,
			TargetMessageID: m.TargetMsgID,
			Text:            m.Message,
		}
	case *twitch.NoticeMessage:
		return &SystemNotice{
			Meta:   n.meta(m.Channel, m.Tags, receivedAt),
			Notice: NoticeServer,
			MsgID:  m.MsgID,
			Text:   m.Message,
		}
	case *twitch.UserNoticeMessage:
		text := m.SystemMsg
		if m.Message != "" {
			text = strings.TrimSpace(text + " " + m.Message)
		}
		return &SystemNotice{
			Meta:   n.meta(m.Channel, m.Tags, receivedAt),
			Notice: NoticeUser,
			MsgID:  m.MsgID,
			Text:   text,
			Params: copyTags(m.MsgParams),
		}
	case *twitch.RoomStateMessage:
		return &SystemNotice{
			Meta:   n.meta(m.Channel, m.Tags, receivedAt),
			Notice: NoticeRoomState,
			Params: copyTags(m.Tags),
		}
	default:
		cmd, channel := commandAndChannel(line)
		return &SystemNotice{
			Meta:   n.meta(channel, nil, receivedAt),
			Notice: NoticeUnknown,
			MsgID:  cmd,
			Raw:    line,
		}
	}
}

func (n *Normalizer) chat(m *twitch.PrivateMessage, receivedAt time.Time) *ChatMessage {
	ev := &ChatMessage{
		Meta:         n.meta(m.Channel, m.Tags, receivedAt),
		MessageID:    m.ID,
		UserID:       m.User.ID,
		Login:        strings.ToLower(m.User.Name),
		DisplayName:  m.User.DisplayName,
		Color:        m.User.Color,
		Text:         m.Message,
		Action:       m.Action,
		FirstMessage: m.Tags["first-msg"] == "1",
	}
	if ev.MessageID == "" {
		ev.MessageID = m.Tags["id"]
	}
	if len(m.User.Badges) > 0 {
		ev.Badges = make(map[string]int, len(m.User.Badges))
		for k, v := range m.User.Badges {
			ev.Badges[k] = v
		}
	}
	for _, e := range m.Emotes {
		ev.Emotes = append(ev.Emotes, Emote{ID: e.ID, Name: e.Name})
	}
	if b, err := strconv.Atoi(m.Tags["bits"]); err == nil && b > 0 {
		ev.Bits = b
	}
	if m.Reply != nil && m.Reply.ParentMsgID != "" {
		ev.Reply = &ReplyParent{
			MessageID: m.Reply.ParentMsgID,
			Login:     m.Reply.ParentUserLogin,
			Text:      m.Reply.ParentMsgBody,
		}
	}
	return ev
}

func (n *Normalizer) clearChat(m *twitch.ClearChatMessage, receivedAt time.Time) *ModerationAction {
	ev := &ModerationAction{
		Meta:         n.meta(m.Channel, m.Tags, receivedAt),
		TargetLogin:  strings.ToLower(m.TargetUsername),
		TargetUserID: m.TargetUserID,
	}
	secs, _ := strconv.Atoi(m.Tags["ban-duration"])
	switch {
	case ev.TargetLogin == "":
		ev.Action = ModClear
	case secs > 0:
		ev.Action = ModTimeout
		ev.Duration = time.Duration(secs) * time.Second
	default:
		ev.Action = ModBan
	}
	return ev
}

func (n *Normalizer) meta(channel string, tags map[string]string, receivedAt time.Time) Meta {
	meta := NewMeta(n.connID, NormalizeChannel(channel), receivedAt)
	if ts, ok := sentAt(tags); ok {
		meta.Timestamp = ts
		meta.Authoritative = true
	}
	return meta
}

func (n *Normalizer) malformed(line string, receivedAt time.Time, reason string) *SystemNotice {
	telemetry.IncFramesMalformed()
	n.logger.Debug("malformed frame", slog.String("reason", reason), slog.Int("len", len(line)))
	return &SystemNotice{
		Meta:   NewMeta(n.connID, "", receivedAt),
		Notice: NoticeMalformed,
		Text:   reason,
		Raw:    line,
	}
}

// NormalizeChannel lowercases a channel name and strips its '#'.
func NormalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

func sentAt(tags map[string]string) (time.Time, bool) {
	raw, ok := tags["tmi-sent-ts"]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func copyTags(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// wellFormed checks framing only: optional tags and prefix, each followed by a
// separator, then a command that is a word or a three-digit numeric.
func wellFormed(line string) bool {
	rest := line
	if rest == "" || strings.ContainsAny(rest, "\r\n\x00") {
		return false
	}
	if rest[0] == '@' {
		i := strings.IndexByte(rest, ' ')
		if i <= 1 {
			return false
		}
		rest = strings.TrimLeft(rest[i+1:], " ")
	}
	if strings.HasPrefix(rest, ":") {
		i := strings.IndexByte(rest, ' ')
		if i <= 1 {
			return false
		}
		rest = strings.TrimLeft(rest[i+1:], " ")
	}
	cmd, _, _ := strings.Cut(rest, " ")
	if cmd == "" {
		return false
	}
	if len(cmd) == 3 && isDigits(cmd) {
		return true
	}
	for _, r := range cmd {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// commandAndChannel pulls the command and, if present, the first '#' parameter
// of a line the parser has no dedicated type for.
func commandAndChannel(line string) (cmd, channel string) {
	rest := line
	if strings.HasPrefix(rest, "@") {
		_, rest, _ = strings.Cut(rest, " ")
	}
	if strings.HasPrefix(rest, ":") {
		_, rest, _ = strings.Cut(rest, " ")
	}
	head, _, _ := strings.Cut(rest, " :")
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return "", ""
	}
	cmd = strings.ToUpper(fields[0])
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "#") {
			return cmd, NormalizeChannel(f)
		}
	}
	return cmd, ""
}
