package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/onnwee/admiral/channels"
	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/ratelimit"
)

// CommandKind is the kind of a user-issued command.
type CommandKind int

const (
	SendMessage CommandKind = iota
	JoinChannel
	LeaveChannel
)

func (k CommandKind) String() string {
	switch k {
	case SendMessage:
		return "send_message"
	case JoinChannel:
		return "join"
	case LeaveChannel:
		return "leave"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k CommandKind) MarshalText() ([]byte, error) {
	switch k {
	case SendMessage, JoinChannel, LeaveChannel:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidCommand, int(k))
}

// UnmarshalText accepts the names produced by MarshalText plus the short
// forms "send" and "part".
func (k *CommandKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "send_message", "send", "message":
		*k = SendMessage
	case "join":
		*k = JoinChannel
	case "leave", "part":
		*k = LeaveChannel
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, string(b))
	}
	return nil
}

// MaxMessageRunes is the longest chat message the platform accepts.
const MaxMessageRunes = 500

// ErrInvalidCommand is returned for commands that fail validation. It wraps
// the taxonomy's protocol-violation class.
var ErrInvalidCommand = fmt.Errorf("%w: invalid command", chaterr.ErrProtocolViolation)

// Command is a user intent. ID is assigned on submission if empty.
type Command struct {
	ID      uuid.UUID   `json:"id"`
	Kind    CommandKind `json:"kind"`
	Channel string      `json:"channel"`
	Text    string      `json:"text,omitempty"`
	// ReplyTo is the id of the message being replied to.
	ReplyTo     string    `json:"reply_to,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// validate normalizes c in place.
func (c *Command) validate() error {
	c.Channel = channels.Normalize(c.Channel)
	if !channels.Valid(c.Channel) {
		return fmt.Errorf("%w: channel %q", ErrInvalidCommand, c.Channel)
	}
	switch c.Kind {
	case JoinChannel, LeaveChannel:
		return nil
	case SendMessage:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidCommand, int(c.Kind))
	}
	if strings.ContainsAny(c.Text, "\r\n") {
		return fmt.Errorf("%w: message contains a line break", ErrInvalidCommand)
	}
	c.Text = strings.TrimSpace(c.Text)
	if c.Text == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidCommand)
	}
	if n := utf8.RuneCountInString(c.Text); n > MaxMessageRunes {
		return fmt.Errorf("%w: message is %d characters, limit %d", ErrInvalidCommand, n, MaxMessageRunes)
	}
	if strings.ContainsAny(c.ReplyTo, " ;\r\n") {
		return fmt.Errorf("%w: reply id %q", ErrInvalidCommand, c.ReplyTo)
	}
	return nil
}

func (c Command) action() ratelimit.Action {
	switch c.Kind {
	case JoinChannel:
		return ratelimit.ActionJoin
	case LeaveChannel:
		return ratelimit.ActionPart
	default:
		return ratelimit.ActionMessage
	}
}

// line renders the protocol line for c.
func (c Command) line() string {
	switch c.Kind {
	case JoinChannel:
		return "JOIN #" + c.Channel
	case LeaveChannel:
		return "PART #" + c.Channel
	}
	if c.ReplyTo != "" {
		return "@reply-parent-msg-id=" + c.ReplyTo + " PRIVMSG #" + c.Channel + " :" + c.Text
	}
	return "PRIVMSG #" + c.Channel + " :" + c.Text
}

// outboundTarget returns the command and channel of a line built by line.
func outboundTarget(l string) (cmd, channel string) {
	if strings.HasPrefix(l, "@") {
		_, l, _ = strings.Cut(l, " ")
	}
	fields := strings.Fields(l)
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) > 1 {
		channel = strings.TrimPrefix(fields[1], "#")
	}
	return strings.ToUpper(fields[0]), channel
}

// IsInvalid reports whether err came from command validation.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidCommand) }
