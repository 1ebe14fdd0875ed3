// Package chatlog archives chat traffic into Postgres so the presentation
// layer can show scrollback for a channel after a restart.
//
// Archive writes rows synchronously. Recorder sits between the session engine
// and the Archive: the engine hands it events through Observe without
// blocking, and a single worker drains them into the database in feed order.
package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/admiral/event"
)

// Entry is one archived chat message.
type Entry struct {
	MessageID   string             `json:"message_id"`
	Channel     string             `json:"channel"`
	UserID      string             `json:"user_id,omitempty"`
	Login       string             `json:"login"`
	DisplayName string             `json:"display_name,omitempty"`
	Text        string             `json:"text"`
	Action      bool               `json:"action,omitempty"`
	Bits        int                `json:"bits,omitempty"`
	Color       string             `json:"color,omitempty"`
	Badges      map[string]int     `json:"badges,omitempty"`
	Emotes      []string           `json:"emotes,omitempty"`
	Reply       *event.ReplyParent `json:"reply,omitempty"`
	SentAt      time.Time          `json:"sent_at"`
	ReceivedAt  time.Time          `json:"received_at"`
	Deleted     bool               `json:"deleted,omitempty"`
}

// Archive stores chat messages and moderation actions.
type Archive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) *Archive { return &Archive{db: db} }

// Record stores ev. Chat messages are inserted once per message id; moderation
// actions are logged and mark the affected messages deleted. Other event kinds
// are ignored.
func (a *Archive) Record(ctx context.Context, ev event.DomainEvent) error {
	switch e := ev.(type) {
	case *event.ChatMessage:
		return a.insertMessage(ctx, e)
	case *event.ModerationAction:
		return a.applyModeration(ctx, e)
	}
	return nil
}

func (a *Archive) insertMessage(ctx context.Context, m *event.ChatMessage) error {
	if m.MessageID == "" {
		return nil
	}
	var replyID, replyLogin, replyText sql.NullString
	if m.Reply != nil {
		replyID = sql.NullString{String: m.Reply.MessageID, Valid: true}
		replyLogin = sql.NullString{String: m.Reply.Login, Valid: m.Reply.Login != ""}
		replyText = sql.NullString{String: m.Reply.Text, Valid: m.Reply.Text != ""}
	}
	emotes := make([]string, 0, len(m.Emotes))
	for _, e := range m.Emotes {
		emotes = append(emotes, e.Name)
	}
	_, err := a.db.ExecContext(ctx, `INSERT INTO chat_messages
		(message_id, channel, user_id, username, display_name, message, action, bits, badges, emotes, color,
		 reply_to_id, reply_to_username, reply_to_message, sent_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (message_id) DO NOTHING`,
		m.MessageID, m.Channel, m.UserID, m.Login, m.DisplayName, m.Text, m.Action, m.Bits,
		EncodeBadges(m.Badges), strings.Join(emotes, ","), m.Color,
		replyID, replyLogin, replyText, m.Timestamp.UTC(), m.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (a *Archive) applyModeration(ctx context.Context, m *event.ModerationAction) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin moderation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := m.Timestamp.UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO moderation_events
		(channel, action, target_login, target_user_id, target_message_id, duration_seconds, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.Channel, string(m.Action), m.TargetLogin, m.TargetUserID, m.TargetMessageID,
		int(m.Duration/time.Second), at); err != nil {
		return fmt.Errorf("insert moderation event: %w", err)
	}

	switch m.Action {
	case event.ModDelete:
		_, err = tx.ExecContext(ctx, `UPDATE chat_messages SET deleted_at=$1
			WHERE message_id=$2 AND deleted_at IS NULL`, at, m.TargetMessageID)
	case event.ModTimeout, event.ModBan:
		_, err = tx.ExecContext(ctx, `UPDATE chat_messages SET deleted_at=$1
			WHERE channel=$2 AND ((user_id <> '' AND user_id=$3) OR username=$4) AND sent_at <= $1 AND deleted_at IS NULL`,
			at, m.Channel, m.TargetUserID, m.TargetLogin)
	case event.ModClear:
		_, err = tx.ExecContext(ctx, `UPDATE chat_messages SET deleted_at=$1
			WHERE channel=$2 AND sent_at <= $1 AND deleted_at IS NULL`, at, m.Channel)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", m.Action, err)
	}
	return tx.Commit()
}

// Recent returns up to limit of the newest messages in channel, oldest first.
// Deleted messages are included and flagged.
func (a *Archive) Recent(ctx context.Context, channel string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `SELECT message_id, channel, COALESCE(user_id,''), username,
			COALESCE(display_name,''), message, action, bits, COALESCE(badges,''), COALESCE(emotes,''),
			COALESCE(color,''), COALESCE(reply_to_id,''), COALESCE(reply_to_username,''),
			COALESCE(reply_to_message,''), sent_at, received_at, deleted_at IS NOT NULL
		FROM chat_messages WHERE channel=$1
		ORDER BY sent_at DESC, id DESC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var badges, emotes, replyID, replyLogin, replyText string
		if err := rows.Scan(&e.MessageID, &e.Channel, &e.UserID, &e.Login, &e.DisplayName, &e.Text,
			&e.Action, &e.Bits, &badges, &emotes, &e.Color, &replyID, &replyLogin, &replyText,
			&e.SentAt, &e.ReceivedAt, &e.Deleted); err != nil {
			return nil, fmt.Errorf("scan recent: %w", err)
		}
		e.Badges = DecodeBadges(badges)
		if emotes != "" {
			e.Emotes = strings.Split(emotes, ",")
		}
		if replyID != "" {
			e.Reply = &event.ReplyParent{MessageID: replyID, Login: replyLogin, Text: replyText}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// EncodeBadges renders badges in the wire format ("name/version,...") sorted by name.
func EncodeBadges(b map[string]int) string {
	if len(b) == 0 {
		return ""
	}
	names := make([]string, 0, len(b))
	for k := range b {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "/" + strconv.Itoa(b[k])
	}
	return strings.Join(parts, ",")
}

// DecodeBadges parses EncodeBadges output; malformed pairs are skipped.
func DecodeBadges(s string) map[string]int {
	if s == "" {
		return nil
	}
	out := make(map[string]int)
	for _, p := range strings.Split(s, ",") {
		name, ver, ok := strings.Cut(p, "/")
		if !ok || name == "" {
			continue
		}
		n, err := strconv.Atoi(ver)
		if err != nil {
			continue
		}
		out[name] = n
	}
	return out
}
