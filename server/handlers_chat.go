package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/admiral/channels"
	"github.com/onnwee/admiral/chatlog"
	"github.com/onnwee/admiral/session"
	"github.com/onnwee/admiral/twitchapi"
)

// heartbeatEvery bounds how long the event stream stays silent.
var heartbeatEvery = 15 * time.Second

// HandleEvents streams the engine's feed as Server-Sent Events. The feed has a
// single consumer, so a second concurrent stream is refused; the client reads
// at its own pace and the engine's overflow policy applies when it falls
// behind.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if !h.streaming.CompareAndSwap(false, true) {
		http.Error(w, "event stream already has a consumer", http.StatusConflict)
		return
	}
	defer h.streaming.Store(false)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		nextCtx, cancel := context.WithTimeout(ctx, heartbeatEvery)
		ev, err := h.engine.Next(nextCtx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, session.ErrFeedClosed):
			_, _ = fmt.Fprint(w, "event: closed\ndata: {}\n\n")
			flusher.Flush()
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		default:
			h.logger.Warn("event stream ended", slog.Any("err", err))
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to encode event", slog.String("kind", string(ev.Kind())), slog.Any("err", err))
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Header().Seq, ev.Kind(), data); err != nil {
			h.logger.Warn("failed to write SSE event", slog.Any("err", err))
			return
		}
		flusher.Flush()
	}
}

// HandleCommands accepts a JSON session.Command and queues it.
func (h *Handlers) HandleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var cmd session.Command
	if err := decodeBody(r, &cmd); err != nil {
		writeError(w, err)
		return
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if err := h.engine.Submit(cmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, commandAccepted{ID: cmd.ID})
}

type channelRequest struct {
	Channel string `json:"channel"`
}

// HandleChannels lists (GET), joins (POST) or leaves (DELETE ?channel=) channels.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs := h.engine.Subscriptions()
		if subs == nil {
			subs = []channels.Subscription{}
		}
		writeJSON(w, http.StatusOK, subs)
	case http.MethodPost:
		var req channelRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := h.engine.Join(req.Channel); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case http.MethodDelete:
		if err := h.engine.Leave(r.URL.Query().Get("channel")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		methodNotAllowed(w)
	}
}

// HandleScrollback returns archived messages for ?channel=, oldest first.
func (h *Handlers) HandleScrollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.archive == nil {
		http.Error(w, "chat archive disabled", http.StatusNotFound)
		return
	}
	ch := channels.Normalize(r.URL.Query().Get("channel"))
	if !channels.Valid(ch) {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	entries, err := h.archive.Recent(r.Context(), ch, limit)
	if err != nil {
		h.logger.Error("scrollback query failed", slog.String("channel", ch), slog.Any("err", err))
		http.Error(w, "scrollback unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []chatlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleReauthenticate forces a credential refresh and resumes a session
// paused on expired authentication.
func (h *Handlers) HandleReauthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := h.engine.Reauthenticate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleUsers returns channel metadata for one or more ?login= values.
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.users == nil {
		http.Error(w, "user lookup disabled", http.StatusNotFound)
		return
	}
	logins := r.URL.Query()["login"]
	if len(logins) == 0 || len(logins) > 100 {
		http.Error(w, "between 1 and 100 login parameters required", http.StatusBadRequest)
		return
	}
	users, err := h.users.GetUsers(r.Context(), logins...)
	if err != nil {
		h.logger.Warn("user lookup failed", slog.Any("err", err))
		writeError(w, err)
		return
	}
	if users == nil {
		users = []twitchapi.User{}
	}
	writeJSON(w, http.StatusOK, users)
}
