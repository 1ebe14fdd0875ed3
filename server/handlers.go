package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/onnwee/admiral/channels"
	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/chatlog"
	"github.com/onnwee/admiral/event"
	"github.com/onnwee/admiral/ircconn"
	"github.com/onnwee/admiral/session"
	"github.com/onnwee/admiral/twitchapi"
)

// Engine is the part of *session.Engine the bridge drives.
type Engine interface {
	Next(ctx context.Context) (event.DomainEvent, error)
	State() ircconn.State
	AwaitingAuth() bool
	Subscriptions() []channels.Subscription
	QueueLen() int
	Submit(cmd session.Command) error
	Join(channel string) error
	Leave(channel string) error
	Reauthenticate(ctx context.Context) error
}

// Scrollback serves archived history; *chatlog.Archive implements it.
type Scrollback interface {
	Recent(ctx context.Context, channel string, limit int) ([]chatlog.Entry, error)
}

// Favorites is the part of *favorites.Store the bridge exposes.
type Favorites interface {
	Channels() []string
	Starred() []string
	Add(ch string) (bool, error)
	Remove(ch string) error
	Toggle(ch string) (bool, error)
	BackgroundColor() string
	SetBackgroundColor(color string) error
}

// Directory resolves channel logins to metadata; *twitchapi.HelixClient
// implements it.
type Directory interface {
	GetUsers(ctx context.Context, logins ...string) ([]twitchapi.User, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	engine    Engine
	archive   Scrollback
	favorites Favorites
	users     Directory
	logger    *slog.Logger

	// set while a client holds the event stream
	streaming atomic.Bool
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine:    opts.Engine,
		archive:   opts.Archive,
		favorites: opts.Favorites,
		users:     opts.Users,
		logger:    logger.With(slog.String("component", "bridge")),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

// writeError maps err onto a status code through the error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	class := chaterr.Classify(err)
	switch {
	case errors.Is(err, session.ErrStopped):
		status = http.StatusServiceUnavailable
	case class == chaterr.ClassProtocolViolation:
		status = http.StatusBadRequest
	case class == chaterr.ClassAuthExpired:
		status = http.StatusUnauthorized
	case class == chaterr.ClassThrottled:
		status = http.StatusTooManyRequests
	case class == chaterr.ClassTransient:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Class: class.String()})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// decodeBody reads a small JSON body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(session.ErrInvalidCommand, err)
	}
	return nil
}

type commandAccepted struct {
	ID uuid.UUID `json:"id"`
}
