package ircconn

import (
	"fmt"
	"time"
)

// Phase is the coarse connection state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Authenticating
	Ready
	Reconnecting
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the connection state machine. Attempt and Delay are
// meaningful while Reconnecting; Reason is set for Failed and for Disconnected
// after a transport loss.
type State struct {
	Phase   Phase
	Attempt int
	Delay   time.Duration
	Reason  error
	Since   time.Time
}

func (s State) String() string {
	switch s.Phase {
	case Reconnecting:
		return fmt.Sprintf("reconnecting(attempt=%d, delay=%s)", s.Attempt, s.Delay)
	case Failed, Disconnected:
		if s.Reason != nil {
			return fmt.Sprintf("%s(%v)", s.Phase, s.Reason)
		}
	}
	return s.Phase.String()
}

// UpdateKind tags an Update.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateLine
	// UpdateUnsent carries an outbound line accepted by Send that was still
	// buffered when the transport was lost. It precedes the Disconnected state.
	UpdateUnsent
)

// Update is one item of the ordered stream a running connection produces:
// a state transition, a complete inbound line or an unsent outbound line.
type Update struct {
	Kind       UpdateKind
	State      State
	Line       string
	ReceivedAt time.Time
}
