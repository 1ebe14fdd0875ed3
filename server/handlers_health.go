package server

import (
	"net/http"
	"time"

	"github.com/onnwee/admiral/channels"
	"github.com/onnwee/admiral/ircconn"
)

// HandleHealthz reports that the process is serving.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz is 200 only while the chat connection is Ready.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	st := h.engine.State()
	if st.Phase != ircconn.Ready {
		body := map[string]string{"status": "not_ready", "phase": st.Phase.String()}
		if st.Reason != nil {
			body["error"] = st.Reason.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Phase         string                  `json:"phase"`
	Attempt       int                     `json:"attempt,omitempty"`
	DelayMS       int64                   `json:"delay_ms,omitempty"`
	Reason        string                  `json:"reason,omitempty"`
	Since         time.Time               `json:"since"`
	AwaitingAuth  bool                    `json:"awaiting_auth"`
	QueueLen      int                     `json:"queue_len"`
	Subscriptions []channels.Subscription `json:"subscriptions"`
}

// HandleStatus returns the connection state and the subscription set.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	st := h.engine.State()
	out := statusResponse{
		Phase:         st.Phase.String(),
		Attempt:       st.Attempt,
		DelayMS:       st.Delay.Milliseconds(),
		Since:         st.Since,
		AwaitingAuth:  h.engine.AwaitingAuth(),
		QueueLen:      h.engine.QueueLen(),
		Subscriptions: h.engine.Subscriptions(),
	}
	if st.Reason != nil {
		out.Reason = st.Reason.Error()
	}
	if out.Subscriptions == nil {
		out.Subscriptions = []channels.Subscription{}
	}
	writeJSON(w, http.StatusOK, out)
}
