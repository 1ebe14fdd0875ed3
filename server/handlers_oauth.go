package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/admiral/vault"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 1000
	oauthStateTTL  = 10 * time.Minute
)

// Authorizer runs the authorization code grant; *twitchapi.OAuth implements it.
type Authorizer interface {
	AuthorizeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (vault.Credential, error)
}

// OAuthFlow serves the browser side of the Twitch login: a start endpoint
// that redirects to the consent page and a callback that exchanges the code
// and hands the credential to OnCredential.
type OAuthFlow struct {
	auth         Authorizer
	onCredential func(ctx context.Context, cred vault.Credential) error
	logger       *slog.Logger

	stateMu    sync.Mutex
	stateStore map[string]time.Time
	now        func() time.Time
}

// NewOAuthFlow returns a flow that passes each obtained credential to
// onCredential, typically vault.Store or session.Engine.SupplyCredential.
func NewOAuthFlow(auth Authorizer, onCredential func(ctx context.Context, cred vault.Credential) error, logger *slog.Logger) *OAuthFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthFlow{
		auth:         auth,
		onCredential: onCredential,
		logger:       logger.With(slog.String("component", "oauth")),
		stateStore:   make(map[string]time.Time),
		now:          time.Now,
	}
}

// NewState registers and returns a single-use state value.
func (f *OAuthFlow) NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("state gen: %w", err)
	}
	st := hex.EncodeToString(b)

	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	now := f.now()
	for s, exp := range f.stateStore {
		if now.After(exp) {
			delete(f.stateStore, s)
		}
	}
	if len(f.stateStore) >= maxOAuthStates {
		return "", fmt.Errorf("too many pending logins")
	}
	f.stateStore[st] = now.Add(oauthStateTTL)
	return st, nil
}

// consumeState reports whether st was issued and unexpired, and forgets it.
func (f *OAuthFlow) consumeState(st string) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	exp, ok := f.stateStore[st]
	delete(f.stateStore, st)
	return ok && !f.now().After(exp)
}

// AuthorizeURL returns a consent URL bound to a fresh state.
func (f *OAuthFlow) AuthorizeURL() (string, error) {
	st, err := f.NewState()
	if err != nil {
		return "", err
	}
	return f.auth.AuthorizeURL(st)
}

// HandleStart redirects the browser to the consent page.
func (f *OAuthFlow) HandleStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := f.AuthorizeURL()
	if err != nil {
		f.logger.Error("oauth start failed", slog.Any("err", err))
		http.Error(w, "oauth not available", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes the login.
func (f *OAuthFlow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		f.logger.Warn("oauth authorization denied", slog.String("error", e))
		http.Error(w, "authorization denied: "+q.Get("error_description"), http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !f.consumeState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	cred, err := f.auth.Exchange(r.Context(), code)
	if err != nil {
		f.logger.Error("oauth code exchange failed", slog.Any("err", err))
		writeError(w, err)
		return
	}
	if err := f.onCredential(r.Context(), cred); err != nil {
		f.logger.Error("failed to save credential", slog.String("identity", cred.Identity), slog.Any("err", err))
		writeError(w, err)
		return
	}
	f.logger.Info("login complete", slog.Any("credential", cred))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Logged in as %s. You can close this window.\n", cred.Identity)
}
