// Package twitchapi contains the HTTP side of the chat client: the OAuth
// authorization code and refresh flows, token validation, and the Helix lookups
// used for channel metadata. Failures are mapped onto the chaterr taxonomy so
// they share the chat transport's AuthExpired / transient handling.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/onnwee/admiral/chaterr"
)

const defaultHelixBase = "https://api.twitch.tv/helix"

// User is the channel metadata returned by /helix/users.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	BroadcasterType string `json:"broadcaster_type"`
	Description     string `json:"description"`
	ProfileImageURL string `json:"profile_image_url"`
}

// HelixClient calls Helix with a user access token taken from Tokens.
type HelixClient struct {
	ClientID   string
	Tokens     oauth2.TokenSource
	BaseURL    string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	base := http.DefaultTransport
	if hc.HTTPClient != nil && hc.HTTPClient.Transport != nil {
		base = hc.HTTPClient.Transport
	}
	return &http.Client{Transport: &oauth2.Transport{Source: hc.Tokens, Base: base}}
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultHelixBase
}

// GetUsers resolves channel logins to their metadata. Unknown logins are
// omitted from the result; at most 100 logins may be requested at once.
func (hc *HelixClient) GetUsers(ctx context.Context, logins ...string) ([]User, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("login empty")
	}
	if len(logins) > 100 {
		return nil, fmt.Errorf("%w: at most 100 logins per request, got %d", chaterr.ErrFatal, len(logins))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/users", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrFatal, err)
	}
	q := req.URL.Query()
	for _, l := range logins {
		q.Add("login", strings.ToLower(strings.TrimPrefix(l, "#")))
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	resp, err := hc.http().Do(req)
	if err != nil {
		// Token source failures (vault says re-auth) keep their class.
		if chaterr.IsAuthExpired(err) {
			return nil, fmt.Errorf("helix users: %w", err)
		}
		return nil, fmt.Errorf("helix users: %w: %v", chaterr.ErrTransient, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("helix users: %w", chaterr.HTTPStatus(resp.StatusCode, string(b)))
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode helix users: %v", chaterr.ErrTransient, err)
	}
	return body.Data, nil
}
