package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/vault"
)

const defaultValidateURL = "https://id.twitch.tv/oauth2/validate"

// DefaultScopes are the scopes a chat client needs.
var DefaultScopes = []string{"chat:read", "chat:edit"}

// OAuth holds the application registration used for the user authorization
// code flow and for refresh grants.
type OAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// Endpoint defaults to the Twitch identity endpoints.
	Endpoint    oauth2.Endpoint
	ValidateURL string
	HTTPClient  *http.Client
}

// TokenInfo is the response of the token validation endpoint.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

func (o *OAuth) config() *oauth2.Config {
	ep := o.Endpoint
	if ep.TokenURL == "" {
		ep = twitch.Endpoint
	}
	scopes := o.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		RedirectURL:  o.RedirectURI,
		Scopes:       scopes,
		Endpoint:     ep,
	}
}

func (o *OAuth) http() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o *OAuth) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.http())
}

// AuthorizeURL builds the URL the user opens in a browser to grant chat scopes.
func (o *OAuth) AuthorizeURL(state string) (string, error) {
	if o.ClientID == "" || o.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	if state == "" {
		return "", errors.New("missing state")
	}
	return o.config().AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")), nil
}

// Exchange trades an authorization code for a credential and resolves the
// login the token belongs to.
func (o *OAuth) Exchange(ctx context.Context, code string) (vault.Credential, error) {
	if o.ClientID == "" || o.ClientSecret == "" || code == "" {
		return vault.Credential{}, fmt.Errorf("%w: missing required parameter for auth code exchange", chaterr.ErrFatal)
	}
	tok, err := o.config().Exchange(o.withClient(ctx), code)
	if err != nil {
		return vault.Credential{}, mapTokenError("auth code exchange", err)
	}
	cred := credentialFromToken(tok)
	info, err := o.Validate(ctx, cred.AccessToken)
	if err != nil {
		return vault.Credential{}, err
	}
	cred.Identity = info.Login
	cred.UserID = info.UserID
	if len(cred.Scopes) == 0 {
		cred.Scopes = info.Scopes
	}
	return cred, nil
}

// Refresh performs a refresh_token grant. It implements vault.Refresher.
func (o *OAuth) Refresh(ctx context.Context, cred vault.Credential) (vault.Credential, error) {
	if o.ClientID == "" || o.ClientSecret == "" {
		return vault.Credential{}, fmt.Errorf("%w: missing clientID/clientSecret", chaterr.ErrFatal)
	}
	if cred.RefreshToken == "" {
		return vault.Credential{}, fmt.Errorf("%w: no refresh token", chaterr.ErrAuthExpired)
	}
	// An empty access token forces the token source to run the refresh grant.
	src := o.config().TokenSource(o.withClient(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return vault.Credential{}, mapTokenError("refresh", err)
	}
	fresh := credentialFromToken(tok)
	fresh.Identity = cred.Identity
	fresh.UserID = cred.UserID
	return fresh, nil
}

// Validate checks an access token and reports who it belongs to. Twitch asks
// clients to validate tokens on startup and hourly.
func (o *OAuth) Validate(ctx context.Context, accessToken string) (TokenInfo, error) {
	if accessToken == "" {
		return TokenInfo{}, fmt.Errorf("%w: empty access token", chaterr.ErrAuthExpired)
	}
	u := o.ValidateURL
	if u == "" {
		u = defaultValidateURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", chaterr.ErrFatal, err)
	}
	req.Header.Set("Authorization", "OAuth "+strings.TrimPrefix(accessToken, "oauth:"))
	resp, err := o.http().Do(req)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("%w: validate: %v", chaterr.ErrTransient, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return TokenInfo{}, fmt.Errorf("validate: %w", chaterr.HTTPStatus(resp.StatusCode, string(b)))
	}
	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: decode validate response: %v", chaterr.ErrTransient, err)
	}
	if info.Login == "" {
		return TokenInfo{}, fmt.Errorf("%w: token has no associated login", chaterr.ErrAuthExpired)
	}
	return info, nil
}

func credentialFromToken(tok *oauth2.Token) vault.Credential {
	cred := vault.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	// Twitch returns scope as a JSON array.
	switch s := tok.Extra("scope").(type) {
	case []any:
		for _, v := range s {
			if str, ok := v.(string); ok {
				cred.Scopes = append(cred.Scopes, str)
			}
		}
	case string:
		cred.Scopes = strings.Fields(s)
	}
	if !cred.Expiry.IsZero() {
		cred.Expiry = cred.Expiry.Truncate(time.Second)
	}
	return cred
}

// mapTokenError maps token endpoint failures onto the taxonomy. The endpoint
// answers 400 for revoked or unknown refresh tokens, which means the user has
// to log in again.
func mapTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusBadRequest {
			return fmt.Errorf("twitch %s: %w: %s", op, chaterr.ErrAuthExpired, strings.TrimSpace(string(re.Body)))
		}
		return fmt.Errorf("twitch %s: %w", op, chaterr.HTTPStatus(code, string(re.Body)))
	}
	return fmt.Errorf("twitch %s: %w: %v", op, chaterr.ErrTransient, err)
}
