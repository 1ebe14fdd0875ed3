package vault

import (
	"fmt"
	"log/slog"
	"time"
)

// Credential is the token material for one chat identity.
//
// A zero Expiry means the lifetime is unknown (for example a token pasted by the
// user); such credentials are never considered expired locally and are only
// invalidated when the server rejects them.
type Credential struct {
	Identity     string    `json:"identity"`
	UserID       string    `json:"user_id,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// ExpiredAt reports whether the credential is expired at t.
func (c Credential) ExpiredAt(t time.Time) bool {
	return !c.Expiry.IsZero() && !t.Before(c.Expiry)
}

// CanRefresh reports whether a refresh grant can be attempted.
func (c Credential) CanRefresh() bool { return c.RefreshToken != "" }

// String never includes token material.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{identity=%s expiry=%s refreshable=%t}", c.Identity, c.Expiry.Format(time.RFC3339), c.CanRefresh())
}

// LogValue keeps token material out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("identity", c.Identity),
		slog.Time("expiry", c.Expiry),
		slog.Bool("refreshable", c.CanRefresh()),
	)
}
