package twitchapi

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/admiral/vault"
)

// CredentialGetter is the part of the vault a token source needs.
type CredentialGetter interface {
	Get(ctx context.Context, identity string) (vault.Credential, error)
}

// VaultTokenSource serves the stored user token of Identity as an
// oauth2.TokenSource, so Helix calls refresh through the vault like the chat
// connection does.
type VaultTokenSource struct {
	Vault    CredentialGetter
	Identity string
	// Timeout bounds each vault lookup (which may include a refresh grant).
	Timeout time.Duration
}

// Token implements oauth2.TokenSource.
func (s *VaultTokenSource) Token() (*oauth2.Token, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cred, err := s.Vault.Get(ctx, s.Identity)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       cred.Expiry,
	}, nil
}
