// Command admiral-login runs the browser login for a chat account and stores
// the resulting credential in the OS keyring, where cmd/admiral picks it up.
//
// It listens on the host of TWITCH_REDIRECT_URI, prints the consent URL and
// waits for the identity provider to redirect back with a code.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/admiral/config"
	"github.com/onnwee/admiral/crypto"
	"github.com/onnwee/admiral/server"
	"github.com/onnwee/admiral/twitchapi"
	"github.com/onnwee/admiral/vault"
)

// CredentialStore persists a credential; *vault.Vault implements it.
type CredentialStore interface {
	Store(identity string, cred vault.Credential) error
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateOAuth(); err != nil {
		slog.Error("oauth not configured", slog.Any("err", err))
		os.Exit(1)
	}

	var sealer crypto.Sealer
	if cfg.Vault.Key != "" {
		s, err := crypto.NewAESSealer(cfg.Vault.Key, cfg.Vault.KeyID)
		if err != nil {
			slog.Error("invalid ADMIRAL_VAULT_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		sealer = s
	}
	v := vault.New(vault.Options{Service: cfg.Vault.Service, Sealer: sealer, Logger: logger})
	auth := &twitchapi.OAuth{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURI:  cfg.Auth.RedirectURI,
		Scopes:       cfg.Scopes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cred, err := login(ctx, auth, v, cfg.Auth.RedirectURI, os.Stdout, logger)
	if err != nil {
		slog.Error("login failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.Chat.Identity != "" && cfg.Chat.Identity != cred.Identity {
		slog.Warn("logged in account differs from ADMIRAL_IDENTITY",
			slog.String("account", cred.Identity),
			slog.String("configured", cfg.Chat.Identity))
	}
	fmt.Printf("Stored credential for %s.\n", cred.Identity)
}

// login listens on the redirect URI's host and completes one login.
func login(ctx context.Context, auth server.Authorizer, store CredentialStore, redirectURI string, out io.Writer, logger *slog.Logger) (vault.Credential, error) {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Host == "" {
		return vault.Credential{}, fmt.Errorf("invalid redirect URI %q", redirectURI)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return vault.Credential{}, fmt.Errorf("listen %s: %w", u.Host, err)
	}
	return serveLogin(ctx, ln, u.Path, auth, store, out, logger)
}

// serveLogin serves the callback on ln until a credential has been stored or
// ctx ends. A failed exchange or store leaves the server up so the user can
// retry from the browser.
func serveLogin(ctx context.Context, ln net.Listener, callbackPath string, auth server.Authorizer, store CredentialStore, out io.Writer, logger *slog.Logger) (vault.Credential, error) {
	if callbackPath == "" {
		callbackPath = "/"
	}
	got := make(chan vault.Credential, 1)
	flow := server.NewOAuthFlow(auth, func(_ context.Context, cred vault.Credential) error {
		if err := store.Store(cred.Identity, cred); err != nil {
			return err
		}
		select {
		case got <- cred:
		default:
		}
		return nil
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, flow.HandleCallback)
	if callbackPath != "/login" {
		mux.HandleFunc("/login", flow.HandleStart)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("login server shutdown error", slog.Any("err", err))
		}
	}()

	authURL, err := flow.AuthorizeURL()
	if err != nil {
		return vault.Credential{}, err
	}
	_, _ = fmt.Fprintf(out, "Open this URL in a browser to log in:\n\n  %s\n\n", authURL)

	select {
	case cred := <-got:
		return cred, nil
	case err := <-serveErr:
		return vault.Credential{}, err
	case <-ctx.Done():
		return vault.Credential{}, ctx.Err()
	}
}
