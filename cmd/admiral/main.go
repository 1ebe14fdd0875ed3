// Command admiral runs one chat session and the local bridge the presentation
// process talks to.
// It:
//   - Loads configuration and initializes structured logging.
//   - Resolves the chat credential from the OS keyring, refreshing it through
//     the Twitch identity service when it expires.
//   - Optionally connects to Postgres, runs migrations and archives chat.
//   - Joins favorite and configured channels, then serves the bridge with
//     /healthz, /status, /metrics and the event stream.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/chatlog"
	"github.com/onnwee/admiral/config"
	"github.com/onnwee/admiral/crypto"
	"github.com/onnwee/admiral/db"
	"github.com/onnwee/admiral/favorites"
	"github.com/onnwee/admiral/oauth"
	"github.com/onnwee/admiral/server"
	"github.com/onnwee/admiral/session"
	"github.com/onnwee/admiral/telemetry"
	"github.com/onnwee/admiral/twitchapi"
	"github.com/onnwee/admiral/vault"
)

const version = "0.1.0"

func main() {
	// Local dev convenience only; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)
	slog.Info("logger initialized", slog.String("level", cfg.LogLevel), slog.String("format", cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("admiral exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	telemetry.Init()
	shutdown, err := telemetry.InitTracing(cfg.OTLPEndpoint, "admiral", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var twitchOAuth *twitchapi.OAuth
	if cfg.ValidateOAuth() == nil {
		twitchOAuth = &twitchapi.OAuth{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			RedirectURI:  cfg.Auth.RedirectURI,
			Scopes:       cfg.Scopes(),
		}
	} else {
		slog.Info("twitch oauth not configured; refresh and browser login disabled")
	}

	var v *vault.Vault
	if !cfg.Chat.Anonymous {
		v, err = newVault(cfg, twitchOAuth, logger)
		if err != nil {
			return err
		}
	}

	// Chat archive (optional)
	var archive *chatlog.Archive
	var recorder *chatlog.Recorder
	if cfg.DBDsn != "" {
		database, err := db.Open(ctx, cfg.DBDsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("migrate db: %w", err)
		}
		archive = chatlog.NewArchive(database)
		recorder = chatlog.NewRecorder(archive, 0, logger)
		recorderDone := make(chan struct{})
		go func() {
			defer close(recorderDone)
			recorder.Run(ctx)
		}()
		// Flush pending writes before the database closes.
		defer func() {
			stop()
			<-recorderDone
		}()
	} else {
		slog.Info("chat archive disabled (DB_DSN not set)")
	}

	opts := session.Options{
		Identity:     cfg.Chat.Identity,
		Anonymous:    cfg.Chat.Anonymous,
		Conn:         cfg.Connection(),
		Limits:       cfg.RateLimits(),
		FeedCapacity: cfg.Engine.FeedCapacity,
		FeedBlock:    cfg.Engine.FeedBlock,
		QueueDepth:   cfg.Engine.QueueDepth,
		JoinTimeout:  cfg.Engine.JoinTimeout,
		Logger:       logger,
	}
	if v != nil {
		opts.Vault = v
	}
	if recorder != nil {
		opts.Observer = recorder.Observe
	}
	engine := session.New(opts)

	favs, err := favorites.Load(cfg.FavoritesPath)
	if err != nil {
		slog.Warn("favorites unavailable", slog.String("path", cfg.FavoritesPath), slog.Any("err", err))
	}

	for _, ch := range initialChannels(cfg.Chat.Channels, favs) {
		if err := engine.Join(ch); err != nil {
			slog.Warn("skipping channel", slog.String("channel", ch), slog.Any("err", err))
		}
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer engine.Stop()

	if v != nil && twitchOAuth != nil {
		onRefreshed, onExpired := keeperHooks(ctx, engine, logger)
		refresherDone := oauth.StartRefresher(ctx, v, oauth.Options{
			Identity: cfg.Chat.Identity,
			Interval: cfg.Auth.CheckInterval,
			Window:   cfg.Auth.RefreshWindow,
			Validate: func(ctx context.Context, accessToken string) error {
				_, err := twitchOAuth.Validate(ctx, accessToken)
				return err
			},
			OnRefreshed: onRefreshed,
			OnExpired:   onExpired,
			Logger:      logger,
		})
		defer func() {
			stop()
			<-refresherDone
		}()
	}

	bridge := server.Options{
		Engine:         engine,
		Token:          cfg.BridgeToken,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	}
	// Interfaces stay nil when a feature is off.
	if archive != nil {
		bridge.Archive = archive
	}
	if favs != nil {
		bridge.Favorites = favs
	}
	if v != nil && twitchOAuth != nil {
		bridge.OAuth = server.NewOAuthFlow(twitchOAuth, supplyCredential(engine, cfg.Chat.Identity), logger)
		bridge.Users = &twitchapi.HelixClient{
			ClientID: cfg.Auth.ClientID,
			Tokens:   &twitchapi.VaultTokenSource{Vault: v, Identity: cfg.Chat.Identity},
		}
	}

	err = server.Start(ctx, cfg.HTTPAddr, bridge)
	slog.Info("shutting down")
	return err
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(handler)
}

func newVault(cfg *config.Config, refresher *twitchapi.OAuth, logger *slog.Logger) (*vault.Vault, error) {
	vo := vault.Options{
		Service: cfg.Vault.Service,
		Skew:    time.Minute,
		Logger:  logger,
	}
	if cfg.Vault.Key != "" {
		sealer, err := crypto.NewAESSealer(cfg.Vault.Key, cfg.Vault.KeyID)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIRAL_VAULT_KEY: %w", err)
		}
		vo.Sealer = sealer
	}
	if refresher != nil {
		vo.Refresher = refresher
	}
	return vault.New(vo), nil
}

// initialChannels merges configured channels with favorites, preserving order
// and dropping duplicates.
func initialChannels(configured []string, favs *favorites.Store) []string {
	all := append([]string(nil), configured...)
	if favs != nil {
		all = append(all, favs.Channels()...)
	}
	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, ch := range all {
		ch = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// Credentials the engine can accept via the bridge login.
type credentialSink interface {
	SupplyCredential(ctx context.Context, cred vault.Credential) error
}

// supplyCredential refuses a login for an account other than the configured
// identity, since the session authenticates as that identity.
func supplyCredential(engine credentialSink, identity string) func(context.Context, vault.Credential) error {
	return func(ctx context.Context, cred vault.Credential) error {
		if cred.Identity != "" && cred.Identity != identity {
			return fmt.Errorf("%w: logged in as %s but ADMIRAL_IDENTITY is %s", chaterr.ErrAuthExpired, cred.Identity, identity)
		}
		return engine.SupplyCredential(ctx, cred)
	}
}

// authEngine is the part of the engine the token keeper reports to.
type authEngine interface {
	AwaitingAuth() bool
	Restart(ctx context.Context) error
	ReportAuthExpired(reason error)
}

// keeperHooks resumes a session paused on a rejected credential once the token
// keeper refreshes it, and surfaces a credential that needs a new login.
func keeperHooks(ctx context.Context, engine authEngine, logger *slog.Logger) (func(vault.Credential), func(error)) {
	onRefreshed := func(vault.Credential) {
		if !engine.AwaitingAuth() {
			return
		}
		logger.Info("credential refreshed; resuming session")
		if err := engine.Restart(ctx); err != nil {
			logger.Warn("session resume failed", slog.Any("err", err))
		}
	}
	onExpired := func(err error) {
		logger.Error("re-authentication required; run admiral-login or open /auth/twitch/start", slog.Any("err", err))
		engine.ReportAuthExpired(err)
	}
	return onRefreshed, onExpired
}
