// Package config loads environment variables into a typed Config used across
// the engine and its binaries. Every knob has a default so the client runs
// with nothing set beyond an identity.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/onnwee/admiral/ircconn"
	"github.com/onnwee/admiral/ratelimit"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL, default=info"`
	LogFormat string `env:"LOG_FORMAT, default=text"`

	// Local bridge for the presentation process.
	HTTPAddr string `env:"ADMIRAL_HTTP_ADDR, default=127.0.0.1:7455"`

	// Optional shared secret the presentation sends as X-Bridge-Token.
	BridgeToken string   `env:"ADMIRAL_BRIDGE_TOKEN"`
	CORSOrigins []string `env:"ADMIRAL_CORS_ORIGINS"`

	// Optional chat archive; empty disables it.
	DBDsn string `env:"DB_DSN"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	FavoritesPath string `env:"ADMIRAL_FAVORITES"`

	Chat   ChatConfig
	Auth   AuthConfig
	Vault  VaultConfig
	Limits LimitsConfig
	Conn   ConnConfig
	Engine EngineConfig
}

type ChatConfig struct {
	Identity  string   `env:"ADMIRAL_IDENTITY"`
	Anonymous bool     `env:"ADMIRAL_ANONYMOUS, default=false"`
	Addr      string   `env:"TWITCH_IRC_ADDR, default=irc.chat.twitch.tv:6697"`
	Channels  []string `env:"ADMIRAL_CHANNELS"`
}

type AuthConfig struct {
	ClientID     string `env:"TWITCH_CLIENT_ID"`
	ClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	RedirectURI  string `env:"TWITCH_REDIRECT_URI, default=http://localhost:7456/callback"`
	// Space separated.
	Scopes string `env:"TWITCH_SCOPES, default=chat:read chat:edit"`

	// Background token validation and proactive refresh.
	CheckInterval time.Duration `env:"ADMIRAL_TOKEN_CHECK_INTERVAL, default=15m"`
	RefreshWindow time.Duration `env:"ADMIRAL_TOKEN_REFRESH_WINDOW, default=15m"`
}

type VaultConfig struct {
	Service string `env:"ADMIRAL_VAULT_SERVICE, default=admiral"`
	// Base64 AES-256 key; when set, keyring entries are sealed.
	Key   string `env:"ADMIRAL_VAULT_KEY"`
	KeyID string `env:"ADMIRAL_VAULT_KEY_ID, default=default"`
}

type LimitsConfig struct {
	MessageCapacity int           `env:"ADMIRAL_MSG_LIMIT, default=20"`
	MessageWindow   time.Duration `env:"ADMIRAL_MSG_WINDOW, default=30s"`
	JoinCapacity    int           `env:"ADMIRAL_JOIN_LIMIT, default=20"`
	JoinWindow      time.Duration `env:"ADMIRAL_JOIN_WINDOW, default=10s"`
	JoinStagger     time.Duration `env:"ADMIRAL_JOIN_STAGGER, default=300ms"`
}

type ConnConfig struct {
	BackoffBase      time.Duration `env:"ADMIRAL_BACKOFF_BASE, default=1s"`
	BackoffCap       time.Duration `env:"ADMIRAL_BACKOFF_CAP, default=60s"`
	BackoffJitter    float64       `env:"ADMIRAL_BACKOFF_JITTER, default=0.2"`
	StableAfter      time.Duration `env:"ADMIRAL_STABLE_AFTER, default=30s"`
	MaxFailures      int           `env:"ADMIRAL_MAX_RECONNECTS, default=0"`
	PingInterval     time.Duration `env:"ADMIRAL_PING_INTERVAL, default=60s"`
	PingDeadline     time.Duration `env:"ADMIRAL_PING_DEADLINE, default=90s"`
	HandshakeTimeout time.Duration `env:"ADMIRAL_HANDSHAKE_TIMEOUT, default=15s"`
	StopGrace        time.Duration `env:"ADMIRAL_STOP_GRACE, default=2s"`
}

type EngineConfig struct {
	FeedCapacity int           `env:"ADMIRAL_FEED_CAPACITY, default=1024"`
	FeedBlock    time.Duration `env:"ADMIRAL_FEED_BLOCK, default=250ms"`
	QueueDepth   int           `env:"ADMIRAL_QUEUE_DEPTH, default=500"`
	JoinTimeout  time.Duration `env:"ADMIRAL_JOIN_TIMEOUT, default=10s"`
}

// Load reads the environment and applies defaults. It does not fail on a
// missing identity; call Validate before starting a session.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.FavoritesPath == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.FavoritesPath = filepath.Join(dir, "admiral", "favorites.yaml")
		}
	}
	cfg.Chat.Identity = strings.ToLower(strings.TrimSpace(cfg.Chat.Identity))
	return &cfg, nil
}

// Validate checks ranges and that a session can be started.
func (c *Config) Validate() error {
	var errs []error
	if !c.Chat.Anonymous && c.Chat.Identity == "" {
		errs = append(errs, errors.New("ADMIRAL_IDENTITY is required unless ADMIRAL_ANONYMOUS=true"))
	}
	if c.Limits.MessageCapacity <= 0 || c.Limits.MessageWindow <= 0 {
		errs = append(errs, errors.New("message rate limit must be positive"))
	}
	if c.Limits.JoinCapacity <= 0 || c.Limits.JoinWindow <= 0 {
		errs = append(errs, errors.New("join rate limit must be positive"))
	}
	if c.Limits.JoinStagger < 0 {
		errs = append(errs, errors.New("ADMIRAL_JOIN_STAGGER must not be negative"))
	}
	if c.Conn.BackoffBase <= 0 || c.Conn.BackoffCap < c.Conn.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff base %s must be positive and not exceed cap %s", c.Conn.BackoffBase, c.Conn.BackoffCap))
	}
	if c.Conn.BackoffJitter < 0 || c.Conn.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("ADMIRAL_BACKOFF_JITTER %v outside [0,1]", c.Conn.BackoffJitter))
	}
	if c.Conn.PingInterval <= 0 || c.Conn.PingDeadline <= c.Conn.PingInterval {
		errs = append(errs, fmt.Errorf("ping deadline %s must exceed ping interval %s", c.Conn.PingDeadline, c.Conn.PingInterval))
	}
	if c.Conn.MaxFailures < 0 {
		errs = append(errs, errors.New("ADMIRAL_MAX_RECONNECTS must not be negative"))
	}
	if c.Engine.FeedCapacity < 2 {
		errs = append(errs, errors.New("ADMIRAL_FEED_CAPACITY must be at least 2"))
	}
	if c.Engine.QueueDepth <= 0 {
		errs = append(errs, errors.New("ADMIRAL_QUEUE_DEPTH must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ValidateOAuth checks the fields the login flow needs.
func (c *Config) ValidateOAuth() error {
	if c.Auth.ClientID == "" || c.Auth.RedirectURI == "" {
		return fmt.Errorf("missing twitch oauth env: require TWITCH_CLIENT_ID and TWITCH_REDIRECT_URI")
	}
	return nil
}

// Scopes splits the configured OAuth scopes.
func (c *Config) Scopes() []string {
	return strings.Fields(c.Auth.Scopes)
}

// RateLimits converts the configured windows into limiter rules.
func (c *Config) RateLimits() map[ratelimit.Action]ratelimit.Rule {
	l := c.Limits
	return map[ratelimit.Action]ratelimit.Rule{
		ratelimit.ActionMessage: {
			Capacity: l.MessageCapacity,
			Interval: perToken(l.MessageWindow, l.MessageCapacity),
		},
		ratelimit.ActionJoin: {
			Capacity: l.JoinCapacity,
			Interval: perToken(l.JoinWindow, l.JoinCapacity),
			Global:   true,
			Spacing:  l.JoinStagger,
		},
	}
}

// Connection builds the connection config; credentials are supplied by the
// session engine.
func (c *Config) Connection() ircconn.Config {
	return ircconn.Config{
		Addr: c.Chat.Addr,
		Backoff: ircconn.BackoffPolicy{
			Base:        c.Conn.BackoffBase,
			Cap:         c.Conn.BackoffCap,
			Jitter:      c.Conn.BackoffJitter,
			StableAfter: c.Conn.StableAfter,
		},
		MaxFailures:      c.Conn.MaxFailures,
		PingInterval:     c.Conn.PingInterval,
		PingDeadline:     c.Conn.PingDeadline,
		HandshakeTimeout: c.Conn.HandshakeTimeout,
		StopGrace:        c.Conn.StopGrace,
	}
}

func perToken(window time.Duration, capacity int) time.Duration {
	if capacity <= 0 {
		return window
	}
	return window / time.Duration(capacity)
}
