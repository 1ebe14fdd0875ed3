// Package vault resolves and persists chat credentials in the OS-native secret
// store (Secret Service, Keychain, Windows Credential Manager) through
// github.com/zalando/go-keyring. Entries are namespaced by identity under a
// single service name and hold an opaque blob; nothing is ever written to an
// ordinary file.
//
// Get transparently refreshes expired credentials. A refresh the provider
// rejects yields ErrAuthExpired and the entry is invalidated, which callers
// must treat as "re-authentication required" rather than as a transient error.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/crypto"
	"github.com/onnwee/admiral/telemetry"
)

var (
	// ErrNotFound is returned when no credential is stored for an identity.
	ErrNotFound = errors.New("credential not found")
	// ErrStoreFailure wraps secret store write failures.
	ErrStoreFailure = errors.New("credential store failure")
	// ErrAuthExpired is the taxonomy sentinel for "re-authentication required".
	ErrAuthExpired = chaterr.ErrAuthExpired
)

// Keyring is the subset of the go-keyring API the vault relies on.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
	Delete(service, user string) error
}

type osKeyring struct{}

func (osKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (osKeyring) Set(service, user, secret string) error   { return keyring.Set(service, user, secret) }
func (osKeyring) Delete(service, user string) error        { return keyring.Delete(service, user) }

// OSKeyring returns the platform secret store.
func OSKeyring() Keyring { return osKeyring{} }

// Refresher exchanges a credential's refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, cred Credential) (Credential, error)

func (f RefresherFunc) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	return f(ctx, cred)
}

// Options configures a Vault.
type Options struct {
	// Service namespaces entries in the secret store.
	Service string
	Keyring Keyring
	// Sealer, when set, encrypts blobs before they reach the keyring.
	Sealer    crypto.Sealer
	Refresher Refresher
	// Skew treats credentials as expired this long before their real expiry.
	Skew    time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Vault is the credential vault adapter.
type Vault struct {
	service   string
	ring      Keyring
	sealer    crypto.Sealer
	refresher Refresher
	skew      time.Duration
	timeout   time.Duration
	log       *slog.Logger
	now       func() time.Time
	group     singleflight.Group
}

// New builds a Vault, defaulting to the OS keyring.
func New(opts Options) *Vault {
	v := &Vault{
		service:   opts.Service,
		ring:      opts.Keyring,
		sealer:    opts.Sealer,
		refresher: opts.Refresher,
		skew:      opts.Skew,
		timeout:   opts.Timeout,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if v.service == "" {
		v.service = "admiral"
	}
	if v.ring == nil {
		v.ring = OSKeyring()
	}
	if v.timeout <= 0 {
		v.timeout = 15 * time.Second
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	v.log = v.log.With(slog.String("component", "vault"))
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Get returns the credential for identity, refreshing it first when it is
// expired (or within the configured skew of expiring).
func (v *Vault) Get(ctx context.Context, identity string) (Credential, error) {
	cred, err := v.load(identity)
	if err != nil {
		return Credential{}, err
	}
	if !cred.ExpiredAt(v.now().Add(v.skew)) {
		return cred, nil
	}
	v.log.Info("credential expired; refreshing", slog.Any("credential", cred))
	return v.refresh(ctx, identity, cred)
}

// Refresh forces a refresh grant regardless of the recorded expiry. It is used
// after the chat server rejected a token the vault still considered valid.
func (v *Vault) Refresh(ctx context.Context, identity string) (Credential, error) {
	cred, err := v.load(identity)
	if err != nil {
		return Credential{}, err
	}
	return v.refresh(ctx, identity, cred)
}

// Store persists cred for identity, replacing any previous entry.
func (v *Vault) Store(identity string, cred Credential) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrStoreFailure)
	}
	if cred.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrStoreFailure)
	}
	cred.Identity = identity
	blob, err := v.encode(identity, cred)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if err := v.ring.Set(v.service, identity, blob); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

// Invalidate removes the credential for identity. Removing an absent entry is
// not an error.
func (v *Vault) Invalidate(identity string) error {
	if err := v.ring.Delete(v.service, identity); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	v.log.Info("credential invalidated", slog.String("identity", identity))
	return nil
}

// Sealed reports whether the entry for identity is sealed with the configured key.
func (v *Vault) Sealed(identity string) (bool, error) {
	blob, err := v.ring.Get(v.service, identity)
	if errors.Is(err, keyring.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("%w: keyring get: %v", chaterr.ErrTransient, err)
	}
	return v.sealer != nil && strings.HasPrefix(blob, "v1:"+v.sealer.KeyID()+":"), nil
}

// Reseal rewrites a plain or bare-token entry sealed with the configured key.
// It reports whether the entry was rewritten.
func (v *Vault) Reseal(identity string) (bool, error) {
	if v.sealer == nil {
		return false, fmt.Errorf("%w: no sealing key configured", ErrStoreFailure)
	}
	sealed, err := v.Sealed(identity)
	if err != nil || sealed {
		return false, err
	}
	cred, err := v.load(identity)
	if err != nil {
		return false, err
	}
	if err := v.Store(identity, cred); err != nil {
		return false, err
	}
	v.log.Info("credential sealed", slog.String("identity", identity), slog.String("key_id", v.sealer.KeyID()))
	return true, nil
}

func (v *Vault) refresh(ctx context.Context, identity string, stale Credential) (Credential, error) {
	if !stale.CanRefresh() || v.refresher == nil {
		return Credential{}, fmt.Errorf("%w: no refresh token for %s", ErrAuthExpired, identity)
	}
	res, err, _ := v.group.Do(identity, func() (any, error) {
		// Another caller may have completed a refresh while we waited.
		if cur, err := v.load(identity); err == nil && cur.AccessToken != stale.AccessToken && !cur.ExpiredAt(v.now().Add(v.skew)) {
			return cur, nil
		}

		ctx, span := telemetry.StartSpan(ctx, "vault", "vault.refresh")
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()

		fresh, err := v.refresher.Refresh(ctx, stale)
		if err != nil {
			telemetry.RecordError(span, err)
			switch chaterr.Classify(err) {
			case chaterr.ClassAuthExpired, chaterr.ClassFatal:
				v.log.Warn("refresh rejected; re-authentication required", slog.String("identity", identity), slog.Any("err", err))
				if ierr := v.Invalidate(identity); ierr != nil {
					v.log.Warn("invalidate after rejected refresh failed", slog.Any("err", ierr))
				}
				return nil, fmt.Errorf("%w: refresh rejected: %v", ErrAuthExpired, err)
			default:
				v.log.Warn("refresh failed", slog.String("identity", identity), slog.Any("err", err))
				return nil, fmt.Errorf("%w: refresh: %v", chaterr.ErrTransient, err)
			}
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = stale.RefreshToken
		}
		if fresh.UserID == "" {
			fresh.UserID = stale.UserID
		}
		if len(fresh.Scopes) == 0 {
			fresh.Scopes = stale.Scopes
		}
		fresh.Identity = identity
		if err := v.Store(identity, fresh); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		telemetry.SetSpanSuccess(span)
		v.log.Info("credential refreshed", slog.Any("credential", fresh))
		return fresh, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return res.(Credential), nil
}

func (v *Vault) load(identity string) (Credential, error) {
	if identity == "" {
		return Credential{}, ErrNotFound
	}
	blob, err := v.ring.Get(v.service, identity)
	if errors.Is(err, keyring.ErrNotFound) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("%w: keyring get: %v", chaterr.ErrTransient, err)
	}
	cred, err := v.decode(identity, blob)
	if err != nil {
		// An unreadable entry cannot be used; the user has to log in again.
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	return cred, nil
}

// Blob envelope: "v0:<base64 json>" plain, "v1:<key id>:<base64 sealed json>".
func (v *Vault) encode(identity string, cred Credential) (string, error) {
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	if v.sealer == nil {
		return "v0:" + base64.StdEncoding.EncodeToString(raw), nil
	}
	sealed, err := v.sealer.Seal(raw, []byte(identity))
	if err != nil {
		return "", err
	}
	return "v1:" + v.sealer.KeyID() + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) decode(identity, blob string) (Credential, error) {
	var raw []byte
	switch {
	case strings.HasPrefix(blob, "v0:"):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, "v0:"))
		if err != nil {
			return Credential{}, fmt.Errorf("decode blob: %w", err)
		}
		raw = b
	case strings.HasPrefix(blob, "v1:"):
		if v.sealer == nil {
			return Credential{}, errors.New("sealed blob but no sealing key configured")
		}
		rest := strings.TrimPrefix(blob, "v1:")
		keyID, payload, ok := strings.Cut(rest, ":")
		if !ok {
			return Credential{}, errors.New("malformed sealed blob")
		}
		if keyID != v.sealer.KeyID() {
			return Credential{}, fmt.Errorf("blob sealed with key %q, configured key is %q", keyID, v.sealer.KeyID())
		}
		sealed, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Credential{}, fmt.Errorf("decode blob: %w", err)
		}
		b, err := v.sealer.Open(sealed, []byte(identity))
		if err != nil {
			return Credential{}, err
		}
		raw = b
	default:
		// Bare tokens written by older versions or by hand.
		return Credential{Identity: identity, AccessToken: strings.TrimPrefix(blob, "oauth:")}, nil
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, fmt.Errorf("unmarshal blob: %w", err)
	}
	cred.Identity = identity
	return cred, nil
}
