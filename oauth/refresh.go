// Package oauth keeps a stored chat credential usable in the background. It
// validates the access token on a jittered schedule, as chat clients are
// expected to do at least hourly, and refreshes it when its remaining lifetime
// falls within a configured window or the server no longer accepts it.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/admiral/chaterr"
	"github.com/onnwee/admiral/vault"
)

// Store is the part of the vault the refresher uses.
type Store interface {
	Get(ctx context.Context, identity string) (vault.Credential, error)
	Refresh(ctx context.Context, identity string) (vault.Credential, error)
}

// ValidateFunc asks the provider whether an access token is still accepted.
type ValidateFunc func(ctx context.Context, accessToken string) error

// Options configures StartRefresher.
type Options struct {
	Identity string
	// Interval is how often to wake up and check.
	Interval time.Duration
	// Window: refresh when remaining lifetime <= Window.
	Window   time.Duration
	Validate ValidateFunc
	// OnExpired is called when the credential can no longer be used and the
	// user has to log in again.
	OnExpired func(err error)
	// OnRefreshed is called after every successful refresh.
	OnRefreshed func(cred vault.Credential)
	Logger      *slog.Logger
}

// StartRefresher launches a goroutine that periodically checks the credential
// for opts.Identity. The returned channel is closed when it exits.
func StartRefresher(ctx context.Context, store Store, opts Options) <-chan struct{} {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "token_refresher"), slog.String("identity", opts.Identity))

	// Randomize initial delay so several clients started together spread out.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(opts.Interval/2) + 1))
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if err := check(ctx, store, opts); err != nil && ctx.Err() == nil {
				opts.Logger.Warn("token check failed", slog.Any("err", err))
			}
			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(opts.Interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := opts.Interval + jitter
			if nextSleep < opts.Interval/2 {
				nextSleep = opts.Interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
	return done
}

// check runs one refresh/validate cycle. A missing credential is not an error:
// the user simply has not logged in yet.
func check(ctx context.Context, store Store, opts Options) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cred, err := store.Get(ctx, opts.Identity)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return nil
	case chaterr.IsAuthExpired(err):
		expired(opts, err)
		return nil
	case err != nil:
		return err
	}

	if !cred.Expiry.IsZero() && time.Until(cred.Expiry) <= opts.Window && cred.CanRefresh() {
		fresh, err := store.Refresh(ctx, opts.Identity)
		if chaterr.IsAuthExpired(err) {
			expired(opts, err)
			return nil
		}
		if err != nil {
			return err
		}
		refreshed(opts, fresh)
		cred = fresh
	}

	if opts.Validate == nil {
		return nil
	}
	err = opts.Validate(ctx, cred.AccessToken)
	if err == nil || !chaterr.IsAuthExpired(err) {
		return err
	}
	// Revoked or expired server side: one refresh attempt before giving up.
	opts.Logger.Info("access token rejected by validation; refreshing")
	fresh, err := store.Refresh(ctx, opts.Identity)
	if err != nil {
		if chaterr.IsAuthExpired(err) {
			expired(opts, err)
			return nil
		}
		return err
	}
	opts.Logger.Info("token refreshed after failed validation")
	refreshed(opts, fresh)
	return nil
}

func refreshed(opts Options, cred vault.Credential) {
	if opts.OnRefreshed != nil {
		opts.OnRefreshed(cred)
	}
}

func expired(opts Options, err error) {
	opts.Logger.Warn("credential expired; re-authentication required", slog.Any("err", err))
	if opts.OnExpired != nil {
		opts.OnExpired(err)
	}
}
