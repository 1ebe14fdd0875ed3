// Package main provides a CLI tool to migrate vault entries from plain to
// sealed storage.
//
// Entries written before ADMIRAL_VAULT_KEY was configured are stored as plain
// base64 JSON, or as bare tokens when pasted by hand. This tool rewrites them
// sealed with AES-256-GCM under the configured key. The OS keyring cannot be
// enumerated, so identities are named explicitly.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--identity LOGIN]...
//
// Flags:
//
//	--dry-run:  Show what would be migrated without making changes
//	--identity: Identity to migrate; repeatable (default: ADMIRAL_IDENTITY)
//
// Environment Variables:
//
//	ADMIRAL_VAULT_KEY:     Base64-encoded 32-byte sealing key (required)
//	ADMIRAL_VAULT_KEY_ID:  Key identifier stored alongside sealed entries
//	ADMIRAL_VAULT_SERVICE: Keyring service name
//
// Example:
//
//	export ADMIRAL_VAULT_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run --identity alice
//	./migrate-tokens --identity alice
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/onnwee/admiral/config"
	"github.com/onnwee/admiral/crypto"
	"github.com/onnwee/admiral/vault"
)

type identityList []string

func (l *identityList) String() string { return strings.Join(*l, ",") }

func (l *identityList) Set(s string) error {
	*l = append(*l, strings.ToLower(strings.TrimSpace(s)))
	return nil
}

// Resealer is the part of *vault.Vault the migration uses.
type Resealer interface {
	Sealed(identity string) (bool, error)
	Reseal(identity string) (bool, error)
}

func main() {
	_ = godotenv.Load()

	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	var identities identityList
	flag.Var(&identities, "identity", "Identity to migrate; repeatable (default: ADMIRAL_IDENTITY)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.Vault.Key == "" {
		slog.Error("ADMIRAL_VAULT_KEY environment variable is required for migration")
		os.Exit(1)
	}
	if len(identities) == 0 && cfg.Chat.Identity != "" {
		identities = append(identities, cfg.Chat.Identity)
	}
	if len(identities) == 0 {
		slog.Error("no identities given; pass --identity or set ADMIRAL_IDENTITY")
		os.Exit(1)
	}

	sealer, err := crypto.NewAESSealer(cfg.Vault.Key, cfg.Vault.KeyID)
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("err", err))
		os.Exit(1)
	}
	v := vault.New(vault.Options{Service: cfg.Vault.Service, Sealer: sealer, Logger: logger})

	if err := migrateTokens(v, identities, *dryRun, logger); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateTokens seals every named entry that is not sealed yet. Missing
// entries are reported and skipped.
func migrateTokens(v Resealer, identities []string, dryRun bool, logger *slog.Logger) error {
	migrated, skipped, missing, errorCount := 0, 0, 0, 0
	for i, id := range identities {
		log := logger.With(
			slog.String("identity", id),
			slog.Int("index", i+1),
			slog.Int("total", len(identities)))

		sealed, err := v.Sealed(id)
		switch {
		case errors.Is(err, vault.ErrNotFound):
			log.Warn("no credential stored")
			missing++
			continue
		case err != nil:
			log.Error("failed to read credential", slog.Any("err", err))
			errorCount++
			continue
		case sealed:
			log.Info("already sealed")
			skipped++
			continue
		}

		if dryRun {
			log.Info("would seal credential (dry-run)")
			migrated++
			continue
		}
		if _, err := v.Reseal(id); err != nil {
			log.Error("failed to seal credential", slog.Any("err", err))
			errorCount++
			continue
		}
		log.Info("sealed credential")
		migrated++
	}

	logger.Info("migration summary",
		slog.Int("total", len(identities)),
		slog.Int("migrated", migrated),
		slog.Int("already_sealed", skipped),
		slog.Int("missing", missing),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return nil
}
