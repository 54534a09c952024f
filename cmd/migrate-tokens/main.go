// Command migrate-tokens encrypts OAuth tokens stored before ENCRYPTION_KEY
// was configured (encryption_version=0) with AES-256-GCM.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider twitch]
//
// DB_DSN and ENCRYPTION_KEY are read from the environment or .env.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-avatar/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "list the tokens that would be encrypted")
	provider := flag.String("provider", "", "only migrate this provider")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	_ = godotenv.Load()

	if err := run(*dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(dryRun bool, only string) error {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		return errors.New("DB_DSN is required")
	}
	if os.Getenv("ENCRYPTION_KEY") == "" {
		return errors.New("ENCRYPTION_KEY is required")
	}
	enc, err := db.EncryptorFromEnv()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer database.Close()

	store := &db.TokenStore{DB: database, Enc: enc}
	providers, err := store.PlaintextProviders(ctx)
	if err != nil {
		return err
	}
	return sealAll(ctx, store, providers, only, dryRun)
}

type sealer interface {
	Seal(ctx context.Context, provider string) error
}

// sealAll encrypts each listed provider, continuing past failures.
func sealAll(ctx context.Context, s sealer, providers []string, only string, dryRun bool) error {
	failed, done := 0, 0
	for _, p := range providers {
		if only != "" && p != only {
			continue
		}
		logger := slog.With(slog.String("provider", p))
		if dryRun {
			logger.Info("would encrypt token (dry-run)")
			done++
			continue
		}
		if err := s.Seal(ctx, p); err != nil {
			logger.Error("failed to encrypt token", slog.Any("err", err))
			failed++
			continue
		}
		logger.Info("token encrypted")
		done++
	}
	slog.Info("migration summary", slog.Int("migrated", done), slog.Int("errors", failed), slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("%d tokens could not be encrypted", failed)
	}
	return nil
}
