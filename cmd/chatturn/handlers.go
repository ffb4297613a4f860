package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatturn/internal/auth"
	"github.com/haasonsaas/chatturn/internal/config"
	"github.com/haasonsaas/chatturn/internal/gateway"
	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/pkg/models"
)

func runServe(ctx context.Context, path string, debug bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    os.Stderr,
	})
	slog.SetDefault(logger)
	logger.Info("starting chatturn", "version", version, "commit", commit, "config", path)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server, err := gateway.NewServer(ctx, cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info("chatturn stopped")
	return nil
}

// openMigrator connects to the configured SQL database.
func openMigrator(path string) (*storage.Migrator, func() error, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Driver == "memory" {
		return nil, nil, errors.New("database.driver is memory; nothing to migrate")
	}
	pool := storage.DefaultPoolConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.URL, pool)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(store.DB(), store.Dialect())
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, store.Close, nil
}

func runMigrateUp(cmd *cobra.Command, path string, steps int) error {
	slog.Info("running database migrations", "config", path, "steps", steps)
	migrator, closeDB, err := openMigrator(path)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, path string, steps int) error {
	slog.Warn("rolling back migrations", "config", path, "steps", steps)
	migrator, closeDB, err := openMigrator(path)
	if err != nil {
		return err
	}
	defer closeDB()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolled) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", id)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, path string) error {
	migrator, closeDB, err := openMigrator(path)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	for _, m := range applied {
		fmt.Fprintf(out, "  [x] %s (%s)\n", m.ID, m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  [ ] %s\n", m.ID)
	}
	fmt.Fprintf(out, "\n%d applied, %d pending\n", len(applied), len(pending))
	return nil
}

func runToken(cmd *cobra.Command, path, userID, email, name string, expiry time.Duration) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if expiry <= 0 {
		expiry = cfg.Auth.TokenExpiry
	}
	service := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: expiry,
		Issuer:      cfg.Auth.Issuer,
	})
	token, err := service.GenerateJWT(&models.User{ID: userID, Email: email, Name: name})
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			return errors.New("auth.jwt_secret is not set")
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, path string) error {
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
	return nil
}
