package main

import (
	"context"
	"fmt"

	"github.com/devrev/twinengine/internal/config"
	"github.com/devrev/twinengine/internal/logging"
	"github.com/devrev/twinengine/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the floor store schema",
		Long: `Apply the floor store schema to the database named by the configuration.

The schema is idempotent; running migrate against an up-to-date store is a
no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runMigrate(ctx, cmd, global)
		},
	}
}

func runMigrate(ctx context.Context, cmd *cobra.Command, global *globalOptions) error {
	cfg, err := config.Load(global.configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	floorStore, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return &exitStatusError{code: exitStorageFailure, err: fmt.Errorf("failed to open floor store: %w", err)}
	}
	defer floorStore.Close()

	if err := floorStore.Migrate(ctx); err != nil {
		return &exitStatusError{code: exitStorageFailure, err: fmt.Errorf("failed to migrate floor store: %w", err)}
	}

	logger.Info("Floor store schema applied", zap.String("driver", cfg.Database.Driver))
	fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s)\n", cfg.Database.Driver)
	return nil
}
