package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/twinengine/internal/config"
	"go.uber.org/zap"
)

// Open connects to the configured floor store. PostgreSQL connections are
// retried with exponential backoff for up to cfg.ConnectTimeout so the
// service can start before its database is reachable.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (FloorStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		sqlite, err := NewSQLiteStore(cfg.Path, cfg.LockTimeout, logger)
		if err != nil {
			return nil, err
		}
		return sqlite, nil
	case config.DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	opts := PostgresOptions{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Database:        cfg.Database,
		User:            cfg.User,
		Password:        cfg.Password,
		MaxConns:        cfg.MaxConnections,
		MinConns:        cfg.MinConnections,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		LockTimeout:     cfg.LockTimeout,
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.ConnectTimeout

	var pg *PostgresStore
	err := backoff.RetryNotify(func() error {
		var err error
		pg, err = NewPostgresStore(ctx, opts, logger)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn("Database not reachable, retrying",
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return pg, nil
}
