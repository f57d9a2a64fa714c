package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/twinengine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpen_SQLite(t *testing.T) {
	s, err := Open(context.Background(), config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		Path:        filepath.Join(t.TempDir(), "nested", "floor.db"),
		LockTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	s, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql"}, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, s)
}
