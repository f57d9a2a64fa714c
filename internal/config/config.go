package config

import (
	"errors"
	"fmt"
	"time"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the floorsync service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Sweep       SweepConfig       `mapstructure:"sweep"`
	Session     SessionConfig     `mapstructure:"session"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents the authoritative floor store configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Path is the database file when Driver is sqlite
	Path string `mapstructure:"path"`
	// LockTimeout bounds how long a transaction waits for a row lock
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

// RedisConfig represents Redis configuration for idempotency keys and the sweep lock
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// EngineConfig represents state transition engine configuration
type EngineConfig struct {
	WaitThresholdMinutes int           `mapstructure:"wait_threshold_minutes"`
	TransactionTimeout   time.Duration `mapstructure:"transaction_timeout"`
	ConflictRetries      int           `mapstructure:"conflict_retries"`
}

// WaitThreshold returns the long-wait threshold as a duration
func (e EngineConfig) WaitThreshold() time.Duration {
	return time.Duration(e.WaitThresholdMinutes) * time.Minute
}

// SweepConfig represents escalation sweep configuration
type SweepConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxRunTime time.Duration `mapstructure:"max_run_time"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	LockKey    string        `mapstructure:"lock_key"`
}

// SessionConfig represents subscriber session configuration
type SessionConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ControlRate     float64       `mapstructure:"control_rate"`
	ControlBurst    int           `mapstructure:"control_burst"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
}

// IdempotencyConfig represents idempotency key configuration
type IdempotencyConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// RateLimiterConfig represents HTTP rate limiting configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// TracingConfig represents OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	PrettyPrint bool   `mapstructure:"pretty_print"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be one of: %s, %s", DriverPostgres, DriverSQLite)
	}
	if c.Database.LockTimeout <= 0 {
		return errors.New("database.lock_timeout must be positive")
	}
	if c.Database.ConnectTimeout <= 0 {
		return errors.New("database.connect_timeout must be positive")
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}

	if c.Engine.WaitThresholdMinutes <= 0 {
		return errors.New("engine.wait_threshold_minutes must be positive")
	}
	if c.Engine.TransactionTimeout <= 0 {
		return errors.New("engine.transaction_timeout must be positive")
	}
	if c.Engine.TransactionTimeout < c.Database.LockTimeout {
		return errors.New("engine.transaction_timeout must not be shorter than database.lock_timeout")
	}
	if c.Engine.ConflictRetries < 0 {
		return errors.New("engine.conflict_retries must not be negative")
	}

	if c.Sweep.Enabled {
		if c.Sweep.Interval <= 0 {
			return errors.New("sweep.interval must be positive")
		}
		if c.Sweep.MaxRunTime <= 0 {
			return errors.New("sweep.max_run_time must be positive")
		}
	}
	if c.Sweep.LockTTL <= 0 {
		c.Sweep.LockTTL = 2 * c.Sweep.MaxRunTime
	}
	if c.Sweep.LockKey == "" {
		c.Sweep.LockKey = "floorsync:sweep:lock"
	}

	if c.Session.SendBuffer <= 0 {
		return errors.New("session.send_buffer must be positive")
	}
	if c.Session.PingPeriod <= 0 || c.Session.PingPeriod >= c.Session.PongWait {
		return errors.New("session.ping_period must be positive and shorter than session.pong_wait")
	}
	if c.Session.ControlRate <= 0 {
		return errors.New("session.control_rate must be positive")
	}
	if c.Session.ControlBurst <= 0 {
		return errors.New("session.control_burst must be positive")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "floorsync"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            5432,
			Database:        "floorsync",
			User:            "floorsync",
			Password:        "",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
			Path:            "./floorsync.db",
			LockTimeout:     2 * time.Second,
			ConnectTimeout:  30 * time.Second,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			MaxRetries:   3,
			PoolSize:     20,
			MinIdleConns: 2,
		},
		Engine: EngineConfig{
			WaitThresholdMinutes: 15,
			TransactionTimeout:   5 * time.Second,
			ConflictRetries:      3,
		},
		Sweep: SweepConfig{
			Enabled:    true,
			Interval:   time.Minute,
			MaxRunTime: 30 * time.Second,
			LockTTL:    time.Minute,
			LockKey:    "floorsync:sweep:lock",
		},
		Session: SessionConfig{
			SendBuffer:      256,
			WriteTimeout:    10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      50 * time.Second,
			MaxMessageSize:  4096,
			ControlRate:     5,
			ControlBurst:    10,
			SnapshotTimeout: 5 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           false,
			RequestsPerSecond: 200,
			BurstSize:         400,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "floorsync",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
