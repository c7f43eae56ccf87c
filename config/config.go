// Package config loads puzzle-hub's structured configuration from
// environment variables and cobra/viper flags into a package-level
// global.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the fully-resolved configuration tree for one replica.
type Config struct {
	App       AppConfig
	KV        KVConfig
	Database  DatabaseConfig
	Lock      LockConfig
	Cursor    CursorConfig
	Router    RouterConfig
	Backplane BackplaneConfig
}

type AppConfig struct {
	ServerID  string
	Debug     bool
	Port      string
	EmbedPort string
}

type KVConfig struct {
	Endpoint string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

type LockConfig struct {
	TTL time.Duration
}

type CursorConfig struct {
	Window time.Duration
}

type RouterConfig struct {
	IdleTimeout        time.Duration
	OpDeadline         time.Duration
	ShutdownGrace      time.Duration
	KeepaliveInterval  time.Duration
	PositionTolerance  float64
	RotationToleranceD float64
}

type BackplaneConfig struct {
	ChannelPrefix string
}

// Global is the package-level escape hatch used by components that are not
// handed a *Config explicitly.
var Global *Config

// Default returns a Config populated with the service's documented
// defaults, before any environment overrides are applied.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Port: "8080",
		},
		KV: KVConfig{
			Endpoint: "127.0.0.1:6379",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "puzzle-hub.db",
		},
		Lock: LockConfig{
			TTL: 30 * time.Second,
		},
		Cursor: CursorConfig{
			Window: 100 * time.Millisecond,
		},
		Router: RouterConfig{
			IdleTimeout:        30 * time.Second,
			OpDeadline:         5 * time.Second,
			ShutdownGrace:      15 * time.Second,
			KeepaliveInterval:  15 * time.Second,
			PositionTolerance:  5,
			RotationToleranceD: 5,
		},
		Backplane: BackplaneConfig{
			ChannelPrefix: "puzzle-app",
		},
	}
}

// LoadFromEnv overlays environment variables onto cfg, following the same
// PUZZLEHUB_-prefixed convention cobra/viper binds flags to in cmd/root.go.
func LoadFromEnv(cfg *Config) *Config {
	cfg.App.ServerID = getEnv("PUZZLEHUB_SERVER_ID", cfg.App.ServerID)
	cfg.App.Debug = getEnvBool("PUZZLEHUB_DEBUG", cfg.App.Debug)
	cfg.App.Port = getEnv("PUZZLEHUB_PORT", cfg.App.Port)

	cfg.KV.Endpoint = getEnv("PUZZLEHUB_KV_ENDPOINT", cfg.KV.Endpoint)
	cfg.KV.Password = getEnv("PUZZLEHUB_KV_PASSWORD", cfg.KV.Password)
	cfg.KV.DB = getEnvInt("PUZZLEHUB_KV_DB", cfg.KV.DB)

	cfg.Database.Driver = getEnv("PUZZLEHUB_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("PUZZLEHUB_DB_DSN", cfg.Database.DSN)

	cfg.Lock.TTL = getEnvSeconds("PUZZLEHUB_LOCK_TTL_SECONDS", cfg.Lock.TTL)
	cfg.Cursor.Window = getEnvMillis("PUZZLEHUB_CURSOR_WINDOW_MS", cfg.Cursor.Window)

	cfg.Router.IdleTimeout = getEnvSeconds("PUZZLEHUB_IDLE_TIMEOUT_SECONDS", cfg.Router.IdleTimeout)
	cfg.Router.OpDeadline = getEnvSeconds("PUZZLEHUB_OP_DEADLINE_SECONDS", cfg.Router.OpDeadline)
	cfg.Router.ShutdownGrace = getEnvSeconds("PUZZLEHUB_SHUTDOWN_GRACE_SECONDS", cfg.Router.ShutdownGrace)
	cfg.Router.KeepaliveInterval = getEnvSeconds("PUZZLEHUB_KEEPALIVE_INTERVAL_SECONDS", cfg.Router.KeepaliveInterval)
	cfg.Router.PositionTolerance = getEnvFloat("PUZZLEHUB_POSITION_TOLERANCE", cfg.Router.PositionTolerance)
	cfg.Router.RotationToleranceD = getEnvFloat("PUZZLEHUB_ROTATION_TOLERANCE_DEGREES", cfg.Router.RotationToleranceD)

	cfg.Backplane.ChannelPrefix = getEnv("PUZZLEHUB_BACKPLANE_CHANNEL_PREFIX", cfg.Backplane.ChannelPrefix)

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
