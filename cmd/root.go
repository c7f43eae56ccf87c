// Package cmd wires the cobra command tree, binding flags through viper
// into the package-level config, scaled to this service's small flag set.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jigsawhub/puzzle-hub/config"
)

var rootCmd = &cobra.Command{
	Use:   "puzzle-hub",
	Short: "Real-time collaboration backplane for multi-user jigsaw-puzzle sessions",
}

// Execute runs the command tree. Call from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	initFlags()
	rootCmd.AddCommand(serveCmd)
}

func initFlags() {
	flags := rootCmd.PersistentFlags()

	flags.String("server-id", "", "replica id; defaults to a persisted or generated id")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("port", "8080", "HTTP/WebSocket listen port")

	flags.String("kv-endpoint", "127.0.0.1:6379", "K/V store address")
	flags.String("kv-password", "", "K/V store password")

	flags.String("db-driver", "sqlite", "durable store driver: sqlite or postgres")
	flags.String("db-dsn", "puzzle-hub.db", "durable store DSN")

	flags.Int("lock-ttl-seconds", 30, "piece lock TTL")
	flags.Int("cursor-window-ms", 100, "cursor throttle window in milliseconds")
	flags.Int("idle-timeout-seconds", 30, "inbound liveness timeout")
	flags.Int("op-deadline-seconds", 5, "per-operation timeout")
	flags.Int("shutdown-grace-seconds", 15, "drain window on shutdown")
	flags.Int("keepalive-interval-seconds", 15, "outbound ping cadence")
	flags.String("backplane-channel-prefix", "puzzle-app", "namespaces backplane topics")
	flags.Float64("position-tolerance", 5, "positional tolerance for placed detection")
	flags.Float64("rotation-tolerance-degrees", 5, "rotational tolerance for placed detection, modulo 360")

	for _, name := range []string{
		"server-id", "debug", "port", "kv-endpoint", "kv-password", "db-driver", "db-dsn",
		"lock-ttl-seconds", "cursor-window-ms", "idle-timeout-seconds", "op-deadline-seconds",
		"shutdown-grace-seconds", "keepalive-interval-seconds", "backplane-channel-prefix",
		"position-tolerance", "rotation-tolerance-degrees",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	viper.SetEnvPrefix("PUZZLEHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cfg := config.Default()
	cfg.App.ServerID = viper.GetString("server-id")
	cfg.App.Debug = viper.GetBool("debug")
	cfg.App.Port = viper.GetString("port")
	cfg.KV.Endpoint = viper.GetString("kv-endpoint")
	cfg.KV.Password = viper.GetString("kv-password")
	cfg.Database.Driver = viper.GetString("db-driver")
	cfg.Database.DSN = viper.GetString("db-dsn")
	cfg.Lock.TTL = secondsFlag("lock-ttl-seconds")
	cfg.Cursor.Window = millisFlag("cursor-window-ms")
	cfg.Router.IdleTimeout = secondsFlag("idle-timeout-seconds")
	cfg.Router.OpDeadline = secondsFlag("op-deadline-seconds")
	cfg.Router.ShutdownGrace = secondsFlag("shutdown-grace-seconds")
	cfg.Router.KeepaliveInterval = secondsFlag("keepalive-interval-seconds")
	cfg.Router.PositionTolerance = viper.GetFloat64("position-tolerance")
	cfg.Router.RotationToleranceD = viper.GetFloat64("rotation-tolerance-degrees")
	cfg.Backplane.ChannelPrefix = viper.GetString("backplane-channel-prefix")

	config.Global = cfg

	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func secondsFlag(name string) time.Duration {
	return time.Duration(viper.GetInt(name)) * time.Second
}

func millisFlag(name string) time.Duration {
	return time.Duration(viper.GetInt(name)) * time.Millisecond
}
