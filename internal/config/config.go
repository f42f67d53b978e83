// Package config holds the viper-backed runtime configuration. Settings
// resolve in the usual order: explicit Set, HIVE_ environment variables,
// hivemind.yaml, then registered defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config keys.
const (
	KeySteemdURL      = "steemd.url"
	KeyDB             = "db"
	KeyCheckpointsDir = "checkpoints.dir"
	KeyTrailBlocks    = "sync.trail-blocks"
	KeyHTTPBind       = "http.bind"
	KeyMaxHeadAge     = "http.max-head-age"
	KeyLogLevel       = "log.level"
	KeyLogFile        = "log.file"
	KeyJSON           = "json"
)

// v is the process-wide viper instance. Nil until Initialize runs; the
// accessors return zero values in that state so early code paths stay
// safe.
var v *viper.Viper

// Initialize builds the viper instance: defaults, HIVE_ environment
// bindings, then the config file. With an empty cfgFile, hivemind.yaml
// is looked up in the working directory and may be absent; an explicit
// cfgFile must exist.
func Initialize(cfgFile string) error {
	nv := viper.New()

	registerDefaults(nv)

	nv.SetEnvPrefix("HIVE")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	if cfgFile != "" {
		nv.SetConfigFile(cfgFile)
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		nv.SetConfigName("hivemind")
		nv.SetConfigType("yaml")
		nv.AddConfigPath(".")
		if err := nv.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read hivemind.yaml: %w", err)
			}
		}
	}

	v = nv
	return nil
}

func registerDefaults(nv *viper.Viper) {
	nv.SetDefault(KeySteemdURL, "https://api.steemit.com")
	nv.SetDefault(KeyDB, "hive.db")
	nv.SetDefault(KeyCheckpointsDir, "checkpoints")
	nv.SetDefault(KeyTrailBlocks, 2)
	nv.SetDefault(KeyHTTPBind, "0.0.0.0:8080")
	nv.SetDefault(KeyMaxHeadAge, 30*time.Second)
	nv.SetDefault(KeyLogLevel, "info")
	nv.SetDefault(KeyLogFile, "")
	nv.SetDefault(KeyJSON, false)
}

// Watch re-reads the loaded config file when it changes and calls fn
// with each change event. No-op when no config file is in play.
func Watch(fn func(fsnotify.Event)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(fn)
	v.WatchConfig()
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Set overrides a value for this process (highest precedence).
func Set(key string, value interface{}) {
	if v == nil {
		return
	}
	v.Set(key, value)
}

// GetString returns a string config value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns a boolean config value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns an integer config value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// AllSettings returns the merged view of every config source.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// GetLogLevel parses log.level into a slog level. Invalid values warn
// to stderr and fall back to info.
func GetLogLevel() slog.Level {
	value := strings.ToLower(strings.TrimSpace(GetString(KeyLogLevel)))
	switch value {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	fmt.Fprintf(os.Stderr, "Warning: invalid log.level %q in config (valid: debug, info, warn, error), using 'info'\n", value)
	return slog.LevelInfo
}
