// Package config holds the pairsync configuration surface: the global viper
// configuration (config.yaml in the data dir plus PAIRSYNC_* environment
// variables), per-repo overrides from .pairsync.yaml, the TOML project
// registry consumed by session cleanup, the rotating log file, and the
// data-dir lock.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pairsync/pairsync/internal/scheduler"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at startup, after the data dir is known. Precedence, highest first:
// PAIRSYNC_* environment variables, then config.yaml in the data dir, then
// the defaults set here.
func Initialize(dataDir string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	configPath := filepath.Join(dataDir, "config.yaml")
	configFileSet := false
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		configFileSet = true
	}

	// E.g. PAIRSYNC_DEBOUNCE, PAIRSYNC_MAX_DEBOUNCE, PAIRSYNC_SSH_KEY.
	v.SetEnvPrefix("PAIRSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Batch scheduler tuning.
	v.SetDefault("debounce", scheduler.DefaultDebounce)
	v.SetDefault("max-debounce", scheduler.DefaultMaxDebounce)

	// Extra directory names the watcher skips beyond the built-in set.
	v.SetDefault("skip-dirs", []string{})

	// SSH identity used for remote environments. Empty means the user's
	// ambient ssh configuration.
	v.SetDefault("ssh-key", "")

	// Rotating log file settings.
	v.SetDefault("log.max-size-mb", 10)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 30)
	v.SetDefault("log.compress", false)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// ResetForTesting clears the config state, allowing Initialize to be called
// again. Not thread-safe; only call from single-threaded test contexts.
func ResetForTesting() {
	v = nil
}

// DefaultDataDir returns the pairsync data directory: PAIRSYNC_DATA_DIR when
// set, otherwise ~/.pairsync. The data dir holds config.yaml, the journal,
// the project registry, the rotating log, and the mutagen data directory.
func DefaultDataDir() string {
	if dir := os.Getenv("PAIRSYNC_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pairsync"
	}
	return filepath.Join(home, ".pairsync")
}

// Debounce returns the quiet window that closes a path batch.
func Debounce() time.Duration {
	if d := GetDuration("debounce"); d > 0 {
		return d
	}
	return scheduler.DefaultDebounce
}

// MaxDebounce returns the ceiling a busy batch fires at regardless of
// further events.
func MaxDebounce() time.Duration {
	if d := GetDuration("max-debounce"); d > 0 {
		return d
	}
	return scheduler.DefaultMaxDebounce
}

// SSHKeyPath returns the identity file for SSH environments, or empty.
func SSHKeyPath() string {
	return GetString("ssh-key")
}

// SkipDirs returns extra directory names the watcher should skip.
func SkipDirs() []string {
	return GetStringSlice("skip-dirs")
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return []string{}
	}
	return v.GetStringSlice(key)
}

// ConfigFileUsed returns the path of the loaded config file, or empty when
// running on defaults and environment variables only.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
