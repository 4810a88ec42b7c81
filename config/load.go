package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/runicorn/runicorn/errors"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
	mu            sync.Mutex
)

// DefaultDirPermissions for directories Runicorn creates under the user's home.
const DefaultDirPermissions = 0o755

// Load reads the Runicorn configuration using Viper.
// The result is cached; use Reset() in tests to clear it.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path, bypassing the
// layered search. Used by tests and by `runicorn config --file`.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config from %s", configPath)
	}

	return &config, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults.
// Caller must hold mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("RUNICORN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// User config file is optional; defaults apply when absent.
	if path := UserConfigPath(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if _, err := os.Stat(path); err == nil {
			_ = v.ReadInConfig()
		}
	}

	viperInstance = v
	return v
}

// UserConfigPath returns the platform config file location,
// e.g. ~/.config/runicorn/config.yaml on Linux.
func UserConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "runicorn", "config.yaml")
}

// RateLimitConfigPath returns the location of the rate-limit JSON config,
// which lives next to the main config file.
func RateLimitConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "runicorn", "rate_limit.json")
}

// KnownHostsPath returns Runicorn's private known_hosts store.
// The OS user's ~/.ssh/known_hosts is never consulted.
func KnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".runicorn", "known_hosts")
}

// WriteDefaultConfig writes the default configuration as YAML to the user
// config path, creating parent directories. Existing files are not touched.
func WriteDefaultConfig() (string, error) {
	path := UserConfigPath()
	if path == "" {
		return "", errors.New("cannot determine user config directory")
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return "", errors.Wrap(err, "create config directory")
	}

	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return "", errors.Wrap(err, "unmarshal defaults")
	}

	out, err := yaml.Marshal(map[string]interface{}{
		"storage":          map[string]interface{}{"user_root_dir": cfg.Storage.UserRootDir},
		"viewer":           map[string]interface{}{"host": cfg.Viewer.Host, "port": cfg.Viewer.Port, "log_level": cfg.Viewer.LogLevel},
		"remote":           map[string]interface{}{"ssh_timeout": cfg.Remote.SSHTimeoutSeconds, "keepalive": cfg.Remote.KeepaliveSeconds, "max_connections": cfg.Remote.MaxConnections, "auto_port_range": cfg.Remote.AutoPortRange},
		"assets":           map[string]interface{}{"archive_dir": cfg.Assets.ArchiveDir, "max_snapshot_size_mb": cfg.Assets.MaxSnapshotSizeMB, "enable_deduplication": cfg.Assets.EnableDeduplication},
		"watcher":          map[string]interface{}{"scan_interval_seconds": cfg.Watcher.ScanIntervalSeconds, "zombie_threshold_hours": cfg.Watcher.ZombieThresholdHours, "recycle_retention_days": cfg.Watcher.RecycleRetentionDays},
		"enhanced_logging": map[string]interface{}{"capture_console": cfg.EnhancedLogging.CaptureConsole, "tqdm_mode": cfg.EnhancedLogging.TqdmMode},
		"security":         map[string]interface{}{"enable_rate_limit": cfg.Security.EnableRateLimit, "rate_limit_per_minute": cfg.Security.RateLimitPerMinute},
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal default config")
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", errors.Wrap(err, "write default config")
	}
	return path, nil
}

// StorageRoot resolves the storage root: an explicit override wins, then the
// configured user_root_dir, then ~/.runicorn/storage.
func StorageRoot(override string) (string, error) {
	if override != "" {
		return filepath.Abs(override)
	}

	cfg, err := Load()
	if err != nil {
		return "", err
	}
	if cfg.Storage.UserRootDir != "" {
		return filepath.Abs(cfg.Storage.UserRootDir)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, ".runicorn", "storage"), nil
}
