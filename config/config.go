// Package config manages the Runicorn viewer configuration.
//
// Configuration is layered: built-in defaults, then the user config file at
// ~/.config/runicorn/config.yaml (or the platform equivalent), then RUNICORN_*
// environment variables, then command-line flags. Later layers win.
package config

// Config is the root configuration for the viewer process.
type Config struct {
	Storage         StorageConfig         `mapstructure:"storage"`
	Viewer          ViewerConfig          `mapstructure:"viewer"`
	Remote          RemoteConfig          `mapstructure:"remote"`
	Assets          AssetsConfig          `mapstructure:"assets"`
	Watcher         WatcherConfig         `mapstructure:"watcher"`
	EnhancedLogging EnhancedLoggingConfig `mapstructure:"enhanced_logging"`
	Security        SecurityConfig        `mapstructure:"security"`
}

// StorageConfig locates the storage root.
type StorageConfig struct {
	UserRootDir string `mapstructure:"user_root_dir"`
}

// ViewerConfig controls the HTTP listener.
type ViewerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// RemoteConfig controls the SSH supervisor.
type RemoteConfig struct {
	SSHTimeoutSeconds int    `mapstructure:"ssh_timeout"`
	KeepaliveSeconds  int    `mapstructure:"keepalive"`
	MaxConnections    int    `mapstructure:"max_connections"`
	AutoPortRange     string `mapstructure:"auto_port_range"` // "lo-hi", e.g. "8600-8700"
}

// AssetsConfig controls the blob store and workspace snapshots.
type AssetsConfig struct {
	ArchiveDir          string `mapstructure:"archive_dir"`
	MaxSnapshotSizeMB   int    `mapstructure:"max_snapshot_size_mb"`
	EnableDeduplication bool   `mapstructure:"enable_deduplication"`
}

// WatcherConfig controls the run lifecycle watcher.
type WatcherConfig struct {
	ScanIntervalSeconds  int `mapstructure:"scan_interval_seconds"`
	ZombieThresholdHours int `mapstructure:"zombie_threshold_hours"`
	RecycleRetentionDays int `mapstructure:"recycle_retention_days"`
}

// EnhancedLoggingConfig mirrors the writer SDK knobs the viewer surfaces.
type EnhancedLoggingConfig struct {
	CaptureConsole bool   `mapstructure:"capture_console"`
	TqdmMode       string `mapstructure:"tqdm_mode"`
}

// SecurityConfig controls rate limiting.
type SecurityConfig struct {
	EnableRateLimit    bool `mapstructure:"enable_rate_limit"`
	RateLimitPerMinute int  `mapstructure:"rate_limit_per_minute"`
}
