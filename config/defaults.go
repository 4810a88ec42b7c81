package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults installs the built-in configuration defaults into a Viper
// instance. Every key the viewer reads has a default here.
func SetDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("storage.user_root_dir", filepath.Join(home, ".runicorn", "storage"))

	v.SetDefault("viewer.host", "127.0.0.1")
	v.SetDefault("viewer.port", 8000)
	v.SetDefault("viewer.log_level", "info")

	v.SetDefault("remote.ssh_timeout", 30)
	v.SetDefault("remote.keepalive", 30)
	v.SetDefault("remote.max_connections", 8)
	v.SetDefault("remote.auto_port_range", "8600-8700")

	v.SetDefault("assets.archive_dir", "")
	v.SetDefault("assets.max_snapshot_size_mb", 500)
	v.SetDefault("assets.enable_deduplication", true)

	v.SetDefault("watcher.scan_interval_seconds", 30)
	v.SetDefault("watcher.zombie_threshold_hours", 48)
	v.SetDefault("watcher.recycle_retention_days", 30)

	v.SetDefault("enhanced_logging.capture_console", true)
	v.SetDefault("enhanced_logging.tqdm_mode", "compact")

	v.SetDefault("security.enable_rate_limit", true)
	v.SetDefault("security.rate_limit_per_minute", 600)
}
