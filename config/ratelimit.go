package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/runicorn/runicorn/errors"
)

// RateLimitRule is a token-bucket description for one endpoint.
type RateLimitRule struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	BurstSize     int `json:"burst_size,omitempty"`
}

// RateLimitSettings holds global rate-limiting switches.
type RateLimitSettings struct {
	EnableRateLimiting bool `json:"enable_rate_limiting"`
	WhitelistLocalhost bool `json:"whitelist_localhost"`
	LogViolations      bool `json:"log_violations"`
}

// RateLimitConfig is the schema of the standalone rate-limit JSON file.
// It is hot-reloadable; the server watches the file for changes.
type RateLimitConfig struct {
	Default   RateLimitRule            `json:"default"`
	Endpoints map[string]RateLimitRule `json:"endpoints"`
	Settings  RateLimitSettings        `json:"settings"`
}

// DefaultRateLimitConfig returns the built-in limits applied when no
// rate-limit file exists.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Default: RateLimitRule{MaxRequests: 600, WindowSeconds: 60, BurstSize: 60},
		Endpoints: map[string]RateLimitRule{
			"/api/runs":            {MaxRequests: 300, WindowSeconds: 60, BurstSize: 50},
			"/api/remote/connect":  {MaxRequests: 10, WindowSeconds: 60, BurstSize: 3},
			"/api/recycle-bin":     {MaxRequests: 60, WindowSeconds: 60, BurstSize: 10},
			"/api/runs/soft-delete": {MaxRequests: 30, WindowSeconds: 60, BurstSize: 5},
		},
		Settings: RateLimitSettings{
			EnableRateLimiting: true,
			WhitelistLocalhost: true,
			LogViolations:      true,
		},
	}
}

// RuleFor returns the rule for an endpoint, falling back to the default rule.
func (c *RateLimitConfig) RuleFor(endpoint string) RateLimitRule {
	if rule, ok := c.Endpoints[endpoint]; ok {
		return rule
	}
	return c.Default
}

// LoadRateLimitConfig reads the rate-limit JSON file. A missing file yields
// the defaults; a malformed file is an error so misconfigurations surface.
func LoadRateLimitConfig(path string) (*RateLimitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRateLimitConfig(), nil
		}
		return nil, errors.Wrapf(err, "read rate limit config %s", path)
	}

	var cfg RateLimitConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse rate limit config %s", path)
	}
	if cfg.Default.MaxRequests <= 0 || cfg.Default.WindowSeconds <= 0 {
		return nil, errors.Newf("rate limit config %s: default rule must have positive max_requests and window_seconds", path)
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = map[string]RateLimitRule{}
	}
	return &cfg, nil
}

// SaveRateLimitConfig writes the rate-limit config atomically.
func SaveRateLimitConfig(path string, cfg *RateLimitConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal rate limit config")
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "create config directory")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write rate limit config")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename rate limit config")
	}
	return nil
}
