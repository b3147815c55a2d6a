package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appName   = "media-cache"
	envPrefix = "MEDIA_CACHE"
)

// Config represents the entire application configuration
type Config struct {
	AppDir      string            `mapstructure:"app_dir"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Space       SpaceConfig       `mapstructure:"space"`
	Downloads   DownloadsConfig   `mapstructure:"downloads"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// CacheConfig contains cache location settings
type CacheConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// SpaceConfig contains the disk space policy
type SpaceConfig struct {
	SafetyBufferMB        int64  `mapstructure:"safety_buffer_mb"`
	LowSpaceThresholdMB   int64  `mapstructure:"low_space_threshold_mb"`
	UnknownSizeEstimateMB int64  `mapstructure:"unknown_size_estimate_mb"`
	WarnInterval          string `mapstructure:"warn_interval"`
}

// DownloadsConfig contains download engine settings
type DownloadsConfig struct {
	Concurrency           int    `mapstructure:"concurrency"`
	BufferSizeKB          int    `mapstructure:"buffer_size_kb"`
	StallTimeout          string `mapstructure:"stall_timeout"`
	ResponseHeaderTimeout string `mapstructure:"response_header_timeout"`
	ProgressInterval      string `mapstructure:"progress_interval"`
	UserAgent             string `mapstructure:"user_agent"`
	SkipTLSVerify         bool   `mapstructure:"skip_tls_verify"`
}

// HTTPConfig contains local API server configuration
type HTTPConfig struct {
	BindAddr     string `mapstructure:"bind_addr"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MaintenanceConfig contains periodic maintenance settings
type MaintenanceConfig struct {
	ReconcileInterval string `mapstructure:"reconcile_interval"`
	CleanupInterval   string `mapstructure:"cleanup_interval"`
	JobMaxAge         string `mapstructure:"job_max_age"`
	TempFileMaxAge    string `mapstructure:"temp_file_max_age"`
}

// DefaultAppDir returns the per-user application directory
func DefaultAppDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_dir", DefaultAppDir())
	v.SetDefault("cache.root_dir", "")
	v.SetDefault("space.safety_buffer_mb", 500)
	v.SetDefault("space.low_space_threshold_mb", 2048)
	v.SetDefault("space.unknown_size_estimate_mb", 100)
	v.SetDefault("space.warn_interval", "1m")
	v.SetDefault("downloads.concurrency", 1)
	v.SetDefault("downloads.buffer_size_kb", 1024)
	v.SetDefault("downloads.stall_timeout", "60s")
	v.SetDefault("downloads.response_header_timeout", "30s")
	v.SetDefault("downloads.progress_interval", "500ms")
	v.SetDefault("downloads.user_agent", appName)
	v.SetDefault("downloads.skip_tls_verify", false)
	v.SetDefault("http.bind_addr", "127.0.0.1:8787")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "0s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 20)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("database.path", "")
	v.SetDefault("maintenance.reconcile_interval", "1h")
	v.SetDefault("maintenance.cleanup_interval", "1h")
	v.SetDefault("maintenance.job_max_age", "168h")
	v.SetDefault("maintenance.temp_file_max_age", "24h")
}

// Load loads configuration from configPath. An empty path looks for
// config.yaml in the application directory; a missing file there is not an
// error. Environment variables prefixed with MEDIA_CACHE_ override both.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(v.GetString("app_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.applyPathDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyPathDefaults places unset paths under the application directory
func (c *Config) applyPathDefaults() {
	if c.AppDir == "" {
		c.AppDir = DefaultAppDir()
	}
	if c.Cache.RootDir == "" {
		c.Cache.RootDir = filepath.Join(c.AppDir, "cache")
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.AppDir, "index.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.AppDir, "logs", appName+".log")
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Cache.RootDir) {
		return fmt.Errorf("cache.root_dir must be an absolute path: %q", c.Cache.RootDir)
	}

	// Validate space policy
	if c.Space.SafetyBufferMB < 0 {
		return fmt.Errorf("space.safety_buffer_mb must not be negative")
	}
	if c.Space.LowSpaceThresholdMB < 0 {
		return fmt.Errorf("space.low_space_threshold_mb must not be negative")
	}
	if c.Space.UnknownSizeEstimateMB <= 0 {
		return fmt.Errorf("space.unknown_size_estimate_mb must be positive")
	}

	// Validate downloads
	if c.Downloads.Concurrency < 1 || c.Downloads.Concurrency > 16 {
		return fmt.Errorf("downloads.concurrency must be between 1 and 16")
	}
	if c.Downloads.BufferSizeKB <= 0 {
		return fmt.Errorf("downloads.buffer_size_kb must be positive")
	}

	durations := map[string]string{
		"space.warn_interval":               c.Space.WarnInterval,
		"downloads.stall_timeout":           c.Downloads.StallTimeout,
		"downloads.response_header_timeout": c.Downloads.ResponseHeaderTimeout,
		"downloads.progress_interval":       c.Downloads.ProgressInterval,
		"http.read_timeout":                 c.HTTP.ReadTimeout,
		"http.write_timeout":                c.HTTP.WriteTimeout,
		"http.idle_timeout":                 c.HTTP.IdleTimeout,
		"maintenance.reconcile_interval":    c.Maintenance.ReconcileInterval,
		"maintenance.cleanup_interval":      c.Maintenance.CleanupInterval,
		"maintenance.job_max_age":           c.Maintenance.JobMaxAge,
		"maintenance.temp_file_max_age":     c.Maintenance.TempFileMaxAge,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

const mib = 1024 * 1024

// GetSafetyBuffer returns the safety buffer in bytes
func (c *SpaceConfig) GetSafetyBuffer() int64 {
	return c.SafetyBufferMB * mib
}

// GetLowSpaceThreshold returns the low space threshold in bytes
func (c *SpaceConfig) GetLowSpaceThreshold() int64 {
	return c.LowSpaceThresholdMB * mib
}

// GetUnknownSizeEstimate returns the per-file estimate for unknown sizes in bytes
func (c *SpaceConfig) GetUnknownSizeEstimate() int64 {
	if c.UnknownSizeEstimateMB <= 0 {
		return 100 * mib
	}
	return c.UnknownSizeEstimateMB * mib
}

// GetWarnInterval returns the low space warning interval as time.Duration
func (c *SpaceConfig) GetWarnInterval() time.Duration {
	return parseDuration(c.WarnInterval, time.Minute)
}

// GetBufferSize returns the copy buffer size in bytes
func (c *DownloadsConfig) GetBufferSize() int {
	if c.BufferSizeKB <= 0 {
		return 1024 * 1024 // 1MB default
	}
	return c.BufferSizeKB * 1024
}

// GetStallTimeout returns the stall timeout as time.Duration
func (c *DownloadsConfig) GetStallTimeout() time.Duration {
	return parseDuration(c.StallTimeout, 60*time.Second)
}

// GetResponseHeaderTimeout returns the response header timeout as time.Duration
func (c *DownloadsConfig) GetResponseHeaderTimeout() time.Duration {
	return parseDuration(c.ResponseHeaderTimeout, 30*time.Second)
}

// GetProgressInterval returns the progress interval as time.Duration
func (c *DownloadsConfig) GetProgressInterval() time.Duration {
	return parseDuration(c.ProgressInterval, 500*time.Millisecond)
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *HTTPConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration. Zero disables it.
func (c *HTTPConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 0)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 60*time.Second)
}

// GetReconcileInterval returns the reconcile interval as time.Duration
func (c *MaintenanceConfig) GetReconcileInterval() time.Duration {
	return parseDuration(c.ReconcileInterval, time.Hour)
}

// GetCleanupInterval returns the cleanup interval as time.Duration
func (c *MaintenanceConfig) GetCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, time.Hour)
}

// GetJobMaxAge returns how long finished jobs are kept
func (c *MaintenanceConfig) GetJobMaxAge() time.Duration {
	return parseDuration(c.JobMaxAge, 7*24*time.Hour)
}

// GetTempFileMaxAge returns the temp file max age as time.Duration
func (c *MaintenanceConfig) GetTempFileMaxAge() time.Duration {
	return parseDuration(c.TempFileMaxAge, 24*time.Hour)
}
