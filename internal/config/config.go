// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Hot tier backends
const (
	MemoryHotBackend = "memory"
	RedisHotBackend  = "redis"
)

// MinHotTTLHours keeps hot-tier entries alive through same-day and next-day reconciliation.
const MinHotTTLHours = 48

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`
	AdminToken  string   `mapstructure:"admintoken"`

	// File paths
	DatabasePath    string `mapstructure:"storagepath"`
	DatabaseName    string `mapstructure:"-"` // Derived from other settings
	PublicDirectory string `mapstructure:"publicdir"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Calendar
	Timezone string `mapstructure:"timezone"`

	// Hot tier settings
	HotBackend    string `mapstructure:"hotbackend"`
	RedisAddr     string `mapstructure:"redisaddr"`
	RedisPassword string `mapstructure:"redispassword"`
	RedisDB       int    `mapstructure:"redisdb"`
	KeyPrefix     string `mapstructure:"keyprefix"`
	HotTTLHours   int    `mapstructure:"hotttlhours"`

	// Estimator and visitor fingerprinting
	EstimatorPrecision int    `mapstructure:"estimatorprecision"`
	FingerprintSalt    string `mapstructure:"fingerprintsalt"`

	// Write path tuning
	MirrorDebounceMillis int `mapstructure:"mirrordebouncemillis"`
	StoreTimeoutMillis   int `mapstructure:"storetimeoutmillis"`

	// Job scheduling settings
	JobsEnabled bool   `mapstructure:"jobsenabled"`
	HourlyCron  string `mapstructure:"hourlycron"`
	DailyCron   string `mapstructure:"dailycron"`
	CleanupCron string `mapstructure:"cleanupcron"`

	// Data retention settings
	RetentionDays int `mapstructure:"retentiondays"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("appname", "visitstats")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("admintoken", "")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("publicdir", "public")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("timezone", "UTC")
		v.SetDefault("hotbackend", MemoryHotBackend)
		v.SetDefault("redisaddr", "localhost:6379")
		v.SetDefault("redispassword", "")
		v.SetDefault("redisdb", 0)
		v.SetDefault("keyprefix", "visit")
		v.SetDefault("hotttlhours", MinHotTTLHours)
		v.SetDefault("estimatorprecision", 14)
		v.SetDefault("fingerprintsalt", "")
		v.SetDefault("mirrordebouncemillis", 5000)
		v.SetDefault("storetimeoutmillis", 800)
		v.SetDefault("jobsenabled", true)
		v.SetDefault("hourlycron", "0 * * * *")
		v.SetDefault("dailycron", "5 0 * * *")
		v.SetDefault("cleanupcron", "0 2 * * 0")
		v.SetDefault("retentiondays", 7)

		v.BindEnv("appname", "VISITSTATS_APP_NAME")
		v.BindEnv("appport", "VISITSTATS_APP_PORT")
		v.BindEnv("environment", "VISITSTATS_ENV")
		v.BindEnv("loglevel", "VISITSTATS_LOG_LEVEL")
		v.BindEnv("privatekey", "VISITSTATS_PRIVATE_KEY")
		v.BindEnv("admintoken", "VISITSTATS_ADMIN_TOKEN")
		v.BindEnv("storagepath", "VISITSTATS_STORAGE_PATH")
		v.BindEnv("publicdir", "VISITSTATS_PUBLIC_DIR")
		v.BindEnv("logsdir", "VISITSTATS_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "VISITSTATS_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "VISITSTATS_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "VISITSTATS_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "VISITSTATS_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "VISITSTATS_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "VISITSTATS_DB_MAX_IDLE_CONNS")
		v.BindEnv("timezone", "VISITSTATS_TIMEZONE")
		v.BindEnv("hotbackend", "VISITSTATS_HOT_BACKEND")
		v.BindEnv("redisaddr", "VISITSTATS_REDIS_ADDR")
		v.BindEnv("redispassword", "VISITSTATS_REDIS_PASSWORD")
		v.BindEnv("redisdb", "VISITSTATS_REDIS_DB")
		v.BindEnv("keyprefix", "VISITSTATS_KEY_PREFIX")
		v.BindEnv("hotttlhours", "VISITSTATS_HOT_TTL_HOURS")
		v.BindEnv("estimatorprecision", "VISITSTATS_ESTIMATOR_PRECISION")
		v.BindEnv("fingerprintsalt", "VISITSTATS_FINGERPRINT_SALT")
		v.BindEnv("mirrordebouncemillis", "VISITSTATS_MIRROR_DEBOUNCE_MILLIS")
		v.BindEnv("storetimeoutmillis", "VISITSTATS_STORE_TIMEOUT_MILLIS")
		v.BindEnv("jobsenabled", "VISITSTATS_JOBS_ENABLED")
		v.BindEnv("hourlycron", "VISITSTATS_HOURLY_CRON")
		v.BindEnv("dailycron", "VISITSTATS_DAILY_CRON")
		v.BindEnv("cleanupcron", "VISITSTATS_CLEANUP_CRON")
		v.BindEnv("retentiondays", "VISITSTATS_RETENTION_DAYS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		// Set derived values
		cfg.DatabaseName = cfg.GetDatabasePath()
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	validHotBackends := map[string]bool{
		MemoryHotBackend: true,
		RedisHotBackend:  true,
	}
	if !validHotBackends[c.HotBackend] {
		return fmt.Errorf("invalid hot backend: %s", c.HotBackend)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	if c.HotTTLHours < MinHotTTLHours {
		return fmt.Errorf("hot ttl must be at least %d hours, got %d", MinHotTTLHours, c.HotTTLHours)
	}

	if c.EstimatorPrecision < 4 || c.EstimatorPrecision > 18 {
		return fmt.Errorf("estimator precision must be within 4..18, got %d", c.EstimatorPrecision)
	}

	if c.RetentionDays < 1 {
		return fmt.Errorf("retention days must be positive, got %d", c.RetentionDays)
	}

	if c.KeyPrefix == "" {
		return fmt.Errorf("key prefix is required")
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// Location returns the calendar zone every day boundary is computed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HotTTL returns how long hot-tier entries live after their last write.
func (c *Config) HotTTL() time.Duration {
	return time.Duration(c.HotTTLHours) * time.Hour
}

// MirrorDebounce returns the delay before a deferred estimator mirror is flushed.
func (c *Config) MirrorDebounce() time.Duration {
	return time.Duration(c.MirrorDebounceMillis) * time.Millisecond
}

// StoreTimeout bounds every cache and database call made on the request path.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMillis) * time.Millisecond
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return "/"
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
