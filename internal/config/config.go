package config

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingDatabaseURL is returned when no database DSN is configured.
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")
	// ErrInvalidRetention is returned for a zero or negative retention window.
	ErrInvalidRetention = errors.New("config: retention must be positive")
	// ErrInvalidConcurrency is returned when concurrency is below 1.
	ErrInvalidConcurrency = errors.New("config: concurrency must be at least 1")
)

// Defaults.
const (
	DefaultBaseURL          = "https://json.schedulesdirect.org/20141201"
	DefaultUserAgent        = "tvguide/1.0"
	DefaultTimeout          = 30 * time.Second
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultServerPort       = "8080"
	DefaultSyncInterval     = 12 * time.Hour
	DefaultFetchRetries     = 2
	DefaultRequestsPerSec   = 5
	DefaultProgramBatchSize = 5000
	DefaultMaxEvictions     = 64
)

// Config holds application configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`

	// Schedules Direct account. PasswordSHA1 is the hex sha1 of the password.
	BaseURL      string        `yaml:"sd_base_url" env:"SD_BASE_URL"`
	Username     string        `yaml:"sd_username" env:"SD_USERNAME"`
	PasswordSHA1 string        `yaml:"sd_password_sha1" env:"SD_PASSWORD_SHA1"`
	UserAgent    string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	Timeout      time.Duration `yaml:"timeout" env:"FETCHER_TIMEOUT"`
	FetchRetries int           `yaml:"fetch_retries" env:"FETCHER_RETRIES"`
	RequestsPerS float64       `yaml:"requests_per_second" env:"FETCHER_RPS"`

	Retention        time.Duration `yaml:"retention" env:"SYNC_RETENTION"`
	Concurrency      int           `yaml:"concurrency" env:"SYNC_CONCURRENCY"`
	ProgramBatchSize int           `yaml:"program_batch_size" env:"SYNC_PROGRAM_BATCH"`
	MaxEvictions     int           `yaml:"max_evictions" env:"SYNC_MAX_EVICTIONS"`
	FetchNewChannels bool          `yaml:"fetch_new_channels" env:"SYNC_FETCH_NEW_CHANNELS"`
	Lineups          []string      `yaml:"lineups" env:"SYNC_LINEUPS"`
	SyncInterval     time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL"`

	ServerPort string `yaml:"server_port" env:"SERVER_PORT"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFile    string `yaml:"log_file" env:"LOG_FILE"`
}

// Defaults returns a Config with every optional field at its default.
func Defaults() *Config {
	return &Config{
		BaseURL:          DefaultBaseURL,
		UserAgent:        DefaultUserAgent,
		Timeout:          DefaultTimeout,
		FetchRetries:     DefaultFetchRetries,
		RequestsPerS:     DefaultRequestsPerSec,
		Retention:        DefaultRetention,
		Concurrency:      1,
		ProgramBatchSize: DefaultProgramBatchSize,
		MaxEvictions:     DefaultMaxEvictions,
		FetchNewChannels: true,
		SyncInterval:     DefaultSyncInterval,
		ServerPort:       DefaultServerPort,
	}
}

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load tries to load .env.local and .env from the current directory.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	c := Defaults()
	applyEnv(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.Retention <= 0 {
		return ErrInvalidRetention
	}
	if c.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	return nil
}

// HashPassword returns the hex sha1 digest Schedules Direct expects as password.
func HashPassword(plain string) string {
	sum := sha1.Sum([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// applyEnv overrides c with any environment variables that are set.
func applyEnv(c *Config) {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.BaseURL, "SD_BASE_URL")
	setString(&c.Username, "SD_USERNAME")
	setString(&c.PasswordSHA1, "SD_PASSWORD_SHA1")
	if p := os.Getenv("SD_PASSWORD"); p != "" && c.PasswordSHA1 == "" {
		c.PasswordSHA1 = HashPassword(p)
	}
	setString(&c.UserAgent, "FETCHER_USER_AGENT")
	setDuration(&c.Timeout, "FETCHER_TIMEOUT")
	setInt(&c.FetchRetries, "FETCHER_RETRIES")
	if s := os.Getenv("FETCHER_RPS"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			c.RequestsPerS = f
		}
	}
	setDuration(&c.Retention, "SYNC_RETENTION")
	setInt(&c.Concurrency, "SYNC_CONCURRENCY")
	setInt(&c.ProgramBatchSize, "SYNC_PROGRAM_BATCH")
	setInt(&c.MaxEvictions, "SYNC_MAX_EVICTIONS")
	if s := os.Getenv("SYNC_FETCH_NEW_CHANNELS"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			c.FetchNewChannels = b
		}
	}
	if s := os.Getenv("SYNC_LINEUPS"); s != "" {
		c.Lineups = splitList(s)
	}
	setDuration(&c.SyncInterval, "SYNC_INTERVAL")
	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFile, "LOG_FILE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
