package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DatabaseURL      string   `yaml:"database_url"`
	RedisURL         string   `yaml:"redis_url"`
	BaseURL          string   `yaml:"sd_base_url"`
	Username         string   `yaml:"sd_username"`
	Password         string   `yaml:"sd_password"`
	PasswordSHA1     string   `yaml:"sd_password_sha1"`
	UserAgent        string   `yaml:"user_agent"`
	Timeout          string   `yaml:"timeout"`
	FetchRetries     *int     `yaml:"fetch_retries"`
	RequestsPerS     float64  `yaml:"requests_per_second"`
	Retention        string   `yaml:"retention"`
	Concurrency      int      `yaml:"concurrency"`
	ProgramBatchSize int      `yaml:"program_batch_size"`
	MaxEvictions     int      `yaml:"max_evictions"`
	FetchNewChannels *bool    `yaml:"fetch_new_channels"`
	Lineups          []string `yaml:"lineups"`
	SyncInterval     string   `yaml:"sync_interval"`
	ServerPort       string   `yaml:"server_port"`
	LogLevel         string   `yaml:"log_level"`
	LogFile          string   `yaml:"log_file"`
}

// LoadFromFile loads config from a YAML file, then applies environment
// overrides so secrets can stay out of the file. database_url is required.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := parseFile(data)
	if err != nil {
		return nil, err
	}
	applyEnv(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseFile(data []byte) (*Config, error) {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	c := Defaults()
	c.DatabaseURL = f.DatabaseURL
	c.RedisURL = f.RedisURL
	c.Username = f.Username
	c.PasswordSHA1 = f.PasswordSHA1
	if c.PasswordSHA1 == "" && f.Password != "" {
		c.PasswordSHA1 = HashPassword(f.Password)
	}
	if f.BaseURL != "" {
		c.BaseURL = f.BaseURL
	}
	if f.UserAgent != "" {
		c.UserAgent = f.UserAgent
	}
	if d, ok := parseDuration(f.Timeout); ok {
		c.Timeout = d
	}
	if f.FetchRetries != nil {
		c.FetchRetries = *f.FetchRetries
	}
	if f.RequestsPerS > 0 {
		c.RequestsPerS = f.RequestsPerS
	}
	if d, ok := parseDuration(f.Retention); ok {
		c.Retention = d
	}
	if f.Concurrency != 0 {
		c.Concurrency = f.Concurrency
	}
	if f.ProgramBatchSize > 0 {
		c.ProgramBatchSize = f.ProgramBatchSize
	}
	if f.MaxEvictions > 0 {
		c.MaxEvictions = f.MaxEvictions
	}
	if f.FetchNewChannels != nil {
		c.FetchNewChannels = *f.FetchNewChannels
	}
	c.Lineups = f.Lineups
	if d, ok := parseDuration(f.SyncInterval); ok {
		c.SyncInterval = d
	}
	if f.ServerPort != "" {
		c.ServerPort = f.ServerPort
	}
	c.LogLevel = f.LogLevel
	c.LogFile = f.LogFile
	return c, nil
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
