package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting for the tracker daemon.
type Config struct {
	// Secrets
	DiscordToken string
	SteamAPIKey  string

	DatabaseURL string
	Port        string

	PollIntervalSeconds   int
	WorkerConcurrency     int
	RequestTimeoutSeconds int
	DedupWindowSeconds    int
	CommandPrefix         string
	DefaultChannelID      string
	LogLevel              string
}

// fileConfig mirrors the optional YAML configuration file.
type fileConfig struct {
	DiscordToken          string `yaml:"discord_token"`
	SteamAPIKey           string `yaml:"steam_api_key"`
	DatabaseURL           string `yaml:"database_url"`
	Port                  string `yaml:"port"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds"`
	WorkerConcurrency     int    `yaml:"worker_concurrency"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	DedupWindowSeconds    int    `yaml:"notification_dedup_window_seconds"`
	CommandPrefix         string `yaml:"command_prefix"`
	DefaultChannelID      string `yaml:"default_channel_id"`
	LogLevel              string `yaml:"log_level"`
}

// Load builds the configuration from the environment and, when path is
// non-empty, a YAML file. Secrets are read from the environment first and the
// file second; a secret present in both places is rejected so a stale file
// credential can never shadow the live one.
func Load(path string) (*Config, error) {
	var file fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	discordToken, err := secret("DISCORD_TOKEN", file.DiscordToken)
	if err != nil {
		return nil, err
	}
	steamKey, err := secret("STEAM_API_KEY", file.SteamAPIKey)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DiscordToken:          discordToken,
		SteamAPIKey:           steamKey,
		DatabaseURL:           getEnv("DATABASE_URL", file.DatabaseURL, "steam_tracker.db"),
		Port:                  getEnv("PORT", file.Port, "8080"),
		PollIntervalSeconds:   getEnvInt("POLL_INTERVAL_SECONDS", file.PollIntervalSeconds, 1800),
		WorkerConcurrency:     getEnvInt("WORKER_CONCURRENCY", file.WorkerConcurrency, 4),
		RequestTimeoutSeconds: getEnvInt("REQUEST_TIMEOUT_SECONDS", file.RequestTimeoutSeconds, 10),
		DedupWindowSeconds:    getEnvInt("NOTIFICATION_DEDUP_WINDOW_SECONDS", file.DedupWindowSeconds, 21600),
		CommandPrefix:         getEnv("COMMAND_PREFIX", file.CommandPrefix, "!"),
		DefaultChannelID:      getEnv("DEFAULT_CHANNEL_ID", file.DefaultChannelID, ""),
		LogLevel:              getEnv("LOG_LEVEL", file.LogLevel, "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	if c.SteamAPIKey == "" {
		return fmt.Errorf("STEAM_API_KEY is required")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be positive, got %d", c.WorkerConcurrency)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeoutSeconds)
	}
	if c.DedupWindowSeconds <= 0 {
		return fmt.Errorf("notification_dedup_window_seconds must be positive, got %d", c.DedupWindowSeconds)
	}
	if c.CommandPrefix == "" {
		return fmt.Errorf("command_prefix must not be empty")
	}
	return nil
}

// PollInterval returns the sweep interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-request catalog timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// DedupWindow returns the notification deduplication window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// secret resolves a required credential with env-first precedence.
func secret(key, fileValue string) (string, error) {
	envValue := os.Getenv(key)
	if envValue != "" && fileValue != "" {
		return "", fmt.Errorf("%s is set in both the environment and the config file; remove one", key)
	}
	if envValue != "" {
		return envValue, nil
	}
	return fileValue, nil
}

func getEnv(key, fileValue, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if fileValue != "" {
		return fileValue
	}
	return defaultValue
}

func getEnvInt(key string, fileValue, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return defaultValue
}
