// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"youtube-notifier/poll"
)

// Config holds all configuration for the notifier service.
type Config struct {
	Port          string
	LocalStorage  string // Directory for the local backend, used when no bucket or sqlite path is set
	StorageBucket string
	SQLitePath    string
	TelegramToken string // Empty selects the logging platform
	YouTubeAPIKey string // Empty disables Data API lookups
	AdminToken    string // Empty disables the command API
	LogLevel      slog.Level

	PollInterval time.Duration
	FetchTimeout time.Duration
	PollWorkers  int
	Policy       poll.Policy
}

// Load reads the environment after loading an optional .env file.
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	policy := poll.DefaultPolicy()
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LocalStorage:  getEnv("LOCAL_STORAGE", "./data"),
		StorageBucket: os.Getenv("STORAGE_BUCKET"),
		SQLitePath:    os.Getenv("SQLITE_PATH"),
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		YouTubeAPIKey: os.Getenv("YOUTUBE_API_KEY"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", poll.DefaultInterval); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = getDuration("FETCH_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if policy.Cooldown, err = getDuration("RATE_LIMIT_COOLDOWN", policy.Cooldown); err != nil {
		return nil, err
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"POLL_WORKERS", &cfg.PollWorkers},
		{"BACKOFF_SHORT_UNTIL", &policy.ShortUntil},
		{"BACKOFF_MEDIUM_UNTIL", &policy.MediumUntil},
		{"NOTICE_FROM", &policy.NoticeFrom},
		{"NOTICE_EVERY", &policy.NoticeEvery},
		{"GIVE_UP_AT", &policy.GiveUpAt},
	}
	cfg.PollWorkers = 4
	for _, v := range ints {
		if *v.dst, err = getInt(v.key, *v.dst); err != nil {
			return nil, err
		}
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PollInterval < poll.MinInterval {
		return fmt.Errorf("POLL_INTERVAL must be at least %s", poll.MinInterval)
	}
	if c.PollWorkers < 1 {
		return fmt.Errorf("POLL_WORKERS must be positive")
	}
	p := c.Policy
	if p.ShortUntil > p.MediumUntil {
		return fmt.Errorf("BACKOFF_SHORT_UNTIL (%d) exceeds BACKOFF_MEDIUM_UNTIL (%d)", p.ShortUntil, p.MediumUntil)
	}
	if p.NoticeFrom >= p.GiveUpAt {
		return fmt.Errorf("NOTICE_FROM (%d) must be below GIVE_UP_AT (%d)", p.NoticeFrom, p.GiveUpAt)
	}
	if p.NoticeEvery < 1 {
		return fmt.Errorf("NOTICE_EVERY must be positive")
	}
	if c.StorageBucket != "" && c.SQLitePath != "" {
		return fmt.Errorf("STORAGE_BUCKET and SQLITE_PATH are mutually exclusive")
	}
	return nil
}

// getEnv gets environment variable with default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, value)
	}
	return n, nil
}

// getDuration accepts Go durations ("5m") or plain seconds ("300").
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
}
