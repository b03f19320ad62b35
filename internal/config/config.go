// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Database DatabaseConfig
	Crawler  CrawlerConfig
	NATS     NATSConfig
	Log      LogConfig
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// CrawlerConfig holds crawl orchestration configuration.
type CrawlerConfig struct {
	UserAgent       string
	Headless        bool
	RateLimit       int           // page loads per second, per browser
	NavTimeout      time.Duration // single page navigation timeout
	MinInterval     time.Duration // per-source rate-limit window
	FreshnessWindow time.Duration // catalog rows older than this are aged out
	HistoryLimit    int           // completed jobs kept in memory
	MaxPerSource    int           // max records taken per harvested page

	ScrollStepDown    int
	ScrollStepUp      int
	ScrollSettle      time.Duration
	ScrollSettleUp    time.Duration
	ScrollFinalSettle time.Duration
	ScrollMaxSteps    int
	ScrollStableSteps int
	ScrollBudget      time.Duration // wall-clock cap for the whole scroll sequence
}

// NATSConfig holds NATS configuration for progress events.
type NATSConfig struct {
	URL     string
	Name    string
	Enabled bool
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "preisradar"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Crawler: CrawlerConfig{
			UserAgent:       getEnv("CRAWLER_USER_AGENT", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
			Headless:        getEnvAsBool("CRAWLER_HEADLESS", true),
			RateLimit:       getEnvAsInt("CRAWLER_RATE_LIMIT", 1),
			NavTimeout:      getEnvAsDuration("CRAWLER_NAV_TIMEOUT", 60*time.Second),
			MinInterval:     getEnvAsDuration("CRAWLER_MIN_INTERVAL", 5*time.Minute),
			FreshnessWindow: getEnvAsDuration("CRAWLER_FRESHNESS_WINDOW", 7*24*time.Hour),
			HistoryLimit:    getEnvAsInt("CRAWLER_HISTORY_LIMIT", 50),
			MaxPerSource:    getEnvAsInt("CRAWLER_MAX_PER_SOURCE", 1000),

			ScrollStepDown:    getEnvAsInt("CRAWLER_SCROLL_STEP_DOWN", 300),
			ScrollStepUp:      getEnvAsInt("CRAWLER_SCROLL_STEP_UP", 400),
			ScrollSettle:      getEnvAsDuration("CRAWLER_SCROLL_SETTLE", 2*time.Second),
			ScrollSettleUp:    getEnvAsDuration("CRAWLER_SCROLL_SETTLE_UP", 1500*time.Millisecond),
			ScrollFinalSettle: getEnvAsDuration("CRAWLER_SCROLL_FINAL_SETTLE", 5*time.Second),
			ScrollMaxSteps:    getEnvAsInt("CRAWLER_SCROLL_MAX_STEPS", 50),
			ScrollStableSteps: getEnvAsInt("CRAWLER_SCROLL_STABLE_STEPS", 3),
			ScrollBudget:      getEnvAsDuration("CRAWLER_SCROLL_BUDGET", 4*time.Minute),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Name:    getEnv("NATS_NAME", "preisradar-crawler"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Crawler.MinInterval <= 0 {
		return fmt.Errorf("CRAWLER_MIN_INTERVAL must be positive")
	}
	if c.Crawler.ScrollStableSteps < 1 {
		return fmt.Errorf("CRAWLER_SCROLL_STABLE_STEPS must be at least 1")
	}
	if c.Crawler.HistoryLimit < 1 {
		return fmt.Errorf("CRAWLER_HISTORY_LIMIT must be at least 1")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
