package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full process configuration, loaded from the
// environment once at startup.
type Config struct {
	OpenAIAPIKey    string
	UpstreamBaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Empty disables the Postgres archive tier.
	DatabaseURL string

	BatchWindow        time.Duration
	BatchPollInterval  time.Duration
	BatchMaxRequests   int
	HandlerMaxLifetime time.Duration
	TCPKeepalive       time.Duration
	UpstreamRPS        int

	ServerHost string
	ServerPort int
}

// LoadConfig reads the environment. Any integer that does not parse, or
// is not positive, is a startup failure.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		UpstreamBaseURL: os.Getenv("UPSTREAM_BASE_URL"),
		RedisAddr:       envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ServerHost:      envString("SERVER_HOST", "0.0.0.0"),
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	var err error
	if cfg.RedisDB, err = envNonNegInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	windowSecs, err := envPositiveInt("BATCH_WINDOW_SECS", 60)
	if err != nil {
		return nil, err
	}
	cfg.BatchWindow = time.Duration(windowSecs) * time.Second

	pollSecs, err := envPositiveInt("BATCH_POLL_INTERVAL_SECS", 60)
	if err != nil {
		return nil, err
	}
	cfg.BatchPollInterval = time.Duration(pollSecs) * time.Second

	if cfg.BatchMaxRequests, err = envPositiveInt("BATCH_MAX_REQUESTS", 50000); err != nil {
		return nil, err
	}

	lifetimeSecs, err := envPositiveInt("HANDLER_MAX_LIFETIME_SECS", 86400)
	if err != nil {
		return nil, err
	}
	cfg.HandlerMaxLifetime = time.Duration(lifetimeSecs) * time.Second

	keepaliveSecs, err := envPositiveInt("TCP_KEEPALIVE_SECS", 60)
	if err != nil {
		return nil, err
	}
	cfg.TCPKeepalive = time.Duration(keepaliveSecs) * time.Second

	if cfg.UpstreamRPS, err = envPositiveInt("UPSTREAM_RPS", 10); err != nil {
		return nil, err
	}

	if cfg.ServerPort, err = envPositiveInt("SERVER_PORT", 8080); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envPositiveInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", name, v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %d", name, n)
	}
	return n, nil
}

func envNonNegInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", name, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative, got %d", name, n)
	}
	return n, nil
}
