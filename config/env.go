package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvString returns a trimmed, non-empty environment value.
func EnvString(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses a Go duration environment value (e.g. "15s").
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvFloat parses a floating point environment value.
func EnvFloat(key string) (float64, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// Load reads a YAML config file over the defaults, expanding ${VAR} references.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with WATCHER_* environment variables.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"WATCHER_CATALOG_URL":   &cfg.CatalogURL,
		"WATCHER_USER_AGENT":    &cfg.UserAgent,
		"WATCHER_STORE":         &cfg.StoreBackend,
		"WATCHER_REDIS_URL":     &cfg.RedisURL,
		"WATCHER_POSTGRES_DSN":  &cfg.PostgresDSN,
		"WATCHER_KEY_PREFIX":    &cfg.KeyPrefix,
		"WATCHER_LISTEN_ADDR":   &cfg.ListenAddr,
		"WATCHER_SLACK_WEBHOOK": &cfg.SlackWebhookURL,
		"WATCHER_OUTPUT":        &cfg.OutputFile,
		"WATCHER_OUTPUT_FORMAT": &cfg.OutputFormat,
	}
	for key, dst := range strs {
		if value, ok := EnvString(key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"WATCHER_PARALLEL":           &cfg.Parallelism,
		"WATCHER_MAX_RETRIES":        &cfg.MaxRetries,
		"WATCHER_MAX_ALERTS_PER_DAY": &cfg.MaxAlertsPerDay,
	}
	for key, dst := range ints {
		value, ok, err := EnvInt(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"WATCHER_TIMEOUT":         &cfg.Timeout,
		"WATCHER_FIRST_RUN_DELAY": &cfg.FirstRunDelay,
	}
	for key, dst := range durations {
		value, ok, err := EnvDuration(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	if value, ok, err := EnvFloat("WATCHER_RESALE_MULTIPLIER"); err != nil {
		return err
	} else if ok {
		cfg.ResaleMultiplier = value
	}
	return nil
}
