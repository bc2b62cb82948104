package config

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// MarketplaceConfig describes how to search one marketplace.
type MarketplaceConfig struct {
	// SearchURL is the listing/search page; the query is appended as QueryParam.
	SearchURL   string `yaml:"search_url"`
	QueryParam  string `yaml:"query_param"`
	QueryPrefix string `yaml:"query_prefix"`
	// BaseURL is used to absolutise relative listing links.
	BaseURL string `yaml:"base_url"`
}

// Config holds watcher process configuration.
type Config struct {
	CatalogURL       string                       `yaml:"catalog_url"`
	Marketplaces     map[string]MarketplaceConfig `yaml:"marketplaces"`
	UserAgent        string                       `yaml:"user_agent"`
	Timeout          time.Duration                `yaml:"timeout"`
	MaxRetries       int                          `yaml:"max_retries"`
	RetryBackoff     time.Duration                `yaml:"retry_backoff"`
	RetryBackoffMax  time.Duration                `yaml:"retry_backoff_max"`
	RespectRobotsTxt bool                         `yaml:"respect_robots_txt"`
	Parallelism      int                          `yaml:"parallelism"`
	FallbackToSample bool                         `yaml:"fallback_to_sample"`

	ResaleMultiplier float64       `yaml:"resale_multiplier"`
	FirstRunDelay    time.Duration `yaml:"first_run_delay"`
	QuoteCacheSize   int           `yaml:"quote_cache_size"`
	QuoteCacheTTL    time.Duration `yaml:"quote_cache_ttl"`

	AlertTopN       int           `yaml:"alert_top_n"`
	AlertDedupTTL   time.Duration `yaml:"alert_dedup_ttl"` // 0 alerts every cycle
	MaxAlertsPerDay int           `yaml:"max_alerts_per_day"`
	SlackWebhookURL string        `yaml:"slack_webhook_url"`

	StoreBackend string `yaml:"store_backend"`
	RedisURL     string `yaml:"redis_url"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	KeyPrefix    string `yaml:"key_prefix"`

	ListenAddr   string   `yaml:"listen_addr"`
	CORSOrigins  []string `yaml:"cors_origins"`
	OutputFile   string   `yaml:"output_file"`
	OutputFormat string   `yaml:"output_format"` // csv, json, or dual
	Verbose      bool     `yaml:"verbose"`
}

// DefaultConfig returns conservative defaults for the public retail sites.
func DefaultConfig() *Config {
	return &Config{
		CatalogURL: "https://www.lego.com/en-us/categories/last-chance",
		Marketplaces: map[string]MarketplaceConfig{
			"amazon": {
				SearchURL:   "https://www.amazon.com/s",
				QueryParam:  "k",
				QueryPrefix: "lego ",
				BaseURL:     "https://www.amazon.com",
			},
			"walmart": {
				SearchURL:   "https://www.walmart.com/search",
				QueryParam:  "q",
				QueryPrefix: "lego ",
				BaseURL:     "https://www.walmart.com",
			},
			"target": {
				SearchURL:   "https://www.target.com/s",
				QueryParam:  "searchTerm",
				QueryPrefix: "lego ",
				BaseURL:     "https://www.target.com",
			},
		},
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Timeout:          15 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		RespectRobotsTxt: false,
		Parallelism:      4,
		FallbackToSample: true,
		ResaleMultiplier: 1.5,
		FirstRunDelay:    time.Minute,
		QuoteCacheSize:   512,
		QuoteCacheTTL:    10 * time.Minute,
		AlertTopN:        3,
		MaxAlertsPerDay:  50,
		StoreBackend:     BackendMemory,
		KeyPrefix:        "watcher:",
		ListenAddr:       ":8080",
		CORSOrigins:      []string{"*"},
		OutputFormat:     "json",
	}
}

// MarketplaceNames returns the configured marketplaces in a stable order.
func (c *Config) MarketplaceNames() []string {
	names := make([]string, 0, len(c.Marketplaces))
	for name := range c.Marketplaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateURL("catalog URL", c.CatalogURL); err != nil {
		return err
	}
	if len(c.Marketplaces) == 0 {
		return fmt.Errorf("at least one marketplace must be configured")
	}
	for _, name := range c.MarketplaceNames() {
		mc := c.Marketplaces[name]
		if err := validateURL("marketplace "+name+" search URL", mc.SearchURL); err != nil {
			return err
		}
		if mc.QueryParam == "" {
			return fmt.Errorf("marketplace %s query param cannot be empty", name)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.ResaleMultiplier <= 0 {
		return fmt.Errorf("resale multiplier must be positive")
	}
	if c.FirstRunDelay < 0 {
		return fmt.Errorf("first run delay cannot be negative")
	}
	if c.QuoteCacheSize < 0 {
		return fmt.Errorf("quote cache size cannot be negative")
	}
	if c.AlertTopN <= 0 {
		return fmt.Errorf("alert top n must be positive")
	}
	if c.MaxAlertsPerDay < 0 {
		return fmt.Errorf("max alerts per day cannot be negative")
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis store backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("store backend must be memory, redis, or postgres")
	}
	if c.OutputFile != "" && c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	return nil
}

func validateURL(label, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", label)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", label, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", label)
	}
	return nil
}
