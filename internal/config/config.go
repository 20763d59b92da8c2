package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/theangle/pkg/source"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Sources  SourcesConfig  `yaml:"sources"`
	LLM      LLMConfig      `yaml:"llm"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Billing  BillingConfig  `yaml:"billing"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP server and sessions.
type ServerConfig struct {
	Port          int    `yaml:"port"`
	BaseURL       string `yaml:"base_url"`
	AppSecret     string `yaml:"app_secret"`
	SecureCookies bool   `yaml:"secure_cookies"`
	SessionTTL    string `yaml:"session_ttl"`
}

// ParseSessionTTL returns the session lifetime, 14 days when unset or invalid.
func (s ServerConfig) ParseSessionTTL() time.Duration {
	d, err := time.ParseDuration(s.SessionTTL)
	if err != nil || d <= 0 {
		return 14 * 24 * time.Hour
	}
	return d
}

// SourcesConfig holds configuration for the content sources.
type SourcesConfig struct {
	Reddit RedditConfig `yaml:"reddit"`
	X      XConfig      `yaml:"x"`
}

// RedditConfig for the Reddit search client. OAuth is used when both client
// id and secret are set.
type RedditConfig struct {
	BaseURL           string `yaml:"base_url"`
	UserAgent         string `yaml:"user_agent"`
	ClientID          string `yaml:"client_id"`
	ClientSecret      string `yaml:"client_secret"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// XConfig for the X recent-search client. An empty bearer token disables it.
type XConfig struct {
	BaseURL     string `yaml:"base_url"`
	BearerToken string `yaml:"bearer_token"`
}

// LLMConfig configures the summarizer backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "openai" or "anthropic"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // custom endpoint (optional)
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	SortModes        []string `yaml:"sort_modes"`
	PerSortLimit     int      `yaml:"per_sort_limit"`
	SocialLimit      int      `yaml:"social_limit"`
	DigestTitles     int      `yaml:"digest_titles"`
	TopConversations int      `yaml:"top_conversations"`
	CommentsPerPost  int      `yaml:"comments_per_post"`
}

// ParseSortModes converts the configured sort modes, skipping unknown names.
func (i IngestConfig) ParseSortModes() []source.SortMode {
	var modes []source.SortMode
	for _, m := range i.SortModes {
		switch mode := source.SortMode(strings.ToLower(strings.TrimSpace(m))); mode {
		case source.SortHot, source.SortNew, source.SortTop:
			modes = append(modes, mode)
		}
	}
	return modes
}

// ScheduleConfig configures periodic refresh of subscribed topics.
type ScheduleConfig struct {
	RefreshInterval string `yaml:"refresh_interval"`
}

// ParseRefreshInterval returns the refresh interval as time.Duration.
func (s ScheduleConfig) ParseRefreshInterval() time.Duration {
	d, err := time.ParseDuration(s.RefreshInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// BillingConfig configures Stripe checkout.
type BillingConfig struct {
	StripeSecretKey     string `yaml:"stripe_secret_key"`
	StripePriceID       string `yaml:"stripe_price_id"`
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
	RequireSubscription bool   `yaml:"require_subscription"`
}

// AlertsConfig configures digest notification destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./theangle.db"},
		Server: ServerConfig{
			Port:       8080,
			BaseURL:    "http://localhost:8080",
			SessionTTL: "336h",
		},
		Sources: SourcesConfig{
			Reddit: RedditConfig{
				UserAgent:         "theangle/0.1",
				RequestsPerMinute: 60,
			},
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Ingest: IngestConfig{
			SortModes:        []string{"hot", "new", "top"},
			PerSortLimit:     50,
			SocialLimit:      25,
			DigestTitles:     30,
			TopConversations: 12,
			CommentsPerPost:  6,
		},
		Schedule: ScheduleConfig{RefreshInterval: "1h"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file, loads .env into the environment
// when present and applies env var overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadDotEnv loads a dotenv file if it exists. Variables already set in the
// environment win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("THEANGLE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APP_SECRET"); v != "" {
		cfg.Server.AppSecret = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.Sources.Reddit.ClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.Sources.Reddit.ClientSecret = v
	}
	if v := os.Getenv("REDDIT_USER_AGENT"); v != "" {
		cfg.Sources.Reddit.UserAgent = v
	}
	if v := os.Getenv("X_BEARER_TOKEN"); v != "" {
		cfg.Sources.X.BearerToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
		cfg.LLM.Provider = "openai"
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
		cfg.LLM.Provider = "anthropic"
		if cfg.LLM.Model == "gpt-4o-mini" {
			cfg.LLM.Model = ""
		}
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.Billing.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_PRICE_ID"); v != "" {
		cfg.Billing.StripePriceID = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks settings required to serve the web API.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.AppSecret == "" {
		errs = append(errs, errors.New("server.app_secret (APP_SECRET) is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.LLM.Provider {
	case "", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q must be openai or anthropic", c.LLM.Provider))
	}
	if c.Billing.RequireSubscription && (c.Billing.StripeSecretKey == "" || c.Billing.StripePriceID == "") {
		errs = append(errs, errors.New("billing.require_subscription needs a stripe secret key and price id"))
	}
	return errors.Join(errs...)
}
