// Package config provides configuration loading for the ingestion extension:
// per-environment YAML plus env-var overrides for secrets, with a
// Validate() that checks the environment, log level, Redis address, fetch
// limit and IDLE reconnect limit.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the ingestion tunables below, used when config and
// environment both omit a value.
const (
	DefaultLogLevel             = "info"
	DefaultIMAPConnectTimeout   = 30 * time.Second
	DefaultIMAPGreetingTimeout  = 30 * time.Second
	DefaultIMAPSocketTimeout    = 30 * time.Second
	DefaultIdleRefreshInterval  = 25 * time.Minute
	DefaultIdleBackoffWait      = 5 * time.Second
	DefaultIdleMaxReconnects    = 5
	DefaultTokenRefreshInterval = 30 * time.Minute
	DefaultTokenRefreshBuffer   = 5 * time.Minute
	DefaultPollInterval         = 5 * time.Minute
	DefaultFetchLimit           = 50
	DefaultConnectorRetryMax    = 3
	DefaultConnectorRetryBase   = time.Second
	DefaultConnectorRetryCap    = 30 * time.Second
	DefaultDeviceAuthMaxPolls   = 60
	DefaultEditStateCapacity    = 100
	DefaultBodyTruncateChars    = 2000
)

// Config is the top-level configuration tree.
type Config struct {
	Environment string          `mapstructure:"environment"`
	HTTPPort    int             `mapstructure:"http_port"`
	LogLevel    string          `mapstructure:"log_level"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Gmail       GmailConfig     `mapstructure:"gmail"`
	Outlook     OutlookConfig   `mapstructure:"outlook"`
	Security    SecurityConfig  `mapstructure:"security"`
	Ingestion   IngestionConfig `mapstructure:"ingestion"`
	Chat        ChatConfig      `mapstructure:"chat"`
}

// RedisConfig configures the reference host-storage/secret-vault backend
// (see internal/hostkv).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GmailConfig holds the device-authorization client configuration for Gmail.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// OutlookConfig holds the device-authorization client configuration for
// Outlook/Microsoft 365 (no client secret required).
type OutlookConfig struct {
	ClientID string `mapstructure:"client_id"`
	TenantID string `mapstructure:"tenant_id"`
}

// SecurityConfig holds the JWT signing key used by the tool-surface HTTP
// gateway to authenticate host→extension calls.
type SecurityConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
}

// ChatConfig configures the reference WebhookChatSink (the real host
// platform provides its own ChatSink; this is only for running outside it).
type ChatConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// IngestionConfig carries the ingestion-engine tunables that can be set from
// config. The connector retry, device-auth poll and body-truncation defaults
// above are not read from config.
type IngestionConfig struct {
	IMAPConnectTimeout   time.Duration `mapstructure:"imap_connect_timeout"`
	IdleRefreshInterval  time.Duration `mapstructure:"idle_refresh_interval"`
	IdleBackoffWait      time.Duration `mapstructure:"idle_backoff_wait"`
	IdleMaxReconnects    int           `mapstructure:"idle_max_reconnects"`
	TokenRefreshInterval time.Duration `mapstructure:"token_refresh_interval"`
	TokenRefreshBuffer   time.Duration `mapstructure:"token_refresh_buffer"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	FetchLimit           int           `mapstructure:"fetch_limit"`
}

// Load reads configuration from config.<environment>.yaml (if present),
// applies MAILEXT_* env overrides for secrets, fills in defaults, and
// validates the result.
func Load(configPath, environment string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("http_port", 8080)
	v.SetDefault("ingestion.imap_connect_timeout", DefaultIMAPConnectTimeout)
	v.SetDefault("ingestion.idle_refresh_interval", DefaultIdleRefreshInterval)
	v.SetDefault("ingestion.idle_backoff_wait", DefaultIdleBackoffWait)
	v.SetDefault("ingestion.idle_max_reconnects", DefaultIdleMaxReconnects)
	v.SetDefault("ingestion.token_refresh_interval", DefaultTokenRefreshInterval)
	v.SetDefault("ingestion.token_refresh_buffer", DefaultTokenRefreshBuffer)
	v.SetDefault("ingestion.poll_interval", DefaultPollInterval)
	v.SetDefault("ingestion.fetch_limit", DefaultFetchLimit)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetConfigName(fmt.Sprintf("config.%s", environment))
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("MAILEXT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	loadSecureOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Environment = environment

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadSecureOverrides pulls secrets from the environment rather than letting
// them sit in a committed YAML file.
func loadSecureOverrides(v *viper.Viper) {
	if s := os.Getenv("MAILEXT_GMAIL_CLIENT_SECRET"); s != "" {
		v.Set("gmail.client_secret", s)
	}
	if s := os.Getenv("MAILEXT_SECURITY_JWT_SIGNING_KEY"); s != "" {
		v.Set("security.jwt_signing_key", s)
	}
	if s := os.Getenv("MAILEXT_REDIS_PASSWORD"); s != "" {
		v.Set("redis.password", s)
	}
}

// Validate performs the field-by-field checks needed for the core to boot.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment must be specified")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Ingestion.FetchLimit <= 0 {
		return fmt.Errorf("ingestion.fetch_limit must be positive")
	}
	if c.Ingestion.IdleMaxReconnects <= 0 {
		return fmt.Errorf("ingestion.idle_max_reconnects must be positive")
	}
	return nil
}
