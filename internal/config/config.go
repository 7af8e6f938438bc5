// Package config loads application configuration from a YAML file with
// environment variable overrides. A .env file is honored in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Email    EmailConfig    `yaml:"email"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings. Redis is optional: the
// rate limiter and unsubscribe cache degrade to local behavior without it.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// EmailConfig holds the delivery engine settings.
type EmailConfig struct {
	Provider           string `yaml:"provider"` // default adapter: sendgrid|mailgun|ses|smtp
	FromEmail          string `yaml:"from_email"`
	FromName           string `yaml:"from_name"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryDelayMS       int    `yaml:"retry_delay_ms"` // base backoff in milliseconds
	BatchSize          int    `yaml:"batch_size"`
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
	WorkerCount        int    `yaml:"worker_count"`
	LockTimeoutSeconds int    `yaml:"lock_timeout_seconds"` // stuck-claim recovery threshold

	SendGrid SendGridConfig `yaml:"sendgrid"`
	Mailgun  MailgunConfig  `yaml:"mailgun"`
	SES      SESConfig      `yaml:"ses"`
	SMTP     SMTPConfig     `yaml:"smtp"`
}

// SendGridConfig holds SendGrid credentials.
type SendGridConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// MailgunConfig holds Mailgun credentials.
type MailgunConfig struct {
	APIKey        string `yaml:"api_key"`
	Domain        string `yaml:"domain"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// SESConfig holds AWS SES credentials.
type SESConfig struct {
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Region        string `yaml:"region"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// SMTPConfig holds relay settings for the SMTP adapter.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from the given YAML file (optional) and applies
// environment overrides on top. Missing file is not an error; env-only
// deployments are supported.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Email: EmailConfig{
			Provider:           "sendgrid",
			MaxRetries:         3,
			RetryDelayMS:       1000,
			BatchSize:          100,
			RateLimitPerSecond: 10,
			WorkerCount:        10,
			LockTimeoutSeconds: 300,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	setString(&cfg.Email.Provider, "EMAIL_PROVIDER")
	setString(&cfg.Email.FromEmail, "EMAIL_FROM_ADDRESS")
	setString(&cfg.Email.FromName, "EMAIL_FROM_NAME")
	setInt(&cfg.Email.MaxRetries, "EMAIL_MAX_RETRIES")
	setInt(&cfg.Email.RetryDelayMS, "EMAIL_RETRY_DELAY_MS")
	setInt(&cfg.Email.BatchSize, "EMAIL_BATCH_SIZE")
	setInt(&cfg.Email.RateLimitPerSecond, "EMAIL_RATE_LIMIT_PER_SECOND")
	setInt(&cfg.Email.WorkerCount, "EMAIL_WORKER_COUNT")

	setString(&cfg.Email.SendGrid.APIKey, "SENDGRID_API_KEY")
	setString(&cfg.Email.SendGrid.WebhookSecret, "SENDGRID_WEBHOOK_SECRET")
	setString(&cfg.Email.Mailgun.APIKey, "MAILGUN_API_KEY")
	setString(&cfg.Email.Mailgun.Domain, "MAILGUN_DOMAIN")
	setString(&cfg.Email.Mailgun.WebhookSecret, "MAILGUN_WEBHOOK_SIGNING_KEY")
	setString(&cfg.Email.SES.AccessKey, "AWS_ACCESS_KEY_ID")
	setString(&cfg.Email.SES.SecretKey, "AWS_SECRET_ACCESS_KEY")
	setString(&cfg.Email.SES.Region, "AWS_REGION")
	setString(&cfg.Email.SES.WebhookSecret, "SES_WEBHOOK_SECRET")
	setString(&cfg.Email.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.Email.SMTP.Port, "SMTP_PORT")
	setString(&cfg.Email.SMTP.Username, "SMTP_USERNAME")
	setString(&cfg.Email.SMTP.Password, "SMTP_PASSWORD")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks invariants the engine depends on.
func (c *Config) Validate() error {
	if c.Email.MaxRetries < 0 {
		return fmt.Errorf("email.max_retries must be >= 0, got %d", c.Email.MaxRetries)
	}
	if c.Email.RetryDelayMS <= 0 {
		return fmt.Errorf("email.retry_delay_ms must be > 0, got %d", c.Email.RetryDelayMS)
	}
	if c.Email.BatchSize <= 0 {
		return fmt.Errorf("email.batch_size must be > 0, got %d", c.Email.BatchSize)
	}
	if c.Email.RateLimitPerSecond <= 0 {
		return fmt.Errorf("email.rate_limit_per_second must be > 0, got %d", c.Email.RateLimitPerSecond)
	}
	if c.Email.WorkerCount <= 0 {
		return fmt.Errorf("email.worker_count must be > 0, got %d", c.Email.WorkerCount)
	}
	return nil
}

// RetryDelay returns the base backoff as a Duration.
func (c *EmailConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// LockTimeout returns the stuck-claim recovery threshold as a Duration.
func (c *EmailConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}
