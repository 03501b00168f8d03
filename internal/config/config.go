// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const minSecretBytes = 32

type Config struct {
	Port                   string `mapstructure:"PORT"`
	AppEnv                 string `mapstructure:"APP_ENV"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	JWTSecret              string `mapstructure:"JWT_SECRET"`
	ConfirmationSecret     string `mapstructure:"CONFIRMATION_SECRET"`
	SentryDSN              string `mapstructure:"SENTRY_DSN"`
	RunMigrationsOnStartup bool   `mapstructure:"RUN_MIGRATIONS_ON_STARTUP"`

	DBMaxOpenConns          int `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns          int `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetimeMinute int `mapstructure:"DB_CONN_MAX_LIFETIME_MINUTES"`
	DBConnMaxIdleTimeMinute int `mapstructure:"DB_CONN_MAX_IDLE_TIME_MINUTES"`

	BcryptCost                int `mapstructure:"BCRYPT_COST"`
	LoginMaxAttempts          int `mapstructure:"LOGIN_MAX_ATTEMPTS"`
	LoginLockMinutes          int `mapstructure:"LOGIN_LOCK_MINUTES"`
	LoginAttemptWindowMinutes int `mapstructure:"LOGIN_ATTEMPT_WINDOW_MINUTES"`
	LoginBackoffBaseMillis    int `mapstructure:"LOGIN_BACKOFF_BASE_MS"`

	LoginRateLimitMax           int    `mapstructure:"LOGIN_RATE_LIMIT_MAX"`
	LoginRateLimitWindowSeconds int    `mapstructure:"LOGIN_RATE_LIMIT_WINDOW_SECONDS"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`

	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`
	AuditExchange string `mapstructure:"AUDIT_EXCHANGE"`

	CronSecret                string `mapstructure:"CRON_SECRET"`
	CleanupSchedule           string `mapstructure:"CLEANUP_SCHEDULE"`
	RefreshTokenRetentionDays int    `mapstructure:"AUTH_REFRESH_TOKEN_RETENTION_DAYS"`
	LoginAttemptRetentionDays int    `mapstructure:"AUTH_LOGIN_ATTEMPT_RETENTION_DAYS"`
	CleanupBatchSize          int    `mapstructure:"AUTH_CLEANUP_BATCH_SIZE"`

	AdminEmail    string `mapstructure:"ADMIN_EMAIL"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	CookieSecure       bool   `mapstructure:"COOKIE_SECURE"`
	TrustedProxyCIDRs  string `mapstructure:"TRUSTED_PROXY_CIDRS"`
}

var defaults = map[string]any{
	"PORT":                              "8080",
	"APP_ENV":                           "development",
	"RUN_MIGRATIONS_ON_STARTUP":         false,
	"DB_MAX_OPEN_CONNS":                 10,
	"DB_MAX_IDLE_CONNS":                 5,
	"DB_CONN_MAX_LIFETIME_MINUTES":      30,
	"DB_CONN_MAX_IDLE_TIME_MINUTES":     10,
	"BCRYPT_COST":                       12,
	"LOGIN_MAX_ATTEMPTS":                5,
	"LOGIN_LOCK_MINUTES":                15,
	"LOGIN_ATTEMPT_WINDOW_MINUTES":      15,
	"LOGIN_BACKOFF_BASE_MS":             250,
	"LOGIN_RATE_LIMIT_MAX":              10,
	"LOGIN_RATE_LIMIT_WINDOW_SECONDS":   60,
	"REDIS_RATE_LIMIT_PREFIX":           "auth:login_rate_limit",
	"AUDIT_EXCHANGE":                    "auth.audit",
	"CLEANUP_SCHEDULE":                  "@every 1h",
	"AUTH_REFRESH_TOKEN_RETENTION_DAYS": 14,
	"AUTH_LOGIN_ATTEMPT_RETENTION_DAYS": 30,
	"AUTH_CLEANUP_BATCH_SIZE":           500,
	"COOKIE_SECURE":                     true,
}

// Load reads configuration from the environment, falling back to a .env file in the
// working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Unmarshal only sees keys viper knows about, so every field is bound explicitly.
	for _, key := range []string{
		"DATABASE_URL", "JWT_SECRET", "CONFIRMATION_SECRET", "SENTRY_DSN",
		"REDIS_URL", "RABBITMQ_URL", "CRON_SECRET", "ADMIN_EMAIL", "ADMIN_PASSWORD",
		"CORS_ALLOWED_ORIGINS", "TRUSTED_PROXY_CIDRS",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Printf("Warning: Error reading config file: %s", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	c.ConfirmationSecret = strings.TrimSpace(c.ConfirmationSecret)
	if c.ConfirmationSecret == "" {
		c.ConfirmationSecret = c.JWTSecret
	}
	c.AdminEmail = strings.ToLower(strings.TrimSpace(c.AdminEmail))
	c.CronSecret = strings.TrimSpace(c.CronSecret)
	c.CleanupSchedule = strings.TrimSpace(c.CleanupSchedule)

	positive := func(value *int, fallback int) {
		if *value <= 0 {
			*value = fallback
		}
	}
	positive(&c.LoginMaxAttempts, defaults["LOGIN_MAX_ATTEMPTS"].(int))
	positive(&c.LoginLockMinutes, defaults["LOGIN_LOCK_MINUTES"].(int))
	positive(&c.LoginAttemptWindowMinutes, defaults["LOGIN_ATTEMPT_WINDOW_MINUTES"].(int))
	positive(&c.LoginBackoffBaseMillis, defaults["LOGIN_BACKOFF_BASE_MS"].(int))
	positive(&c.LoginRateLimitMax, defaults["LOGIN_RATE_LIMIT_MAX"].(int))
	positive(&c.LoginRateLimitWindowSeconds, defaults["LOGIN_RATE_LIMIT_WINDOW_SECONDS"].(int))
	positive(&c.CleanupBatchSize, defaults["AUTH_CLEANUP_BATCH_SIZE"].(int))
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("missing required env: JWT_SECRET")
	}
	if len(c.JWTSecret) < minSecretBytes {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretBytes)
	}
	if len(c.ConfirmationSecret) < minSecretBytes {
		return fmt.Errorf("CONFIRMATION_SECRET must be at least %d bytes", minSecretBytes)
	}
	if (c.AdminEmail == "") != (strings.TrimSpace(c.AdminPassword) == "") {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	for _, cidr := range c.TrustedProxies() {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("TRUSTED_PROXY_CIDRS: invalid CIDR %q", cidr)
		}
	}
	return nil
}

func (c *Config) LockDuration() time.Duration {
	return time.Duration(c.LoginLockMinutes) * time.Minute
}

func (c *Config) AttemptWindow() time.Duration {
	return time.Duration(c.LoginAttemptWindowMinutes) * time.Minute
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.LoginBackoffBaseMillis) * time.Millisecond
}

func (c *Config) LoginRateLimitWindow() time.Duration {
	return time.Duration(c.LoginRateLimitWindowSeconds) * time.Second
}

func (c *Config) RefreshTokenRetention() time.Duration {
	return time.Duration(c.RefreshTokenRetentionDays) * 24 * time.Hour
}

func (c *Config) LoginAttemptRetention() time.Duration {
	return time.Duration(c.LoginAttemptRetentionDays) * 24 * time.Hour
}

func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// TrustedProxies lists the peer networks whose forwarding headers are believed.
func (c *Config) TrustedProxies() []string {
	return splitList(c.TrustedProxyCIDRs)
}

func splitList(raw string) []string {
	items := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
