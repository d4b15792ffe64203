package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port                   string   `mapstructure:"PORT"`
	Env                    string   `mapstructure:"ENV"`
	LogLevel               string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins            []string `mapstructure:"CORS_ORIGINS"`
	SeedFile               string   `mapstructure:"SEED_FILE"`
	StrictVitals           bool     `mapstructure:"STRICT_VITALS"`
	QueueServiceMinutes    int      `mapstructure:"QUEUE_SERVICE_MINUTES"`
	AMQPURL                string   `mapstructure:"AMQP_URL"`
	AMQPQueue              string   `mapstructure:"AMQP_QUEUE"`
	ShutdownTimeoutSeconds int      `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
	WebhookURLs            []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret          string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents          []string `mapstructure:"WEBHOOK_EVENTS"`
	WebhookBacklog         int      `mapstructure:"WEBHOOK_BACKLOG"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("STRICT_VITALS", true)
	v.SetDefault("QUEUE_SERVICE_MINUTES", 10)
	v.SetDefault("AMQP_QUEUE", "emergency_case_events")
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 10)
	v.SetDefault("WEBHOOK_EVENTS", "case.*")
	v.SetDefault("WEBHOOK_BACKLOG", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("SEED_FILE")
	v.BindEnv("STRICT_VITALS")
	v.BindEnv("QUEUE_SERVICE_MINUTES")
	v.BindEnv("AMQP_URL")
	v.BindEnv("AMQP_QUEUE")
	v.BindEnv("SHUTDOWN_TIMEOUT_SECONDS")
	v.BindEnv("WEBHOOK_URLS")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("WEBHOOK_EVENTS")
	v.BindEnv("WEBHOOK_BACKLOG")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))
	cfg.WebhookEvents = splitList(v.GetString("WEBHOOK_EVENTS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode: requests without role headers get admin access")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Level returns the zerolog level named by LOG_LEVEL.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
		}
	}
	if c.QueueServiceMinutes <= 0 {
		return fmt.Errorf("QUEUE_SERVICE_MINUTES must be positive, got %d", c.QueueServiceMinutes)
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SECONDS must be positive, got %d", c.ShutdownTimeoutSeconds)
	}
	if c.AMQPURL != "" && !strings.HasPrefix(c.AMQPURL, "amqp://") && !strings.HasPrefix(c.AMQPURL, "amqps://") {
		return fmt.Errorf("AMQP_URL must use the amqp:// or amqps:// scheme")
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("WEBHOOK_URLS entry %q must use http:// or https://", u)
		}
	}
	if len(c.WebhookURLs) > 0 && c.WebhookBacklog <= 0 {
		return fmt.Errorf("WEBHOOK_BACKLOG must be positive, got %d", c.WebhookBacklog)
	}
	if c.IsProduction() {
		if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production when WEBHOOK_URLS is set")
		}
		for _, o := range c.CORSOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ORIGINS must not be \"*\" in production")
			}
		}
	}
	return nil
}
