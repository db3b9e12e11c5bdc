// Package config loads the control plane's runtime configuration in three
// layers — built-in defaults, an optional YAML file, then environment
// variables (highest precedence) — mirroring the teacher's
// defaults-then-LoadFromFile-then-LoadFromEnv layering in core/config.go,
// with the OCF_ prefix in place of the teacher's GOMIND_.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thanigaiv/oncallforge/internal/logging"
)

type HTTPConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TelemetryConfig struct {
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

type LoggingConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

type ProvidersConfig struct {
	TwilioAccountSID  string `yaml:"twilio_account_sid"`
	TwilioAuthToken   string `yaml:"twilio_auth_token"`
	TwilioFromNumber  string `yaml:"twilio_from_number"`
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	SendgridAPIKey    string `yaml:"sendgrid_api_key"`
	SMSBreakerMaxFail int    `yaml:"sms_breaker_max_failures"`
}

// Config is the root configuration object, built by Load.
type Config struct {
	HTTP       HTTPConfig      `yaml:"http"`
	Postgres   PostgresConfig  `yaml:"postgres"`
	Redis      RedisConfig     `yaml:"redis"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Logging    LoggingConfig   `yaml:"logging"`
	Providers  ProvidersConfig `yaml:"providers"`
	ServiceName string         `yaml:"service_name"`
}

// Default returns the configuration every layer builds on top of.
func Default() *Config {
	return &Config{
		ServiceName: "oncallforge",
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN:             "postgres://localhost:5432/oncallforge?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Telemetry: TelemetryConfig{
			TraceSampleRate: 0.1,
		},
		Logging: LoggingConfig{Development: false, Level: "info"},
		Providers: ProvidersConfig{
			SMSBreakerMaxFail: 5,
		},
	}
}

// Load builds a Config from defaults, optionally overlaid by a YAML file at
// path (skipped silently if path is empty or the file doesn't exist), then
// overlaid by OCF_-prefixed environment variables. Logger may be nil
// during early bootstrap, before a Logger itself can be constructed from
// the config being loaded.
func Load(path string, logger logging.Logger) (*Config, error) {
	c := Default()

	if path != "" {
		if err := c.loadFromFile(path, logger); err != nil {
			return nil, err
		}
	}
	c.loadFromEnv(logger)
	return c, nil
}

func (c *Config) loadFromFile(path string, logger logging.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config.loadFromFile: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config.loadFromFile: %w", err)
	}
	if logger != nil {
		logger.Info("configuration loaded from file", map[string]interface{}{"path": path})
	}
	return nil
}

// loadFromEnv applies OCF_-prefixed environment variables over whatever
// the file/defaults layer produced, the highest-precedence layer, matching
// the teacher's LoadFromEnv ordering (env overrides file, options override
// env — this project has no functional-options layer, so env is final).
func (c *Config) loadFromEnv(logger logging.Logger) {
	loaded := 0

	if v := os.Getenv("OCF_SERVICE_NAME"); v != "" {
		c.ServiceName = v
		loaded++
	}
	if v := os.Getenv("OCF_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
		loaded++
	}
	if v := os.Getenv("OCF_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.ReadTimeout = d
			loaded++
		} else if logger != nil {
			logger.Warn("invalid duration in OCF_HTTP_READ_TIMEOUT", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("OCF_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.WriteTimeout = d
			loaded++
		} else if logger != nil {
			logger.Warn("invalid duration in OCF_HTTP_WRITE_TIMEOUT", map[string]interface{}{"value": v})
		}
	}

	if v := os.Getenv("OCF_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
		loaded++
	}
	if v := os.Getenv("OCF_POSTGRES_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Postgres.MaxOpenConns = n
			loaded++
		} else if logger != nil {
			logger.Warn("invalid int in OCF_POSTGRES_MAX_OPEN_CONNS", map[string]interface{}{"value": v})
		}
	}

	if v := os.Getenv("OCF_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		loaded++
	}
	if v := os.Getenv("OCF_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
		loaded++
	}
	if v := os.Getenv("OCF_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
			loaded++
		} else if logger != nil {
			logger.Warn("invalid int in OCF_REDIS_DB", map[string]interface{}{"value": v})
		}
	}

	if v := os.Getenv("OCF_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		loaded++
	}
	if v := os.Getenv("OCF_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Telemetry.TraceSampleRate = f
			loaded++
		} else if logger != nil {
			logger.Warn("invalid float in OCF_TRACE_SAMPLE_RATE", map[string]interface{}{"value": v})
		}
	}

	if v := os.Getenv("OCF_LOG_DEVELOPMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Development = b
			loaded++
		} else if logger != nil {
			logger.Warn("invalid bool in OCF_LOG_DEVELOPMENT", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("OCF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
		loaded++
	}

	if v := os.Getenv("OCF_TWILIO_ACCOUNT_SID"); v != "" {
		c.Providers.TwilioAccountSID = v
		loaded++
	}
	if v := os.Getenv("OCF_TWILIO_AUTH_TOKEN"); v != "" {
		c.Providers.TwilioAuthToken = v
		loaded++
	}
	if v := os.Getenv("OCF_TWILIO_FROM_NUMBER"); v != "" {
		c.Providers.TwilioFromNumber = v
		loaded++
	}
	if v := os.Getenv("OCF_SLACK_WEBHOOK_URL"); v != "" {
		c.Providers.SlackWebhookURL = v
		loaded++
	}
	if v := os.Getenv("OCF_SENDGRID_API_KEY"); v != "" {
		c.Providers.SendgridAPIKey = v
		loaded++
	}
	if v := os.Getenv("OCF_SMS_BREAKER_MAX_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Providers.SMSBreakerMaxFail = n
			loaded++
		} else if logger != nil {
			logger.Warn("invalid int in OCF_SMS_BREAKER_MAX_FAILURES", map[string]interface{}{"value": v})
		}
	}

	if logger != nil && loaded > 0 {
		logger.Info("configuration overridden from environment", map[string]interface{}{"vars_loaded": loaded})
	}
}

// Validate checks the fields the process cannot safely start without.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres DSN is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis address is required")
	}
	return nil
}
