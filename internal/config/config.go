package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is read from the environment, after an optional .env file.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is "json" or "text".
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// RedisURL is optional; empty runs without the report stream and digest lock.
	RedisURL string `env:"REDIS_URL"`

	SessionSecret string `env:"SESSION_SECRET" envDefault:"secret-key-change-in-production"`
	JWTSecret     string `env:"JWT_SECRET"`
	// WebhookSecret signs internal broadcast calls; empty disables /internal.
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	Push   PushConfig
	Digest DigestConfig
}

// PushConfig drives the Web Push delivery engine.
type PushConfig struct {
	VAPIDPublicKey  string        `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `env:"VAPID_PRIVATE_KEY"`
	Subject         string        `env:"VAPID_SUBJECT" envDefault:"mailto:personal-assistant@example.com"`
	TTL             int           `env:"PUSH_TTL" envDefault:"86400"` // seconds the push service keeps an undelivered message
	Urgency         string        `env:"PUSH_URGENCY" envDefault:"normal"`
	SendTimeout     time.Duration `env:"PUSH_SEND_TIMEOUT" envDefault:"10s"`
	Concurrency     int           `env:"PUSH_DELIVERY_CONCURRENCY" envDefault:"4"`
}

// DigestConfig drives the daily summary scheduler.
type DigestConfig struct {
	Enabled     bool   `env:"DIGEST_ENABLED" envDefault:"true"`
	Time        string `env:"DIGEST_TIME" envDefault:"20:00"`
	Timezone    string `env:"DIGEST_TZ" envDefault:"Local"`
	Concurrency int    `env:"DIGEST_CONCURRENCY" envDefault:"8"`
}

var (
	ErrParsingConfig  = errors.New("failed to parse environment variables into config")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidUrgency = errors.New("PUSH_URGENCY must be one of very-low, low, normal, high")
)

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	// A missing .env is fine; the environment may be set by the orchestrator.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	if c.Push.Concurrency < 1 {
		return fmt.Errorf("%w: PUSH_DELIVERY_CONCURRENCY must be at least 1", ErrInvalidConfig)
	}
	if c.Digest.Concurrency < 1 {
		return fmt.Errorf("%w: DIGEST_CONCURRENCY must be at least 1", ErrInvalidConfig)
	}
	if c.Push.SendTimeout <= 0 {
		return fmt.Errorf("%w: PUSH_SEND_TIMEOUT must be positive", ErrInvalidConfig)
	}
	switch c.Push.Urgency {
	case "very-low", "low", "normal", "high":
	default:
		return ErrInvalidUrgency
	}
	if _, _, err := c.Digest.Clock(); err != nil {
		return err
	}
	if _, err := c.Digest.Location(); err != nil {
		return err
	}
	return nil
}

// Clock parses Time as HH:MM.
func (d DigestConfig) Clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", d.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: DIGEST_TIME %q is not HH:MM", ErrInvalidConfig, d.Time)
	}
	return t.Hour(), t.Minute(), nil
}

// Location resolves Timezone.
func (d DigestConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: DIGEST_TZ: %v", ErrInvalidConfig, err)
	}
	return loc, nil
}

// VAPIDConfigured reports whether both VAPID keys are set.
func (p PushConfig) VAPIDConfigured() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}
