// Package config содержит логику чтения конфигурации магазина билетов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Значения по умолчанию.
const (
	DefaultRunAddress      = "localhost:8080"
	DefaultDatabaseURI     = "sqlite:./data/shop.db"
	DefaultStripeAPIURL    = "https://api.stripe.com"
	DefaultBaseURL         = "http://localhost:3000"
	DefaultTimezone        = "Asia/Tokyo"
	DefaultSweepInterval   = 15 * time.Minute
	DefaultUpstreamTimeout = 5 * time.Second
)

// Config содержит параметры конфигурации магазина билетов.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	StripeSecretKey     string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string        `env:"STRIPE_API_URL"`
	BaseURL             string        `env:"BASE_URL"`
	CleanupAPIKey       string        `env:"CLEANUP_API_KEY"`
	Timezone            string        `env:"TIMEZONE"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL"`
	MojangAPIURL        string        `env:"MOJANG_API_URL"`
	UpstreamTimeout     time.Duration `env:"UPSTREAM_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменная окружения имеет приоритет над флагом.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", DefaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", DefaultDatabaseURI, "database URI (postgres://... or sqlite:path)")
	flag.StringVar(&cfg.StripeAPIURL, "stripe-url", DefaultStripeAPIURL, "Stripe API base URL")
	flag.StringVar(&cfg.BaseURL, "base-url", DefaultBaseURL, "public site URL for checkout redirects")
	flag.StringVar(&cfg.Timezone, "tz", DefaultTimezone, "timezone of the game day")
	flag.DurationVar(&cfg.SweepInterval, "sweep", DefaultSweepInterval, "expired whitelist sweep interval, 0 disables")
	flag.StringVar(&cfg.MojangAPIURL, "mojang-url", "", "player profile API base URL, empty disables the lookup")
	flag.DurationVar(&cfg.UpstreamTimeout, "upstream-timeout", DefaultUpstreamTimeout, "timeout for payment and profile API calls")

	flag.Parse()

	overrideString(&cfg.RunAddress, fromEnv.RunAddress)
	overrideString(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	overrideString(&cfg.StripeAPIURL, fromEnv.StripeAPIURL)
	overrideString(&cfg.BaseURL, fromEnv.BaseURL)
	overrideString(&cfg.Timezone, fromEnv.Timezone)
	overrideString(&cfg.MojangAPIURL, fromEnv.MojangAPIURL)
	if fromEnv.SweepInterval != 0 {
		cfg.SweepInterval = fromEnv.SweepInterval
	}
	if fromEnv.UpstreamTimeout != 0 {
		cfg.UpstreamTimeout = fromEnv.UpstreamTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = DefaultRunAddress
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}

	return cfg, nil
}

func overrideString(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
