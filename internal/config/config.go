// Package config содержит логику чтения конфигурации сервиса somatic.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса somatic.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	RevenueCatAddress string `env:"REVENUECAT_ADDRESS"`
	RevenueCatAPIKey  string `env:"REVENUECAT_API_KEY"`
	WebhookSecret     string `env:"REVENUECAT_WEBHOOK_SECRET"`
	AuthSecret        string `env:"AUTH_SECRET"`
	DefaultTimezone   string `env:"DEFAULT_TIMEZONE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRevenueCatAddress := cfg.RevenueCatAddress
	envDefaultTimezone := cfg.DefaultTimezone

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RevenueCatAddress, "r", "", "RevenueCat API address")
	flag.StringVar(&cfg.DefaultTimezone, "t", "UTC", "fallback IANA timezone")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRevenueCatAddress != "" {
		cfg.RevenueCatAddress = envRevenueCatAddress
	}
	if envDefaultTimezone != "" {
		cfg.DefaultTimezone = envDefaultTimezone
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}

	return cfg, nil
}
