package main

import (
	"log/slog"
	"os"
	"time"

	"ideaplanner-backend/lib/telemetry"

	"github.com/titanous/json5"
)

type SourceConfig struct {
	// override the upstream endpoint, mostly for local testing against
	// a recorded fixture server
	BaseUrl  string `json:"base_url"`
	Disabled bool   `json:"disabled"`
}

type SourcesConfig struct {
	Wildberries SourceConfig `json:"wildberries"`
	Ozon        SourceConfig `json:"ozon"`
	Yandex      SourceConfig `json:"yandex"`
	Trends      SourceConfig `json:"trends"`
}

type RateLimitConfig struct {
	BaselineSeconds int `json:"baseline_seconds"`
	MaxSeconds      int `json:"max_seconds"`
}

type Config struct {
	Port     int    `json:"port"`
	Database string `json:"database"`

	Sources   SourcesConfig   `json:"sources"`
	RateLimit RateLimitConfig `json:"rate_limit"`

	CacheTtlSeconds int `json:"cache_ttl_seconds"`
	MaxResults      int `json:"max_results"`

	Telemetry telemetry.Config `json:"telemetry"`
}

func MustLoadConfig(path string) Config {
	cfgFile, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to open config file", "err", err.Error())
		os.Exit(1)
	}

	config := Config{}
	err = json5.Unmarshal(cfgFile, &config)
	if err != nil {
		slog.Error("failed to parse config file", "err", err.Error())
		os.Exit(1)
	}

	if config.Port == 0 {
		config.Port = 9000
	}
	if config.Database == "" {
		config.Database = "market.db"
	}
	return config
}

func (c RateLimitConfig) Baseline() time.Duration {
	return time.Duration(c.BaselineSeconds) * time.Second
}

func (c RateLimitConfig) Max() time.Duration {
	return time.Duration(c.MaxSeconds) * time.Second
}
