// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads humanloop settings with koanf: built-in defaults,
// then a YAML file (plus an optional profile overlay), then HUMANLOOP_*
// environment variables, then --set overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/humanloop/pkg/errors"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: HUMANLOOP_STORE__REDIS__ADDR sets store.redis.addr.
const EnvPrefix = "HUMANLOOP_"

type Config struct {
	Log       LogConfig        `koanf:"log"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
	Manager   ManagerConfig    `koanf:"manager"`
	Store     StoreConfig      `koanf:"store"`
	Sweeper   SweeperConfig    `koanf:"sweeper"`
	Providers []ProviderConfig `koanf:"providers"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter              string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint          string `koanf:"otlp_endpoint"`
	OTLPInsecure          bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds    int    `koanf:"otlp_timeout_seconds"`
	MetricIntervalSeconds int    `koanf:"metric_interval_seconds"`
}

type ManagerConfig struct {
	DefaultChannel string        `koanf:"default_channel"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	// FetchRate caps pull polls per second across all waiters. Zero means unlimited.
	FetchRate     float64       `koanf:"fetch_rate"`
	FetchBurst    int           `koanf:"fetch_burst"`
	RetryAttempts int           `koanf:"retry_attempts"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`
	// BreakerThreshold consecutive delivery failures open a channel breaker.
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

type StoreConfig struct {
	Driver string       `koanf:"driver"` // memory, sqlite, redis
	SQLite SQLiteConfig `koanf:"sqlite"`
	Redis  RedisConfig  `koanf:"redis"`
}

type SQLiteConfig struct {
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	PoolSize  int    `koanf:"pool_size"`
	KeyPrefix string `koanf:"key_prefix"`
}

type SweeperConfig struct {
	Interval  time.Duration `koanf:"interval"`
	Timeout   time.Duration `koanf:"timeout"`
	Retention time.Duration `koanf:"retention"`
}

// ProviderConfig declares one channel. Type selects the implementation:
// terminal, http or inproc.
type ProviderConfig struct {
	Name string `koanf:"name"`
	Type string `koanf:"type"`
	Mode string `koanf:"mode"` // inproc only: push, pull

	// terminal
	Prompt   string `koanf:"prompt"`
	Operator string `koanf:"operator"`

	// http
	BaseURL   string        `koanf:"base_url"`
	Token     string        `koanf:"token"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
	Timeout   time.Duration `koanf:"timeout"`
}

var defaults = map[string]any{
	"log.level":                         "info",
	"log.format":                        "text",
	"telemetry.exporter":                "none",
	"telemetry.otlp_endpoint":           "localhost:4317",
	"telemetry.otlp_insecure":           true,
	"telemetry.otlp_timeout_seconds":    10,
	"telemetry.metric_interval_seconds": 60,
	"manager.default_timeout":           "300s",
	"manager.poll_interval":             "2s",
	"manager.fetch_burst":               1,
	"manager.retry_attempts":            3,
	"manager.retry_delay":               "1s",
	"manager.retry_max_delay":           "30s",
	"manager.breaker_threshold":         5,
	"manager.breaker_timeout":           "30s",
	"store.driver":                      "memory",
	"store.sqlite.dsn":                  "humanloop.db?_pragma=busy_timeout(5000)",
	"store.redis.addr":                  "localhost:6379",
	"store.redis.key_prefix":            "humanloop:",
	"sweeper.interval":                  "30s",
	"sweeper.timeout":                   "10s",
	"sweeper.retention":                 "168h",
}

// Load reads defaults, the file at path (if any) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load plus the profile overlay: with path config.yaml
// and profile dev, config.dev.yaml is merged on top when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	k, err := load(path, profile)
	if err != nil {
		return nil, err
	}
	return unmarshal(k)
}

// LoadWithCLI understands --config, --profile (alias --env) and repeated
// --set key=value overrides, which win over every other source.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	k, err := load(opts.path, opts.profile)
	if err != nil {
		return nil, err
	}
	for _, set := range opts.sets {
		if err := k.Set(set.key, set.value); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "apply --set "+set.key, err)
		}
	}
	return unmarshal(k)
}

func load(path, profile string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "load config "+path, err)
		}
		if overlay := ProfilePath(path, profile); overlay != "" {
			if _, err := os.Stat(overlay); err == nil {
				if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
					return nil, errors.New(errors.CodeInvalidInput, "load config "+overlay, err)
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}
	return k, nil
}

// envKey maps HUMANLOOP_MANAGER__POLL_INTERVAL to manager.poll_interval.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProfilePath returns the overlay file for profile, or "" without one.
func ProfilePath(path, profile string) string {
	if path == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

// Validate checks the values the manager cannot run without.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown store driver %q", c.Store.Driver)
	}
	if c.Manager.RetryAttempts < 1 {
		return errors.New(errors.CodeInvalidInput, "manager.retry_attempts must be at least 1", nil)
	}
	if c.Manager.PollInterval <= 0 {
		return errors.New(errors.CodeInvalidInput, "manager.poll_interval must be positive", nil)
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return errors.Newf(errors.CodeInvalidInput, "providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return errors.Newf(errors.CodeInvalidInput, "providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "terminal", "inproc":
		case "http":
			if p.BaseURL == "" {
				return errors.Newf(errors.CodeInvalidInput, "provider %q: base_url is required", p.Name)
			}
		default:
			return errors.Newf(errors.CodeInvalidInput, "provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}

type cliSet struct {
	key   string
	value any
}

type cliOptions struct {
	path    string
	profile string
	sets    []cliSet
}

func parseCLIOverrides(args []string) (cliOptions, error) {
	var opts cliOptions
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, errors.Newf(errors.CodeInvalidInput, "%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.path = value
		case "--profile", "--env":
			opts.profile = value
		case "--set":
			set, err := parseSet(value)
			if err != nil {
				return opts, err
			}
			opts.sets = append(opts.sets, set)
		}
	}
	return opts, nil
}

// parseSet splits key=value. JSON objects and arrays are decoded so whole
// sections can be replaced; anything else stays a string and is converted
// when the config is decoded.
func parseSet(raw string) (cliSet, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return cliSet{}, errors.Newf(errors.CodeInvalidInput, "invalid --set %q, want key=value", raw)
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return cliSet{}, errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid JSON for %s", key), err)
		}
		return cliSet{key: key, value: decoded}, nil
	}
	return cliSet{key: key, value: value}, nil
}
