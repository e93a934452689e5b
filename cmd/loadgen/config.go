package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/logging"
)

const envPrefix = "LOADGEN_"

// Config controls the simulated wellness app.
type Config struct {
	Endpoint   string        `koanf:"endpoint"` // TinyKPI base URL
	Listen     string        `koanf:"listen"`
	Users      int           `koanf:"users"`
	SignupDays int           `koanf:"signup_days"` // accounts are spread over this many past days
	Interval   time.Duration `koanf:"interval"`
	FlushEvery time.Duration `koanf:"flush_every"`
	Channel    string        `koanf:"channel"`
	Timezone   string        `koanf:"timezone"`
	LogLevel   string        `koanf:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Endpoint:   "http://localhost:" + config.DefaultPort,
		Listen:     ":3000",
		Users:      50,
		SignupDays: 30,
		Interval:   500 * time.Millisecond,
		FlushEvery: 2 * time.Second,
		Channel:    "web",
		Timezone:   config.DefaultTimezone,
		LogLevel:   "info",
	}
}

// loadConfig reads LOADGEN_* variables over the defaults, e.g.
// LOADGEN_USERS=200 or LOADGEN_INTERVAL=100ms.
func loadConfig() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if u, err := url.Parse(c.Endpoint); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint: invalid URL %q", c.Endpoint))
	}
	if c.Users < 1 {
		errs = append(errs, errors.New("users: must be at least 1"))
	}
	if c.SignupDays < 1 {
		errs = append(errs, errors.New("signup_days: must be at least 1"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval: must be positive"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
