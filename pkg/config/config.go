/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config loads region settings from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/goccy/go-yaml"
	"github.com/sethvargo/go-envconfig"
)

// Config holds everything a region process needs.
type Config struct {
	NumberOfShards  int           `env:"NUMBER_OF_SHARDS, overwrite"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT, overwrite"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT, overwrite"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, overwrite"`

	Host string `env:"HOST, overwrite"`
	Port int    `env:"PORT, overwrite"`
	// Ports starts one additional region per entry.
	Ports []int `env:"PORTS, overwrite"`

	StoreURL    string `env:"STORE_URL, overwrite"`
	StorePrefix string `env:"STORE_PREFIX, overwrite"`
	EventSink   string `env:"EVENT_SINK, overwrite"`

	RateLimit float64 `env:"RATE_LIMIT, overwrite"`
	RateBurst int     `env:"RATE_BURST, overwrite"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		NumberOfShards:  100,
		IdleTimeout:     120 * time.Second,
		RequestTimeout:  3000 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
		Host:            "0.0.0.0",
		Port:            8080,
		StorePrefix:     "customers/",
		RateBurst:       10,
	}
}

// file mirrors Config in the YAML file. Unset fields keep their defaults.
type file struct {
	NumberOfShards  *int     `yaml:"numberOfShards"`
	IdleTimeout     string   `yaml:"idleTimeout"`
	RequestTimeout  string   `yaml:"requestTimeout"`
	ShutdownTimeout string   `yaml:"shutdownTimeout"`
	Host            string   `yaml:"host"`
	Port            *int     `yaml:"port"`
	Ports           []int    `yaml:"ports"`
	StoreURL        string   `yaml:"storeURL"`
	StorePrefix     *string  `yaml:"storePrefix"`
	EventSink       string   `yaml:"eventSink"`
	RateLimit       *float64 `yaml:"rateLimit"`
	RateBurst       *int     `yaml:"rateBurst"`
}

// Load builds the configuration. CONFIG_FILE, when set, names a YAML file
// applied over the defaults; environment variables are applied last.
func Load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	cfg := Default()

	if path, ok := lookuper.Lookup("CONFIG_FILE"); ok && path != "" {
		if err := applyFile(ctx, &cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(ctx context.Context, cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		clog.FromContext(ctx).Infof("Config file %s not found, using defaults", path)
		return nil
	} else if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.IdleTimeout, &cfg.IdleTimeout},
		{f.RequestTimeout, &cfg.RequestTimeout},
		{f.ShutdownTimeout, &cfg.ShutdownTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		*d.dst = v
	}
	if f.NumberOfShards != nil {
		cfg.NumberOfShards = *f.NumberOfShards
	}
	if f.Host != "" {
		cfg.Host = f.Host
	}
	if f.Port != nil {
		cfg.Port = *f.Port
	}
	if f.Ports != nil {
		cfg.Ports = f.Ports
	}
	if f.StoreURL != "" {
		cfg.StoreURL = f.StoreURL
	}
	if f.StorePrefix != nil {
		cfg.StorePrefix = *f.StorePrefix
	}
	if f.EventSink != "" {
		cfg.EventSink = f.EventSink
	}
	if f.RateLimit != nil {
		cfg.RateLimit = *f.RateLimit
	}
	if f.RateBurst != nil {
		cfg.RateBurst = *f.RateBurst
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.NumberOfShards <= 0:
		return fmt.Errorf("number of shards must be positive, got %d", c.NumberOfShards)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	case c.RateLimit < 0:
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit)
	}
	for _, p := range append([]int{c.Port}, c.Ports...) {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	return nil
}

// AllPorts returns the primary port followed by the additional ones, without
// duplicates.
func (c Config) AllPorts() []int {
	seen := map[int]bool{}
	var ports []int
	for _, p := range append([]int{c.Port}, c.Ports...) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	return ports
}

// ListenAddress is the address to bind for port.
func (c Config) ListenAddress(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DisplayAddress is how the server names itself in replies. The wildcard
// address is shown as localhost.
func (c Config) DisplayAddress(port int) string {
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
