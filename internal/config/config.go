/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package config provides environment configuration for the shmipc tools.
//
// Configuration is loaded from environment variables with defaults; command
// line flags override it.
//
// Environment Variables:
//   - SHMIPC_DIR, SHMIPC_RING_SIZE, SHMIPC_PERM
//   - SHMIPC_READ_TIMEOUT, SHMIPC_WRITE_TIMEOUT, SHMIPC_POLL_INTERVAL
//   - LOG_LEVEL, LOG_DEV
//   - SHMIPC_METRICS_ADDR
//
// Sizes accept magnitude strings such as 64KiB or 1m. Durations accept Go
// duration strings; a bare integer is milliseconds.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/markrussinovich/shmipc/internal/shm"
)

// Config holds all tool configuration.
type Config struct {
	Channel ChannelConfig
	Logging LogConfig
	Metrics MetricsConfig
}

// ChannelConfig holds channel defaults.
type ChannelConfig struct {
	Dir          string   `envconfig:"SHMIPC_DIR"`
	RingSize     Size     `envconfig:"SHMIPC_RING_SIZE" default:"64KiB"`
	ReadTimeout  Duration `envconfig:"SHMIPC_READ_TIMEOUT" default:"0"`
	WriteTimeout Duration `envconfig:"SHMIPC_WRITE_TIMEOUT" default:"0"`
	PollInterval Duration `envconfig:"SHMIPC_POLL_INTERVAL" default:"10ms"`
	Perm         Perm     `envconfig:"SHMIPC_PERM" default:"0600"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds the metrics endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string `envconfig:"SHMIPC_METRICS_ADDR"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{
			RingSize:     Size(shm.DefaultRingCapacity),
			PollInterval: Duration(shm.DefaultPollInterval),
			Perm:         Perm(shm.DefaultPerm),
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Options converts the channel section into shm.Options.
func (c ChannelConfig) Options(log *zap.Logger) shm.Options {
	return shm.Options{
		ReadTimeout:  c.ReadTimeout.Duration(),
		WriteTimeout: c.WriteTimeout.Duration(),
		PollInterval: c.PollInterval.Duration(),
		RingCapacity: uint64(c.RingSize),
		Perm:         c.Perm.FileMode(),
		Namespace:    shm.NewFileNamespace(c.Dir),
		Logger:       log,
	}
}
