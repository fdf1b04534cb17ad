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

package config

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markrussinovich/shmipc/internal/shm"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, Size(64*1024), cfg.Channel.RingSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Channel.PollInterval.Duration())
	assert.Zero(t, cfg.Channel.ReadTimeout)
	assert.Equal(t, os.FileMode(0o600), cfg.Channel.Perm.FileMode())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"SHMIPC_DIR":           "/tmp/chan",
		"SHMIPC_RING_SIZE":     "1m",
		"SHMIPC_READ_TIMEOUT":  "250",
		"SHMIPC_WRITE_TIMEOUT": "2s",
		"SHMIPC_POLL_INTERVAL": "5ms",
		"SHMIPC_PERM":          "0660",
		"LOG_LEVEL":            "debug",
		"LOG_DEV":              "true",
		"SHMIPC_METRICS_ADDR":  ":9102",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/chan", cfg.Channel.Dir)
	assert.Equal(t, Size(1<<20), cfg.Channel.RingSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Channel.ReadTimeout.Duration())
	assert.Equal(t, 2*time.Second, cfg.Channel.WriteTimeout.Duration())
	assert.Equal(t, 5*time.Millisecond, cfg.Channel.PollInterval.Duration())
	assert.Equal(t, os.FileMode(0o660), cfg.Channel.Perm.FileMode())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"SHMIPC_RING_SIZE":    "lots",
		"SHMIPC_READ_TIMEOUT": "soon",
		"SHMIPC_PERM":         "rw",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)

			assert.Equal(t, Default(), LoadOrDefault())
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"4096", 4096},
		{"64KiB", 64 * 1024},
		{"64k", 64 * 1024},
		{"64K", 64 * 1024},
		{"1m", 1 << 20},
		{"2MiB", 2 << 20},
		{"1g", 1 << 30},
		{"64KB", 64000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "k", "12 parsecs"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"0", 0},
		{"1500", 1500 * time.Millisecond},
		{"1m", time.Minute},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}

	_, err := ParseDuration("-5")
	assert.Error(t, err)
	_, err = ParseDuration("-1s")
	assert.Error(t, err)
}

func TestChannelOptions(t *testing.T) {
	cfg := Default()
	cfg.Channel.Dir = t.TempDir()
	cfg.Channel.ReadTimeout = Duration(time.Second)

	opts := cfg.Channel.Options(zap.NewNop())
	assert.Equal(t, time.Second, opts.ReadTimeout)
	assert.Equal(t, uint64(shm.DefaultRingCapacity), opts.RingCapacity)
	ns, ok := opts.Namespace.(*shm.FileNamespace)
	require.True(t, ok)
	assert.Equal(t, cfg.Channel.Dir, ns.Dir)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SHMIPC_RING_SIZE", "8k")
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := Load()
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.Channel.RegisterFlags(fs)
	cfg.Logging.RegisterFlags(fs)
	cfg.Metrics.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-size", "1KiB", "-read-timeout", "100", "-perm", "640"}))

	assert.Equal(t, Size(1024), cfg.Channel.RingSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Channel.ReadTimeout.Duration())
	assert.Equal(t, os.FileMode(0o640), cfg.Channel.Perm.FileMode())
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "64 KiB", Size(64*1024).String())
}
