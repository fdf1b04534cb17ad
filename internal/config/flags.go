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
)

// RegisterFlags binds the channel settings to fs, using the current values
// as defaults so that flags override the environment.
func (c *ChannelConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Dir, "dir", c.Dir, "directory holding channel segments (default /dev/shm)")
	fs.Var(&c.RingSize, "size", "ring capacity for new channels, e.g. 64KiB or 1m")
	fs.Var(&c.ReadTimeout, "read-timeout", "read timeout, e.g. 500ms or 2s; 0 waits forever")
	fs.Var(&c.WriteTimeout, "write-timeout", "write timeout; 0 waits forever")
	fs.Var(&c.PollInterval, "poll", "upper bound on wake-up latency")
	fs.Var(&c.Perm, "perm", "permission bits for new segments, in octal")
}

// RegisterFlags binds the logging settings to fs.
func (l *LogConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&l.Level, "log-level", l.Level, "log level: debug, info, warn or error")
	fs.BoolVar(&l.Development, "log-dev", l.Development, "human-readable console logs")
}

// RegisterFlags binds the metrics settings to fs.
func (m *MetricsConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&m.Addr, "metrics-addr", m.Addr, "serve Prometheus metrics on this address, e.g. :9102")
}
