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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Size is a byte count that decodes from magnitude strings.
type Size uint64

// Decode implements envconfig.Decoder.
func (s *Size) Decode(value string) error {
	n, err := ParseSize(value)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Set implements flag.Value.
func (s *Size) Set(value string) error { return s.Decode(value) }

// ParseSize parses a byte count such as "4096", "64KiB", "64k" or "1m".
// Single-letter suffixes are binary multiples.
func ParseSize(value string) (uint64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	switch last := v[len(v)-1]; last {
	case 'k', 'K', 'm', 'M', 'g', 'G':
		v += "iB"
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	return n, nil
}

// Duration decodes from Go duration strings or bare milliseconds.
type Duration time.Duration

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	v, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Set implements flag.Value.
func (d *Duration) Set(value string) error { return d.Decode(value) }

// ParseDuration parses "250ms", "2s" or a bare integer of milliseconds.
func ParseDuration(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %q", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

// Perm is a file mode written in octal.
type Perm os.FileMode

// Decode implements envconfig.Decoder.
func (p *Perm) Decode(value string) error {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 8, 32)
	if err != nil || n > 0o777 {
		return fmt.Errorf("invalid permission %q", value)
	}
	*p = Perm(n)
	return nil
}

// FileMode returns p as an os.FileMode.
func (p Perm) FileMode() os.FileMode { return os.FileMode(p) }

func (p Perm) String() string { return fmt.Sprintf("%#o", uint32(p)) }

// Set implements flag.Value.
func (p *Perm) Set(value string) error { return p.Decode(value) }
