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

package shm

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Role is the side of a channel a handle plays.
type Role int

const (
	RoleProducer Role = iota // writes into the ring
	RoleConsumer             // reads from the ring
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole converts "producer"/"consumer" (or "p"/"c") into a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "producer", "p", "writer":
		return RoleProducer, nil
	case "consumer", "c", "reader":
		return RoleConsumer, nil
	}
	return 0, fmt.Errorf("shmipc: unknown role %q", s)
}

// peer returns the opposite role.
func (r Role) peer() Role {
	if r == RoleProducer {
		return RoleConsumer
	}
	return RoleProducer
}

// Observer receives transfer events, typically to feed metrics.
type Observer interface {
	ObserveTransfer(role Role, n int, unread uint64)
	ObserveError(role Role, err error)
}

// Options configures a channel handle.
type Options struct {
	ReadTimeout  time.Duration // 0 waits without deadline
	WriteTimeout time.Duration // 0 waits without deadline
	PollInterval time.Duration // upper bound on wake latency
	RingCapacity uint64        // used only when the segment is first sized
	Perm         os.FileMode
	Namespace    Namespace
	Logger       *zap.Logger
	Observer     Observer
}

// Default option values
const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultPerm         = os.FileMode(0o600)
)

// DefaultOptions returns options with every field set to its default.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RingCapacity == 0 {
		o.RingCapacity = DefaultRingCapacity
	}
	if o.Perm == 0 {
		o.Perm = DefaultPerm
	}
	if o.Namespace == nil {
		o.Namespace = DefaultNamespace()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) validate() error {
	if o.RingCapacity < MinRingCapacity {
		return fmt.Errorf("shmipc: ring capacity %d is below minimum %d", o.RingCapacity, MinRingCapacity)
	}
	if o.ReadTimeout < 0 || o.WriteTimeout < 0 {
		return fmt.Errorf("shmipc: negative timeout")
	}
	return nil
}
