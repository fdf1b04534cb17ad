//go:build linux

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
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex operations, without FUTEX_PRIVATE_FLAG: waiter and waker live
// in different processes sharing a MAP_SHARED file mapping.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait waits for the value at addr to change from val, for at most d.
// It returns nil on wake, value mismatch, signal interruption or timeout;
// callers always re-check their condition.
func futexWait(addr *uint32, val uint32, d time.Duration) error {
	// Re-check before entering the syscall so an increment between the
	// caller's snapshot and here is not slept through.
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	if d <= 0 {
		return nil
	}

	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWait,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return fmt.Errorf("shmipc: futex wait: %w", errno)
	}
}

// futexWake wakes every waiter on addr.
func futexWake(addr *uint32) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWake,
		uintptr(math.MaxInt32),
		0,
		0,
		0,
	)
}
