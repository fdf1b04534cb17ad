//go:build unix && !linux

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
	"sync/atomic"
	"time"
)

// maxNap bounds the sleep used where no cross-process wait primitive is
// wired up; the caller's poll loop still caps total staleness.
const maxNap = time.Millisecond

func futexWait(addr *uint32, val uint32, d time.Duration) error {
	if atomic.LoadUint32(addr) != val || d <= 0 {
		return nil
	}
	time.Sleep(min(d, maxNap))
	return nil
}

func futexWake(addr *uint32) {}
