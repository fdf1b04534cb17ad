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
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Error definitions for channel operations
var (
	ErrAlreadyExists    = errors.New("shmipc: channel already exists")
	ErrNotFound         = errors.New("shmipc: channel not found")
	ErrNotReady         = errors.New("shmipc: channel not ready")
	ErrPermissionDenied = errors.New("shmipc: permission denied")
	ErrResourceLimit    = errors.New("shmipc: resource limit reached")
	ErrCorruptChannel   = errors.New("shmipc: corrupt channel")
	ErrPeerGone         = errors.New("shmipc: peer gone")
	ErrMapFailed        = errors.New("shmipc: map failed")
	ErrInvalidState     = errors.New("shmipc: invalid state")
	ErrInvalidName      = errors.New("shmipc: invalid channel name")
	ErrClosed           = errors.New("shmipc: handle closed")

	// ErrTimeout is returned when a deadline passes before a transfer
	// completes. The byte count returned alongside it is exact.
	ErrTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "shmipc: timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// IsRetryable reports whether err means "not there yet": the caller may sleep
// and try again rather than give up.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotReady)
}

// osError classifies an error from the backing store into the channel error
// taxonomy, keeping the original for diagnostics.
func osError(op, name string, err error) error {
	var kind error
	switch {
	case errors.Is(err, os.ErrNotExist):
		kind = ErrNotFound
	case errors.Is(err, os.ErrExist):
		kind = ErrAlreadyExists
	case errors.Is(err, os.ErrPermission), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		kind = ErrPermissionDenied
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENFILE), errors.Is(err, unix.EFBIG):
		kind = ErrResourceLimit
	default:
		return fmt.Errorf("shmipc: %s %q: %w", op, name, err)
	}
	return fmt.Errorf("%s %q: %w: %w", op, name, kind, err)
}
