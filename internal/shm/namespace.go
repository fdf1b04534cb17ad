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
	"strings"
	"time"
)

// OpenMode selects how a Namespace opens a backing object.
type OpenMode int

const (
	// ModeAttach opens an existing object read-write.
	ModeAttach OpenMode = iota
	// ModeCreate opens read-write, creating the object when absent.
	ModeCreate
	// ModePeek opens an existing object read-only.
	ModePeek
)

// Namespace resolves rendezvous names to backing objects.
type Namespace interface {
	// Open returns the object registered under name.
	Open(name string, mode OpenMode, perm os.FileMode) (Object, error)

	// Remove unregisters name. Removing an absent name is not an error.
	// Objects already open stay usable until closed.
	Remove(name string) error

	// Locate describes where name lives, for logs and tools.
	Locate(name string) string
}

// Object is an open shared backing store plus its notification primitive.
type Object interface {
	// Size returns the current size of the backing store.
	Size() (int64, error)

	// Truncate sets the size of the backing store. New bytes read as zero.
	Truncate(size int64) error

	// Map returns the first n bytes of the store. The slice stays valid
	// until Close and is 8-byte aligned.
	Map(n int) ([]byte, error)

	// Lock and Unlock serialize channel setup across processes. They are
	// never used on the transfer path.
	Lock() error
	Unlock() error

	// Wait blocks for at most d while *word == val. It may return early
	// for any reason; callers re-check their condition.
	Wait(word *uint32, val uint32, d time.Duration) error

	// Wake releases every waiter blocked on word.
	Wake(word *uint32)

	// Close unmaps and releases the object.
	Close() error
}

// CleanName normalizes a rendezvous name. A single leading slash is accepted
// the way POSIX shared memory names are written.
func CleanName(name string) (string, error) {
	n := strings.TrimPrefix(name, "/")
	if n == "" || strings.ContainsAny(n, "/\x00") || n == "." || n == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}
