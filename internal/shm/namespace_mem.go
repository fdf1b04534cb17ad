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
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// MemNamespace keeps channels in process memory. It backs tests and
// single-process pipelines and behaves like FileNamespace otherwise.
type MemNamespace struct {
	mu       sync.Mutex
	segments map[string]*memSegment
}

// NewMemNamespace returns an empty in-process namespace.
func NewMemNamespace() *MemNamespace {
	return &MemNamespace{segments: make(map[string]*memSegment)}
}

type memSegment struct {
	setup sync.Mutex // held between Lock and Unlock

	mu     sync.Mutex
	words  []uint64 // backing store, 8-byte aligned
	size   int64
	mapped bool
	notify chan struct{} // closed and replaced on every Wake
}

// Locate returns a pseudo-path for name.
func (ns *MemNamespace) Locate(name string) string {
	return "mem:" + name
}

// Open returns the segment registered under name.
func (ns *MemNamespace) Open(name string, mode OpenMode, perm os.FileMode) (Object, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	seg, ok := ns.segments[name]
	if !ok {
		if mode != ModeCreate {
			return nil, osError("open", name, os.ErrNotExist)
		}
		seg = &memSegment{notify: make(chan struct{})}
		ns.segments[name] = seg
	}
	return &memObject{seg: seg}, nil
}

// Remove forgets name. Open objects keep their segment, as with unlink.
func (ns *MemNamespace) Remove(name string) error {
	ns.mu.Lock()
	delete(ns.segments, name)
	ns.mu.Unlock()
	return nil
}

type memObject struct {
	seg    *memSegment
	locked bool
	closed atomic.Bool
}

func (o *memObject) Size() (int64, error) {
	o.seg.mu.Lock()
	defer o.seg.mu.Unlock()
	return o.seg.size, nil
}

func (o *memObject) Truncate(size int64) error {
	s := o.seg
	s.mu.Lock()
	defer s.mu.Unlock()

	if size == s.size {
		return nil
	}
	if s.mapped {
		return fmt.Errorf("shmipc: cannot resize mapped memory segment from %d to %d", s.size, size)
	}
	words := make([]uint64, (size+7)/8)
	copy(words, s.words)
	s.words = words
	s.size = size
	return nil
}

func (o *memObject) Map(n int) ([]byte, error) {
	s := o.seg
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(n) > s.size || n <= 0 {
		return nil, fmt.Errorf("%w: %d bytes requested from segment of %d", ErrMapFailed, n, s.size)
	}
	s.mapped = true
	return unsafe.Slice((*byte)(unsafe.Pointer(&s.words[0])), n), nil
}

func (o *memObject) Lock() error {
	o.seg.setup.Lock()
	o.locked = true
	return nil
}

func (o *memObject) Unlock() error {
	if o.locked {
		o.locked = false
		o.seg.setup.Unlock()
	}
	return nil
}

func (o *memObject) Wait(word *uint32, val uint32, d time.Duration) error {
	o.seg.mu.Lock()
	ch := o.seg.notify
	o.seg.mu.Unlock()

	if atomic.LoadUint32(word) != val || d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
	return nil
}

func (o *memObject) Wake(word *uint32) {
	o.seg.mu.Lock()
	close(o.seg.notify)
	o.seg.notify = make(chan struct{})
	o.seg.mu.Unlock()
}

func (o *memObject) Close() error {
	if o.closed.CompareAndSwap(false, true) {
		o.Unlock()
	}
	return nil
}
