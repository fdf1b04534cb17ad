//go:build unix

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
	"path/filepath"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// FilePrefix is prepended to every channel name on disk.
const FilePrefix = "shmipc."

// FileNamespace keeps channels as files in a tmpfs directory, /dev/shm by
// default, which is where shm_open puts them on Linux.
type FileNamespace struct {
	Dir string
}

// NewFileNamespace returns a namespace rooted at dir. An empty dir selects
// /dev/shm when present and the temporary directory otherwise.
func NewFileNamespace(dir string) *FileNamespace {
	if dir == "" {
		dir = defaultShmDir()
	}
	return &FileNamespace{Dir: dir}
}

// DefaultNamespace returns the namespace used when Options leave it unset.
func DefaultNamespace() Namespace {
	return NewFileNamespace("")
}

// defaultShmDir checks if /dev/shm is available
func defaultShmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Locate returns the file path backing name.
func (ns *FileNamespace) Locate(name string) string {
	return filepath.Join(ns.Dir, FilePrefix+name)
}

// Open opens the file backing name.
func (ns *FileNamespace) Open(name string, mode OpenMode, perm os.FileMode) (Object, error) {
	path := ns.Locate(name)

	var flag int
	switch mode {
	case ModeCreate:
		flag = os.O_RDWR | os.O_CREATE
	case ModeAttach:
		flag = os.O_RDWR
	case ModePeek:
		flag = os.O_RDONLY
	default:
		return nil, fmt.Errorf("shmipc: unknown open mode %d", mode)
	}

	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, osError("open", name, err)
	}
	return &fileObject{f: f, readOnly: mode == ModePeek}, nil
}

// Remove unlinks the file backing name.
func (ns *FileNamespace) Remove(name string) error {
	if err := os.Remove(ns.Locate(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return osError("remove", name, err)
	}
	return nil
}

type fileObject struct {
	f        *os.File
	readOnly bool

	mu   sync.Mutex
	maps []mmap.MMap
}

func (o *fileObject) Size() (int64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (o *fileObject) Truncate(size int64) error {
	return o.f.Truncate(size)
}

func (o *fileObject) Map(n int) ([]byte, error) {
	prot := mmap.RDWR
	if o.readOnly {
		prot = mmap.RDONLY
	}
	m, err := mmap.MapRegion(o.f, n, prot, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}

	o.mu.Lock()
	o.maps = append(o.maps, m)
	o.mu.Unlock()
	return m, nil
}

func (o *fileObject) Lock() error {
	for {
		err := unix.Flock(int(o.f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
	}
}

func (o *fileObject) Unlock() error {
	return unix.Flock(int(o.f.Fd()), unix.LOCK_UN)
}

func (o *fileObject) Wait(word *uint32, val uint32, d time.Duration) error {
	return futexWait(word, val, d)
}

func (o *fileObject) Wake(word *uint32) {
	futexWake(word)
}

func (o *fileObject) Close() error {
	var firstErr error

	o.mu.Lock()
	for _, m := range o.maps {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.maps = nil
	o.mu.Unlock()

	if err := o.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
