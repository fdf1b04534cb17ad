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
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Flags adjust how a single transfer waits.
type Flags uint32

const (
	// FlagNonBlock moves whatever fits right now and returns, possibly 0.
	FlagNonBlock Flags = 1 << iota
	// FlagAll makes a read wait until the whole buffer is filled. Writes
	// are always complete unless FlagNonBlock is set.
	FlagAll
)

type waitKind int

const (
	waitData  waitKind = iota // consumer waits for unread bytes
	waitSpace                 // producer waits for room
)

// Stats counts what a handle has moved.
type Stats struct {
	Bytes      uint64 // bytes transferred
	Operations uint64 // transfers that moved at least one byte
	HighWater  uint64 // most unread bytes observed in the ring
}

// Write copies all of p into the channel, waiting for room up to the
// configured write timeout. On timeout the returned count is exact.
func (h *Handle) Write(p []byte) (int, error) {
	return h.WriteContext(context.Background(), p, 0)
}

// Read copies up to len(p) unread bytes into p, waiting for at least one byte
// up to the configured read timeout. It returns io.EOF once the producer has
// reset the channel and everything it wrote has been read.
func (h *Handle) Read(p []byte) (int, error) {
	return h.ReadContext(context.Background(), p, 0)
}

// ReadFull reads exactly len(p) bytes.
func (h *Handle) ReadFull(p []byte) (int, error) {
	return h.ReadContext(context.Background(), p, FlagAll)
}

// WriteContext is Write with a context and flags.
func (h *Handle) WriteContext(ctx context.Context, p []byte, flags Flags) (int, error) {
	if h.role != RoleProducer {
		return 0, h.fail(fmt.Errorf("%w: write on %s handle", ErrInvalidState, h.role))
	}
	if err := h.acquire(); err != nil {
		return 0, err
	}
	defer h.use.RUnlock()

	deadline := deadlineFor(ctx, h.opts.WriteTimeout)
	n := 0
	for {
		k, err := h.writeSome(p[n:])
		n += k
		if err != nil {
			return n, h.fail(err)
		}
		if n == len(p) || flags&FlagNonBlock != 0 {
			return n, nil
		}

		err = h.waitFor(ctx, deadline, waitSpace, func() (bool, error) {
			if err := h.checkWritable(); err != nil {
				return false, err
			}
			w, r, err := h.cb.Hands(h.capacity)
			if err != nil {
				return false, err
			}
			return h.room(w, r) > 0, nil
		})
		if err != nil {
			return n, h.fail(err)
		}
	}
}

// ReadContext is Read with a context and flags.
func (h *Handle) ReadContext(ctx context.Context, p []byte, flags Flags) (int, error) {
	if h.role != RoleConsumer {
		return 0, h.fail(fmt.Errorf("%w: read on %s handle", ErrInvalidState, h.role))
	}
	if err := h.acquire(); err != nil {
		return 0, err
	}
	defer h.use.RUnlock()

	deadline := deadlineFor(ctx, h.opts.ReadTimeout)
	n := 0
	for {
		k, eof, err := h.readSome(p[n:])
		n += k
		if err != nil {
			return n, h.fail(err)
		}
		if n == len(p) || (n > 0 && flags&FlagAll == 0) {
			return n, nil
		}
		if eof {
			if n == 0 {
				return 0, io.EOF
			}
			return n, io.ErrUnexpectedEOF
		}
		if flags&FlagNonBlock != 0 {
			return n, nil
		}

		err = h.waitFor(ctx, deadline, waitData, func() (bool, error) {
			if err := h.checkGeneration(); err != nil {
				return false, err
			}
			st := h.cb.State()
			w, r, err := h.cb.Hands(h.capacity)
			if err != nil {
				return false, err
			}
			return w != r || st == StateReset, nil
		})
		if err != nil {
			return n, h.fail(err)
		}
	}
}

// checkWritable fails if the producer's incarnation is over.
func (h *Handle) checkWritable() error {
	if err := h.checkGeneration(); err != nil {
		return err
	}
	switch h.cb.State() {
	case StateReset:
		return fmt.Errorf("%w: channel was reset", ErrPeerGone)
	case StateSynAck:
		h.promote()
	}
	return nil
}

func (h *Handle) unread(w, r uint64) uint64 {
	return (w + h.capacity - r) % h.capacity
}

// room keeps one byte of slack so a full ring never looks empty.
func (h *Handle) room(w, r uint64) uint64 {
	return h.capacity - 1 - h.unread(w, r)
}

// writeSome copies as much of p as fits without waiting.
func (h *Handle) writeSome(p []byte) (int, error) {
	if err := h.checkWritable(); err != nil {
		return 0, err
	}
	w, r, err := h.cb.Hands(h.capacity)
	if err != nil {
		return 0, err
	}

	unread := h.unread(w, r)
	k := min(uint64(len(p)), h.capacity-1-unread)
	if k == 0 {
		return 0, nil
	}

	// Split across the end of the ring.
	first := min(k, h.capacity-w)
	copy(h.ring[w:w+first], p[:first])
	copy(h.ring[:k-first], p[first:k])

	if err := h.checkGeneration(); err != nil {
		return 0, err
	}
	h.cb.setWriteHand((w + k) % h.capacity)
	h.cb.bump(waitData)
	h.obj.Wake(h.cb.seq(waitData))

	h.record(k, unread+k)
	return int(k), nil
}

// readSome copies up to len(p) unread bytes without waiting. eof reports an
// empty ring whose producer has reset the channel.
func (h *Handle) readSome(p []byte) (n int, eof bool, err error) {
	if err := h.checkGeneration(); err != nil {
		return 0, false, err
	}
	// State before hands: the producer publishes its last write hand before
	// RESET, so seeing RESET here means no bytes can be missed below.
	st := h.cb.State()
	if st == StateSynAck {
		h.promote()
	}
	w, r, err := h.cb.Hands(h.capacity)
	if err != nil {
		return 0, false, err
	}

	unread := h.unread(w, r)
	if unread == 0 {
		return 0, st == StateReset, nil
	}
	k := min(uint64(len(p)), unread)
	if k == 0 {
		return 0, false, nil
	}

	first := min(k, h.capacity-r)
	copy(p[:first], h.ring[r:r+first])
	copy(p[first:k], h.ring[:k-first])

	// A restart while copying means the bytes may belong to the next
	// incarnation; drop them.
	if err := h.checkGeneration(); err != nil {
		return 0, false, err
	}
	h.cb.setReadHand((r + k) % h.capacity)
	h.cb.bump(waitSpace)
	h.obj.Wake(h.cb.seq(waitSpace))

	h.record(k, unread)
	return int(k), false, nil
}

// waitFor is the single suspension point. It sleeps on the notification word
// for at most one poll interval, then re-checks ready unconditionally, so a
// lost or early wake costs at most one interval.
func (h *Handle) waitFor(ctx context.Context, deadline time.Time, kind waitKind, ready func() (bool, error)) error {
	word := h.cb.seq(kind)
	peer := h.role.peer()
	var lastProbe time.Time

	for {
		seq := atomic.LoadUint32(word)
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if h.closed.Load() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			if errors.Is(cause, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return cause
		}

		d := h.opts.PollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrTimeout
			}
			d = min(d, left)
		}

		if time.Since(lastProbe) >= h.opts.PollInterval {
			lastProbe = time.Now()
			pid := h.cb.slotPID(peer)
			if pid != 0 && !processAlive(pid) {
				return fmt.Errorf("%w: %s pid %d exited", ErrPeerGone, peer, pid)
			}
			// A connected channel with an empty slot was left by the peer.
			if pid == 0 && h.cb.State() == StateConnected {
				return fmt.Errorf("%w: %s detached", ErrPeerGone, peer)
			}
		}

		if err := h.obj.Wait(word, seq, d); err != nil {
			return err
		}
	}
}

// deadlineFor returns the earlier of ctx's deadline and now+timeout. The zero
// time means no deadline.
func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

func (h *Handle) record(n, level uint64) {
	h.bytes.Add(n)
	h.ops.Add(1)
	for {
		hw := h.highWater.Load()
		if level <= hw || h.highWater.CompareAndSwap(hw, level) {
			break
		}
	}
	if h.opts.Observer != nil {
		h.opts.Observer.ObserveTransfer(h.role, int(n), level)
	}
}

func (h *Handle) fail(err error) error {
	h.errMu.Lock()
	h.lastErr = err
	h.errMu.Unlock()
	if h.opts.Observer != nil {
		h.opts.Observer.ObserveError(h.role, err)
	}
	return err
}

// Err returns the last transfer failure on this handle, or nil. End of
// channel is not a failure and is never recorded.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.lastErr
}

// Stats returns the handle's transfer counters.
func (h *Handle) Stats() Stats {
	return Stats{
		Bytes:      h.bytes.Load(),
		Operations: h.ops.Load(),
		HighWater:  h.highWater.Load(),
	}
}
