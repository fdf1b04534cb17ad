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
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	ControlMagic = "SHMIPC\x00\x00"

	// Current layout version
	ControlVersion = uint32(1)

	// Control block size; the ring starts right after it.
	ControlBlockSize = 128

	// Minimum ring capacity in bytes
	MinRingCapacity = 64

	// Default ring capacity (64KB)
	DefaultRingCapacity = 64 * 1024
)

// State is the connection state recorded in the control block.
type State uint32

// State codes are non-zero so that a zero-filled segment reads as
// StateUninitialized and never as a deliberately reset channel.
const (
	StateUninitialized State = 0
	StateSyn           State = 0x5301
	StateSynAck        State = 0x5302
	StateConnected     State = 0x5303
	StateReset         State = 0x5304
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSyn:
		return "SYN"
	case StateSynAck:
		return "SYN_ACK"
	case StateConnected:
		return "CONNECTED"
	case StateReset:
		return "RESET"
	default:
		return fmt.Sprintf("State(0x%x)", uint32(s))
	}
}

// Valid reports whether s is one of the defined non-zero states.
func (s State) Valid() bool {
	return s >= StateSyn && s <= StateReset
}

// ControlBlock is the fixed-layout record at the head of every segment.
type ControlBlock struct {
	magic        [8]byte  // 0x00: "SHMIPC\0\0"
	version      uint32   // 0x08: layout version
	state        uint32   // 0x0C: State
	generation   uint64   // 0x10: incarnation counter
	ringCapacity uint64   // 0x18: ring size in bytes
	ringOffset   uint64   // 0x20: ring start within the segment
	segmentSize  uint64   // 0x28: total mapped size
	writeHand    uint64   // 0x30: producer cursor, < ringCapacity
	readHand     uint64   // 0x38: consumer cursor, < ringCapacity
	attached     uint32   // 0x40: best-effort participant count
	dataSeq      uint32   // 0x44: bumped by the producer after writing
	spaceSeq     uint32   // 0x48: bumped by the consumer after reading
	producerPID  uint32   // 0x4C
	consumerPID  uint32   // 0x50
	flags        uint32   // 0x54: reserved
	reserved     [40]byte // 0x58-0x7F
}

// controlBlockAt returns the control block at the start of mem. mem must be
// at least ControlBlockSize bytes and 8-byte aligned.
func controlBlockAt(mem []byte) *ControlBlock {
	if len(mem) < ControlBlockSize {
		panic("shmipc: mapping smaller than control block")
	}
	return (*ControlBlock)(unsafe.Pointer(&mem[0]))
}

// Magic returns the magic bytes
func (c *ControlBlock) Magic() [8]byte {
	return c.magic
}

// Version returns the layout version
func (c *ControlBlock) Version() uint32 {
	return atomic.LoadUint32(&c.version)
}

// State returns the connection state
func (c *ControlBlock) State() State {
	return State(atomic.LoadUint32(&c.state))
}

// SetState stores the connection state
func (c *ControlBlock) SetState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// CompareAndSwapState moves the state from old to new if nobody else did first.
func (c *ControlBlock) CompareAndSwapState(old, new State) bool {
	return atomic.CompareAndSwapUint32(&c.state, uint32(old), uint32(new))
}

// Generation returns the incarnation counter
func (c *ControlBlock) Generation() uint64 {
	return atomic.LoadUint64(&c.generation)
}

// RingCapacity returns the ring size in bytes
func (c *ControlBlock) RingCapacity() uint64 {
	return atomic.LoadUint64(&c.ringCapacity)
}

// RingOffset returns the ring offset within the segment
func (c *ControlBlock) RingOffset() uint64 {
	return atomic.LoadUint64(&c.ringOffset)
}

// SegmentSize returns the total segment size
func (c *ControlBlock) SegmentSize() uint64 {
	return atomic.LoadUint64(&c.segmentSize)
}

// WriteHand returns the raw producer cursor. Use Hands for a checked read.
func (c *ControlBlock) WriteHand() uint64 {
	return atomic.LoadUint64(&c.writeHand)
}

// ReadHand returns the raw consumer cursor. Use Hands for a checked read.
func (c *ControlBlock) ReadHand() uint64 {
	return atomic.LoadUint64(&c.readHand)
}

func (c *ControlBlock) setWriteHand(v uint64) {
	atomic.StoreUint64(&c.writeHand, v)
}

func (c *ControlBlock) setReadHand(v uint64) {
	atomic.StoreUint64(&c.readHand, v)
}

// Hands loads both cursors and bounds-checks them against capacity. The peer's
// cursor lives in memory another process can scribble on, so it is treated as
// untrusted input.
func (c *ControlBlock) Hands(capacity uint64) (w, r uint64, err error) {
	w = c.WriteHand()
	r = c.ReadHand()
	if w >= capacity || r >= capacity {
		return w, r, fmt.Errorf("%w: hands w=%d r=%d outside ring of %d bytes", ErrCorruptChannel, w, r, capacity)
	}
	return w, r, nil
}

// Attached returns the participant count
func (c *ControlBlock) Attached() uint32 {
	return atomic.LoadUint32(&c.attached)
}

func (c *ControlBlock) incAttached() {
	atomic.AddUint32(&c.attached, 1)
}

// decAttached decrements the participant count without wrapping below zero.
func (c *ControlBlock) decAttached() {
	for {
		n := atomic.LoadUint32(&c.attached)
		if n == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&c.attached, n, n-1) {
			return
		}
	}
}

// ProducerPID returns the process id holding the producer slot, or 0.
func (c *ControlBlock) ProducerPID() uint32 {
	return atomic.LoadUint32(&c.producerPID)
}

// ConsumerPID returns the process id holding the consumer slot, or 0.
func (c *ControlBlock) ConsumerPID() uint32 {
	return atomic.LoadUint32(&c.consumerPID)
}

func (c *ControlBlock) slot(role Role) *uint32 {
	if role == RoleProducer {
		return &c.producerPID
	}
	return &c.consumerPID
}

func (c *ControlBlock) slotPID(role Role) uint32 {
	return atomic.LoadUint32(c.slot(role))
}

func (c *ControlBlock) setSlotPID(role Role, pid uint32) {
	atomic.StoreUint32(c.slot(role), pid)
}

// seq returns the notification word a waiter of the given kind sleeps on.
func (c *ControlBlock) seq(k waitKind) *uint32 {
	if k == waitData {
		return &c.dataSeq
	}
	return &c.spaceSeq
}

func (c *ControlBlock) bump(k waitKind) {
	atomic.AddUint32(c.seq(k), 1)
}

// IsZero reports whether the header bytes are still untouched.
func (c *ControlBlock) IsZero() bool {
	b := (*[ControlBlockSize]byte)(unsafe.Pointer(c))
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// initialize lays out a fresh incarnation. Callers hold the setup lock.
func (c *ControlBlock) initialize(generation, capacity, segmentSize uint64) {
	c.SetState(StateUninitialized)
	copy(c.magic[:], ControlMagic)
	atomic.StoreUint32(&c.version, ControlVersion)
	atomic.StoreUint64(&c.ringCapacity, capacity)
	atomic.StoreUint64(&c.ringOffset, ControlBlockSize)
	atomic.StoreUint64(&c.segmentSize, segmentSize)
	c.setWriteHand(0)
	c.setReadHand(0)
	atomic.StoreUint32(&c.attached, 0)
	atomic.StoreUint32(&c.producerPID, 0)
	atomic.StoreUint32(&c.consumerPID, 0)
	atomic.StoreUint32(&c.flags, 0)
	atomic.StoreUint64(&c.generation, generation)
	c.SetState(StateSyn)
}

// Validate checks the header against the size of the mapping that holds it.
func (c *ControlBlock) Validate(mapped uint64) error {
	if string(c.magic[:]) != ControlMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptChannel, c.magic[:])
	}
	if v := c.Version(); v != ControlVersion {
		return fmt.Errorf("%w: unsupported version %d, expected %d", ErrCorruptChannel, v, ControlVersion)
	}
	if s := c.State(); !s.Valid() {
		return fmt.Errorf("%w: invalid state %v", ErrCorruptChannel, s)
	}
	capacity := c.RingCapacity()
	if capacity < MinRingCapacity {
		return fmt.Errorf("%w: ring capacity %d is below minimum %d", ErrCorruptChannel, capacity, MinRingCapacity)
	}
	// Compare by subtraction; the header fields may be anything.
	if mapped < ControlBlockSize || capacity > mapped-ControlBlockSize {
		return fmt.Errorf("%w: ring capacity %d does not fit mapping %d", ErrCorruptChannel, capacity, mapped)
	}
	if off := c.RingOffset(); off != ControlBlockSize {
		return fmt.Errorf("%w: ring offset %d, expected %d", ErrCorruptChannel, off, ControlBlockSize)
	}
	size := c.SegmentSize()
	if size > mapped || size < ControlBlockSize || size-ControlBlockSize < capacity {
		return fmt.Errorf("%w: segment size %d does not fit ring %d in mapping %d", ErrCorruptChannel, size, capacity, mapped)
	}
	if _, _, err := c.Hands(capacity); err != nil {
		return err
	}
	return nil
}

// SegmentSizeFor returns the segment size needed for a ring of capacity bytes.
func SegmentSizeFor(capacity uint64) uint64 {
	return ControlBlockSize + capacity
}
