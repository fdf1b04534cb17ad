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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handle is one participant's view of a channel. Transfers on a handle are
// made by one goroutine at a time; Close may be called from any goroutine
// and waits for a pending transfer to return before unmapping.
type Handle struct {
	name string
	role Role
	opts Options
	log  *zap.Logger

	obj        Object
	cb         *ControlBlock
	ring       []byte
	capacity   uint64
	generation uint64 // incarnation observed at attach

	closed atomic.Bool
	use    sync.RWMutex // shared by transfers, exclusive in Close

	errMu   sync.Mutex
	lastErr error

	bytes     atomic.Uint64
	ops       atomic.Uint64
	highWater atomic.Uint64
}

// Create opens name, creating and sizing the segment when this process is
// the first to arrive, and takes the given role in it.
func Create(name string, role Role, opts Options) (*Handle, error) {
	return open(name, role, opts, true)
}

// Attach takes the given role in an existing channel. A channel that does not
// exist or is not initialized yet yields an error for which IsRetryable
// reports true.
func Attach(name string, role Role, opts Options) (*Handle, error) {
	return open(name, role, opts, false)
}

// Dial attaches to name, sleeping one poll interval between retryable
// failures until ctx is done.
func Dial(ctx context.Context, name string, role Role, opts Options) (*Handle, error) {
	opts = opts.withDefaults()

	t := time.NewTicker(opts.PollInterval)
	defer t.Stop()

	for {
		h, err := Attach(name, role, opts)
		if err == nil || !IsRetryable(err) {
			return h, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("shmipc: dial %q: %w (last attempt: %w)", name, ctx.Err(), err)
		case <-t.C:
		}
	}
}

// Remove unlinks the OS objects behind name. It does not touch processes
// that still have the channel mapped and succeeds if name is already gone.
func Remove(name string, ns Namespace) error {
	n, err := CleanName(name)
	if err != nil {
		return err
	}
	if ns == nil {
		ns = DefaultNamespace()
	}
	return ns.Remove(n)
}

func open(name string, role Role, opts Options, create bool) (*Handle, error) {
	n, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	mode := ModeAttach
	if create {
		mode = ModeCreate
	}
	obj, err := opts.Namespace.Open(n, mode, opts.Perm)
	if err != nil {
		return nil, err
	}

	h, err := setup(obj, n, role, opts, create)
	if err != nil {
		obj.Close()
		return nil, err
	}
	return h, nil
}

// setup sizes, validates and joins the segment under the setup lock.
func setup(obj Object, name string, role Role, opts Options, create bool) (*Handle, error) {
	log := opts.Logger.With(zap.String("channel", name), zap.Stringer("role", role))

	if err := obj.Lock(); err != nil {
		return nil, fmt.Errorf("shmipc: lock %q: %w", name, err)
	}
	defer obj.Unlock()

	size, err := obj.Size()
	if err != nil {
		return nil, osError("stat", name, err)
	}

	fresh := false
	if size == 0 {
		if !create {
			return nil, fmt.Errorf("%w: %q has not been sized", ErrNotReady, name)
		}
		size = int64(SegmentSizeFor(opts.RingCapacity))
		if err := obj.Truncate(size); err != nil {
			return nil, osError("truncate", name, err)
		}
		fresh = true
	}
	if size < ControlBlockSize+MinRingCapacity {
		return nil, fmt.Errorf("%w: %q is %d bytes, too small for a channel", ErrCorruptChannel, name, size)
	}

	mem, err := obj.Map(int(size))
	if err != nil {
		return nil, fmt.Errorf("shmipc: map %q: %w", name, err)
	}
	cb := controlBlockAt(mem)

	switch {
	case fresh || cb.IsZero():
		if !create {
			return nil, fmt.Errorf("%w: %q is not initialized", ErrNotReady, name)
		}
		capacity := uint64(size) - ControlBlockSize
		if capacity != opts.RingCapacity {
			log.Warn("keeping existing segment geometry",
				zap.Uint64("requested", opts.RingCapacity), zap.Uint64("capacity", capacity))
		}
		cb.initialize(cb.Generation()+1, capacity, uint64(size))
		claim(cb, role)
		log.Info("channel created", zap.Uint64("generation", cb.Generation()), zap.Uint64("capacity", capacity))
	default:
		if err := cb.Validate(uint64(size)); err != nil {
			return nil, fmt.Errorf("shmipc: %q: %w", name, err)
		}
		if err := join(cb, mem, role, create, log); err != nil {
			return nil, fmt.Errorf("shmipc: %q: %w", name, err)
		}
	}

	ring, err := ringOf(cb, mem)
	if err != nil {
		return nil, fmt.Errorf("shmipc: %q: %w", name, err)
	}
	h := &Handle{
		name:       name,
		role:       role,
		opts:       opts,
		log:        log,
		obj:        obj,
		cb:         cb,
		ring:       ring,
		capacity:   uint64(len(ring)),
		generation: cb.Generation(),
	}
	h.notifyAll()
	return h, nil
}

// join takes role in an initialized segment, starting a new incarnation when
// the previous one is over.
func join(cb *ControlBlock, mem []byte, role Role, create bool, log *zap.Logger) error {
	state := cb.State()
	if pid := cb.slotPID(role); pid != 0 && state != StateReset && processAlive(pid) {
		return fmt.Errorf("%w: %s slot held by pid %d", ErrAlreadyExists, role, pid)
	}

	restart := false
	switch role {
	case RoleProducer:
		// Only a consumer waiting in SYN can be joined; anything else
		// belongs to a producer that is gone.
		restart = !(state == StateSyn && cb.ProducerPID() == 0)
	case RoleConsumer:
		if state == StateReset {
			if !create {
				return fmt.Errorf("%w: producer has reset the channel", ErrNotReady)
			}
			restart = true
		}
	}

	if restart {
		prev := cb.Generation()
		ring, err := ringOf(cb, mem)
		if err != nil {
			return err
		}
		cb.initialize(prev+1, uint64(len(ring)), cb.SegmentSize())
		clear(ring)
		log.Info("channel restarted",
			zap.Uint64("previous_generation", prev), zap.Uint64("generation", prev+1), zap.Stringer("previous_state", state))
	}

	claim(cb, role)
	log.Info("channel joined", zap.Uint64("generation", cb.Generation()), zap.Stringer("state", cb.State()))
	return nil
}

// ringOf returns the ring described by the header. The peer can rewrite the
// header at any time, so the bounds are checked again against mem.
func ringOf(cb *ControlBlock, mem []byte) ([]byte, error) {
	capacity, off := cb.RingCapacity(), cb.RingOffset()
	if off != ControlBlockSize || capacity < MinRingCapacity || capacity > uint64(len(mem))-off {
		return nil, fmt.Errorf("%w: ring of %d bytes at %d outside mapping of %d", ErrCorruptChannel, capacity, off, len(mem))
	}
	return mem[off : off+capacity], nil
}

// claim records this process in the role slot and advances SYN to SYN_ACK
// once both slots are held.
func claim(cb *ControlBlock, role Role) {
	cb.setSlotPID(role, currentPID())
	cb.incAttached()
	if cb.slotPID(role.peer()) != 0 {
		cb.CompareAndSwapState(StateSyn, StateSynAck)
	}
}

// Close destroys the handle. A producer marks the channel RESET first so the
// consumer sees an orderly end; the segment itself stays until Remove.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Wake our own waiters and let them leave the mapping.
	h.notifyAll()
	h.use.Lock()
	defer h.use.Unlock()

	lockErr := h.obj.Lock()
	if h.cb.Generation() == h.generation && h.cb.slotPID(h.role) == currentPID() {
		h.cb.setSlotPID(h.role, 0)
		if h.role == RoleProducer {
			h.cb.SetState(StateReset)
		}
		h.cb.decAttached()
	}
	h.notifyAll()
	if lockErr == nil {
		h.obj.Unlock()
	}

	h.log.Info("channel detached", zap.Uint64("generation", h.generation), zap.Uint64("bytes", h.bytes.Load()))
	return h.obj.Close()
}

// acquire pins the mapping for one transfer. Callers release it with
// h.use.RUnlock.
func (h *Handle) acquire() error {
	h.use.RLock()
	if h.closed.Load() {
		h.use.RUnlock()
		return ErrClosed
	}
	return nil
}

// notifyAll bumps both notification words so every waiter re-checks.
func (h *Handle) notifyAll() {
	h.cb.bump(waitData)
	h.cb.bump(waitSpace)
	h.obj.Wake(h.cb.seq(waitData))
	h.obj.Wake(h.cb.seq(waitSpace))
}

// Name returns the cleaned rendezvous name.
func (h *Handle) Name() string { return h.name }

// Role returns the side this handle plays.
func (h *Handle) Role() Role { return h.role }

// Generation returns the incarnation this handle is bound to.
func (h *Handle) Generation() uint64 { return h.generation }

// Capacity returns the ring size in bytes. At most Capacity()-1 bytes are
// ever unread.
func (h *Handle) Capacity() uint64 { return h.capacity }

// State returns the shared connection state, or StateUninitialized once the
// handle is closed.
func (h *Handle) State() State {
	if h.acquire() != nil {
		return StateUninitialized
	}
	defer h.use.RUnlock()
	return h.cb.State()
}
