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
)

// Status classifies how far a Snapshot can be trusted.
type Status int

const (
	// StatusConnected means both parties are attached and the handshake has
	// completed; the numbers describe a live channel.
	StatusConnected Status = iota
	// StatusDetached means nobody is attached.
	StatusDetached
	// StatusUnreliable means the header failed validation.
	StatusUnreliable
	// StatusInsufficient means fewer than two parties are attached or the
	// handshake is incomplete. The numbers are real but may be stale.
	StatusInsufficient
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDetached:
		return "detached"
	case StatusUnreliable:
		return "unreliable"
	case StatusInsufficient:
		return "insufficient"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Snapshot is a read-only copy of a channel's control block.
type Snapshot struct {
	Name          string `json:"name" yaml:"name"`
	Location      string `json:"location" yaml:"location"`
	State         string `json:"state" yaml:"state"`
	Generation    uint64 `json:"generation" yaml:"generation"`
	RingCapacity  uint64 `json:"ring_capacity" yaml:"ring_capacity"`
	RingOffset    uint64 `json:"ring_offset" yaml:"ring_offset"`
	SegmentSize   uint64 `json:"segment_size" yaml:"segment_size"`
	WriteHand     uint64 `json:"write_hand" yaml:"write_hand"`
	ReadHand      uint64 `json:"read_hand" yaml:"read_hand"`
	BytesReadable uint64 `json:"bytes_readable" yaml:"bytes_readable"`
	BytesWritable uint64 `json:"bytes_writable" yaml:"bytes_writable"`
	Attached      uint32 `json:"attached_count" yaml:"attached_count"`
	ProducerPID   uint32 `json:"producer_pid" yaml:"producer_pid"`
	ConsumerPID   uint32 `json:"consumer_pid" yaml:"consumer_pid"`
	Status        Status `json:"-" yaml:"-"`
	StatusText    string `json:"status" yaml:"status"`
	Problem       string `json:"problem,omitempty" yaml:"problem,omitempty"`
	Forced        bool   `json:"forced" yaml:"forced"`
}

// Trusted reports whether a caller may act on the numbers: the channel is
// connected, or the caller asked to see them anyway.
func (s Snapshot) Trusted() bool {
	return s.Status == StatusConnected || s.Forced
}

// Peek reads the control block of name without joining the channel. It never
// changes the attach count, the hands or the state. A header that fails
// validation, or a channel with too few parties, is reported through
// Snapshot.Status rather than as an error; only an absent or unmappable
// object fails.
func Peek(name string, force bool, ns Namespace) (Snapshot, error) {
	n, err := CleanName(name)
	if err != nil {
		return Snapshot{}, err
	}
	if ns == nil {
		ns = DefaultNamespace()
	}

	obj, err := ns.Open(n, ModePeek, 0)
	if err != nil {
		return Snapshot{}, err
	}
	defer obj.Close()

	size, err := obj.Size()
	if err != nil {
		return Snapshot{}, osError("stat", n, err)
	}
	if size < ControlBlockSize {
		return Snapshot{}, fmt.Errorf("%w: %q is %d bytes, smaller than a control block", ErrMapFailed, n, size)
	}
	mem, err := obj.Map(int(size))
	if err != nil {
		return Snapshot{}, fmt.Errorf("shmipc: peek %q: %w", n, err)
	}
	return snapshotOf(controlBlockAt(mem), n, ns.Locate(n), uint64(size), force), nil
}

// Snapshot returns the status of the channel this handle belongs to. A
// closed handle reports only its name, as unreliable.
func (h *Handle) Snapshot() Snapshot {
	location := h.opts.Namespace.Locate(h.name)
	if err := h.acquire(); err != nil {
		return Snapshot{Name: h.name, Location: location, Status: StatusUnreliable,
			StatusText: StatusUnreliable.String(), Problem: err.Error(), Forced: true}
	}
	defer h.use.RUnlock()
	return snapshotOf(h.cb, h.name, location, h.cb.SegmentSize(), true)
}

func snapshotOf(cb *ControlBlock, name, location string, mapped uint64, force bool) Snapshot {
	st := cb.State()
	s := Snapshot{
		Name:         name,
		Location:     location,
		State:        st.String(),
		Generation:   cb.Generation(),
		RingCapacity: cb.RingCapacity(),
		RingOffset:   cb.RingOffset(),
		SegmentSize:  cb.SegmentSize(),
		WriteHand:    cb.WriteHand(),
		ReadHand:     cb.ReadHand(),
		Attached:     cb.Attached(),
		ProducerPID:  cb.ProducerPID(),
		ConsumerPID:  cb.ConsumerPID(),
		Forced:       force,
	}

	err := cb.Validate(mapped)
	if err == nil && (s.RingCapacity != cb.RingCapacity() || s.WriteHand >= s.RingCapacity || s.ReadHand >= s.RingCapacity) {
		err = fmt.Errorf("%w: header changed while it was read", ErrCorruptChannel)
	}
	if err != nil {
		s.Status = StatusUnreliable
		s.Problem = err.Error()
	} else {
		capacity := s.RingCapacity
		unread := (s.WriteHand + capacity - s.ReadHand) % capacity
		s.BytesReadable = unread
		s.BytesWritable = capacity - 1 - unread

		switch {
		case s.Attached == 0:
			s.Status = StatusDetached
		case s.Attached < 2 || st != StateConnected:
			s.Status = StatusInsufficient
		default:
			s.Status = StatusConnected
		}
	}
	s.StatusText = s.Status.String()
	return s
}
