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

	"go.uber.org/zap"
)

// promote moves SYN_ACK to CONNECTED. Whichever side observes SYN_ACK first
// does it; the CAS keeps it to one transition.
func (h *Handle) promote() {
	if h.cb.CompareAndSwapState(StateSynAck, StateConnected) {
		h.notifyAll()
		h.log.Debug("channel connected", zap.Uint64("generation", h.generation))
	}
}

// checkGeneration fails once the channel has been recreated under this
// handle.
func (h *Handle) checkGeneration() error {
	if g := h.cb.Generation(); g != h.generation {
		return fmt.Errorf("%w: bound to generation %d, channel is at %d", ErrPeerGone, h.generation, g)
	}
	return nil
}

// WaitConnected blocks until both sides have joined and the handshake has
// completed, or ctx is done.
func (h *Handle) WaitConnected(ctx context.Context) error {
	if err := h.acquire(); err != nil {
		return err
	}
	defer h.use.RUnlock()
	deadline := deadlineFor(ctx, 0)
	return h.waitFor(ctx, deadline, waitData, func() (bool, error) {
		if err := h.checkGeneration(); err != nil {
			return false, err
		}
		switch h.cb.State() {
		case StateConnected:
			return true, nil
		case StateSynAck:
			h.promote()
			return h.cb.State() == StateConnected, nil
		case StateReset:
			return false, fmt.Errorf("%w: channel reset before connecting", ErrPeerGone)
		}
		return false, nil
	})
}
