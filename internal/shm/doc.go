/*
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
 */

// Package shm implements a one-directional byte channel between two processes
// on the same machine, carried by a ring buffer in a shared memory segment.
//
// Both processes find the segment by a rendezvous name. The segment starts
// with a 128-byte control block holding the connection state, the ring
// geometry, the two hands and an incarnation counter (the generation); the
// ring follows it. The producer only moves the write hand and the consumer
// only moves the read hand, so the data path takes no locks. One byte of the
// ring is always left empty so that a full ring is distinguishable from an
// empty one.
//
// Waiting is a bounded sleep on a notification word in the control block
// (a futex on Linux) followed by an unconditional re-check, so a missed
// wake-up costs at most one poll interval.
//
// Create and Attach join a channel; Close leaves it and Remove unlinks it.
// Peek reads a channel's status without joining it. Listen and DialConn pair
// two channels into a net.Conn.
package shm
