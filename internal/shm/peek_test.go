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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekNotFound(t *testing.T) {
	_, err := Peek(testName(t), false, NewMemNamespace())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeekTooSmall(t *testing.T) {
	ns := NewMemNamespace()
	obj, err := ns.Open("small", ModeCreate, DefaultPerm)
	require.NoError(t, err)
	defer obj.Close()
	require.NoError(t, obj.Truncate(16))

	_, err = Peek("small", false, ns)
	assert.ErrorIs(t, err, ErrMapFailed)
}

func TestPeekStatus(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	prod, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)

	snap, err := Peek(name, false, opts.Namespace)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficient, snap.Status)
	assert.False(t, snap.Trusted())
	assert.Equal(t, uint32(1), snap.Attached)
	assert.Equal(t, "SYN", snap.State)

	cons, err := Attach(name, RoleConsumer, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cons.WaitConnected(ctx))

	_, err = prod.Write([]byte("0123456789"))
	require.NoError(t, err)

	snap, err = Peek(name, false, opts.Namespace)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, snap.Status)
	assert.True(t, snap.Trusted())
	assert.Equal(t, "connected", snap.StatusText)
	assert.Equal(t, uint64(10), snap.BytesReadable)
	assert.Equal(t, opts.RingCapacity-11, snap.BytesWritable)
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, uint32(2), snap.Attached)

	require.NoError(t, cons.Close())
	require.NoError(t, prod.Close())

	snap, err = Peek(name, false, opts.Namespace)
	require.NoError(t, err)
	assert.Equal(t, StatusDetached, snap.Status)
	assert.Equal(t, "RESET", snap.State)
}

func TestPeekDoesNotDisturb(t *testing.T) {
	opts := testOptions(t)
	prod, cons := createPair(t, opts)
	_, err := prod.Write([]byte("abc"))
	require.NoError(t, err)

	cb := prod.cb
	attached, w, r, st := cb.Attached(), cb.WriteHand(), cb.ReadHand(), cb.State()
	for i := 0; i < 10; i++ {
		_, err := Peek(prod.Name(), true, opts.Namespace)
		require.NoError(t, err)
	}
	assert.Equal(t, attached, cb.Attached())
	assert.Equal(t, w, cb.WriteHand())
	assert.Equal(t, r, cb.ReadHand())
	assert.Equal(t, st, cb.State())

	buf := make([]byte, 3)
	_, err = cons.ReadFull(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))
}

func TestPeekUnreliable(t *testing.T) {
	opts := testOptions(t)
	prod, _ := createPair(t, opts)
	prod.cb.setReadHand(1 << 40)
	t.Cleanup(func() { prod.cb.setReadHand(0) })

	snap, err := Peek(prod.Name(), false, opts.Namespace)
	require.NoError(t, err)
	assert.Equal(t, StatusUnreliable, snap.Status)
	assert.NotEmpty(t, snap.Problem)
	assert.False(t, snap.Trusted())

	snap, err = Peek(prod.Name(), true, opts.Namespace)
	require.NoError(t, err)
	assert.True(t, snap.Trusted())
}

func TestPeekDuringTransfer(t *testing.T) {
	opts := testOptions(t)
	opts.Namespace = NewFileNamespace(t.TempDir())
	opts.RingCapacity = 4096
	prod, cons := createPair(t, opts)

	payload := pattern(1 << 20)
	werr := make(chan error, 1)
	go func() {
		for off := 0; off < len(payload); off += 1000 {
			end := min(off+1000, len(payload))
			if _, err := prod.Write(payload[off:end]); err != nil {
				werr <- err
				return
			}
		}
		werr <- nil
	}()

	got := make([]byte, len(payload))
	rerr := make(chan error, 1)
	go func() {
		_, err := cons.ReadFull(got)
		rerr <- err
	}()

	peeks := 0
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for done := false; !done; {
		select {
		case err := <-rerr:
			require.NoError(t, err)
			done = true
		case <-ctx.Done():
			t.Fatal("transfer did not finish")
		default:
			snap, err := Peek(prod.Name(), false, opts.Namespace)
			require.NoError(t, err)
			assert.Equal(t, uint32(2), snap.Attached)
			assert.NotEqual(t, StatusUnreliable, snap.Status, snap.Problem)
			assert.LessOrEqual(t, snap.BytesReadable, opts.RingCapacity-1)
			peeks++
		}
	}

	require.NoError(t, <-werr)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint32(2), prod.cb.Attached())
	assert.Positive(t, peeks)
}
