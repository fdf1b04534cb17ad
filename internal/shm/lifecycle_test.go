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
	"io"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	prod, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	defer prod.Close()
	assert.Equal(t, StateSyn, prod.State())
	assert.Equal(t, uint64(1), prod.Generation())

	cons, err := Attach(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()
	assert.Equal(t, StateSynAck, cons.State())
	assert.Equal(t, prod.Generation(), cons.Generation())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, prod.WaitConnected(ctx))
	assert.Equal(t, StateConnected, cons.State())
	assert.Equal(t, uint32(2), cons.cb.Attached())
}

func TestConsumerFirst(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	cons, err := Create(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()

	prod, err := Attach(name, RoleProducer, opts)
	require.NoError(t, err)
	defer prod.Close()

	assert.Equal(t, cons.Generation(), prod.Generation())
	assert.Equal(t, StateSynAck, prod.State())
}

func TestAttachRetryable(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	_, err := Attach(name, RoleConsumer, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsRetryable(err))

	// Object exists but nobody has sized it yet.
	obj, err := opts.Namespace.Open(name, ModeCreate, DefaultPerm)
	require.NoError(t, err)
	defer obj.Close()

	_, err = Attach(name, RoleConsumer, opts)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, IsRetryable(err))
}

func TestAttachToResetChannelIsRetryable(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	prod, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	require.NoError(t, prod.Close())

	_, err = Attach(name, RoleConsumer, opts)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, IsRetryable(err))
}

func TestDialWaitsForCreate(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	created := make(chan *Handle, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		prod, err := Create(name, RoleProducer, opts)
		if err != nil {
			t.Errorf("create: %v", err)
		}
		created <- prod
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cons, err := Dial(ctx, name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()
	if prod := <-created; prod != nil {
		defer prod.Close()
	}
	assert.Equal(t, uint64(1), cons.Generation())
}

func TestDialGivesUp(t *testing.T) {
	opts := testOptions(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, testName(t), RoleConsumer, opts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoleSlotTaken(t *testing.T) {
	opts := testOptions(t)
	prod, _ := createPair(t, opts)

	_, err := Attach(prod.Name(), RoleProducer, opts)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = Attach(prod.Name(), RoleConsumer, opts)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCorruptChannel(t *testing.T) {
	t.Run("too small", func(t *testing.T) {
		opts := testOptions(t)
		name := testName(t)
		obj, err := opts.Namespace.Open(name, ModeCreate, DefaultPerm)
		require.NoError(t, err)
		defer obj.Close()
		require.NoError(t, obj.Truncate(ControlBlockSize+8))

		_, err = Attach(name, RoleConsumer, opts)
		assert.ErrorIs(t, err, ErrCorruptChannel)
	})

	t.Run("bad magic", func(t *testing.T) {
		opts := testOptions(t)
		prod, err := Create(testName(t), RoleProducer, opts)
		require.NoError(t, err)
		defer prod.Close()
		prod.cb.magic[0] = 'Z'

		_, err = Attach(prod.Name(), RoleConsumer, opts)
		assert.ErrorIs(t, err, ErrCorruptChannel)
		assert.False(t, IsRetryable(err))
	})

	t.Run("capacity overflow", func(t *testing.T) {
		opts := testOptions(t)
		prod, err := Create(testName(t), RoleProducer, opts)
		require.NoError(t, err)
		defer prod.Close()
		atomic.StoreUint64(&prod.cb.ringCapacity, math.MaxUint64-64)

		_, err = Attach(prod.Name(), RoleConsumer, opts)
		assert.ErrorIs(t, err, ErrCorruptChannel)

		snap, err := Peek(prod.Name(), false, opts.Namespace)
		require.NoError(t, err)
		assert.Equal(t, StatusUnreliable, snap.Status)
		assert.Zero(t, snap.BytesWritable)
		assert.NotEmpty(t, snap.Problem)
	})
}

func TestInvalidNames(t *testing.T) {
	opts := testOptions(t)
	for _, name := range []string{"", "/", "a/b", "..", "x\x00y"} {
		_, err := Create(name, RoleProducer, opts)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	n, err := CleanName("/chan")
	require.NoError(t, err)
	assert.Equal(t, "chan", n)
}

func TestInvalidOptions(t *testing.T) {
	opts := testOptions(t)
	opts.RingCapacity = 10
	_, err := Create(testName(t), RoleProducer, opts)
	assert.Error(t, err)
}

func TestExistingGeometryWins(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	cons, err := Create(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()

	other := opts
	other.RingCapacity = 4096
	prod, err := Create(name, RoleProducer, other)
	require.NoError(t, err)
	defer prod.Close()
	assert.Equal(t, opts.RingCapacity, prod.Capacity())
}

func TestCloseDetaches(t *testing.T) {
	opts := testOptions(t)
	prod, cons := createPair(t, opts)
	cb := cons.cb
	require.Equal(t, uint32(2), cb.Attached())

	require.NoError(t, cons.Close())
	assert.Equal(t, uint32(1), cb.Attached())
	assert.Zero(t, cb.ConsumerPID())
	assert.NotEqual(t, StateReset, cb.State())

	require.NoError(t, prod.Close())
	assert.Zero(t, cb.Attached())
	assert.Equal(t, StateReset, cb.State())

	// Closing twice is a no-op.
	assert.NoError(t, prod.Close())
	_, err := prod.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGenerationStaleness(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	prod, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	cons, err := Attach(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()

	_, err = prod.Write([]byte("old"))
	require.NoError(t, err)
	require.NoError(t, prod.Close())

	// Destroy and recreate under the same name.
	require.NoError(t, Remove(name, opts.Namespace))
	prod2, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	defer prod2.Close()
	_, err = prod2.Write([]byte("new"))
	require.NoError(t, err)

	// The old consumer still maps the old incarnation, reads it to the end and
	// never sees the new one.
	buf := make([]byte, 16)
	n, err := cons.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "old", string(buf[:n]))
	_, err = cons.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	cons2, err := Attach(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons2.Close()
	n, err = cons2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "new", string(buf[:n]))
}

func TestProducerTakeover(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	prod, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	cons, err := Attach(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()
	_, err = prod.Write([]byte("stale"))
	require.NoError(t, err)
	require.NoError(t, prod.Close())

	// A new producer on the same segment starts the next incarnation.
	prod2, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	defer prod2.Close()
	assert.Equal(t, prod.Generation()+1, prod2.Generation())
	assert.Equal(t, StateSyn, prod2.State())

	_, err = cons.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrPeerGone)
	assert.ErrorIs(t, cons.Err(), ErrPeerGone)

	cons2, err := Attach(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons2.Close()
	assert.Equal(t, prod2.Generation(), cons2.Generation())
}

func TestConsumerCreateRestartsResetChannel(t *testing.T) {
	opts := testOptions(t)
	name := testName(t)

	prod, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	require.NoError(t, prod.Close())

	cons, err := Create(name, RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()
	assert.Equal(t, uint64(2), cons.Generation())
	assert.Equal(t, StateSyn, cons.State())
}

func TestRemoveIdempotent(t *testing.T) {
	opts := testOptions(t)
	assert.NoError(t, Remove(testName(t), opts.Namespace))
	assert.ErrorIs(t, Remove("", opts.Namespace), ErrInvalidName)
}
