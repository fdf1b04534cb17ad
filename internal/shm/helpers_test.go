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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testOptions returns options over a fresh in-process namespace with short
// intervals so failing tests end quickly.
func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		PollInterval: time.Millisecond,
		RingCapacity: 256,
		Namespace:    NewMemNamespace(),
		Logger:       zaptest.NewLogger(t),
	}
}

// testName returns a channel name unique to the running test.
func testName(t *testing.T) string {
	return fmt.Sprintf("test-%d", time.Now().UnixNano())
}

// createPair creates a producer and attaches a consumer, closing both when
// the test ends.
func createPair(t *testing.T, opts Options) (prod, cons *Handle) {
	t.Helper()

	name := testName(t)
	prod, err := Create(name, RoleProducer, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		prod.Close()
		Remove(name, opts.Namespace)
	})

	cons, err = Attach(name, RoleConsumer, opts)
	require.NoError(t, err)
	t.Cleanup(func() { cons.Close() })
	return prod, cons
}

// within fails the test if fn does not return before d.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("did not finish within %v", d)
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
