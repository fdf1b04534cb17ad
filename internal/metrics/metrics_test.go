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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markrussinovich/shmipc/internal/shm"
)

func TestRecordTransfer(t *testing.T) {
	m := NewMetrics()
	m.RecordTransfer("c", shm.RoleProducer, 10, 10)
	m.RecordTransfer("c", shm.RoleProducer, 5, 4)

	assert.Equal(t, 15.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("c", "producer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("c", "producer")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Unread.WithLabelValues("c", "producer")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.HighWater.WithLabelValues("c", "producer")))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{shm.ErrTimeout, "timeout"},
		{fmt.Errorf("wrapped: %w", shm.ErrPeerGone), "peer_gone"},
		{shm.ErrCorruptChannel, "corrupt"},
		{shm.ErrClosed, "closed"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestObserverWiredToChannel(t *testing.T) {
	m := NewMetrics()
	opts := shm.Options{
		Namespace:    shm.NewMemNamespace(),
		RingCapacity: 128,
		Observer:     m.For("wired"),
	}

	prod, err := shm.Create("wired", shm.RoleProducer, opts)
	require.NoError(t, err)
	defer prod.Close()
	cons, err := shm.Attach("wired", shm.RoleConsumer, opts)
	require.NoError(t, err)
	defer cons.Close()

	_, err = prod.Write([]byte("metrics"))
	require.NoError(t, err)
	_, err = cons.ReadContext(context.Background(), make([]byte, 16), 0)
	require.NoError(t, err)
	_, err = cons.ReadContext(context.Background(), make([]byte, 1), shm.FlagNonBlock)
	require.NoError(t, err)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("wired", "producer")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("wired", "consumer")))
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordTransfer("h", shm.RoleConsumer, 3, 3)
	m.RecordError("h", shm.RoleConsumer, shm.ErrTimeout)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `shmipc_bytes_total{channel="h",role="consumer"} 3`))
	assert.True(t, strings.Contains(body, `shmipc_errors_total{channel="h",kind="timeout",role="consumer"} 1`))
}
