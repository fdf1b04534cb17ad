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

// Package metrics exports channel transfer counters to Prometheus.
package metrics

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markrussinovich/shmipc/internal/shm"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	BytesTotal      *prometheus.CounterVec
	OperationsTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	Unread          *prometheus.GaugeVec
	HighWater       *prometheus.GaugeVec

	mu   sync.Mutex
	high map[[2]string]uint64
}

// NewMetrics creates a collector set on its own registry, alongside the
// standard process and Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmipc_bytes_total",
				Help: "Bytes moved through the channel",
			},
			[]string{"channel", "role"},
		),
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmipc_operations_total",
				Help: "Transfers that moved at least one byte",
			},
			[]string{"channel", "role"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmipc_errors_total",
				Help: "Failed transfers by kind",
			},
			[]string{"channel", "role", "kind"},
		),
		Unread: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shmipc_ring_unread_bytes",
				Help: "Unread bytes in the ring at the last transfer",
			},
			[]string{"channel", "role"},
		),
		HighWater: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shmipc_ring_high_water_bytes",
				Help: "Most unread bytes observed in the ring",
			},
			[]string{"channel", "role"},
		),
		high: make(map[[2]string]uint64),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// For returns an shm.Observer that records events under channel.
func (m *Metrics) For(channel string) shm.Observer {
	return &observer{m: m, channel: channel}
}

// RecordTransfer records one successful transfer.
func (m *Metrics) RecordTransfer(channel string, role shm.Role, n int, unread uint64) {
	r := role.String()
	m.BytesTotal.WithLabelValues(channel, r).Add(float64(n))
	m.OperationsTotal.WithLabelValues(channel, r).Inc()
	m.Unread.WithLabelValues(channel, r).Set(float64(unread))

	key := [2]string{channel, r}
	m.mu.Lock()
	if unread > m.high[key] {
		m.high[key] = unread
		m.HighWater.WithLabelValues(channel, r).Set(float64(unread))
	}
	m.mu.Unlock()
}

// RecordError records one failed transfer.
func (m *Metrics) RecordError(channel string, role shm.Role, err error) {
	m.ErrorsTotal.WithLabelValues(channel, role.String(), ErrorKind(err)).Inc()
}

// ErrorKind maps an error to a short label value.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, shm.ErrTimeout):
		return "timeout"
	case errors.Is(err, shm.ErrPeerGone):
		return "peer_gone"
	case errors.Is(err, shm.ErrCorruptChannel):
		return "corrupt"
	case errors.Is(err, shm.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, shm.ErrClosed):
		return "closed"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "short"
	default:
		return "other"
	}
}

type observer struct {
	m       *Metrics
	channel string
}

func (o *observer) ObserveTransfer(role shm.Role, n int, unread uint64) {
	o.m.RecordTransfer(o.channel, role, n, unread)
}

func (o *observer) ObserveError(role shm.Role, err error) {
	o.m.RecordError(o.channel, role, err)
}
