// Copyright 2021-2022 The ratingrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the prometheus collectors reported by the relay
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics collection of relay operation metrics
//
// A nil *RelayMetrics is valid, and records nothing.
type RelayMetrics struct {
	liveConnections *prometheus.GaugeVec
	connections     *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	deliveries      prometheus.Counter
	writeFailures   prometheus.Counter
	droppedInbound  prometheus.Counter
}

// GetRelayMetrics define and register the relay metrics
func GetRelayMetrics(registerer prometheus.Registerer) (*RelayMetrics, error) {
	m := &RelayMetrics{
		liveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratingrelay",
			Name:      "live_connections",
			Help:      "Number of currently registered relay connections",
		}, []string{"transport"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratingrelay",
			Name:      "connections_total",
			Help:      "Number of relay connections opened",
		}, []string{"transport"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratingrelay",
			Name:      "broadcasts_total",
			Help:      "Number of events broadcast",
		}, []string{"type"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratingrelay",
			Name:      "deliveries_total",
			Help:      "Number of events queued to a connection",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratingrelay",
			Name:      "write_failures_total",
			Help:      "Number of connection writes which failed, pruning the connection",
		}),
		droppedInbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratingrelay",
			Name:      "dropped_inbound_total",
			Help:      "Number of client emitted events dropped as malformed or rate limited",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.liveConnections,
		m.connections,
		m.broadcasts,
		m.deliveries,
		m.writeFailures,
		m.droppedInbound,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ConnectionRegistered record a new registered connection
func (m *RelayMetrics) ConnectionRegistered(transport string) {
	if m == nil {
		return
	}
	m.liveConnections.WithLabelValues(transport).Inc()
	m.connections.WithLabelValues(transport).Inc()
}

// ConnectionUnregistered record a connection leaving the registry
func (m *RelayMetrics) ConnectionUnregistered(transport string) {
	if m == nil {
		return
	}
	m.liveConnections.WithLabelValues(transport).Dec()
}

// Broadcast record one broadcast and its outcome
func (m *RelayMetrics) Broadcast(eventType string, delivered, failed int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(eventType).Inc()
	m.deliveries.Add(float64(delivered))
	m.writeFailures.Add(float64(failed))
}

// InboundDropped record a dropped client emitted event
func (m *RelayMetrics) InboundDropped() {
	if m == nil {
		return
	}
	m.droppedInbound.Inc()
}
