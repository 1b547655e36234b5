// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace/subsystem naming mirrors observability.metricsNamespace /
// streamingSubsystem's convention.
const (
	metricsNamespace = "ezipc"
	nodeSubsystem    = "node"
)

// nodeMetrics is the Prometheus surface exposed at /metrics for an
// Acceptor or Initiator: connection counts and handshake/broadcast
// outcomes, grounded on
// services/orchestrator/observability.StreamingMetrics's promauto +
// CounterVec/GaugeVec shape.
type nodeMetrics struct {
	ConnectionsTotal    *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	HandshakesTotal     *prometheus.CounterVec
	BroadcastsTotal     *prometheus.CounterVec
}

// newNodeMetrics registers a fresh metric set on reg. Each Acceptor or
// Initiator owns its own registry rather than sharing the global default,
// so multiple instances in one process (e.g. tests) never collide on
// duplicate registration.
func newNodeMetrics(reg *prometheus.Registry) *nodeMetrics {
	factory := promauto.With(reg)
	return &nodeMetrics{
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: nodeSubsystem,
				Name:      "connections_total",
				Help:      "Total connections accepted or initiated, by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: nodeSubsystem,
				Name:      "active_connections",
				Help:      "Currently connected peers",
			},
		),
		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: nodeSubsystem,
				Name:      "handshakes_total",
				Help:      "Crypto handshakes attempted, by outcome",
			},
			[]string{"outcome"},
		),
		BroadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: nodeSubsystem,
				Name:      "broadcasts_total",
				Help:      "Broadcast fan-outs issued, by kind",
			},
			[]string{"kind"},
		),
	}
}
