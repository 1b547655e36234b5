// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package peer

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("ezipc.peer")
	meter  = otel.Meter("ezipc.peer")
)

// peerMetrics mirrors spec.md §3's sent/received byte and message-kind
// counters as OpenTelemetry instruments, the same lazy-init-with-Once
// idiom the teacher's DAG executor uses for its own metrics.
type peerMetrics struct {
	once sync.Once

	bytesSent metric.Int64Counter
	bytesRecv metric.Int64Counter
	notifSent metric.Int64Counter
	notifRecv metric.Int64Counter
	reqSent   metric.Int64Counter
	reqRecv   metric.Int64Counter
	respSent  metric.Int64Counter
	respRecv  metric.Int64Counter
}

func (m *peerMetrics) init(logger *slog.Logger) {
	m.once.Do(func() {
		var errs []string
		record := func(name string, err error) {
			if err != nil {
				errs = append(errs, name+": "+err.Error())
			}
		}

		var err error
		m.bytesSent, err = meter.Int64Counter("ezipc_peer_bytes_sent_total")
		record("bytes_sent", err)
		m.bytesRecv, err = meter.Int64Counter("ezipc_peer_bytes_recv_total")
		record("bytes_recv", err)
		m.notifSent, err = meter.Int64Counter("ezipc_peer_notifications_sent_total")
		record("notif_sent", err)
		m.notifRecv, err = meter.Int64Counter("ezipc_peer_notifications_recv_total")
		record("notif_recv", err)
		m.reqSent, err = meter.Int64Counter("ezipc_peer_requests_sent_total")
		record("req_sent", err)
		m.reqRecv, err = meter.Int64Counter("ezipc_peer_requests_recv_total")
		record("req_recv", err)
		m.respSent, err = meter.Int64Counter("ezipc_peer_responses_sent_total")
		record("resp_sent", err)
		m.respRecv, err = meter.Int64Counter("ezipc_peer_responses_recv_total")
		record("resp_recv", err)

		if len(errs) > 0 && logger != nil {
			logger.Warn("some peer metrics failed to initialize", "errors", errs)
		}
	})
}
