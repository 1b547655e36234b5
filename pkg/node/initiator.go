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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ezipc/ezipc-go/pkg/handshake"
	"github.com/ezipc/ezipc-go/pkg/peer"
	"github.com/ezipc/ezipc-go/pkg/wire"
)

// DefaultConnectTimeout bounds Connect's dial (spec.md §5: "Connect
// default 10s").
const DefaultConnectTimeout = 10 * time.Second

// Initiator opens outbound connections and brings each one up through
// ETC.INIT and, if both sides support it, the crypto handshake, before
// handing back a running Peer (spec.md §4.5).
type Initiator struct {
	opts  Options
	table *peer.Table

	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *nodeMetrics
}

// NewInitiator constructs an Initiator. Register default and custom
// handlers on it before calling Connect so every connection inherits them.
func NewInitiator(opts Options) *Initiator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	i := &Initiator{
		opts:     opts,
		table:    peer.NewTable(),
		logger:   logger.With("role", "initiator"),
		registry: reg,
		metrics:  newNodeMetrics(reg),
	}
	// spec.md:17 lists PING among the default handlers both wrapper types
	// install, matching original_source/ezipc's remote/__init__.py
	// _add_default_hooks(), which installs PING on every Remote regardless
	// of client/server role.
	registerPing(i.table)
	return i
}

// Registry exposes the Prometheus registry this Initiator's metrics are
// registered against.
func (i *Initiator) Registry() *prometheus.Registry { return i.registry }

// RegisterNotification installs a handler on the table shared by every
// Peer this Initiator connects.
func (i *Initiator) RegisterNotification(method string, fn peer.NotificationHandler) {
	i.table.RegisterNotification(method, fn)
}

// RegisterRequest installs a handler on the shared table.
func (i *Initiator) RegisterRequest(method string, fn peer.RequestHandler) {
	i.table.RegisterRequest(method, fn)
}

// ConnectResult carries the server-reported identity from ETC.INIT
// alongside the now-running Peer.
type ConnectResult struct {
	Peer      *peer.Peer
	RemoteID  string
	Startup   float64
	Encrypted bool
}

// Connect dials addr:port with timeout (DefaultConnectTimeout if <= 0),
// constructs a Peer, starts its dispatch loop, runs ETC.INIT, and — if
// this Initiator is encryption-capable — drives the crypto handshake
// before returning. A failed handshake is logged and the connection
// continues in plaintext (ConnectResult.Encrypted is false). On any other
// failure the partially-built Peer is closed and the error is returned
// for the caller to report (spec.md §4.5: "On
// failure (timeout, refused, reset) returns a negative result; the outer
// driver reports it").
func (i *Initiator) Connect(ctx context.Context, addr string, port int, timeout time.Duration) (*ConnectResult, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		i.metrics.ConnectionsTotal.WithLabelValues("outbound", "error").Inc()
		return nil, fmt.Errorf("connect: %w", err)
	}

	wireConn, err := wire.NewConnection(conn)
	if err != nil {
		conn.Close()
		i.metrics.ConnectionsTotal.WithLabelValues("outbound", "error").Inc()
		return nil, fmt.Errorf("connect: establish framed connection: %w", err)
	}

	p := peer.NewPeer(wireConn, peer.Options{
		WorkerCount:    i.opts.WorkerCount,
		QueueDepth:     i.opts.QueueDepth,
		RequestTimeout: i.opts.RequestTimeout,
		Logger:         i.logger,
		Inherited:      i.table,
		OnConnect:      i.opts.OnConnect,
		OnDisconnect:   i.opts.OnDisconnect,
	})
	handshake.Register(p, wireConn, i.opts.EncryptionCapable)

	// The Peer's dispatch loop runs for the connection's full lifetime,
	// independent of this Connect call's timeout-bounded ctx.
	runCtx := context.Background()
	go func() {
		_ = p.Run(runCtx)
		i.metrics.ActiveConnections.Dec()
	}()

	i.metrics.ConnectionsTotal.WithLabelValues("outbound", "accepted").Inc()
	i.metrics.ActiveConnections.Inc()

	initResult, err := p.Request(ctx, "ETC.INIT", nil, timeout)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("ETC.INIT: %w", err)
	}
	var parsed struct {
		ID      string  `json:"id"`
		Startup float64 `json:"startup"`
	}
	if err := json.Unmarshal(initResult, &parsed); err != nil {
		p.Close()
		return nil, fmt.Errorf("ETC.INIT: decode response: %w", err)
	}

	encrypted := false
	if i.opts.EncryptionCapable {
		if err := handshake.Initiate(ctx, p, wireConn, timeout); err != nil {
			i.logger.Warn("crypto handshake failed; continuing in plaintext", "error", err)
			i.metrics.HandshakesTotal.WithLabelValues("failed").Inc()
		} else {
			encrypted = true
			i.metrics.HandshakesTotal.WithLabelValues("succeeded").Inc()
		}
	}

	return &ConnectResult{Peer: p, RemoteID: parsed.ID, Startup: parsed.Startup, Encrypted: encrypted}, nil
}
