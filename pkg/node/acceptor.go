// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package node implements the Acceptor and Initiator wrappers that turn a
// TCP listener or a dial into a running Peer: installing the reserved
// default handlers (PING, ETC.INIT, the crypto negotiator), running
// connect/disconnect hooks, discovering an outward IP for autopublish,
// and offering best-effort broadcast fan-out across every connected peer
// (spec.md §4.5, ~25% of the core).
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ezipc/ezipc-go/pkg/handshake"
	"github.com/ezipc/ezipc-go/pkg/peer"
	"github.com/ezipc/ezipc-go/pkg/wire"
)

// sentinelAddr is a non-routable TEST-NET-3 (RFC 5737) address used only
// to make the kernel pick a local route — autopublish never actually
// sends a packet there (spec.md §4.5).
const sentinelAddr = "203.0.113.1:59999"

// Options configures an Acceptor or Initiator.
type Options struct {
	WorkerCount       int
	QueueDepth        int
	RequestTimeout    time.Duration
	EncryptionCapable bool
	Autopublish       bool
	Logger            *slog.Logger

	OnConnect    []peer.Hook
	OnDisconnect []peer.Hook
}

// Acceptor binds a TCP listener and constructs a Peer for each inbound
// stream, sharing one handler table across every connection by reference
// (spec.md §4.5's "inherited" slots, so a handler registered after
// Listen starts is still visible to peers already connected).
type Acceptor struct {
	opts     Options
	table    *peer.Table
	listener net.Listener
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *nodeMetrics
	startup  time.Time

	publishedAddr string

	peersMu sync.Mutex
	peers   map[string]*peer.Peer
}

// NewAcceptor constructs an Acceptor. Call Listen then Serve to start
// accepting connections.
func NewAcceptor(opts Options) *Acceptor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	return &Acceptor{
		opts:     opts,
		table:    peer.NewTable(),
		logger:   logger.With("role", "acceptor"),
		registry: reg,
		metrics:  newNodeMetrics(reg),
		startup:  time.Now(),
		peers:    make(map[string]*peer.Peer),
	}
}

// Registry exposes the Prometheus registry this Acceptor's metrics are
// registered against, for wiring into an admin HTTP handler.
func (a *Acceptor) Registry() *prometheus.Registry { return a.registry }

// RegisterNotification installs a handler on the table shared by every
// current and future Peer this Acceptor owns.
func (a *Acceptor) RegisterNotification(method string, fn peer.NotificationHandler) {
	a.table.RegisterNotification(method, fn)
}

// RegisterRequest installs a handler on the shared table.
func (a *Acceptor) RegisterRequest(method string, fn peer.RequestHandler) {
	a.table.RegisterRequest(method, fn)
}

// Listen binds the TCP listener and, if opts.Autopublish is set, resolves
// the address peers should be told to use for this acceptor.
func (a *Acceptor) Listen(addr string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.listener = ln

	if a.opts.Autopublish {
		a.publishedAddr = discoverOutwardIP(a.logger)
	} else if addr != "" {
		a.publishedAddr = addr
	} else {
		a.publishedAddr = "127.0.0.1"
	}

	registerPing(a.table)
	registerEtcInit(a.table, a.startup)

	return nil
}

// Addr returns the bound listener's local address. Valid after Listen.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// PublishedAddr returns the address autopublish resolved (or the
// configured/fallback address), for telling peers where to reconnect.
func (a *Acceptor) PublishedAddr() string { return a.publishedAddr }

// Serve accepts connections until ctx is cancelled or the listener errors.
// Each accepted stream becomes a Peer running in its own goroutine; Serve
// returns once the listener itself stops, not once every Peer exits.
func (a *Acceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go a.handleConn(ctx, conn)
	}
}

func (a *Acceptor) handleConn(ctx context.Context, conn net.Conn) {
	wireConn, err := wire.NewConnection(conn)
	if err != nil {
		a.logger.Error("failed to establish framed connection", "error", err)
		conn.Close()
		a.metrics.ConnectionsTotal.WithLabelValues("inbound", "error").Inc()
		return
	}

	p := peer.NewPeer(wireConn, peer.Options{
		WorkerCount:    a.opts.WorkerCount,
		QueueDepth:     a.opts.QueueDepth,
		RequestTimeout: a.opts.RequestTimeout,
		Logger:         a.logger,
		Inherited:      a.table,
		OnConnect:      a.opts.OnConnect,
		OnDisconnect:   a.opts.OnDisconnect,
	})

	handshake.Register(p, wireConn, a.opts.EncryptionCapable)

	a.peersMu.Lock()
	a.peers[p.Alias()] = p
	a.peersMu.Unlock()
	a.metrics.ConnectionsTotal.WithLabelValues("inbound", "accepted").Inc()
	a.metrics.ActiveConnections.Inc()

	_ = p.Run(ctx)

	a.peersMu.Lock()
	delete(a.peers, p.Alias())
	a.peersMu.Unlock()
	a.metrics.ActiveConnections.Dec()
}

// Peers returns a snapshot of currently connected peers.
func (a *Acceptor) Peers() []*peer.Peer {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	out := make([]*peer.Peer, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, p)
	}
	return out
}

// BroadcastResult is one Peer's outcome from a broadcast Request.
type BroadcastResult struct {
	Peer   *peer.Peer
	Result []byte
	Err    error
}

// BroadcastNotify fans a Notification out to every connected Peer
// concurrently, best-effort: a failed send to one peer is logged and does
// not affect delivery to the others (spec.md §4.5).
func (a *Acceptor) BroadcastNotify(method string, params any) {
	a.metrics.BroadcastsTotal.WithLabelValues("notify").Inc()
	var wg sync.WaitGroup
	for _, p := range a.Peers() {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Notify(method, params); err != nil {
				a.logger.Warn("broadcast notify failed", "peer", p.Alias(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// BroadcastRequest fans a Request out to every connected Peer concurrently
// and returns once every one has completed, failed, or timed out — there
// is no overall deadline beyond each per-call timeout (spec.md §4.5).
func (a *Acceptor) BroadcastRequest(ctx context.Context, method string, params any, timeout time.Duration) []BroadcastResult {
	a.metrics.BroadcastsTotal.WithLabelValues("request").Inc()
	peers := a.Peers()
	results := make([]BroadcastResult, len(peers))

	var wg sync.WaitGroup
	for i, p := range peers {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.Request(ctx, method, params, timeout)
			results[i] = BroadcastResult{Peer: p, Result: result, Err: err}
		}()
	}
	wg.Wait()

	return results
}

// Close stops accepting new connections. Already-connected peers are left
// running; callers that also want those torn down should Close them
// individually via Peers().
func (a *Acceptor) Close() error {
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}

// discoverOutwardIP opens (never transmits on) a UDP socket to a
// non-routable sentinel and reads the kernel-chosen local address, the
// trick spec.md §4.5 specifies for autopublish. Falls back to 127.0.0.1
// on any failure.
func discoverOutwardIP(logger *slog.Logger) string {
	conn, err := net.Dial("udp", sentinelAddr)
	if err != nil {
		logger.Warn("autopublish: falling back to loopback", "error", err)
		return "127.0.0.1"
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return udpAddr.IP.String()
}
