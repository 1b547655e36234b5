// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package peer implements the connected-peer engine: the read loop, the
// bounded worker pool that dispatches inbound messages to handlers, the
// outstanding-request table that correlates Responses back to callers,
// and the public Notify/Request/Respond/Terminate surface spec.md §4
// describes as a Peer's behavior.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ezipc/ezipc-go/pkg/protocol"
	"github.com/ezipc/ezipc-go/pkg/wire"
)

// DefaultWorkerCount is the fixed worker-pool size used when a Peer isn't
// configured otherwise (spec.md §4's concurrency note).
const DefaultWorkerCount = 5

// DefaultQueueDepth bounds the inbound line queue. The reader task blocks
// once it's full rather than dropping frames — spec.md §8's resolution of
// the open question on overflow policy, chosen because a dropped Response
// could otherwise strand an outstanding request until its timeout fires.
const DefaultQueueDepth = 1024

// DefaultRequestTimeout is a convenience value for callers that want a
// bounded default rather than spec.md §6's "0 = wait forever" — it is
// never applied implicitly.
const DefaultRequestTimeout = 10 * time.Second

// Hook runs on peer connect or disconnect.
type Hook func(p *Peer)

// Options configures a Peer at construction. The zero value is valid:
// WorkerCount/QueueDepth resolve to their Default*, while RequestTimeout's
// zero value means "wait forever" per spec.md §6, not a Default*.
type Options struct {
	Alias          string
	WorkerCount    int
	QueueDepth     int
	RequestTimeout time.Duration
	Logger         *slog.Logger

	// Inherited is consulted for a method after the peer's own table comes
	// up empty — the handler tables an owning Acceptor/Initiator registers
	// once and shares across every connection it holds.
	Inherited *Table

	OnConnect    []Hook
	OnDisconnect []Hook
}

// Peer is one established, framed connection together with its handler
// table, outstanding-request table, and dispatch loop. Construct one with
// NewPeer and start its dispatch loop with Run.
type Peer struct {
	conn  *wire.Connection
	alias string
	created time.Time

	table     *Table
	inherited *Table

	workerCount    int
	queueDepth     int
	requestTimeout time.Duration

	logger  *slog.Logger
	metrics peerMetrics

	outstandingMu sync.Mutex
	outstanding   map[string]*outstandingEntry

	onConnect    []Hook
	onDisconnect []Hook

	notifSent atomic.Uint64
	notifRecv atomic.Uint64
	reqSent   atomic.Uint64
	reqRecv   atomic.Uint64
	respSent  atomic.Uint64
	respRecv  atomic.Uint64

	cancelDispatch context.CancelCauseFunc
	closeOnce      sync.Once
	done           chan struct{}
}

type entryStatus int32

const (
	entryPending entryStatus = iota
	entryResolved
	entryCancelled
)

type outstandingEntry struct {
	ch     chan *protocol.Message
	status atomic.Int32
}

// NewPeer wraps an already-established wire.Connection. alias is used as
// the prefix for ids this Peer originates and in log lines; if opts.Alias
// is empty a short random one is generated.
func NewPeer(conn *wire.Connection, opts Options) *Peer {
	alias := opts.Alias
	if alias == "" {
		alias = uuid.NewString()[:8]
	}
	workerCount := opts.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	// opts.RequestTimeout <= 0 means "wait forever" (spec.md §6) and is
	// carried through as-is, not defaulted to DefaultRequestTimeout.
	timeout := opts.RequestTimeout
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Peer{
		conn:           conn,
		alias:          alias,
		created:        time.Now(),
		table:          NewTable(),
		inherited:      opts.Inherited,
		workerCount:    workerCount,
		queueDepth:     queueDepth,
		requestTimeout: timeout,
		logger:         logger.With("peer", alias),
		outstanding:    make(map[string]*outstandingEntry),
		onConnect:      opts.OnConnect,
		onDisconnect:   opts.OnDisconnect,
		done:           make(chan struct{}),
	}
	p.metrics.init(p.logger)
	return p
}

// Alias returns this peer's id prefix / log label.
func (p *Peer) Alias() string { return p.alias }

// CreatedAt returns when this Peer was constructed.
func (p *Peer) CreatedAt() time.Time { return p.created }

// BytesSent/BytesRecv report wire-level traffic for this connection.
func (p *Peer) BytesSent() uint64 { return p.conn.TotalSent() }
func (p *Peer) BytesRecv() uint64 { return p.conn.TotalRecv() }

// RegisterNotification installs a handler on this peer's own table,
// consulted before the inherited table.
func (p *Peer) RegisterNotification(method string, fn NotificationHandler) {
	p.table.RegisterNotification(method, fn)
}

// RegisterRequest installs a handler on this peer's own table.
func (p *Peer) RegisterRequest(method string, fn RequestHandler) {
	p.table.RegisterRequest(method, fn)
}

// IsOpen reports whether the underlying connection still accepts writes.
func (p *Peer) IsOpen() bool { return p.conn.IsOpen() }

// Done is closed once the dispatch loop has exited (connection closed,
// stream ended, or a TERM notification was processed).
func (p *Peer) Done() <-chan struct{} { return p.done }

// Notify sends a fire-and-forget Notification. Returns an error only if
// encoding or the underlying write fails; there is never a reply to wait
// for.
func (p *Peer) Notify(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := p.sendOne(msg); err != nil {
		return err
	}
	p.notifSent.Add(1)
	return nil
}

// Request sends a Request and blocks until a matching Response arrives,
// ctx is cancelled, or timeout elapses. timeout <= 0 falls back to this
// Peer's configured default (p.requestTimeout); if that is also <= 0,
// Request waits forever — spec.md §6's "per-request default 0 = wait
// forever" — until ctx is cancelled, the connection closes, or a Response
// arrives. Exactly one of (result, nil) or (nil, err) is returned; a late
// Response that arrives after a timeout or cancellation is silently
// discarded by the dispatcher, never delivered to a second caller (spec.md
// §8, testable properties 1 and 4).
func (p *Peer) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = p.requestTimeout
	}
	id := protocol.NewID(p.alias)
	msg, err := protocol.NewRequest(method, params, id)
	if err != nil {
		return nil, err
	}

	entry := &outstandingEntry{ch: make(chan *protocol.Message, 1)}
	p.outstandingMu.Lock()
	p.outstanding[id] = entry
	p.outstandingMu.Unlock()

	cleanup := func() {
		p.outstandingMu.Lock()
		delete(p.outstanding, id)
		p.outstandingMu.Unlock()
	}

	if err := p.sendOne(msg); err != nil {
		cleanup()
		return nil, err
	}
	p.reqSent.Add(1)

	// timeout <= 0 derives a cancel-only context with no deadline instead
	// of arming a timer, so the wait genuinely never expires on its own.
	var waitCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		waitCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	select {
	case reply := <-entry.ch:
		cleanup()
		if entry.status.Load() == int32(entryCancelled) {
			return nil, ErrConnectionClosed
		}
		if reply.Err != nil {
			return nil, &protocol.RemoteError{Cause: reply.Err, ID: id}
		}
		return reply.Result, nil

	case <-waitCtx.Done():
		if entry.status.CompareAndSwap(int32(entryPending), int32(entryCancelled)) {
			cleanup()
			if timeout > 0 && ctx.Err() == nil {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
		// Lost the race: a Response or Close resolved it concurrently. Take it.
		reply := <-entry.ch
		cleanup()
		if entry.status.Load() == int32(entryCancelled) {
			return nil, ErrConnectionClosed
		}
		if reply.Err != nil {
			return nil, &protocol.RemoteError{Cause: reply.Err, ID: id}
		}
		return reply.Result, nil

	case <-p.done:
		cleanup()
		return nil, ErrConnectionClosed
	}
}

// Respond sends a Response for id, for handlers that returned
// ErrWillRespondManually from a RequestHandler and are completing the
// call on their own schedule.
func (p *Peer) Respond(id string, result any, respErr *protocol.Error) error {
	var msg protocol.Message
	var err error
	if respErr != nil {
		msg = protocol.NewErrorResponse(id, respErr)
	} else {
		msg, err = protocol.NewResultResponse(id, result)
		if err != nil {
			return err
		}
	}
	if err := p.sendOne(msg); err != nil {
		return err
	}
	p.respSent.Add(1)
	return nil
}

// Terminate sends a TERM notification (spec.md §4.4.1's reserved method)
// with reason, then closes the connection locally. reason defaults to
// "terminated by local peer" when empty.
func (p *Peer) Terminate(reason string) error {
	if reason == "" {
		reason = "terminated by local peer"
	}
	err := p.Notify("TERM", map[string]string{"reason": reason})
	p.Close()
	return err
}

// Close shuts down the dispatch loop and the underlying connection. Any
// outstanding Request calls fail with ErrConnectionClosed. Close is
// idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cancelDispatch != nil {
			p.cancelDispatch(ErrConnectionClosed)
		}
		err = p.conn.Close()
		p.failAllOutstanding(ErrConnectionClosed)
		close(p.done)
		for _, h := range p.onDisconnect {
			h(p)
		}
	})
	return err
}

func (p *Peer) failAllOutstanding(cause error) {
	p.outstandingMu.Lock()
	entries := make([]*outstandingEntry, 0, len(p.outstanding))
	for _, e := range p.outstanding {
		entries = append(entries, e)
	}
	p.outstanding = make(map[string]*outstandingEntry)
	p.outstandingMu.Unlock()

	for _, e := range entries {
		if e.status.CompareAndSwap(int32(entryPending), int32(entryCancelled)) {
			select {
			case e.ch <- &protocol.Message{Kind: protocol.KindResponse, Err: &protocol.Error{Code: protocol.CodeInternalError, Message: cause.Error()}}:
			default:
			}
		}
	}
}

func (p *Peer) sendOne(msg protocol.Message) error {
	line, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := p.conn.Send([]byte(line)); err != nil {
		return err
	}
	if p.metrics.bytesSent != nil {
		p.metrics.bytesSent.Add(context.Background(), int64(len(line)))
	}
	return nil
}

func (p *Peer) sendBatch(msgs []protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if len(msgs) == 1 {
		return p.sendOne(msgs[0])
	}
	line, err := protocol.EncodeBatch(msgs)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := p.conn.Send([]byte(line)); err != nil {
		return err
	}
	if p.metrics.bytesSent != nil {
		p.metrics.bytesSent.Add(context.Background(), int64(len(line)))
	}
	return nil
}
