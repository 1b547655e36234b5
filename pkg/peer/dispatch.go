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
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ezipc/ezipc-go/pkg/protocol"
	"github.com/ezipc/ezipc-go/pkg/wire"
)

// Run starts the reader task and the fixed worker pool, and blocks until
// the connection closes, the stream ends, or a TERM notification is
// processed. It mirrors the teacher's DAG executor's fan-out-with-
// WaitGroup idiom at the per-batch level: every message in one frame is
// dispatched to its handler concurrently, and the frame's Responses are
// collected and sent back as a single batch once every handler in it has
// returned (spec.md §4.3's Batch semantics).
func (p *Peer) Run(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancelCause(ctx)
	p.cancelDispatch = cancel
	defer cancel(nil)

	for _, h := range p.onConnect {
		h(p)
	}

	lines := p.conn.Lines(dispatchCtx)
	queue := make(chan wire.Line, p.queueDepth)

	go p.readIntoQueue(dispatchCtx, lines, queue)

	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go p.worker(dispatchCtx, queue, &wg)
	}
	wg.Wait()

	p.Close()
	return context.Cause(dispatchCtx)
}

// readIntoQueue is the reader task: it never inspects message content, so
// TERM handling happens entirely in the worker pool via dispatchCtx
// cancellation, which this loop observes the same way it observes any
// other shutdown (spec.md §4.4.1's "TERM causes the reader loop to exit").
// queue is bounded at p.queueDepth; once full, this loop blocks rather
// than dropping frames (spec.md §8's overflow-policy resolution).
func (p *Peer) readIntoQueue(ctx context.Context, lines <-chan wire.Line, queue chan<- wire.Line) {
	defer close(queue)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			select {
			case queue <- line:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) worker(ctx context.Context, queue <-chan wire.Line, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case line, ok := <-queue:
			if !ok {
				return
			}
			p.handleLine(ctx, line)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) handleLine(ctx context.Context, line wire.Line) {
	if line.CryptoErr != nil {
		p.logger.Warn("dropping frame: crypto error", "error", line.CryptoErr)
		return
	}

	if p.metrics.bytesRecv != nil {
		p.metrics.bytesRecv.Add(ctx, int64(len(line.Payload)))
	}

	msgs, err := protocol.Decode(line.Payload)
	if err != nil {
		p.logger.Warn("dropping frame: decode error", "error", err)
		if sendErr := p.sendOne(protocol.NewErrorResponse("", protocol.ParseError(err.Error()))); sendErr != nil {
			p.logger.Warn("failed to send parse-error response", "error", sendErr)
		}
		return
	}

	replies := p.dispatchBatch(ctx, msgs)
	if len(replies) == 0 {
		return
	}
	if err := p.sendBatch(replies); err != nil {
		p.logger.Warn("failed to send batch reply", "error", err)
	}
}

// dispatchBatch fans every message in one frame out to its own goroutine via
// errgroup.Group, waits for all of them, then collects whatever Responses
// resulted. dispatchOne never errors — a plain (not WithContext) Group is
// used so one message's handling can never cancel its batch-mates — so
// g.Wait()'s return is always nil here; the group just replaces the
// WaitGroup bookkeeping this loop would otherwise hand-roll. Order of
// replies in the output batch is not meaningful — spec.md §4.3 treats a
// Batch as an unordered collection matched purely by id.
func (p *Peer) dispatchBatch(ctx context.Context, msgs []protocol.Message) []protocol.Message {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		replies []protocol.Message
	)

	for _, m := range msgs {
		m := m
		g.Go(func() error {
			if reply, ok := p.dispatchOne(ctx, m); ok {
				mu.Lock()
				replies = append(replies, reply)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return replies
}

// dispatchOne handles a single classified Message and, if a Response
// should be sent for it, returns (response, true).
func (p *Peer) dispatchOne(ctx context.Context, m protocol.Message) (protocol.Message, bool) {
	switch m.Kind {
	case protocol.KindNotification:
		p.notifRecv.Add(1)
		if p.metrics.notifRecv != nil {
			p.metrics.notifRecv.Add(ctx, 1)
		}
		p.dispatchNotification(ctx, m)
		return protocol.Message{}, false

	case protocol.KindRequest:
		p.reqRecv.Add(1)
		if p.metrics.reqRecv != nil {
			p.metrics.reqRecv.Add(ctx, 1)
		}
		return p.dispatchRequest(ctx, m)

	case protocol.KindResponse:
		p.respRecv.Add(1)
		if p.metrics.respRecv != nil {
			p.metrics.respRecv.Add(ctx, 1)
		}
		p.completeOutstanding(m)
		return protocol.Message{}, false

	default: // KindInvalid
		if m.HasID {
			return protocol.NewErrorResponse(m.ID, protocol.InvalidRequestError(nil)), true
		}
		return protocol.Message{}, false
	}
}

func (p *Peer) dispatchNotification(ctx context.Context, m protocol.Message) {
	if m.Method == "TERM" {
		reason := termReason(m.Params)
		if fn, ok := p.lookupNotificationHandler("TERM"); ok {
			p.invokeNotification(ctx, fn, m)
		}
		if p.cancelDispatch != nil {
			p.cancelDispatch(&ConnectionResetError{Reason: reason})
		}
		return
	}

	fn, ok := p.lookupNotificationHandler(m.Method)
	if !ok {
		// spec.md §4.4.1: an unrecognized Notification method is silently
		// dropped; it can never produce a Response.
		return
	}
	p.invokeNotification(ctx, fn, m)
}

func (p *Peer) invokeNotification(ctx context.Context, fn NotificationHandler, m protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("notification handler panicked", "method", m.Method, "panic", r)
		}
	}()
	fn(&Context{Context: ctx, Peer: p, ID: m.ID}, m.Params)
}

func (p *Peer) dispatchRequest(ctx context.Context, m protocol.Message) (reply protocol.Message, send bool) {
	ctx, span := tracer.Start(ctx, "peer.dispatch_request", trace.WithAttributes(
		attribute.String("rpc.method", m.Method),
		attribute.String("rpc.id", m.ID),
	))
	defer span.End()

	fn, ok := p.lookupRequestHandler(m.Method)
	if !ok {
		span.SetAttributes(attribute.Bool("rpc.method_not_found", true))
		return protocol.NewErrorResponse(m.ID, protocol.MethodNotFoundError(m.Method)), true
	}

	result, err := p.invokeRequest(ctx, fn, m)
	if err != nil {
		span.RecordError(err)
	}
	switch {
	case err == ErrWillRespondManually:
		return protocol.Message{}, false
	case err != nil:
		if rpcErr, ok := err.(*protocol.Error); ok {
			return protocol.NewErrorResponse(m.ID, rpcErr), true
		}
		return protocol.NewErrorResponse(m.ID, &protocol.Error{
			Code:    protocol.CodeGenericException,
			Message: err.Error(),
		}), true
	default:
		resp, encErr := protocol.NewResultResponse(m.ID, result)
		if encErr != nil {
			return protocol.NewErrorResponse(m.ID, protocol.InternalError(encErr.Error())), true
		}
		return resp, true
	}
}

func (p *Peer) invokeRequest(ctx context.Context, fn RequestHandler, m protocol.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(&Context{Context: ctx, Peer: p, ID: m.ID}, m.Params)
}

func (p *Peer) lookupNotificationHandler(method string) (NotificationHandler, bool) {
	if fn, ok := p.table.lookupNotification(method); ok {
		return fn, true
	}
	if p.inherited != nil {
		return p.inherited.lookupNotification(method)
	}
	return nil, false
}

func (p *Peer) lookupRequestHandler(method string) (RequestHandler, bool) {
	if fn, ok := p.table.lookupRequest(method); ok {
		return fn, true
	}
	if p.inherited != nil {
		return p.inherited.lookupRequest(method)
	}
	return nil, false
}

// completeOutstanding resolves the Request matching m.ID exactly once.
// The CompareAndSwap against entryPending guarantees a Response that
// arrives after a timeout or cancellation already claimed the entry is
// discarded here rather than delivered a second time (spec.md §8,
// testable properties 1, 4, 5).
func (p *Peer) completeOutstanding(m protocol.Message) {
	p.outstandingMu.Lock()
	entry, ok := p.outstanding[m.ID]
	p.outstandingMu.Unlock()
	if !ok {
		// Unsolicited or late Response: no outstanding entry to resolve.
		p.logger.Debug("response for unknown or already-completed request", "id", m.ID)
		return
	}

	if !entry.status.CompareAndSwap(int32(entryPending), int32(entryResolved)) {
		return
	}
	msg := m
	entry.ch <- &msg
}

func termReason(params json.RawMessage) string {
	if len(params) == 0 {
		return "peer sent TERM"
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.Reason == "" {
		return "peer sent TERM"
	}
	return payload.Reason
}
