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
	"encoding/json"
	"sync"
)

// NotificationHandler handles an inbound Notification. Any return value
// is ignored — a Response to a Notification would violate JSON-RPC 2.0
// (spec.md §4.4.1).
type NotificationHandler func(ctx *Context, params json.RawMessage)

// RequestHandler handles an inbound Request and produces a result.
//
// Returning (nil, nil) maps to an empty-array success result ([]),
// mirroring spec.md §4.4's "None/no value -> result []" rule. Returning
// a non-nil error maps to a JSON-RPC error Response: if err is a
// *protocol.Error its code/message/data are used verbatim, otherwise it
// is wrapped as the generic exception code (spec.md §4.4's "Exception
// raised" row). A panic inside a handler is recovered by the dispatcher
// and mapped the same way as a generic error — handler exceptions never
// propagate out of the worker pool (spec.md §8, testable property 6).
//
// A handler that wants to respond on its own schedule instead (spec.md
// §4.4's "respond(id, ...) used by handlers that choose to respond
// manually") should return ErrWillRespondManually and later call
// ctx.Peer.Respond.
type RequestHandler func(ctx *Context, params json.RawMessage) (any, error)

// Table is a method -> handler map. It backs both a Peer's own handler
// tables and an owning Acceptor/Initiator's "inherited" tables (a second
// table consulted after the peer's own, per the glossary). Table is safe
// for concurrent registration and lookup.
type Table struct {
	notif map[string]NotificationHandler
	req   map[string]RequestHandler
	mu    sync.RWMutex
}

// NewTable constructs an empty handler table.
func NewTable() *Table {
	return &Table{notif: map[string]NotificationHandler{}, req: map[string]RequestHandler{}}
}

// RegisterNotification installs a handler, replacing any prior entry for
// method.
func (t *Table) RegisterNotification(method string, fn NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notif[method] = fn
}

// RegisterRequest installs a handler, replacing any prior entry for
// method.
func (t *Table) RegisterRequest(method string, fn RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.req[method] = fn
}

func (t *Table) lookupNotification(method string) (NotificationHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.notif[method]
	return fn, ok
}

func (t *Table) lookupRequest(method string) (RequestHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.req[method]
	return fn, ok
}
