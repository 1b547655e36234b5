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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezipc/ezipc-go/pkg/protocol"
	"github.com/ezipc/ezipc-go/pkg/wire"
)

func pipePeers(t *testing.T) (*Peer, *Peer) {
	t.Helper()
	a, b := net.Pipe()
	ca, err := wire.NewConnection(a)
	require.NoError(t, err)
	cb, err := wire.NewConnection(b)
	require.NoError(t, err)

	pa := NewPeer(ca, Options{Alias: "alice"})
	pb := NewPeer(cb, Options{Alias: "bob"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pa.Run(ctx)
	go pb.Run(ctx)

	return pa, pb
}

// TestRequest_RoundTrip exercises testable property #1: a Request
// eventually completes with exactly one of a matching Response's result
// or an error.
func TestRequest_RoundTrip(t *testing.T) {
	pa, pb := pipePeers(t)

	pb.RegisterRequest("echo", func(ctx *Context, params json.RawMessage) (any, error) {
		var s string
		_ = json.Unmarshal(params, &s)
		return s + "-echoed", nil
	})

	result, err := pa.Request(context.Background(), "echo", "hi", time.Second)
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(result, &s))
	assert.Equal(t, "hi-echoed", s)
}

// TestRequest_MethodNotFound checks the -32601 mapping.
func TestRequest_MethodNotFound(t *testing.T) {
	pa, _ := pipePeers(t)

	_, err := pa.Request(context.Background(), "nonexistent", nil, time.Second)
	require.Error(t, err)

	var remoteErr *protocol.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, protocol.CodeMethodNotFound, remoteErr.Cause.Code)
}

// TestRequest_HandlerError checks a plain error maps to the generic
// exception code rather than propagating.
func TestRequest_HandlerError(t *testing.T) {
	pa, pb := pipePeers(t)

	pb.RegisterRequest("boom", func(ctx *Context, params json.RawMessage) (any, error) {
		return nil, assertError{"kaboom"}
	})

	_, err := pa.Request(context.Background(), "boom", nil, time.Second)
	require.Error(t, err)

	var remoteErr *protocol.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, protocol.CodeGenericException, remoteErr.Cause.Code)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

// TestRequest_HandlerPanic verifies a panicking handler never crashes the
// worker pool and is mapped the same way as a returned error (testable
// property #6).
func TestRequest_HandlerPanic(t *testing.T) {
	pa, pb := pipePeers(t)

	pb.RegisterRequest("panics", func(ctx *Context, params json.RawMessage) (any, error) {
		panic("oh no")
	})

	_, err := pa.Request(context.Background(), "panics", nil, time.Second)
	require.Error(t, err)

	// The connection must still be usable afterwards.
	pb.RegisterRequest("still-alive", func(ctx *Context, params json.RawMessage) (any, error) {
		return "yes", nil
	})
	result, err := pa.Request(context.Background(), "still-alive", nil, time.Second)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(result, &s))
	assert.Equal(t, "yes", s)
}

// TestNotify_NoResponseExpected verifies Notify returns without waiting
// for a reply and the Notification reaches the far side's handler.
func TestNotify_NoResponseExpected(t *testing.T) {
	pa, pb := pipePeers(t)

	received := make(chan string, 1)
	pb.RegisterNotification("ping", func(ctx *Context, params json.RawMessage) {
		var s string
		_ = json.Unmarshal(params, &s)
		received <- s
	})

	require.NoError(t, pa.Notify("ping", "hello"))

	select {
	case s := <-received:
		assert.Equal(t, "hello", s)
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
}

// TestRequest_Timeout verifies a Request with nobody reading the other end
// fails with ErrTimeout and that the outstanding entry is cleaned up
// (testable property #5 — no leak). The peer on the far side of the pipe
// is deliberately never run, so no Response — not even a method-not-found
// one — ever comes back.
func TestRequest_Timeout(t *testing.T) {
	a, b := net.Pipe()
	ca, err := wire.NewConnection(a)
	require.NoError(t, err)
	cb, err := wire.NewConnection(b)
	require.NoError(t, err)
	t.Cleanup(func() { cb.Close() })

	pa := NewPeer(ca, Options{Alias: "alice"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pa.Run(ctx)

	// Drain frames on b without ever decoding/replying, so writes don't
	// block forever but nothing completes the outstanding request.
	go func() {
		for range cb.Lines(ctx) {
		}
	}()

	_, err = pa.Request(context.Background(), "never-answered", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	pa.outstandingMu.Lock()
	defer pa.outstandingMu.Unlock()
	assert.Empty(t, pa.outstanding)
}

// TestTerminate_ClosesBothSides verifies TERM propagates and tears down
// the dispatch loop on the receiving side.
func TestTerminate_ClosesBothSides(t *testing.T) {
	pa, pb := pipePeers(t)

	require.NoError(t, pa.Terminate("done"))

	select {
	case <-pb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer B never observed TERM")
	}
}

// TestRequest_ConcurrentRequestsMatchedByID verifies that concurrent
// Requests, each sent in its own frame, still get one Response per
// Request, matched by id.
func TestRequest_ConcurrentRequestsMatchedByID(t *testing.T) {
	pa, pb := pipePeers(t)

	pb.RegisterRequest("double", func(ctx *Context, params json.RawMessage) (any, error) {
		var n int
		_ = json.Unmarshal(params, &n)
		return n * 2, nil
	})

	const n = 8
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			result, err := pa.Request(context.Background(), "double", i, time.Second)
			require.NoError(t, err)
			var got int
			require.NoError(t, json.Unmarshal(result, &got))
			results <- got
		}()
	}

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		select {
		case got := <-results:
			seen[got] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out collecting batch results")
		}
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[i*2], "missing result for %d", i)
	}
}
