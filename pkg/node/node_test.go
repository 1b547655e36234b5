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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezipc/ezipc-go/pkg/peer"
)

// TestConnect_PlaintextRoundTrip exercises the full acceptor/initiator
// lifecycle without encryption: ETC.INIT completes and a custom Request
// registered before Connect is reachable.
func TestConnect_PlaintextRoundTrip(t *testing.T) {
	acc := NewAcceptor(Options{})
	require.NoError(t, acc.Listen("127.0.0.1", 0))

	acc.RegisterRequest("double", func(ctx *peer.Context, params json.RawMessage) (any, error) {
		var n int
		_ = json.Unmarshal(params, &n)
		return n * 2, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acc.Serve(ctx)
	t.Cleanup(func() { acc.Close() })

	addr := acc.Addr()
	tcpAddr := addr.(*net.TCPAddr)

	init := NewInitiator(Options{})
	result, err := init.Connect(context.Background(), "127.0.0.1", tcpAddr.Port, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, result.RemoteID)
	assert.False(t, result.Encrypted)

	reply, err := result.Peer.Request(context.Background(), "double", 21, time.Second)
	require.NoError(t, err)
	var got int
	require.NoError(t, json.Unmarshal(reply, &got))
	assert.Equal(t, 42, got)
}

// TestPing_AnsweredByInitiatorPeer verifies PING is installed on an
// initiator-side peer too, not just acceptor-side ones (spec.md:17 lists
// PING among the default handlers both wrapper types install).
func TestPing_AnsweredByInitiatorPeer(t *testing.T) {
	acc := NewAcceptor(Options{})
	require.NoError(t, acc.Listen("127.0.0.1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acc.Serve(ctx)
	t.Cleanup(func() { acc.Close() })

	tcpAddr := acc.Addr().(*net.TCPAddr)

	init := NewInitiator(Options{})
	_, err := init.Connect(context.Background(), "127.0.0.1", tcpAddr.Port, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(acc.Peers()) == 1 }, time.Second, 10*time.Millisecond)
	serverSide := acc.Peers()[0]

	reply, err := serverSide.Request(context.Background(), "PING", "hello", time.Second)
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(reply, &got))
	assert.Equal(t, "hello", got)
}

// TestConnect_WithEncryption verifies the crypto handshake activates when
// both sides are capable.
func TestConnect_WithEncryption(t *testing.T) {
	acc := NewAcceptor(Options{EncryptionCapable: true})
	require.NoError(t, acc.Listen("127.0.0.1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acc.Serve(ctx)
	t.Cleanup(func() { acc.Close() })

	tcpAddr := acc.Addr().(*net.TCPAddr)

	init := NewInitiator(Options{EncryptionCapable: true})
	result, err := init.Connect(context.Background(), "127.0.0.1", tcpAddr.Port, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Encrypted)
}

// TestBroadcastNotify_FanOutToAllPeers verifies a notification reaches
// every connected peer.
func TestBroadcastNotify_FanOutToAllPeers(t *testing.T) {
	acc := NewAcceptor(Options{})
	require.NoError(t, acc.Listen("127.0.0.1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acc.Serve(ctx)
	t.Cleanup(func() { acc.Close() })

	tcpAddr := acc.Addr().(*net.TCPAddr)

	const n = 3
	received := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		init := NewInitiator(Options{})
		init.RegisterNotification("hello", func(ctx *peer.Context, params json.RawMessage) {
			received <- struct{}{}
		})
		_, err := init.Connect(context.Background(), "127.0.0.1", tcpAddr.Port, time.Second)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(acc.Peers()) == n }, time.Second, 10*time.Millisecond)

	acc.BroadcastNotify("hello", nil)

	for i := 0; i < n; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("not all peers received the broadcast")
		}
	}
}
