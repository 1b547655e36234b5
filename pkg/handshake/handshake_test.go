// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezipc/ezipc-go/pkg/peer"
	"github.com/ezipc/ezipc-go/pkg/protocol"
	"github.com/ezipc/ezipc-go/pkg/wire"
)

func pipeUp(t *testing.T, capableA, capableB bool) (*peer.Peer, *wire.Connection, *peer.Peer, *wire.Connection) {
	t.Helper()
	a, b := net.Pipe()
	ca, err := wire.NewConnection(a)
	require.NoError(t, err)
	cb, err := wire.NewConnection(b)
	require.NoError(t, err)

	pa := peer.NewPeer(ca, peer.Options{Alias: "initiator"})
	pb := peer.NewPeer(cb, peer.Options{Alias: "responder"})

	Register(pa, ca, capableA)
	Register(pb, cb, capableB)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pa.Run(ctx)
	go pb.Run(ctx)

	return pa, ca, pb, cb
}

// TestHandshake_Succeeds exercises testable property #3's setup: a full
// three-way handshake activates matching ciphers on both sides.
func TestHandshake_Succeeds(t *testing.T) {
	pa, ca, _, cb := pipeUp(t, true, true)

	err := Initiate(context.Background(), pa, ca, time.Second)
	require.NoError(t, err)

	assert.True(t, ca.EncryptionActive())

	// Give the responder's RSA.CONF handler a moment to run and activate.
	require.Eventually(t, cb.EncryptionActive, time.Second, 10*time.Millisecond)
}

// TestHandshake_ResponderIncapable verifies error 92 "Encryption
// Unavailable" when the responder has no crypto support.
func TestHandshake_ResponderIncapable(t *testing.T) {
	pa, ca, _, _ := pipeUp(t, true, false)

	err := Initiate(context.Background(), pa, ca, time.Second)
	require.Error(t, err)

	var remoteErr *protocol.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, protocol.CodeEncryptionUnavailable, remoteErr.Cause.Code)
	assert.False(t, ca.EncryptionActive())
}
