// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConnections(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	ca, err := NewConnection(a)
	require.NoError(t, err)
	cb, err := NewConnection(b)
	require.NoError(t, err)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

// TestSendRecv_Plaintext verifies the frame round trip with encryption
// never negotiated.
func TestSendRecv_Plaintext(t *testing.T) {
	ca, cb := pipeConnections(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines := cb.Lines(ctx)

	go func() {
		require.NoError(t, ca.Send([]byte(`{"hello":"world"}`)))
	}()

	select {
	case line := <-lines:
		require.NoError(t, line.CryptoErr)
		assert.Equal(t, `{"hello":"world"}`, string(line.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

// TestSendRecv_Encrypted exercises testable property #3: once active,
// every outbound frame from the activating side is encrypted, and the
// peer that staged+activated the matching cipher can open it.
func TestSendRecv_Encrypted(t *testing.T) {
	ca, cb := pipeConnections(t)

	require.NoError(t, ca.StageEncryption(cb.LocalEncPubHex(), cb.LocalSignPubHex()))
	require.NoError(t, cb.StageEncryption(ca.LocalEncPubHex(), ca.LocalSignPubHex()))
	require.NoError(t, ca.ActivateEncryption())
	require.NoError(t, cb.ActivateEncryption())

	assert.True(t, ca.EncryptionActive())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines := cb.Lines(ctx)

	payload := []byte(`{"secret":"value"}`)
	go func() {
		require.NoError(t, ca.Send(payload))
	}()

	select {
	case line := <-lines:
		require.NoError(t, line.CryptoErr)
		assert.Equal(t, payload, line.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for encrypted frame")
	}
}

// TestActivateEncryption_Monotonic verifies activation cannot happen
// twice and cannot happen before staging, per spec.md §3.
func TestActivateEncryption_Monotonic(t *testing.T) {
	ca, cb := pipeConnections(t)

	assert.ErrorIs(t, ca.ActivateEncryption(), ErrNotStaged)

	require.NoError(t, ca.StageEncryption(cb.LocalEncPubHex(), cb.LocalSignPubHex()))
	require.NoError(t, ca.ActivateEncryption())
	assert.ErrorIs(t, ca.ActivateEncryption(), ErrAlreadyActive)
}

// TestSend_AfterClose verifies the open==false short-circuit.
func TestSend_AfterClose(t *testing.T) {
	ca, cb := pipeConnections(t)
	_ = cb

	require.NoError(t, ca.Close())
	assert.ErrorIs(t, ca.Send([]byte("x")), ErrConnectionClosed)
}
