// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecode_Notification verifies a method-only object classifies as a
// Notification with no id.
func TestDecode_Notification(t *testing.T) {
	msgs, err := Decode([]byte(`{"jsonrpc":"2.0","method":"PING","params":["x"]}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindNotification, msgs[0].Kind)
	assert.Equal(t, "PING", msgs[0].Method)
	assert.False(t, msgs[0].HasID)
}

// TestDecode_Request verifies method+id classifies as a Request.
func TestDecode_Request(t *testing.T) {
	msgs, err := Decode([]byte(`{"jsonrpc":"2.0","method":"PING","params":["x"],"id":"a1"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindRequest, msgs[0].Kind)
	assert.Equal(t, "a1", msgs[0].ID)
}

// TestDecode_Response verifies id+result (xor error) classifies as Response.
func TestDecode_Response(t *testing.T) {
	msgs, err := Decode([]byte(`{"jsonrpc":"2.0","result":["x"],"id":"a1"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindResponse, msgs[0].Kind)
	assert.Nil(t, msgs[0].Err)

	msgs, err = Decode([]byte(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":"a2"}`))
	require.NoError(t, err)
	require.Equal(t, KindResponse, msgs[0].Kind)
	require.NotNil(t, msgs[0].Err)
	assert.Equal(t, CodeMethodNotFound, msgs[0].Err.Code)
}

// TestDecode_ResponseBothResultAndError is invalid per spec.md's invariant
// that a Response never carries both result and error.
func TestDecode_ResponseBothResultAndError(t *testing.T) {
	msgs, err := Decode([]byte(`{"jsonrpc":"2.0","result":[],"error":{"code":1,"message":"x"},"id":"a1"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindInvalid, msgs[0].Kind)
	assert.True(t, msgs[0].HasID)
}

// TestDecode_WrongVersion rejects anything but jsonrpc 2.0.
func TestDecode_WrongVersion(t *testing.T) {
	msgs, err := Decode([]byte(`{"jsonrpc":"1.0","method":"PING","id":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindInvalid, msgs[0].Kind)
}

// TestDecode_LoneObjectIsOneElementBatch exercises spec.md §4.1's rule
// that a bare object on the wire is treated as a one-element batch.
func TestDecode_LoneObjectIsOneElementBatch(t *testing.T) {
	msgs, err := Decode([]byte(`{"jsonrpc":"2.0","method":"TERM","params":{"reason":"bye"}}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

// TestDecode_Batch iterates every element of a JSON array frame.
func TestDecode_Batch(t *testing.T) {
	msgs, err := Decode([]byte(`[{"jsonrpc":"2.0","method":"A"},{"jsonrpc":"2.0","method":"B","id":"1"}]`))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, KindNotification, msgs[0].Kind)
	assert.Equal(t, KindRequest, msgs[1].Kind)
}

// TestDecode_NotJSON fails at the top level (not per-element) on garbage
// input, mirroring the S3 "parse error" scenario.
func TestDecode_NotJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

// TestEncodeDecodeRoundTrip covers testable property #2: encode(decode(x)) == x.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	req, err := NewRequest("PING", []any{"x"}, "a1")
	require.NoError(t, err)

	encoded, err := Encode(req)
	require.NoError(t, err)

	decoded, err := Decode([]byte(encoded))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, req.Kind, decoded[0].Kind)
	assert.Equal(t, req.Method, decoded[0].Method)
	assert.Equal(t, req.ID, decoded[0].ID)
	assert.JSONEq(t, string(req.Params), string(decoded[0].Params))
}

// TestEncodeBatch_NonEmpty rejects an empty batch, matching Batch's
// "non-empty sequence" definition.
func TestEncodeBatch_NonEmpty(t *testing.T) {
	_, err := EncodeBatch(nil)
	assert.Error(t, err)
}

// TestNewID_Uniqueness smoke-tests id generation entropy.
func TestNewID_Uniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID("peer1")
		assert.False(t, seen[id], "id collision: %s", id)
		seen[id] = true
	}
}
