// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol implements the JSON-RPC 2.0 message model exchanged
// between ezipc peers: Notifications, Requests, Responses, and the Batch
// envelope that wraps them on the wire.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a decoded Message against the JSON-RPC 2.0 shape rules.
type Kind int

const (
	// KindNotification is a fire-and-forget message: has a method, no id.
	KindNotification Kind = iota
	// KindRequest expects a Response correlated by id.
	KindRequest
	// KindResponse completes an outstanding local Request.
	KindResponse
	// KindInvalid is a structurally malformed object; see Message.ID /
	// Message.HasID for whether a Response can be synthesized for it.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is the tagged-sum wire type: exactly one JSON-RPC object.
// Only the fields relevant to Kind are populated; the rest are the zero
// value. Params and Result are kept as json.RawMessage so an object or
// array payload round-trips without us caring which it is.
type Message struct {
	Kind   Kind
	Method string
	Params json.RawMessage
	ID     string
	HasID  bool
	Result json.RawMessage
	Err    *Error
}

// wireMessage is the on-the-wire JSON shape. Fields are tagged exactly as
// spec.md §3 requires; a Response never carries Method/Params and a
// Request/Notification never carries Result/Error.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *string         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Version is the only JSON-RPC version this module speaks.
const Version = "2.0"

// NewNotification builds a Notification message. params may be nil, a
// struct/map (encoded as an object), or a slice (encoded as an array).
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, fmt.Errorf("encode notification params: %w", err)
	}
	return Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewRequest builds a Request message with the given id.
func NewRequest(method string, params any, id string) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, fmt.Errorf("encode request params: %w", err)
	}
	return Message{Kind: KindRequest, Method: method, Params: raw, ID: id, HasID: true}, nil
}

// NewResultResponse builds a successful Response for id.
func NewResultResponse(id string, result any) (Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return Message{}, fmt.Errorf("encode response result: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage("[]")
	}
	return Message{Kind: KindResponse, ID: id, HasID: true, Result: raw}, nil
}

// NewErrorResponse builds a failing Response for id.
func NewErrorResponse(id string, errObj *Error) Message {
	return Message{Kind: KindResponse, ID: id, HasID: true, Err: errObj}
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// NewID generates a peer-scoped id with at least 32 bits of random
// entropy, comfortably exceeding spec.md's 24-bit floor, formatted as
// "<peerAlias>.<hex>" so a centralized broadcaster can fan Responses from
// many peers back without id collisions.
func NewID(peerAlias string) string {
	return fmt.Sprintf("%s.%s", peerAlias, uuid.NewString()[:8])
}
