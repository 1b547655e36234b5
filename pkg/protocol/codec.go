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
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode produces the compact JSON representation of a single Message.
// encoding/json already emits minimal separators, matching spec.md's
// `(",", ":")` requirement without any custom marshaling.
func Encode(msg Message) (string, error) {
	w, err := toWire(msg)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return string(b), nil
}

// EncodeBatch produces a JSON array of message representations. The slice
// must be non-empty per spec.md's Batch definition.
func EncodeBatch(msgs []Message) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("cannot encode an empty batch")
	}
	wires := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		w, err := toWire(m)
		if err != nil {
			return "", err
		}
		wires = append(wires, w)
	}
	b, err := json.Marshal(wires)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	return string(b), nil
}

func toWire(m Message) (wireMessage, error) {
	w := wireMessage{JSONRPC: Version, Method: m.Method, Params: m.Params}
	if m.HasID {
		id := m.ID
		w.ID = &id
	}
	switch m.Kind {
	case KindResponse:
		if m.Err != nil {
			w.Error = m.Err
		} else {
			w.Result = m.Result
			if w.Result == nil {
				w.Result = json.RawMessage("[]")
			}
		}
	case KindNotification, KindRequest:
		// Method/Params already copied above.
	default:
		return wireMessage{}, fmt.Errorf("cannot encode message of kind %s", m.Kind)
	}
	return w, nil
}

// Decode parses one frame payload into a sequence of Messages. A bare
// JSON object is treated as a one-element batch; a JSON array is iterated
// element by element. Decode never fails for malformed *elements* of a
// batch — those come back as KindInvalid messages for the caller's
// dispatcher to handle per spec.md §4.4.1. Decode only returns an error
// when the payload is empty, isn't valid JSON at all, is an empty array,
// or is JSON but neither an object nor an array (e.g. a bare string or
// number).
func Decode(line []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty frame payload")
	}

	switch trimmed[0] {
	case '{':
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("decode object: invalid JSON")
		}
		var raw json.RawMessage = trimmed
		return []Message{classify(raw)}, nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, fmt.Errorf("decode batch array: %w", err)
		}
		if len(elems) == 0 {
			return nil, fmt.Errorf("batch array must not be empty")
		}
		out := make([]Message, 0, len(elems))
		for _, e := range elems {
			out = append(out, classify(e))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("frame payload is neither a JSON object nor array")
	}
}

// classify applies the JSON-RPC 2.0 shape rules from spec.md §4.1 to one
// raw JSON object, returning an Invalid Message (never an error) for
// anything that doesn't fit — the caller decides whether to reply.
func classify(raw json.RawMessage) Message {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{Kind: KindInvalid}
	}

	var version string
	if v, ok := fields["jsonrpc"]; ok {
		_ = json.Unmarshal(v, &version)
	}
	if version != Version {
		return invalidWithID(fields)
	}

	_, hasMethod := fields["method"]
	_, hasParams := fields["params"]
	_, hasID := fields["id"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]

	switch {
	case hasMethod && hasID && !hasResult && !hasError:
		var method, id string
		_ = json.Unmarshal(fields["method"], &method)
		if err := json.Unmarshal(fields["id"], &id); err != nil {
			return invalidWithID(fields)
		}
		msg := Message{Kind: KindRequest, Method: method, ID: id, HasID: true}
		if hasParams {
			msg.Params = fields["params"]
		}
		return msg

	case hasMethod && !hasID && !hasResult && !hasError:
		var method string
		_ = json.Unmarshal(fields["method"], &method)
		msg := Message{Kind: KindNotification, Method: method}
		if hasParams {
			msg.Params = fields["params"]
		}
		return msg

	case hasID && !hasMethod && (hasResult != hasError):
		var id string
		if err := json.Unmarshal(fields["id"], &id); err != nil {
			return invalidWithID(fields)
		}
		msg := Message{Kind: KindResponse, ID: id, HasID: true}
		if hasResult {
			msg.Result = fields["result"]
		} else {
			var e Error
			if err := json.Unmarshal(fields["error"], &e); err != nil {
				return invalidWithID(fields)
			}
			msg.Err = &e
		}
		return msg

	default:
		return invalidWithID(fields)
	}
}

// invalidWithID salvages an id from a structurally invalid object so the
// dispatcher can still reply (rather than silently dropping) when spec.md
// §4.4.1 calls for it.
func invalidWithID(fields map[string]json.RawMessage) Message {
	msg := Message{Kind: KindInvalid}
	if raw, ok := fields["id"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			msg.ID = id
			msg.HasID = true
		}
	}
	return msg
}
