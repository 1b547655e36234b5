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

import "errors"

var (
	// ErrConnectionClosed is the failure every outstanding completion
	// receives when the connection drops (spec.md §7).
	ErrConnectionClosed = errors.New("connection-closed")

	// ErrTimeout is the failure a completion receives when its deadline
	// elapses before a Response arrives.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionReset is raised internally when a TERM notification
	// is received; it carries the peer-supplied reason and causes the
	// reader loop to exit cleanly (spec.md §4.4.1, §7).
	ErrConnectionReset = errors.New("connection-reset")

	// ErrWillRespondManually, returned by a RequestHandler, tells the
	// dispatcher to skip building an automatic Response — the handler
	// will call Peer.Respond itself. See spec.md §4.4's respond() entry.
	ErrWillRespondManually = errors.New("handler will respond manually")
)

// ConnectionResetError wraps ErrConnectionReset with the reason supplied
// by the remote TERM notification (or the default if none was given).
type ConnectionResetError struct {
	Reason string
}

func (e *ConnectionResetError) Error() string { return "connection-reset: " + e.Reason }

func (e *ConnectionResetError) Unwrap() error { return ErrConnectionReset }
