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

import "errors"

var (
	// ErrStreamEnded is returned when EOF is reached before a terminator,
	// per spec.md §4.2.
	ErrStreamEnded = errors.New("stream ended before a frame terminator")

	// ErrCryptoError marks a failed decrypt or signature verification.
	// Never fatal to the connection; the frame is dropped.
	ErrCryptoError = errors.New("crypto-error")

	// ErrConnectionClosed is returned by Send once open has gone false.
	ErrConnectionClosed = errors.New("connection-closed")

	// ErrAlreadyActive is returned by ActivateEncryption when called
	// twice; activation is monotonic per spec.md §3.
	ErrAlreadyActive = errors.New("encryption already active")

	// ErrNotStaged is returned by ActivateEncryption when no handshake
	// has staged a cipher yet.
	ErrNotStaged = errors.New("no staged cipher to activate")
)
