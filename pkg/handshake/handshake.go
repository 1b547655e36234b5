// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handshake implements the optional in-band crypto negotiation
// protocol: a three-way RSA.EXCH/RSA.CONF exchange that swaps X25519
// encryption and Ed25519 verification public keys and atomically
// activates each side's cipher box (spec.md §3's Crypto negotiator, ~10%
// of the core).
package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ezipc/ezipc-go/pkg/peer"
	"github.com/ezipc/ezipc-go/pkg/protocol"
	"github.com/ezipc/ezipc-go/pkg/wire"
)

// DefaultTimeout bounds both RSA.EXCH and RSA.CONF round trips (spec.md
// §5's "RSA.EXCH/RSA.CONF default 10s each").
const DefaultTimeout = 10 * time.Second

// MethodExch and MethodConf are the two reserved method names the
// negotiator reserves for itself; a peer must not register its own
// handlers under these names.
const (
	MethodExch = "RSA.EXCH"
	MethodConf = "RSA.CONF"
)

// keyPair is the [pub_hex, ver_hex] tuple exchanged in both directions.
type keyPair [2]string

// Register installs the responder side of the handshake on p: handling an
// incoming RSA.EXCH by staging a cipher box and replying with this
// process's own keys, and handling an incoming RSA.CONF by activating
// that staged box. capable reports whether this process has encryption
// available at all; when false, RSA.EXCH always fails with error 92
// "Encryption Unavailable" (spec.md §3).
func Register(p *peer.Peer, conn *wire.Connection, capable bool) {
	p.RegisterRequest(MethodExch, func(ctx *peer.Context, params json.RawMessage) (any, error) {
		if !capable {
			return nil, &protocol.Error{
				Code:    protocol.CodeEncryptionUnavailable,
				Message: "Encryption Unavailable",
			}
		}

		var remote keyPair
		if err := json.Unmarshal(params, &remote); err != nil {
			return nil, protocol.InvalidParamsError(err.Error())
		}

		if err := conn.StageEncryption(remote[0], remote[1]); err != nil {
			return nil, &protocol.Error{
				Code:    protocol.CodeEncryptionUnavailable,
				Message: "Encryption Unavailable",
				Data:    err.Error(),
			}
		}

		return keyPair{conn.LocalEncPubHex(), conn.LocalSignPubHex()}, nil
	})

	p.RegisterRequest(MethodConf, func(ctx *peer.Context, params json.RawMessage) (any, error) {
		if !conn.EncryptionReady() {
			return nil, &protocol.Error{
				Code:    protocol.CodeCannotActivate,
				Message: "Cannot Activate",
			}
		}
		// The confirmation goes out before activation: the initiator only
		// activates its own cipher after reading it, so it must be plaintext.
		if err := ctx.Peer.Respond(ctx.ID, true, nil); err != nil {
			return nil, err
		}
		// EncryptionReady above rules out both of ActivateEncryption's errors.
		_ = conn.ActivateEncryption()
		return nil, peer.ErrWillRespondManually
	})
}

// Initiate drives the initiator side of the handshake: sends RSA.EXCH
// with this process's own keys, stages the returned remote keys, sends
// RSA.CONF, and activates on success. The handshake is never retried once
// failed (spec.md §3) — callers that want another attempt must negotiate
// a fresh connection.
func Initiate(ctx context.Context, p *peer.Peer, conn *wire.Connection, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	exchResult, err := p.Request(ctx, MethodExch, keyPair{conn.LocalEncPubHex(), conn.LocalSignPubHex()}, timeout)
	if err != nil {
		return fmt.Errorf("RSA.EXCH: %w", err)
	}

	var remote keyPair
	if err := json.Unmarshal(exchResult, &remote); err != nil {
		return fmt.Errorf("RSA.EXCH: decode response: %w", err)
	}

	if err := conn.StageEncryption(remote[0], remote[1]); err != nil {
		return fmt.Errorf("RSA.EXCH: stage local cipher: %w", err)
	}

	if _, err := p.Request(ctx, MethodConf, [1]bool{true}, timeout); err != nil {
		return fmt.Errorf("RSA.CONF: %w", err)
	}

	if err := conn.ActivateEncryption(); err != nil {
		return fmt.Errorf("RSA.CONF: activate local cipher: %w", err)
	}

	return nil
}
