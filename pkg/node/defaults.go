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
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ezipc/ezipc-go/pkg/peer"
)

// registerPing installs the reserved PING Request echo on
// table (spec.md §6: "PING params -> result = params").
func registerPing(table *peer.Table) {
	table.RegisterRequest("PING", func(ctx *peer.Context, params json.RawMessage) (any, error) {
		if len(params) == 0 {
			return nil, nil
		}
		return params, nil
	})
}

// etcInitResult is the reserved ETC.INIT reply shape, carried verbatim
// from original_source/ez-ipc's handshake greeting (spec.md's
// distillation dropped the field names; SPEC_FULL.md §4 restores them).
type etcInitResult struct {
	ID      string  `json:"id"`
	Startup float64 `json:"startup"`
}

// registerEtcInit installs the acceptor-side ETC.INIT handler: a
// client->server-only Request answered with this server's peer id and a
// Unix startup timestamp (spec.md §6).
func registerEtcInit(table *peer.Table, startup time.Time) {
	table.RegisterRequest("ETC.INIT", func(ctx *peer.Context, params json.RawMessage) (any, error) {
		return etcInitResult{
			ID:      uuid.NewString(),
			Startup: float64(startup.UnixNano()) / 1e9,
		}, nil
	})
}
