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

import "context"

// Context is the argument every NotificationHandler and RequestHandler
// receives. It carries the dispatch-scoped context.Context (cancelled when
// the peer's reader loop exits), the owning Peer, and the correlation id
// for requests (empty for notifications). Handlers take Peer explicitly
// rather than a closure capturing it, matching spec.md §9's guidance that
// this avoids handler/Peer reference cycles.
type Context struct {
	context.Context
	Peer *Peer
	ID   string
}
