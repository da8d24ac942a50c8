// This file is part of carrier, a peer-to-peer overlay network in Golang.
// Copyright (C) 2026 The Carrier Authors.
//
// carrier is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// carrier is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package bearer

import (
	"sync"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/transport"
)

// Directory maps PeerId to an authenticated peer's connection handle
// (§3 BearerDirectory). Exactly one entry exists per currently-
// authenticated peer; registering an id that is already present replaces
// the old entry and closes the superseded connection (§4.2 tie-breaks),
// which in turn fails that peer's pending broker operations.
type Directory struct {
	mu      sync.Mutex
	entries map[peerid.ID]transport.Connection
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[peerid.ID]transport.Connection)}
}

// Register adds or replaces the entry for id. The previous connection, if
// any, is closed; the latest writer always wins (§4.2).
func (d *Directory) Register(id peerid.ID, conn transport.Connection) {
	d.mu.Lock()
	old, had := d.entries[id]
	d.entries[id] = conn
	d.mu.Unlock()

	if had {
		logger.Printf(logger.INFO, "[bearer] replacing directory entry for %s", id.Short())
		_ = old.Close()
	} else {
		logger.Printf(logger.INFO, "[bearer] registered %s", id.Short())
	}
}

// Unregister removes the entry for id, but only if it still points at
// conn — a registration that happened concurrently must not be undone by
// a stale connection's teardown. Idempotent: unregistering an absent or
// already-replaced id is a no-op.
func (d *Directory) Unregister(id peerid.ID, conn transport.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok && e == conn {
		delete(d.entries, id)
		logger.Printf(logger.INFO, "[bearer] unregistered %s", id.Short())
	}
}

// Lookup returns the connection registered for id, if any.
func (d *Directory) Lookup(id peerid.ID) (transport.Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.entries[id]
	return conn, ok
}

// Size reports the number of currently-registered peers, for the admin
// status surface (§4.8).
func (d *Directory) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
