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

package transport

import (
	"sync"

	"github.com/bkchr/carrier/protocol"
)

// brokerRegistry correlates a requester's pending Broker() call with the
// bearer's later AcceptBroker() call for the same connection id. Real NAT
// traversal hardware is provided by the external transport library (out of
// scope, §1); both bundled adapters in this package use this in-process
// registry to complete the hand-off, which is sufficient for same-process
// and same-host deployments and is the documented simplification recorded
// in DESIGN.md.
type brokerSession struct {
	resultCh  chan Connection
	requester Connection // the Connection whose Broker() call opened this session
}

type brokerRegistry struct {
	mu       sync.Mutex
	sessions map[protocol.ConnectionID]*brokerSession
}

func newBrokerRegistry() *brokerRegistry {
	return &brokerRegistry{sessions: make(map[protocol.ConnectionID]*brokerSession)}
}

// register opens a session for connID and returns the channel the
// requester should wait on for the brokered Connection.
func (r *brokerRegistry) register(connID protocol.ConnectionID, requester Connection) chan Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Connection, 1)
	r.sessions[connID] = &brokerSession{resultCh: ch, requester: requester}
	return ch
}

// lookup returns the session for connID, if one is still pending.
func (r *brokerRegistry) lookup(connID protocol.ConnectionID) (*brokerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// deliver completes the session for connID with conn. Returns false if no
// requester is (or is no longer) waiting.
func (r *brokerRegistry) deliver(connID protocol.ConnectionID, conn Connection) bool {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.resultCh <- conn
	return true
}

// forget removes a session without delivering (the requester gave up or
// failed another way, e.g. a PeerNotFound reply).
func (r *brokerRegistry) forget(connID protocol.ConnectionID) {
	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()
}

// globalBrokerRegistry backs every transport instance created within this
// process, mirroring how bearer-mediated rendezvous is a cross-connection,
// cross-transport concern.
var globalBrokerRegistry = newBrokerRegistry()
