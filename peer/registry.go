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

package peer

import (
	"context"
	"sync"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/protocol"
	"github.com/bkchr/carrier/transport"
)

// ServiceRegistry maps a service name to its implementation (§3). Built
// once at startup and read-only afterwards.
type ServiceRegistry struct {
	services map[string]Service
}

// NewServiceRegistry builds a registry from the given services.
func NewServiceRegistry(services ...Service) *ServiceRegistry {
	r := &ServiceRegistry{services: make(map[string]Service, len(services))}
	for _, s := range services {
		r.services[s.Name()] = s
	}
	return r
}

// Lookup finds a service by name.
func (r *ServiceRegistry) Lookup(name string) (Service, bool) {
	s, ok := r.services[name]
	return s, ok
}

// backlog bounds how many attached streams an instance may have pending
// before Attach starts dropping new ones; chosen generously since back-stream fan-in per
// instance is expected to be small (§4.6 doesn't specify a bound, an
// actual unbounded channel being the async-task equivalent).
const backlog = 64

// instanceEntry is one InstanceTable row (§3, §4.6): the sender side is
// owned by the router; the Connection is remembered so Attach can reject
// a stream arriving on any other Connection (§3 invariant).
type instanceEntry struct {
	conn transport.Connection
	ch   chan transport.Stream
}

// channelStreams adapts a Go channel to the Streams interface.
type channelStreams struct {
	ch <-chan transport.Stream
}

func (s *channelStreams) Next(ctx context.Context) (transport.Stream, bool) {
	select {
	case stream, ok := <-s.ch:
		return stream, ok
	case <-ctx.Done():
		return nil, false
	}
}

// InstanceTable is the per-peer instance router (§4.6): it allocates
// monotonically increasing ServiceIds and holds, for each live instance,
// the channel new attached Streams are delivered on.
type InstanceTable struct {
	mu     sync.Mutex
	nextID uint64
	insts  map[protocol.ServiceID]*instanceEntry
}

// NewInstanceTable creates an empty table.
func NewInstanceTable() *InstanceTable {
	return &InstanceTable{insts: make(map[protocol.ServiceID]*instanceEntry)}
}

// NextID allocates a fresh ServiceId, unique for the lifetime of this
// table (§3: ids are never reused, even after teardown).
func (t *InstanceTable) NextID() protocol.ServiceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return protocol.ServiceID(t.nextID)
}

// Register creates a new instance entry bound to conn and returns the
// Streams source its service implementation should read additional
// streams from.
func (t *InstanceTable) Register(id protocol.ServiceID, conn transport.Connection) Streams {
	ch := make(chan transport.Stream, backlog)
	t.mu.Lock()
	t.insts[id] = &instanceEntry{conn: conn, ch: ch}
	t.mu.Unlock()
	return &channelStreams{ch: ch}
}

// Attach delivers stream to the instance registered under id, provided
// stream arrived on the same Connection the instance was created with
// (§3 invariant: no cross-connection stream attachment). Returns false
// if no such live instance exists on this Connection, or if the
// instance's backlog is full and stream was dropped, in which case the
// caller must reply ServiceNotFound and close the stream itself.
func (t *InstanceTable) Attach(id protocol.ServiceID, conn transport.Connection, stream transport.Stream) bool {
	t.mu.Lock()
	e, ok := t.insts[id]
	t.mu.Unlock()
	if !ok || e.conn != conn {
		return false
	}
	select {
	case e.ch <- stream:
		return true
	default:
		logger.Printf(logger.WARN, "[peer] instance %d backlog full, dropping attach", id)
		return false
	}
}

// Size reports the number of live service instances, for the admin
// status surface.
func (t *InstanceTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.insts)
}

// Drop removes the entry for id and closes its channel, which signals
// end-of-stream to the instance's Streams source (§4.6).
func (t *InstanceTable) Drop(id protocol.ServiceID) {
	t.mu.Lock()
	e, ok := t.insts[id]
	if ok {
		delete(t.insts, id)
	}
	t.mu.Unlock()
	if ok {
		close(e.ch)
	}
}
