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

// Package peer implements the peer session: the outbound bearer
// connection, inbound stream dispatch, the service registry, and the
// per-instance stream router (§4.4–§4.6).
package peer

import (
	"context"

	"github.com/bkchr/carrier/transport"
)

// Streams is an inbound source of additional Streams attached to a live
// service instance after its first Stream (§4.5). Next blocks until a
// Stream is attached, ctx is done, or the instance is dropped (in which
// case ok is false).
type Streams interface {
	Next(ctx context.Context) (stream transport.Stream, ok bool)
}

// NewStreamHandle lets a running service instance open further outbound
// streams against the same remote instance (§4.5): it opens a transport
// stream, sends ConnectToService{remote_id}, and waits for
// ServiceConnected before handing back the now-unframed Stream.
type NewStreamHandle interface {
	Open(ctx context.Context) (transport.Stream, error)
}

// ClientResult is the terminal outcome of a client-side service run,
// handed back to the caller of RunService. Its Data/Err contents are
// entirely service-defined (§7 ServiceError: opaque to the core).
type ClientResult struct {
	Data []byte
	Err  error
}

// Service is the contract a concrete service implements to plug into the
// core (§4.5). Server and client sides are run as separate goroutines by
// the peer session; a Service value is stateless and reused across
// instances.
type Service interface {
	// Name is the string clients pass to RequestServiceStart to select
	// this service.
	Name() string

	// StartServer runs the accepting side of one instance until
	// completion. first is the stream RequestServiceStart arrived on,
	// already stripped of control framing.
	StartServer(ctx context.Context, first transport.Stream, streams Streams, handle NewStreamHandle)

	// StartClient runs the initiating side of one instance and reports
	// its terminal result on the returned channel (exactly one value,
	// then closed).
	StartClient(ctx context.Context, first transport.Stream, streams Streams, handle NewStreamHandle) <-chan ClientResult
}
