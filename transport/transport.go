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

// Package transport defines the narrow surface Carrier needs from the
// underlying authenticated, multi-stream transport (§4.1, §6). The
// concrete transport (QUIC + mTLS) is an external collaborator; this
// package only names the interface. Two implementations are provided:
// an in-memory fake (faketransport.go) used by the test suite, and a
// quic-go-backed adapter (quictransport.go) for production use.
package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/protocol"
)

// Stream is an ordered, reliable, bidirectional byte channel inside a
// Connection (§3). It speaks the control protocol until handed to a
// service instance, at which point it carries opaque application bytes.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Connection is an authenticated point-to-point channel carrying many
// Streams (§3).
type Connection interface {
	// RemotePeerID is the PeerID extracted from the remote side's
	// certificate chain during the transport handshake.
	RemotePeerID() peerid.ID

	// RemotePublicKey is the long-lived public key RemotePeerID was
	// derived from, as extracted from the remote side's certificate
	// chain. The bearer needs the actual key (not just its hash) to
	// verify a peer's Hello proof (§4.2, §4.7).
	RemotePublicKey() ed25519.PublicKey

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// OpenStream opens a new outbound Stream on this Connection.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks for the next inbound Stream opened by the
	// remote side.
	AcceptStream(ctx context.Context) (Stream, error)

	// Broker asks the transport to establish a direct Connection to
	// target, via the rendezvous protocol run over controlStream (the
	// caller's existing control stream to a bearer). It blocks until the
	// brokered Connection is ready, the bearer replies with a failure
	// (surfaced as ErrPeerNotFound or *RedirectError), or ctx is done.
	Broker(ctx context.Context, target peerid.ID, controlStream Stream, connID protocol.ConnectionID) (Connection, error)

	// AcceptBroker is called on a Bearer's Connection handle to a
	// *target* peer, once the bearer has matched an incoming
	// ConnectToPeer request to that peer locally. It hands connID to the
	// target's transport so both sides complete the direct connection
	// that the requester's Broker call is waiting on.
	AcceptBroker(ctx context.Context, connID protocol.ConnectionID) error

	Close() error
}

// Transport is the top-level entry point: accepting inbound Connections
// and dialing outbound ones.
type Transport interface {
	Accept(ctx context.Context) (Connection, error)
	Connect(ctx context.Context, addr string) (Connection, error)
	Close() error
}

// ErrPeerNotFound is returned by Broker when the bearer has no directory
// or ring entry for the requested PeerID.
var ErrPeerNotFound = errors.New("transport: peer not found")

// ErrBrokerSessionGone is returned by AcceptBroker when no requester is
// (or is no longer) waiting on the given connection id.
var ErrBrokerSessionGone = errors.New("transport: broker session not found")

// RedirectError is returned by Broker when a ring hit pointed at a
// different bearer (§4.2 ring redirect semantics, Open Question 1 choice
// (a)).
type RedirectError struct {
	Addr string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("transport: peer hosted on bearer %s", e.Addr)
}
