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

// Package bearer implements the overlay directory and rendezvous role
// (§4.2): it accepts peer connections, authenticates them via the
// identity-proof handshake, indexes PeerId -> connection, brokers
// cross-peer connections, and optionally publishes into a shared ring
// (§4.3) so other bearers can redirect callers to a peer hosted
// elsewhere.
package bearer

import (
	"context"
	"io"
	"net"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/adminhttp"
	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/proof"
	"github.com/bkchr/carrier/protocol"
	"github.com/bkchr/carrier/ringkv"
	"github.com/bkchr/carrier/transport"
)

// resolveAddr parses a bearer's configured advertise address into the
// exact *net.TCPAddr form proofs are signed against.
func resolveAddr(addr string) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

// Bearer is a running directory/rendezvous node.
type Bearer struct {
	addr      string // this bearer's advertised socket address, as proofs are bound to it
	transport transport.Transport
	directory *Directory
	ring      *ringkv.Ring // nil if this bearer does not participate in a ring
}

// Config groups Bearer's construction parameters (§6.3).
type Config struct {
	Transport     transport.Transport
	AdvertiseAddr string // must match the address peers sign their proof against
	Ring          *ringkv.Ring
}

// New creates a Bearer ready to Run.
func New(cfg Config) *Bearer {
	return &Bearer{
		addr:      cfg.AdvertiseAddr,
		transport: cfg.Transport,
		directory: NewDirectory(),
		ring:      cfg.Ring,
	}
}

// Directory exposes the live directory, for the admin status surface.
func (b *Bearer) Directory() *Directory { return b.directory }

// Status implements adminhttp.StatusSource.
func (b *Bearer) Status() adminhttp.Status {
	return adminhttp.Status{
		Role:          "bearer",
		DirectorySize: b.directory.Size(),
		RingAvailable: b.ring != nil,
	}
}

// Run accepts peer connections until ctx is done.
func (b *Bearer) Run(ctx context.Context) error {
	logger.Printf(logger.INFO, "[bearer] listening, advertised as %s", b.addr)
	for {
		conn, err := b.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Printf(logger.WARN, "[bearer] accept failed: %s", err)
			continue
		}
		go b.handleConnection(ctx, conn)
	}
}

// handleConnection runs the per-connection state machine of §4.2: the
// first inbound stream carries the Hello handshake (AwaitingHello), then
// every further control frame on that same stream is handled in the
// Established state until the stream or connection closes.
func (b *Bearer) handleConnection(ctx context.Context, conn transport.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Printf(logger.WARN, "[bearer] %s: no control stream: %s", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	codec := protocol.NewCodec(stream, "bearer:"+conn.RemoteAddr().String())

	id, ok := b.awaitHello(codec, conn)
	if !ok {
		_ = stream.Close()
		_ = conn.Close()
		return
	}

	defer func() {
		b.directory.Unregister(id, conn)
		_ = stream.Close()
		_ = conn.Close()
	}()

	for {
		msg, err := codec.Receive()
		if err != nil {
			if err != io.EOF {
				logger.Printf(logger.DBG, "[bearer] %s: control stream ended: %s", id.Short(), err)
			}
			return
		}
		b.handleEstablished(ctx, codec, id, msg)
	}
}

// awaitHello implements the AwaitingHello state: the first frame must be
// Hello{proof}, verified against this bearer's own advertised address.
func (b *Bearer) awaitHello(codec *protocol.Codec, conn transport.Connection) (peerid.ID, bool) {
	msg, err := codec.Receive()
	if err != nil {
		return peerid.ID{}, false
	}
	if msg.Hello == nil {
		_ = codec.Send(protocol.NewError("expected Hello"))
		return peerid.ID{}, false
	}
	addr, err := resolveAddr(b.addr)
	if err != nil {
		_ = codec.Send(protocol.NewError("bearer misconfigured"))
		logger.Printf(logger.ERROR, "[bearer] cannot resolve own address %q: %s", b.addr, err)
		return peerid.ID{}, false
	}
	p := proof.FromBytes(msg.Hello.Proof)
	valid, err := proof.Verify(conn.RemotePublicKey(), addr, p)
	if err != nil || !valid {
		_ = codec.Send(protocol.NewError("proof invalid"))
		logger.Printf(logger.WARN, "[bearer] proof verification failed for %s: %v", conn.RemoteAddr(), err)
		return peerid.ID{}, false
	}
	id := conn.RemotePeerID()
	b.directory.Register(id, conn)
	if b.ring != nil {
		if err := b.ring.Publish(id, conn.RemotePublicKey(), p, addr); err != nil {
			logger.Printf(logger.WARN, "[bearer] ring publish for %s failed: %s", id.Short(), err)
		}
	}
	return id, true
}

// handleEstablished implements the Established state's single meaningful
// transition: ConnectToPeer brokering. All other message kinds are
// ignored per §4.2.
func (b *Bearer) handleEstablished(ctx context.Context, codec *protocol.Codec, requester peerid.ID, msg protocol.Protocol) {
	if msg.ConnectToPeer == nil {
		return
	}
	target := msg.ConnectToPeer.PubKey
	connID := msg.ConnectToPeer.ConnectionID

	if targetConn, ok := b.directory.Lookup(target); ok {
		go func() {
			if err := targetConn.AcceptBroker(ctx, connID); err != nil {
				logger.Printf(logger.WARN, "[bearer] brokering %s -> %s failed: %s", requester.Short(), target.Short(), err)
			}
		}()
		return
	}

	if b.ring != nil {
		if addr, _, err := b.ring.Lookup(target); err == nil {
			logger.Printf(logger.INFO, "[bearer] redirecting %s to %s for peer %s", requester.Short(), addr, target.Short())
			_ = codec.Send(protocol.NewPeerOnBearer(addr))
			return
		}
	}

	_ = codec.Send(protocol.NewPeerNotFound())
}
