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
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/protocol"
)

// fakeNetwork is the process-wide address book FakeTransport instances
// register themselves in, so Connect(addr) can find a listening peer
// without any real sockets. Used exclusively by tests.
var fakeNetwork = struct {
	mu        sync.Mutex
	listeners map[string]*FakeTransport
}{listeners: make(map[string]*FakeTransport)}

// FakeTransport is an in-memory stand-in for the real QUIC+mTLS transport
// (§8.1), sufficient to exercise the whole control plane without a real
// network.
type FakeTransport struct {
	localID   peerid.ID
	pubKey    ed25519.PublicKey
	addr      string
	incoming  chan Connection
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFakeTransport creates and registers a fake transport reachable at
// addr (an arbitrary, process-unique label, not a real network address).
// pubKey is the long-lived public key id was derived from; the fake
// transport hands it to peers it connects to, standing in for the
// certificate-chain extraction a real mTLS handshake would perform.
func NewFakeTransport(id peerid.ID, pubKey ed25519.PublicKey, addr string) *FakeTransport {
	t := &FakeTransport{
		localID:  id,
		pubKey:   pubKey,
		addr:     addr,
		incoming: make(chan Connection, 16),
		closed:   make(chan struct{}),
	}
	fakeNetwork.mu.Lock()
	fakeNetwork.listeners[addr] = t
	fakeNetwork.mu.Unlock()
	return t
}

func (t *FakeTransport) Accept(ctx context.Context) (Connection, error) {
	select {
	case c := <-t.incoming:
		return c, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *FakeTransport) Connect(ctx context.Context, addr string) (Connection, error) {
	fakeNetwork.mu.Lock()
	target, ok := fakeNetwork.listeners[addr]
	fakeNetwork.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake transport: no listener at %q", addr)
	}
	clientConn, serverConn := pairFakeConnections(t, target)
	select {
	case target.incoming <- serverConn:
		return clientConn, nil
	case <-target.closed:
		return nil, fmt.Errorf("fake transport: %q is closed", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *FakeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		fakeNetwork.mu.Lock()
		if fakeNetwork.listeners[t.addr] == t {
			delete(fakeNetwork.listeners, t.addr)
		}
		fakeNetwork.mu.Unlock()
	})
	return nil
}

// fakeAddr is a net.Addr for the fake transport's made-up address space.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// FakeConnection is the Connection implementation backing FakeTransport.
type FakeConnection struct {
	localID, remoteID     peerid.ID
	remotePubKey          ed25519.PublicKey
	localAddr, remoteAddr net.Addr
	transport             *FakeTransport
	peerSide              *FakeConnection // the other endpoint of this logical connection
	streamsIn             chan Stream
	closed                chan struct{}
	closeOnce             sync.Once
}

// pairFakeConnections builds the two ends of one logical Connection
// between two fake transports, without registering with anyone.
func pairFakeConnections(from, to *FakeTransport) (*FakeConnection, *FakeConnection) {
	a := &FakeConnection{
		localID: from.localID, remoteID: to.localID, remotePubKey: to.pubKey,
		localAddr: fakeAddr(from.addr), remoteAddr: fakeAddr(to.addr),
		transport: from,
		streamsIn: make(chan Stream, 16),
		closed:    make(chan struct{}),
	}
	b := &FakeConnection{
		localID: to.localID, remoteID: from.localID, remotePubKey: from.pubKey,
		localAddr: fakeAddr(to.addr), remoteAddr: fakeAddr(from.addr),
		transport: to,
		streamsIn: make(chan Stream, 16),
		closed:    make(chan struct{}),
	}
	a.peerSide = b
	b.peerSide = a
	return a, b
}

func (c *FakeConnection) RemotePeerID() peerid.ID             { return c.remoteID }
func (c *FakeConnection) RemotePublicKey() ed25519.PublicKey  { return c.remotePubKey }
func (c *FakeConnection) LocalAddr() net.Addr                 { return c.localAddr }
func (c *FakeConnection) RemoteAddr() net.Addr                { return c.remoteAddr }

func (c *FakeConnection) OpenStream(ctx context.Context) (Stream, error) {
	a, b := net.Pipe()
	select {
	case c.peerSide.streamsIn <- b:
		return a, nil
	case <-c.closed:
		_ = a.Close()
		_ = b.Close()
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		return nil, ctx.Err()
	}
}

func (c *FakeConnection) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streamsIn:
		return s, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FakeConnection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Broker implements the requester side: send ConnectToPeer on
// controlStream, then race a brokered Connection showing up against a
// reply frame (PeerNotFound / PeerOnBearer) on the same stream.
func (c *FakeConnection) Broker(ctx context.Context, target peerid.ID, controlStream Stream, connID protocol.ConnectionID) (Connection, error) {
	codec := protocol.NewCodec(controlStream, "broker")
	resultCh := globalBrokerRegistry.register(connID, c)
	if err := codec.Send(protocol.NewConnectToPeer(target, connID)); err != nil {
		globalBrokerRegistry.forget(connID)
		return nil, err
	}

	type frameResult struct {
		msg protocol.Protocol
		err error
	}
	frameCh := make(chan frameResult, 1)
	go func() {
		msg, err := codec.Receive()
		frameCh <- frameResult{msg, err}
	}()

	select {
	case conn := <-resultCh:
		return conn, nil
	case fr := <-frameCh:
		globalBrokerRegistry.forget(connID)
		if fr.err != nil {
			return nil, fr.err
		}
		switch {
		case fr.msg.PeerNotFound != nil:
			return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, target)
		case fr.msg.PeerOnBearer != nil:
			return nil, &RedirectError{Addr: fr.msg.PeerOnBearer.Addr}
		default:
			return nil, fmt.Errorf("transport: unexpected frame during broker: %s", fr.msg.Variant())
		}
	case <-ctx.Done():
		globalBrokerRegistry.forget(connID)
		return nil, ctx.Err()
	}
}

// AcceptBroker implements the bearer side: c is the bearer's Connection
// handle to the *target* peer. Build a fresh direct Connection pair
// between the requester and the target, deliver one end to the target's
// own Accept loop and the other to the requester's pending Broker call.
func (c *FakeConnection) AcceptBroker(ctx context.Context, connID protocol.ConnectionID) error {
	sess, ok := globalBrokerRegistry.lookup(connID)
	if !ok {
		return ErrBrokerSessionGone
	}
	requester, ok := sess.requester.(*FakeConnection)
	if !ok {
		return fmt.Errorf("transport: broker requester is not a fake connection")
	}
	targetTransport := c.peerSide.transport
	requesterTransport := requester.transport

	aSide, bSide := pairFakeConnections(requesterTransport, targetTransport)

	select {
	case targetTransport.incoming <- bSide:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !globalBrokerRegistry.deliver(connID, aSide) {
		return ErrBrokerSessionGone
	}
	return nil
}
