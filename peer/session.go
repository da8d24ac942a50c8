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
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/adminhttp"
	"github.com/bkchr/carrier/bearerdiscovery"
	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/proof"
	"github.com/bkchr/carrier/protocol"
	"github.com/bkchr/carrier/transport"
)

// maxBrokerRedirects bounds how many PeerOnBearer hops RunService will
// follow (§9 Open Question 1) before giving up, so a misbehaving or
// cyclic ring can never wedge a caller in an infinite redirect loop.
const maxBrokerRedirects = 4

// Config groups Peer's construction parameters (§6.3).
type Config struct {
	Transport   transport.Transport
	PrivateKey  ed25519.PrivateKey
	BearerAddrs []string // candidate bearer names/addresses, tried in order (§4.4)
	DNSServers  []string // nameservers used to resolve BearerAddrs via bearerdiscovery (§4.9)
	Services    []Service
}

// Peer is a running peer session: one outbound control connection to a
// bearer, a service registry, and the instance router (§4.4).
type Peer struct {
	transport  transport.Transport
	privKey    ed25519.PrivateKey
	addrs      []string
	dnsServers []string
	registry   *ServiceRegistry
	instances  *InstanceTable

	bearerConn   transport.Connection
	bearerStream transport.Stream

	nextConnID  uint64
	activeConns int64 // connections currently serviced by handleConnectionStreams
}

// Status implements adminhttp.StatusSource.
func (p *Peer) Status() adminhttp.Status {
	return adminhttp.Status{
		Role:             "peer",
		ConnectedPeers:   int(atomic.LoadInt64(&p.activeConns)),
		ServiceInstances: p.instances.Size(),
	}
}

// New creates a Peer. Call ConnectBearer before Run or RunService.
func New(cfg Config) *Peer {
	return &Peer{
		transport:  cfg.Transport,
		privKey:    cfg.PrivateKey,
		addrs:      cfg.BearerAddrs,
		dnsServers: cfg.DNSServers,
		registry:   NewServiceRegistry(cfg.Services...),
		instances:  NewInstanceTable(),
	}
}

// ConnectBearer resolves each configured bearer name via bearerdiscovery
// (§4.9) and dials the resulting candidates in priority order (§4.4
// "rotate through a list of candidate addresses"), sends Hello with a
// proof bound to whichever address succeeded, and starts the background
// goroutines that service that connection.
func (p *Peer) ConnectBearer(ctx context.Context) error {
	var lastErr error
	for _, name := range p.addrs {
		candidates, err := bearerdiscovery.Resolve(name, p.dnsServers)
		if err != nil {
			lastErr = err
			logger.Printf(logger.WARN, "[peer] resolving bearer %s failed: %s", name, err)
			continue
		}
		for _, cand := range candidates {
			conn, stream, err := p.dialBearer(ctx, cand.Addr)
			if err != nil {
				lastErr = err
				logger.Printf(logger.WARN, "[peer] bearer %s unreachable: %s", cand.Addr, err)
				continue
			}
			p.bearerConn = conn
			p.bearerStream = stream
			logger.Printf(logger.INFO, "[peer] connected to bearer %s", cand.Addr)
			go p.handleConnectionStreams(ctx, conn)
			go p.drainBearerControl(protocol.NewCodec(stream, "peer:bearer"))
			return nil
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %s", ErrNoBearer, lastErr)
	}
	return ErrNoBearer
}

// dialBearer dials addr and performs the Hello handshake, proving
// ownership of p.privKey for the address the remote observes. It does not
// touch p.bearerConn/p.bearerStream, so it is also used to dial a
// redirect target without disturbing the peer's primary bearer session.
func (p *Peer) dialBearer(ctx context.Context, addr string) (transport.Connection, transport.Stream, error) {
	conn, err := p.transport.Connect(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		_ = stream.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	pr, err := proof.Create(p.privKey, tcpAddr)
	if err != nil {
		_ = stream.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("peer: creating proof: %w", err)
	}
	codec := protocol.NewCodec(stream, "peer:bearer")
	if err := codec.Send(protocol.NewHello(pr.Bytes())); err != nil {
		_ = stream.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, stream, nil
}

// drainBearerControl logs any further frame the bearer sends on the
// control stream (in practice only Error, per §6.1).
func (p *Peer) drainBearerControl(codec *protocol.Codec) {
	for {
		msg, err := codec.Receive()
		if err != nil {
			if err != io.EOF {
				logger.Printf(logger.WARN, "[peer] bearer control stream ended: %s", err)
			}
			return
		}
		if msg.Error != nil {
			logger.Printf(logger.WARN, "[peer] bearer reported error: %s", msg.Error.Msg)
		}
	}
}

// handleConnectionStreams accepts every inbound Stream on conn for the
// lifetime of the connection and dispatches each to handleInboundStream
// (§4.4). Used both for connections the transport hands us via Accept
// (we are the brokered target) and for connections RunService obtains
// from Broker (we are the requester, and the remote may open back-streams).
func (p *Peer) handleConnectionStreams(ctx context.Context, conn transport.Connection) {
	atomic.AddInt64(&p.activeConns, 1)
	defer atomic.AddInt64(&p.activeConns, -1)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go p.handleInboundStream(ctx, conn, stream)
	}
}

// Run accepts brokered inbound connections (other peers connecting to us
// after the bearer completed rendezvous) until ctx is done.
func (p *Peer) Run(ctx context.Context) error {
	for {
		conn, err := p.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Printf(logger.WARN, "[peer] accept failed: %s", err)
			continue
		}
		go p.handleConnectionStreams(ctx, conn)
	}
}

// handleInboundStream reads exactly one control frame from a freshly
// accepted Stream and dispatches it (§4.4).
func (p *Peer) handleInboundStream(ctx context.Context, conn transport.Connection, stream transport.Stream) {
	codec := protocol.NewCodec(stream, "peer:inbound")
	msg, err := codec.Receive()
	if err != nil {
		_ = stream.Close()
		return
	}
	switch {
	case msg.ConnectToService != nil:
		id := msg.ConnectToService.ID
		if p.instances.Attach(id, conn, stream) {
			_ = codec.Send(protocol.NewServiceConnected())
		} else {
			_ = codec.Send(protocol.NewServiceNotFound())
			_ = stream.Close()
		}

	case msg.RequestServiceStart != nil:
		name := msg.RequestServiceStart.Name
		svc, ok := p.registry.Lookup(name)
		if !ok {
			_ = codec.Send(protocol.NewServiceNotFound())
			_ = stream.Close()
			return
		}
		id := p.instances.NextID()
		streamsSrc := p.instances.Register(id, conn)
		if err := codec.Send(protocol.NewServiceStarted(id)); err != nil {
			p.instances.Drop(id)
			_ = stream.Close()
			return
		}
		handle := &streamHandle{conn: conn, remoteID: msg.RequestServiceStart.LocalID}
		go func() {
			svc.StartServer(ctx, stream, streamsSrc, handle)
			p.instances.Drop(id)
		}()

	default:
		logger.Printf(logger.DBG, "[peer] unexpected inbound frame %s, closing", msg.Variant())
		_ = stream.Close()
	}
}

// RunService implements the outbound run_service flow (§4.4): broker a
// connection to target, request the named service, and run its
// client side. The returned channel receives exactly one ClientResult.
func (p *Peer) RunService(ctx context.Context, svc Service, target peerid.ID) <-chan ClientResult {
	out := make(chan ClientResult, 1)
	go func() {
		defer close(out)
		conn, err := p.brokerWithRedirects(ctx, target)
		if err != nil {
			out <- ClientResult{Err: err}
			return
		}
		go p.handleConnectionStreams(ctx, conn)

		stream, err := conn.OpenStream(ctx)
		if err != nil {
			out <- ClientResult{Err: err}
			return
		}
		codec := protocol.NewCodec(stream, "peer:client")
		localID := p.instances.NextID()
		streamsSrc := p.instances.Register(localID, conn)
		if err := codec.Send(protocol.NewRequestServiceStart(svc.Name(), localID)); err != nil {
			p.instances.Drop(localID)
			out <- ClientResult{Err: err}
			return
		}
		msg, err := codec.Receive()
		if err != nil {
			p.instances.Drop(localID)
			out <- ClientResult{Err: fmt.Errorf("%w: %s", ErrConnectionClosed, err)}
			return
		}
		switch {
		case msg.ServiceStarted != nil:
			handle := &streamHandle{conn: conn, remoteID: msg.ServiceStarted.ID}
			clientDone := svc.StartClient(ctx, stream, streamsSrc, handle)
			result := <-clientDone
			p.instances.Drop(localID)
			out <- result
		case msg.ServiceNotFound != nil:
			p.instances.Drop(localID)
			out <- ClientResult{Err: fmt.Errorf("%w: %s", ErrServiceNotFound, svc.Name())}
		default:
			p.instances.Drop(localID)
			out <- ClientResult{Err: fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, msg.Variant())}
		}
	}()
	return out
}

// brokerWithRedirects brokers a connection to target through the current
// bearer, following PeerOnBearer redirects up to maxBrokerRedirects hops
// (§9 Open Question 1: "the caller retries against the named bearer").
// Each redirect dials the named bearer directly, independent of the
// peer's primary bearer session, and retries Broker there.
func (p *Peer) brokerWithRedirects(ctx context.Context, target peerid.ID) (transport.Connection, error) {
	bearerConn, bearerStream := p.bearerConn, p.bearerStream
	for hop := 0; hop < maxBrokerRedirects; hop++ {
		connID := protocol.ConnectionID(atomic.AddUint64(&p.nextConnID, 1))
		conn, err := bearerConn.Broker(ctx, target, bearerStream, connID)
		if err == nil {
			return conn, nil
		}
		var redirect *transport.RedirectError
		if !errors.As(err, &redirect) {
			return nil, err
		}
		logger.Printf(logger.INFO, "[peer] %s redirected to bearer %s, retrying", target.Short(), redirect.Addr)
		if bearerConn != p.bearerConn {
			_ = bearerStream.Close()
			_ = bearerConn.Close()
		}
		bearerConn, bearerStream, err = p.dialBearer(ctx, redirect.Addr)
		if err != nil {
			return nil, fmt.Errorf("peer: following redirect to %s: %w", redirect.Addr, err)
		}
	}
	return nil, fmt.Errorf("peer: too many bearer redirects looking up %s", target.Short())
}

// Close tears down the bearer control stream and the bearer connection.
// Connections obtained through Broker or accepted by Run are not closed
// by it, nor are the service instances running on them.
func (p *Peer) Close() error {
	if p.bearerStream != nil {
		_ = p.bearerStream.Close()
	}
	if p.bearerConn != nil {
		return p.bearerConn.Close()
	}
	return nil
}
