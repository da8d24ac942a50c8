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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/bfix/gospel/logger"
	"github.com/quic-go/quic-go"

	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/protocol"
)

// quicALPN is the ALPN protocol identifier peers negotiate, so a Carrier
// listener never accepts an unrelated QUIC client by accident.
const quicALPN = "carrier/1"

// QUICTransport is the production Transport: authenticated (mTLS),
// multiplexed connections over QUIC. It listens and dials from the same
// UDP socket (via quic.Transport), so that a brokered peer's outbound
// dial-back (AcceptBroker) and the original requester's still-open
// mapping toward the bearer (Broker) can meet on the address pair the
// bearer observed — classic rendezvous hole punching. Symmetric-NAT
// traversal or relay fallback beyond that is the external transport's
// documented responsibility (§4.1), not re-implemented here.
type QUICTransport struct {
	raw      *quic.Transport
	listener *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config
}

// NewQUICTransport creates a transport listening on addr, presenting
// certFile/keyFile and requiring/validating peer certificates against
// trustedCAs (a directory or PEM bundle of accepted peer certificates,
// matching §6.3's "trusted incoming/outgoing CAs" configuration knob).
func NewQUICTransport(addr, certFile, keyFile, trustedCAs string) (*QUICTransport, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: loading certificate: %w", err)
	}
	pool, err := loadTrustedPool(trustedCAs)
	if err != nil {
		return nil, fmt.Errorf("transport: loading trusted CAs: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
		NextProtos:   []string{quicALPN},
	}
	quicConf := &quic.Config{}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving %s: %w", addr, err)
	}
	pconn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	raw := &quic.Transport{Conn: pconn}
	listener, err := raw.Listen(tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return &QUICTransport{raw: raw, listener: listener, tlsConf: tlsConf, quicConf: quicConf}, nil
}

func loadTrustedPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}
	var loaded int
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if pool.AppendCertsFromPEM(data) {
			loaded++
		}
	}
	if loaded == 0 {
		return nil, fmt.Errorf("transport: no certificates found under %s", path)
	}
	return pool, nil
}

// Accept waits for the next inbound QUIC connection and verifies its
// peer certificate chain.
func (t *QUICTransport) Accept(ctx context.Context) (Connection, error) {
	conn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newQUICConnection(conn, t)
}

// Connect dials addr and performs the mTLS handshake.
func (t *QUICTransport) Connect(ctx context.Context, addr string) (Connection, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving %s: %w", addr, err)
	}
	conn, err := t.raw.Dial(ctx, udpAddr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return newQUICConnection(conn, t)
}

// Close stops accepting new connections and releases the UDP socket.
func (t *QUICTransport) Close() error {
	err := t.listener.Close()
	if cerr := t.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// quicConnection adapts a quic.Connection to the Connection interface.
type quicConnection struct {
	conn      quic.Connection
	transport *QUICTransport
	remoteID  peerid.ID
	remotePub ed25519.PublicKey
}

func newQUICConnection(conn quic.Connection, t *QUICTransport) (*quicConnection, error) {
	state := conn.ConnectionState().TLS
	id, err := peerid.FromLeafCertificate(state.PeerCertificates)
	if err != nil {
		_ = conn.CloseWithError(0, "missing peer certificate")
		return nil, fmt.Errorf("transport: %w", err)
	}
	var pub ed25519.PublicKey
	if len(state.PeerCertificates) > 0 {
		if edPub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey); ok {
			pub = edPub
		}
	}
	if pub == nil {
		_ = conn.CloseWithError(0, "unsupported peer public key type")
		return nil, fmt.Errorf("transport: peer certificate is not an Ed25519 key")
	}
	return &quicConnection{conn: conn, transport: t, remoteID: id, remotePub: pub}, nil
}

func (c *quicConnection) RemotePeerID() peerid.ID            { return c.remoteID }
func (c *quicConnection) RemotePublicKey() ed25519.PublicKey { return c.remotePub }
func (c *quicConnection) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicConnection) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }

func (c *quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Broker sends ConnectToPeer over controlStream and waits for either the
// brokered Connection to arrive (via the process-wide registry, once the
// bearer's AcceptBroker call completes) or a failure reply on the same
// control stream.
func (c *quicConnection) Broker(ctx context.Context, target peerid.ID, controlStream Stream, connID protocol.ConnectionID) (Connection, error) {
	codec := protocol.NewCodec(controlStream, "quic:broker")
	resultCh := globalBrokerRegistry.register(connID, c)
	if err := codec.Send(protocol.NewConnectToPeer(target, connID)); err != nil {
		globalBrokerRegistry.forget(connID)
		return nil, err
	}

	replyCh := make(chan protocol.Protocol, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := codec.Receive()
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- msg
	}()

	select {
	case conn := <-resultCh:
		return conn, nil
	case msg := <-replyCh:
		globalBrokerRegistry.forget(connID)
		switch {
		case msg.PeerNotFound != nil:
			return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, target)
		case msg.PeerOnBearer != nil:
			return nil, &RedirectError{Addr: msg.PeerOnBearer.Addr}
		default:
			return nil, fmt.Errorf("transport: unexpected reply while brokering")
		}
	case err := <-errCh:
		globalBrokerRegistry.forget(connID)
		return nil, err
	case <-ctx.Done():
		globalBrokerRegistry.forget(connID)
		return nil, ctx.Err()
	}
}

// AcceptBroker dials back out, from this connection's own listening
// socket, to the requester's bearer-observed address, so the
// requester's blocked Broker call (waiting on a fresh inbound
// connection on that same socket) completes. This relies on the
// requester's UDP mapping still being open toward the bearer (classic
// rendezvous hole punching); genuine symmetric-NAT traversal or relay
// fallback beyond that is the external transport's documented
// responsibility (§4.1), not re-implemented here.
func (c *quicConnection) AcceptBroker(ctx context.Context, connID protocol.ConnectionID) error {
	sess, ok := globalBrokerRegistry.lookup(connID)
	if !ok {
		return ErrBrokerSessionGone
	}
	requester, ok := sess.requester.(*quicConnection)
	if !ok {
		return fmt.Errorf("transport: broker requester of unexpected type")
	}
	udpAddr, ok := requester.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("transport: requester address is not UDP")
	}
	conn, err := c.transport.raw.Dial(ctx, udpAddr, c.transport.tlsConf, c.transport.quicConf)
	if err != nil {
		logger.Printf(logger.WARN, "[transport] brokered dial-back to %s failed: %s", udpAddr, err)
		globalBrokerRegistry.forget(connID)
		return fmt.Errorf("transport: brokered dial-back: %w", err)
	}
	brokered, err := newQUICConnection(conn, c.transport)
	if err != nil {
		return err
	}
	if !globalBrokerRegistry.deliver(connID, brokered) {
		_ = brokered.Close()
		return ErrBrokerSessionGone
	}
	return nil
}

func (c *quicConnection) Close() error {
	return c.conn.CloseWithError(0, "")
}
