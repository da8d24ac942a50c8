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
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/proof"
	"github.com/bkchr/carrier/protocol"
	"github.com/bkchr/carrier/ringkv"
	"github.com/bkchr/carrier/transport"
)

const testBearerAddr = "127.0.0.1:4000"

// memStore is a map-backed ringkv.Store, used here only to exercise the
// bearer's redirect path without a real backend.
type memStore struct{ data map[string]string }

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (s *memStore) PutBatch(kvs map[string]string) error {
	for k, v := range kvs {
		s.data[k] = v
	}
	return nil
}

func (s *memStore) GetBatch(keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok := s.data[k]
		if !ok {
			return nil, errors.New("ringkv: key not found")
		}
		result[k] = v
	}
	return result, nil
}

func (s *memStore) List() ([]string, error) {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// testPeer bundles the identity material a fake peer needs to dial a
// bearer and complete the Hello handshake.
type testPeer struct {
	id        peerid.ID
	pub       ed25519.PublicKey
	priv      ed25519.PrivateKey
	transport *transport.FakeTransport
}

func newTestPeer(t *testing.T, label string) *testPeer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	id := peerid.FromPublicKey(der)
	tp := transport.NewFakeTransport(id, pub, label)
	t.Cleanup(func() { _ = tp.Close() })
	return &testPeer{id: id, pub: pub, priv: priv, transport: tp}
}

// handshake dials bearerAddr and completes Hello, returning the client-side
// connection, its control stream and codec, ready for further control
// frames (e.g. ConnectToPeer).
func (tp *testPeer) handshake(ctx context.Context, t *testing.T, bearerAddr string) (transport.Connection, transport.Stream, *protocol.Codec) {
	t.Helper()
	conn, err := tp.transport.Connect(ctx, bearerAddr)
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %s", err)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", bearerAddr)
	if err != nil {
		t.Fatal(err)
	}
	p, err := proof.Create(tp.priv, tcpAddr)
	if err != nil {
		t.Fatal(err)
	}
	codec := protocol.NewCodec(stream, "test-peer")
	if err := codec.Send(protocol.NewHello(p.Bytes())); err != nil {
		t.Fatalf("Send Hello: %s", err)
	}
	return conn, stream, codec
}

func runBearer(ctx context.Context, t *testing.T, cfg Config) *Bearer {
	t.Helper()
	b := New(cfg)
	go func() { _ = b.Run(ctx) }()
	return b
}

func TestBearerHelloRegistersInDirectory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bTransport := transport.NewFakeTransport(peerid.ID{}, nil, testBearerAddr)
	t.Cleanup(func() { _ = bTransport.Close() })
	b := runBearer(ctx, t, Config{Transport: bTransport, AdvertiseAddr: testBearerAddr})

	alice := newTestPeer(t, "alice")
	alice.handshake(ctx, t, testBearerAddr)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := b.Directory().Lookup(alice.id); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("alice was never registered in the bearer's directory")
}

func TestBearerHelloRejectsBadProof(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bTransport := transport.NewFakeTransport(peerid.ID{}, nil, testBearerAddr+"2")
	t.Cleanup(func() { _ = bTransport.Close() })
	b := runBearer(ctx, t, Config{Transport: bTransport, AdvertiseAddr: testBearerAddr + "2"})

	alice := newTestPeer(t, "alice-bad")
	conn, err := alice.transport.Connect(ctx, testBearerAddr+"2")
	if err != nil {
		t.Fatal(err)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// sign a proof for the wrong address
	wrongAddr, _ := net.ResolveTCPAddr("tcp", "10.0.0.1:1")
	p, err := proof.Create(alice.priv, wrongAddr)
	if err != nil {
		t.Fatal(err)
	}
	codec := protocol.NewCodec(stream, "test")
	if err := codec.Send(protocol.NewHello(p.Bytes())); err != nil {
		t.Fatal(err)
	}

	msg, err := codec.Receive()
	if err != nil {
		t.Fatalf("expected an Error reply, got err: %s", err)
	}
	if msg.Error == nil {
		t.Fatalf("expected Error frame, got %s", msg.Variant())
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := b.Directory().Lookup(alice.id); ok {
			t.Fatal("peer with an invalid proof must not be registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBearerBrokersLocalConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := testBearerAddr + "3"
	bTransport := transport.NewFakeTransport(peerid.ID{}, nil, addr)
	t.Cleanup(func() { _ = bTransport.Close() })
	b := runBearer(ctx, t, Config{Transport: bTransport, AdvertiseAddr: addr})

	alice := newTestPeer(t, "alice3")
	bob := newTestPeer(t, "bob3")

	aliceConn, aliceStream, _ := alice.handshake(ctx, t, addr)
	bob.handshake(ctx, t, addr)

	// wait for both registrations before brokering
	deadline := time.Now().Add(time.Second)
	for {
		_, aok := b.Directory().Lookup(alice.id)
		_, bok := b.Directory().Lookup(bob.id)
		if aok && bok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alice and bob were never both registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// bob's own transport must accept the brokered direct connection
	bobDirectCh := make(chan transport.Connection, 1)
	go func() {
		c, err := bob.transport.Accept(ctx)
		if err != nil {
			return
		}
		bobDirectCh <- c
	}()

	connID := protocol.ConnectionID(1)
	brokerErrCh := make(chan error, 1)
	var brokered transport.Connection
	go func() {
		var err error
		brokered, err = aliceConn.Broker(ctx, bob.id, aliceStream, connID)
		brokerErrCh <- err
	}()

	select {
	case err := <-brokerErrCh:
		if err != nil {
			t.Fatalf("Broker: %s", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for Broker to complete")
	}
	if brokered == nil {
		t.Fatal("Broker returned a nil connection")
	}
	if brokered.RemotePeerID() != bob.id {
		t.Fatalf("brokered connection points at %s, want %s", brokered.RemotePeerID(), bob.id)
	}

	select {
	case bobSide := <-bobDirectCh:
		if bobSide.RemotePeerID() != alice.id {
			t.Fatalf("bob's brokered connection points at %s, want %s", bobSide.RemotePeerID(), alice.id)
		}
	case <-ctx.Done():
		t.Fatal("bob never received the brokered connection")
	}
}

func TestBearerPeerNotFoundWhenUnknown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := testBearerAddr + "4"
	bTransport := transport.NewFakeTransport(peerid.ID{}, nil, addr)
	t.Cleanup(func() { _ = bTransport.Close() })
	runBearer(ctx, t, Config{Transport: bTransport, AdvertiseAddr: addr})

	alice := newTestPeer(t, "alice4")
	_, _, codec := alice.handshake(ctx, t, addr)

	unknown := peerid.ID{0xff}
	if err := codec.Send(protocol.NewConnectToPeer(unknown, protocol.ConnectionID(7))); err != nil {
		t.Fatal(err)
	}
	msg, err := codec.Receive()
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	if msg.PeerNotFound == nil {
		t.Fatalf("expected PeerNotFound, got %s", msg.Variant())
	}
}

func TestBearerRedirectsViaRing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := testBearerAddr + "5"
	bTransport := transport.NewFakeTransport(peerid.ID{}, nil, addr)
	t.Cleanup(func() { _ = bTransport.Close() })

	ring := ringkv.New(newMemStore())
	remotePub, remotePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(remotePub)
	if err != nil {
		t.Fatal(err)
	}
	remoteID := peerid.FromPublicKey(der)
	remoteBearerAddr, err := net.ResolveTCPAddr("tcp", "203.0.113.1:4000")
	if err != nil {
		t.Fatal(err)
	}
	remoteProof, err := proof.Create(remotePriv, remoteBearerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := ring.Publish(remoteID, remotePub, remoteProof, remoteBearerAddr); err != nil {
		t.Fatal(err)
	}

	runBearer(ctx, t, Config{Transport: bTransport, AdvertiseAddr: addr, Ring: ring})

	alice := newTestPeer(t, "alice5")
	_, _, codec := alice.handshake(ctx, t, addr)

	if err := codec.Send(protocol.NewConnectToPeer(remoteID, protocol.ConnectionID(9))); err != nil {
		t.Fatal(err)
	}
	msg, err := codec.Receive()
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	if msg.PeerOnBearer == nil {
		t.Fatalf("expected PeerOnBearer, got %s", msg.Variant())
	}
	if msg.PeerOnBearer.Addr != remoteBearerAddr.String() {
		t.Fatalf("redirect pointed at %s, want %s", msg.PeerOnBearer.Addr, remoteBearerAddr)
	}
}
