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

package peer_test

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bkchr/carrier/bearer"
	"github.com/bkchr/carrier/peer"
	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/transport"
)

// pingpongService is a multi-stream test fixture: unlike the bundled echo
// fixture, it never relies on half-closing a stream to signal end of
// message, since the in-memory FakeConnection streams (net.Pipe) tear down
// both directions on Close. Instead each side exchanges fixed-length
// frames, optionally over an additional stream opened through the handle.
type pingpongService struct {
	// openSecondFromServer drives scenario "peer opens a second stream":
	// the server side, instead of the client, calls handle.Open.
	openSecondFromServer bool
}

func (pingpongService) Name() string { return "pingpong" }

func readExactly(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (s pingpongService) StartServer(ctx context.Context, first transport.Stream, streams peer.Streams, handle peer.NewStreamHandle) {
	defer first.Close()
	req, err := readExactly(first, len("PING"))
	if err != nil || req != "PING" {
		return
	}
	if _, err := first.Write([]byte("PONG")); err != nil {
		return
	}

	if s.openSecondFromServer {
		second, err := handle.Open(ctx)
		if err != nil {
			return
		}
		defer second.Close()
		if _, err := second.Write([]byte("PING2")); err != nil {
			return
		}
		_, _ = readExactly(second, len("PONG2"))
		return
	}

	stream, ok := streams.Next(ctx)
	if !ok {
		return
	}
	defer stream.Close()
	req2, err := readExactly(stream, len("PING2"))
	if err != nil || req2 != "PING2" {
		return
	}
	_, _ = stream.Write([]byte("PONG2"))
}

func (s pingpongService) StartClient(ctx context.Context, first transport.Stream, streams peer.Streams, handle peer.NewStreamHandle) <-chan peer.ClientResult {
	out := make(chan peer.ClientResult, 1)
	go func() {
		defer close(out)
		defer first.Close()

		if _, err := first.Write([]byte("PING")); err != nil {
			out <- peer.ClientResult{Err: err}
			return
		}
		reply, err := readExactly(first, len("PONG"))
		if err != nil || reply != "PONG" {
			out <- peer.ClientResult{Err: errors.New("pingpong: bad first reply")}
			return
		}

		if s.openSecondFromServer {
			stream, ok := streams.Next(ctx)
			if !ok {
				out <- peer.ClientResult{Data: []byte(reply)}
				return
			}
			defer stream.Close()
			req2, err := readExactly(stream, len("PING2"))
			if err != nil || req2 != "PING2" {
				out <- peer.ClientResult{Err: errors.New("pingpong: bad second request")}
				return
			}
			_, _ = stream.Write([]byte("PONG2"))
			out <- peer.ClientResult{Data: []byte(reply + req2)}
			return
		}

		second, err := handle.Open(ctx)
		if err != nil {
			out <- peer.ClientResult{Err: err}
			return
		}
		defer second.Close()
		if _, err := second.Write([]byte("PING2")); err != nil {
			out <- peer.ClientResult{Err: err}
			return
		}
		reply2, err := readExactly(second, len("PONG2"))
		if err != nil || reply2 != "PONG2" {
			out <- peer.ClientResult{Err: errors.New("pingpong: bad second reply")}
			return
		}
		out <- peer.ClientResult{Data: []byte(reply + reply2)}
	}()
	return out
}

// testIdentity is the key material and derived PeerID backing one fake
// transport in these tests.
type testIdentity struct {
	id   peerid.ID
	priv ed25519.PrivateKey
}

func newTestIdentity(t *testing.T) testIdentity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return testIdentity{id: peerid.FromPublicKey(der), priv: priv}
}

// harness wires one bearer and two peers over fake transports, fully
// connected and ready for RunService calls.
type harness struct {
	bearerAddr string
	a, b       *peer.Peer
	aID, bID   peerid.ID
}

func newHarness(t *testing.T, ctx context.Context, services []peer.Service) *harness {
	t.Helper()
	// A literal host:port so bearerdiscovery.Resolve's passthrough
	// shortcut applies and dialBearer's proof binding can parse it,
	// without needing a real or fake nameserver for the harness.
	const addr = "127.0.0.1:19000"
	bTransport := transport.NewFakeTransport(peerid.ID{}, nil, addr)
	t.Cleanup(func() { _ = bTransport.Close() })
	b := bearer.New(bearer.Config{Transport: bTransport, AdvertiseAddr: addr})
	go func() { _ = b.Run(ctx) }()

	idA := newTestIdentity(t)
	idB := newTestIdentity(t)

	transportA := transport.NewFakeTransport(idA.id, idA.priv.Public().(ed25519.PublicKey), "harness-peer-a")
	t.Cleanup(func() { _ = transportA.Close() })
	transportB := transport.NewFakeTransport(idB.id, idB.priv.Public().(ed25519.PublicKey), "harness-peer-b")
	t.Cleanup(func() { _ = transportB.Close() })

	peerA := peer.New(peer.Config{Transport: transportA, PrivateKey: idA.priv, BearerAddrs: []string{addr}})
	peerB := peer.New(peer.Config{Transport: transportB, PrivateKey: idB.priv, BearerAddrs: []string{addr}, Services: services})

	if err := peerA.ConnectBearer(ctx); err != nil {
		t.Fatalf("peerA.ConnectBearer: %s", err)
	}
	if err := peerB.ConnectBearer(ctx); err != nil {
		t.Fatalf("peerB.ConnectBearer: %s", err)
	}
	go func() { _ = peerB.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		_, aok := b.Directory().Lookup(idA.id)
		_, bok := b.Directory().Lookup(idB.id)
		if aok && bok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peers never registered with the bearer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &harness{bearerAddr: addr, a: peerA, b: peerB, aID: idA.id, bID: idB.id}
}

func TestRunServiceClientOpensSecondStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := newHarness(t, ctx, []peer.Service{pingpongService{}})

	resultCh := h.a.RunService(ctx, pingpongService{}, h.bID)
	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("RunService: %s", res.Err)
		}
		if string(res.Data) != "PONGPONG2" {
			t.Fatalf("unexpected result data %q", res.Data)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for RunService result")
	}
}

func TestRunServicePeerOpensSecondStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc := pingpongService{openSecondFromServer: true}
	h := newHarness(t, ctx, []peer.Service{svc})

	resultCh := h.a.RunService(ctx, svc, h.bID)
	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("RunService: %s", res.Err)
		}
		if string(res.Data) != "PONGPING2" {
			t.Fatalf("unexpected result data %q", res.Data)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for RunService result")
	}
}

func TestRunServiceUnknownServiceName(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := newHarness(t, ctx, nil) // peer B hosts no services at all

	resultCh := h.a.RunService(ctx, pingpongService{}, h.bID)
	select {
	case res := <-resultCh:
		if !errors.Is(res.Err, peer.ErrServiceNotFound) {
			t.Fatalf("expected ErrServiceNotFound, got %v", res.Err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for RunService result")
	}
}

func TestRunServiceUnknownPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := newHarness(t, ctx, []peer.Service{pingpongService{}})

	resultCh := h.a.RunService(ctx, pingpongService{}, peerid.ID{0xaa, 0xbb})
	select {
	case res := <-resultCh:
		if res.Err == nil {
			t.Fatal("expected an error brokering a connection to an unregistered peer")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for RunService result")
	}
}

func TestRunServiceFailsAfterPeerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := newHarness(t, ctx, []peer.Service{pingpongService{}})

	if err := h.a.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	resultCh := h.a.RunService(ctx, pingpongService{}, h.bID)
	select {
	case res := <-resultCh:
		if res.Err == nil {
			t.Fatal("expected RunService to fail once the bearer connection is closed")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for RunService result")
	}
}
