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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/protocol"
	"github.com/bkchr/carrier/transport"
)

// twoConns returns two distinct, connected Connection values, standing in
// for two different transport-level connections in the registry tests.
func twoConns(t *testing.T) (a, b transport.Connection) {
	t.Helper()
	ta := transport.NewFakeTransport(peerid.ID{1}, nil, "registry-test-a")
	tb := transport.NewFakeTransport(peerid.ID{2}, nil, "registry-test-b")
	t.Cleanup(func() { _ = ta.Close(); _ = tb.Close() })

	ctx := context.Background()
	connA, err := ta.Connect(ctx, "registry-test-b")
	if err != nil {
		t.Fatal(err)
	}
	connC, err := tb.Connect(ctx, "registry-test-a")
	if err != nil {
		t.Fatal(err)
	}
	return connA, connC
}

func TestInstanceTableNextIDMonotonic(t *testing.T) {
	table := NewInstanceTable()
	first := table.NextID()
	second := table.NextID()
	if second <= first {
		t.Fatalf("expected increasing ids, got %d then %d", first, second)
	}
}

func TestInstanceTableAttachAndDrop(t *testing.T) {
	table := NewInstanceTable()
	connA, _ := twoConns(t)

	id := table.NextID()
	streams := table.Register(id, connA)
	if table.Size() != 1 {
		t.Fatalf("expected size 1 after Register, got %d", table.Size())
	}

	fakeStream := newFakeStream(t)
	if !table.Attach(id, connA, fakeStream) {
		t.Fatal("Attach on the registering connection should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := streams.Next(ctx)
	if !ok {
		t.Fatal("Next did not deliver the attached stream")
	}
	if got != fakeStream {
		t.Fatal("Next delivered a different stream than was attached")
	}

	table.Drop(id)
	if table.Size() != 0 {
		t.Fatalf("expected size 0 after Drop, got %d", table.Size())
	}
	if _, ok := streams.Next(context.Background()); ok {
		t.Fatal("Next should report !ok once the instance is dropped")
	}
}

func TestInstanceTableRejectsCrossConnectionAttach(t *testing.T) {
	table := NewInstanceTable()
	connA, connB := twoConns(t)

	id := table.NextID()
	table.Register(id, connA)

	fakeStream := newFakeStream(t)
	if table.Attach(id, connB, fakeStream) {
		t.Fatal("Attach must reject a stream arriving on a different connection")
	}
}

func TestInstanceTableAttachUnknownID(t *testing.T) {
	table := NewInstanceTable()
	connA, _ := twoConns(t)
	fakeStream := newFakeStream(t)
	if table.Attach(protocol.ServiceID(999), connA, fakeStream) {
		t.Fatal("Attach must fail for an id that was never registered")
	}
}

func TestInstanceTableAttachDropsOnFullBacklog(t *testing.T) {
	table := NewInstanceTable()
	connA, _ := twoConns(t)
	id := table.NextID()
	table.Register(id, connA)

	ok := true
	for i := 0; i < backlog+1; i++ {
		fakeStream := newFakeStream(t)
		if !table.Attach(id, connA, fakeStream) {
			ok = false
			break
		}
	}
	if ok {
		t.Fatal("expected Attach to eventually report a full backlog")
	}
}

func TestInstanceTableConcurrentRegisterDrop(t *testing.T) {
	table := NewInstanceTable()
	connA, _ := twoConns(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := table.NextID()
			table.Register(id, connA)
			table.Drop(id)
		}()
	}
	wg.Wait()
	if table.Size() != 0 {
		t.Fatalf("expected size 0 after all concurrent register/drop pairs, got %d", table.Size())
	}
}

// newFakeStream returns a transport.Stream usable as an Attach payload; the
// tests only ever check identity, never read or write through it.
func newFakeStream(t *testing.T) transport.Stream {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return a
}
