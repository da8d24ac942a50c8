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

// Package lifeline is a TCP tunnel service (§4.10, ported from the
// original "lifeline" service): the server side splices its stream to a
// local TCP connection (by default 127.0.0.1:22), the client side
// splices its stream to stdin/stdout. It lives outside the core package
// tree since it is a concrete service plugged in through the service
// interface, not part of the control plane.
package lifeline

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/peer"
	"github.com/bkchr/carrier/transport"
)

// Service implements peer.Service, tunneling to TargetAddr (default
// "127.0.0.1:22", matching the original's fixed SSH-tunnel target).
type Service struct {
	TargetAddr string
}

// New returns a lifeline Service tunneling to targetAddr. An empty
// targetAddr defaults to "127.0.0.1:22".
func New(targetAddr string) *Service {
	if targetAddr == "" {
		targetAddr = "127.0.0.1:22"
	}
	return &Service{TargetAddr: targetAddr}
}

func (Service) Name() string { return "lifeline" }

// StartServer dials TargetAddr and splices it to the first stream. Only
// the first stream is used, matching the original's single-stream
// design; further attached streams (if any) are drained and closed.
func (s Service) StartServer(ctx context.Context, first transport.Stream, streams peer.Streams, handle peer.NewStreamHandle) {
	defer first.Close()
	tcp, err := net.Dial("tcp", s.TargetAddr)
	if err != nil {
		logger.Printf(logger.WARN, "[lifeline] dialing %s: %s", s.TargetAddr, err)
		return
	}
	defer tcp.Close()

	splice(first, tcp)

	go func() {
		for {
			extra, ok := streams.Next(ctx)
			if !ok {
				return
			}
			_ = extra.Close()
		}
	}()
}

// StartClient splices the first stream to the process's stdin/stdout.
func (s Service) StartClient(ctx context.Context, first transport.Stream, streams peer.Streams, handle peer.NewStreamHandle) <-chan peer.ClientResult {
	out := make(chan peer.ClientResult, 1)
	go func() {
		defer close(out)
		defer first.Close()
		splice(first, stdioConn{})
		out <- peer.ClientResult{}
	}()
	return out
}

// splice copies bytes in both directions between a and b until either
// side hits EOF, then returns.
func splice(a io.ReadWriter, b io.ReadWriter) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	<-done
}

// stdioConn adapts the process's stdin/stdout to io.ReadWriter so
// splice can treat it like any other tunnel endpoint.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
