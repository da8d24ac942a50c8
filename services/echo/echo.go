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

// Package echo is a service modeled on the end-to-end test fixture of
// §8 scenarios 1-3: the server side echoes every byte it reads on each of its
// streams back on that same stream; the client side collects all bytes
// read from every stream (first plus any attached later) into one
// buffer, delivered as the terminal ClientResult.
package echo

import (
	"context"
	"io"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/peer"
	"github.com/bkchr/carrier/transport"
)

// Payload is the fixed test payload the reference scenarios send.
const Payload = "HERP!DERP!TEST!SERVICE"

// Service implements peer.Service for the echo fixture.
type Service struct{}

// New returns an echo Service.
func New() *Service { return &Service{} }

func (Service) Name() string { return "echo" }

func (s Service) StartServer(ctx context.Context, first transport.Stream, streams peer.Streams, handle peer.NewStreamHandle) {
	go echoStream(first)
	for {
		stream, ok := streams.Next(ctx)
		if !ok {
			return
		}
		go echoStream(stream)
	}
}

// echoStream copies every byte read back out on the same stream.
func echoStream(s transport.Stream) {
	defer s.Close()
	_, _ = io.Copy(s, s)
}

func (s Service) StartClient(ctx context.Context, first transport.Stream, streams peer.Streams, handle peer.NewStreamHandle) <-chan peer.ClientResult {
	out := make(chan peer.ClientResult, 1)
	go func() {
		defer close(out)
		var data []byte

		chunk, err := io.ReadAll(first)
		_ = first.Close()
		if err != nil {
			logger.Printf(logger.WARN, "[echo] reading first stream: %s", err)
		}
		data = append(data, chunk...)

		for {
			stream, ok := streams.Next(ctx)
			if !ok {
				break
			}
			chunk, err := io.ReadAll(stream)
			_ = stream.Close()
			if err != nil {
				logger.Printf(logger.WARN, "[echo] reading attached stream: %s", err)
				continue
			}
			data = append(data, chunk...)
		}
		out <- peer.ClientResult{Data: data}
	}()
	return out
}

// OpenAndSend is a convenience the reference test scenarios use to drive
// an additional stream from whichever side initiates it: open a stream
// via handle, write Payload, and half-close so the echoing side observes
// EOF and returns its own copy.
func OpenAndSend(ctx context.Context, handle peer.NewStreamHandle) error {
	stream, err := handle.Open(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write([]byte(Payload)); err != nil {
		_ = stream.Close()
		return err
	}
	return stream.Close()
}
