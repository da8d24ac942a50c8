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
	"fmt"

	"github.com/bkchr/carrier/protocol"
	"github.com/bkchr/carrier/transport"
)

// streamHandle implements NewStreamHandle for a live instance: it opens
// a fresh Stream on conn, attaches it to the peer remoteID via
// ConnectToService, and returns the unframed Stream on success (§4.5).
type streamHandle struct {
	conn     transport.Connection
	remoteID protocol.ServiceID
}

func (h *streamHandle) Open(ctx context.Context) (transport.Stream, error) {
	stream, err := h.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	codec := protocol.NewCodec(stream, "peer:attach")
	if err := codec.Send(protocol.NewConnectToService(h.remoteID)); err != nil {
		_ = stream.Close()
		return nil, err
	}
	msg, err := codec.Receive()
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, err)
	}
	switch {
	case msg.ServiceConnected != nil:
		return stream, nil
	case msg.ServiceNotFound != nil:
		_ = stream.Close()
		return nil, fmt.Errorf("%w: instance %d", ErrServiceNotFound, h.remoteID)
	default:
		_ = stream.Close()
		return nil, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, msg.Variant())
	}
}
