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

import "errors"

// Error kinds of §7, as sentinel values. PeerNotFound is transport's own
// sentinel (transport.ErrPeerNotFound) since it originates at the broker
// call; the rest are peer/service-level.
var (
	// ErrServiceNotFound is returned when RequestServiceStart or
	// ConnectToService names a service or instance the remote side does
	// not have.
	ErrServiceNotFound = errors.New("peer: service not found")

	// ErrProtocolViolation is returned when a control frame arrives out
	// of sequence or of an unexpected variant.
	ErrProtocolViolation = errors.New("peer: protocol violation")

	// ErrConnectionClosed is returned when the underlying Connection or
	// Stream ends while a control exchange is still pending.
	ErrConnectionClosed = errors.New("peer: connection closed")

	// ErrNoBearer is returned when no candidate bearer address could be
	// reached.
	ErrNoBearer = errors.New("peer: no reachable bearer")
)
