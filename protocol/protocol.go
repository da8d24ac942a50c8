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

// Package protocol implements the Carrier wire protocol (§6.1): a tagged
// union of control messages exchanged over length-delimited JSON frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/bkchr/carrier/peerid"
)

// ServiceID names a live service instance on its owning peer (§3).
type ServiceID uint64

// ConnectionID correlates a bearer-brokered connection request with the
// transport's eventual hole-punch completion.
type ConnectionID uint64

// Hello is the first frame a peer sends on its control stream to a bearer.
type Hello struct {
	Proof []byte `json:"proof"`
}

// ErrorMsg carries a fatal control-stream error message.
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// ConnectToPeer asks a bearer to broker a connection to a remote peer.
type ConnectToPeer struct {
	PubKey       peerid.ID    `json:"pub_key"`
	ConnectionID ConnectionID `json:"connection_id"`
}

// PeerOnBearer redirects the caller to retry against a different bearer
// that actually hosts the requested peer (ring hit on a remote bearer).
// This resolves Open Question 1 of §9 by choice (a).
type PeerOnBearer struct {
	Addr string `json:"addr"`
}

// RequestServiceStart asks the remote peer to start a named service.
type RequestServiceStart struct {
	Name    string    `json:"name"`
	LocalID ServiceID `json:"local_id"`
}

// ServiceStarted acknowledges RequestServiceStart; ID is the id the
// accepting peer allocated (the *remote* id from the requester's view).
type ServiceStarted struct {
	ID ServiceID `json:"id"`
}

// ConnectToService attaches the carrying stream to an existing instance.
type ConnectToService struct {
	ID ServiceID `json:"id"`
}

// Protocol is the tagged union of all control messages (§6.1). Exactly one
// field is set at a time; the JSON representation is externally tagged
// (the set field's name is the sole top-level key), matching the source
// protocol's derive(Serialize, Deserialize) representation.
type Protocol struct {
	Hello               *Hello               `json:"Hello,omitempty"`
	Error               *ErrorMsg            `json:"Error,omitempty"`
	ConnectToPeer       *ConnectToPeer       `json:"ConnectToPeer,omitempty"`
	PeerNotFound        *struct{}            `json:"PeerNotFound,omitempty"`
	PeerOnBearer        *PeerOnBearer        `json:"PeerOnBearer,omitempty"`
	RequestServiceStart *RequestServiceStart `json:"RequestServiceStart,omitempty"`
	ServiceNotFound     *struct{}            `json:"ServiceNotFound,omitempty"`
	ServiceStarted      *ServiceStarted      `json:"ServiceStarted,omitempty"`
	ConnectToService    *ConnectToService    `json:"ConnectToService,omitempty"`
	ServiceConnected    *struct{}            `json:"ServiceConnected,omitempty"`
}

// NewHello builds a Hello frame.
func NewHello(proof []byte) Protocol { return Protocol{Hello: &Hello{Proof: proof}} }

// NewError builds an Error frame.
func NewError(msg string) Protocol { return Protocol{Error: &ErrorMsg{Msg: msg}} }

// NewConnectToPeer builds a ConnectToPeer frame.
func NewConnectToPeer(pub peerid.ID, cid ConnectionID) Protocol {
	return Protocol{ConnectToPeer: &ConnectToPeer{PubKey: pub, ConnectionID: cid}}
}

// NewPeerNotFound builds a PeerNotFound frame.
func NewPeerNotFound() Protocol { return Protocol{PeerNotFound: &struct{}{}} }

// NewPeerOnBearer builds a PeerOnBearer redirect frame.
func NewPeerOnBearer(addr *net.TCPAddr) Protocol {
	return Protocol{PeerOnBearer: &PeerOnBearer{Addr: addr.String()}}
}

// NewRequestServiceStart builds a RequestServiceStart frame.
func NewRequestServiceStart(name string, localID ServiceID) Protocol {
	return Protocol{RequestServiceStart: &RequestServiceStart{Name: name, LocalID: localID}}
}

// NewServiceNotFound builds a ServiceNotFound frame.
func NewServiceNotFound() Protocol { return Protocol{ServiceNotFound: &struct{}{}} }

// NewServiceStarted builds a ServiceStarted frame.
func NewServiceStarted(id ServiceID) Protocol {
	return Protocol{ServiceStarted: &ServiceStarted{ID: id}}
}

// NewConnectToService builds a ConnectToService frame.
func NewConnectToService(id ServiceID) Protocol {
	return Protocol{ConnectToService: &ConnectToService{ID: id}}
}

// NewServiceConnected builds a ServiceConnected frame.
func NewServiceConnected() Protocol { return Protocol{ServiceConnected: &struct{}{}} }

// Variant returns the set variant's name, for logging and protocol-violation
// diagnostics. Returns "" for a zero-value Protocol (should never be sent).
func (p Protocol) Variant() string {
	switch {
	case p.Hello != nil:
		return "Hello"
	case p.Error != nil:
		return "Error"
	case p.ConnectToPeer != nil:
		return "ConnectToPeer"
	case p.PeerNotFound != nil:
		return "PeerNotFound"
	case p.PeerOnBearer != nil:
		return "PeerOnBearer"
	case p.RequestServiceStart != nil:
		return "RequestServiceStart"
	case p.ServiceNotFound != nil:
		return "ServiceNotFound"
	case p.ServiceStarted != nil:
		return "ServiceStarted"
	case p.ConnectToService != nil:
		return "ConnectToService"
	case p.ServiceConnected != nil:
		return "ServiceConnected"
	default:
		return ""
	}
}

func (p Protocol) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("Protocol{%s}", p.Variant())
	}
	return string(b)
}
