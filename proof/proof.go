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

// Package proof implements the bearer-bound identity proof (§4.7): a
// signature over "CARRIER" || bearer-address that binds a peer's identity
// to a specific bearer's advertised socket address.
package proof

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
)

// salt is signed ahead of the bearer address to namespace the signature
// away from any other use of the peer's signing key.
var salt = []byte("CARRIER")

// ErrUnsupportedIP is returned for an address whose IP is neither 4 nor 16
// bytes once normalized (should not happen for net.IP from net.ResolveTCPAddr).
var ErrUnsupportedIP = errors.New("proof: unsupported IP address length")

// Proof is an opaque signature binding a peer's identity to a bearer
// address. It is carried verbatim in the Hello control frame.
type Proof struct {
	data []byte
}

// Bytes returns the raw signature bytes.
func (p Proof) Bytes() []byte { return p.data }

// FromBytes wraps raw signature bytes (e.g. read back from the ring or a
// Hello frame) as a Proof.
func FromBytes(data []byte) Proof { return Proof{data: data} }

// MarshalJSON encodes the proof as base64, matching how the wire protocol
// carries every other opaque byte field.
func (p Proof) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p.data))
}

// UnmarshalJSON decodes a base64-encoded proof.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	p.data = raw
	return nil
}

// signedMessage builds "CARRIER" || ip_octets(addr.IP) || u16_be(addr.Port).
// IPv4 addresses commit to 4 octets, IPv6 to 16; the verifier must be given
// the exact same net.Addr representation the signer used.
func signedMessage(bearerAddr *net.TCPAddr) ([]byte, error) {
	ip := bearerAddr.IP
	var octets []byte
	if v4 := ip.To4(); v4 != nil {
		octets = v4
	} else if v6 := ip.To16(); v6 != nil {
		octets = v6
	} else {
		return nil, ErrUnsupportedIP
	}

	msg := make([]byte, 0, len(salt)+len(octets)+2)
	msg = append(msg, salt...)
	msg = append(msg, octets...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(bearerAddr.Port))
	msg = append(msg, portBuf[:]...)
	return msg, nil
}

// Create signs a proof binding privKey's identity to bearerAddr.
func Create(privKey ed25519.PrivateKey, bearerAddr *net.TCPAddr) (Proof, error) {
	msg, err := signedMessage(bearerAddr)
	if err != nil {
		return Proof{}, err
	}
	return Proof{data: ed25519.Sign(privKey, msg)}, nil
}

// Verify checks that proof was produced by the private key matching pubKey,
// bound to exactly this bearerAddr.
func Verify(pubKey ed25519.PublicKey, bearerAddr *net.TCPAddr, p Proof) (bool, error) {
	msg, err := signedMessage(bearerAddr)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pubKey, msg, p.data), nil
}
