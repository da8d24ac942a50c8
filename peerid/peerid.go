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

// Package peerid implements the stable overlay identifier derived from a
// peer's long-lived public key.
package peerid

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// ErrEmptyCert is returned when a certificate chain has no leaf certificate.
var ErrEmptyCert = errors.New("peerid: empty certificate chain")

// ID is the hash of a peer's long-lived public key (SHA-256, hex-encoded
// when printed). It is comparable, hashable and usable as a map key.
type ID [sha256.Size]byte

// FromPublicKey derives an ID from the DER encoding of a public key.
func FromPublicKey(pubKeyDER []byte) ID {
	return sha256.Sum256(pubKeyDER)
}

// FromLeafCertificate extracts the leaf certificate's public key from a
// chain (as presented over mTLS) and derives the peer ID from it.
func FromLeafCertificate(chain []*x509.Certificate) (ID, error) {
	if len(chain) == 0 {
		return ID{}, ErrEmptyCert
	}
	raw, err := x509.MarshalPKIXPublicKey(chain[0].PublicKey)
	if err != nil {
		return ID{}, err
	}
	return FromPublicKey(raw), nil
}

// String returns the lower-case hex representation of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns a shortened human-readable representation, for logging.
func (id ID) Short() string {
	s := id.String()
	if len(s) <= 12 {
		return s
	}
	return s[:6] + ".." + s[len(s)-6:]
}

// Parse decodes a hex-encoded ID.
func Parse(s string) (id ID, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != sha256.Size {
		return id, errors.New("peerid: wrong length")
	}
	copy(id[:], b)
	return id, nil
}

// MarshalJSON encodes the id as its hex string, so it can be used directly
// as a control-frame field or as a ring key component.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes an id from its hex string representation.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
