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

package ringkv

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/peerid"
	"github.com/bkchr/carrier/proof"
)

// Ring wraps a Store with the publish/lookup semantics a bearer needs:
// every record is proof-verified again on read, since the ring itself
// is an untrusted, best-effort shared cache (§4.3).
//
// A record is not one value: it is three keys sharing a PeerID-hex base
// (§6.2), `<id>_proof`, `<id>_pubkey`, `<id>_bearer`, written together as
// one pipelined batch and read together as one pipelined batch. A batch is
// not a transaction on every backend (the Redis one is a plain pipeline),
// so a read may combine keys from two different Publish calls; Lookup's
// proof check rejects such a mix unless the proof matches the address it
// was read with.
type Ring struct {
	store Store
}

// New wraps store as a Ring.
func New(store Store) *Ring {
	return &Ring{store: store}
}

// fieldNames builds the three key names backing id's ring record.
func fieldNames(id peerid.ID) (proofKey, pubKeyKey, bearerKey string) {
	base := id.String()
	return base + "_proof", base + "_pubkey", base + "_bearer"
}

// Publish announces that id is currently reachable on bearerAddr, backed
// by the given proof. Overwrites any previous record for id (last writer
// wins, matching §4.3's eventual-consistency note) by writing all three
// keys as a single pipelined batch.
func (r *Ring) Publish(id peerid.ID, pubKey ed25519.PublicKey, p proof.Proof, bearerAddr *net.TCPAddr) error {
	der, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("ringkv: encoding public key for %s: %w", id.Short(), err)
	}
	proofKey, pubKeyKey, bearerKey := fieldNames(id)
	kvs := map[string]string{
		proofKey:  base64.StdEncoding.EncodeToString(p.Bytes()),
		pubKeyKey: base64.StdEncoding.EncodeToString(der),
		bearerKey: bearerAddr.String(),
	}
	if err := r.store.PutBatch(kvs); err != nil {
		return fmt.Errorf("ringkv: publish %s: %w", id.Short(), err)
	}
	logger.Printf(logger.DBG, "[ring] published %s on %s", id.Short(), bearerAddr)
	return nil
}

// Lookup retrieves and verifies the record for id. It returns the bearer
// address the ring claims hosts id, only once the accompanying proof has
// been checked against that exact address and public key (so a corrupted
// or stale ring entry can never be used to redirect a caller to an
// unproven bearer). The three keys are read as a single pipelined batch.
func (r *Ring) Lookup(id peerid.ID) (bearerAddr *net.TCPAddr, pubKey ed25519.PublicKey, err error) {
	proofKey, pubKeyKey, bearerKey := fieldNames(id)
	fields, err := r.store.GetBatch([]string{proofKey, pubKeyKey, bearerKey})
	if err != nil {
		return nil, nil, fmt.Errorf("ringkv: lookup %s: %w", id.Short(), err)
	}

	proofBytes, err := base64.StdEncoding.DecodeString(fields[proofKey])
	if err != nil {
		return nil, nil, fmt.Errorf("ringkv: corrupt proof for %s: %w", id.Short(), err)
	}
	der, err := base64.StdEncoding.DecodeString(fields[pubKeyKey])
	if err != nil {
		return nil, nil, fmt.Errorf("ringkv: corrupt public key for %s: %w", id.Short(), err)
	}
	bearerAddrText := fields[bearerKey]

	if peerid.FromPublicKey(der) != id {
		return nil, nil, fmt.Errorf("ringkv: record for %s does not match its own public key", id.Short())
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("ringkv: corrupt public key for %s: %w", id.Short(), err)
	}
	edPub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("ringkv: record for %s does not carry an ed25519 key", id.Short())
	}
	addr, err := net.ResolveTCPAddr("tcp", bearerAddrText)
	if err != nil {
		return nil, nil, fmt.Errorf("ringkv: invalid bearer address for %s: %w", id.Short(), err)
	}
	valid, err := proof.Verify(edPub, addr, proof.FromBytes(proofBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("ringkv: verifying record for %s: %w", id.Short(), err)
	}
	if !valid {
		return nil, nil, fmt.Errorf("ringkv: invalid proof in record for %s", id.Short())
	}
	logger.Printf(logger.DBG, "[ring] verified %s on %s", id.Short(), addr)
	return addr, edPub, nil
}
