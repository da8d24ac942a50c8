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

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bfix/gospel/logger"
)

// MaxFrameSize bounds a single control frame to guard against a peer
// announcing an unreasonable length prefix.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a received length prefix exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Codec reads and writes length-delimited JSON frames on a byte stream
// (§4.1, §6.1): a big-endian u32 length prefix followed by the UTF-8 JSON
// body of exactly one Protocol value.
type Codec struct {
	rw    io.ReadWriter
	label string // used only for log lines
}

// NewCodec wraps rw with control framing.
func NewCodec(rw io.ReadWriter, label string) *Codec {
	return &Codec{rw: rw, label: label}
}

// Send writes one frame.
func (c *Codec) Send(msg Protocol) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.rw.Write(body); err != nil {
		return err
	}
	logger.Printf(logger.DBG, "[%s] ==> %s", c.label, msg.Variant())
	return nil
}

// Receive reads exactly one frame. Returns io.EOF if the stream ended
// cleanly before any header bytes arrived.
func (c *Codec) Receive() (Protocol, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return Protocol{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return Protocol{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return Protocol{}, fmt.Errorf("protocol: short frame body: %w", err)
	}
	var msg Protocol
	if err := json.Unmarshal(body, &msg); err != nil {
		return Protocol{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	logger.Printf(logger.DBG, "[%s] <== %s", c.label, msg.Variant())
	return msg, nil
}
