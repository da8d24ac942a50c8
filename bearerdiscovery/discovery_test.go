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

package bearerdiscovery

import (
	"errors"
	"testing"
)

func TestResolveLiteralHostPortPassthrough(t *testing.T) {
	got, err := Resolve("203.0.113.5:4242", nil)
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}
	if len(got) != 1 || got[0].Addr != "203.0.113.5:4242" {
		t.Fatalf("expected a single literal candidate, got %#v", got)
	}
}

func TestResolveNoServersReturnsErrNoQueries(t *testing.T) {
	_, err := Resolve("bearer.example.org", nil)
	if !errors.Is(err, ErrNoQueries) {
		t.Fatalf("expected ErrNoQueries, got %v", err)
	}
}

func TestTrimTrailingDot(t *testing.T) {
	cases := map[string]string{
		"bearer.example.org.": "bearer.example.org",
		"bearer.example.org":  "bearer.example.org",
		"":                    "",
	}
	for in, want := range cases {
		if got := trimTrailingDot(in); got != want {
			t.Fatalf("trimTrailingDot(%q) = %q, want %q", in, got, want)
		}
	}
}
