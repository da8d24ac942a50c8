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

// Package bearerdiscovery resolves a peer's configured bearer name into
// a prioritized list of candidate addresses via SRV records (§4.9), so a
// peer can be configured with a DNS name instead of a fixed host:port.
package bearerdiscovery

import (
	"fmt"
	"net"
	"sort"

	"github.com/bfix/gospel/logger"
	"github.com/miekg/dns"
)

// ErrNoQueries is returned when no nameserver yielded a usable candidate:
// none was given, none could be reached, or none answered with a
// resolvable SRV record.
var ErrNoQueries = fmt.Errorf("bearerdiscovery: no usable nameserver")

// Candidate is one resolved bearer endpoint, ordered by SRV priority
// (lower first) and then weight (higher first), as RFC 2782 specifies.
type Candidate struct {
	Addr     string
	Priority uint16
	Weight   uint16
}

// Resolve queries "_carrier._tcp.<name>" SRV records from each of servers
// in turn (on port 53) and returns the candidate bearer addresses in
// priority order. If name already looks like a literal host:port, it is
// returned unchanged as the sole candidate. A name without usable SRV
// records is not looked up as a plain A/AAAA name.
func Resolve(name string, servers []string) ([]Candidate, error) {
	if _, _, err := net.SplitHostPort(name); err == nil {
		return []Candidate{{Addr: name}}, nil
	}

	query := dns.Fqdn("_carrier._tcp." + name)
	m := &dns.Msg{
		MsgHdr: dns.MsgHdr{RecursionDesired: true, Opcode: dns.OpcodeQuery},
		Question: []dns.Question{{
			Name:   query,
			Qtype:  dns.TypeSRV,
			Qclass: dns.ClassINET,
		}},
	}
	m.Id = dns.Id()

	var lastErr error
	for _, server := range servers {
		in, err := dns.Exchange(m, net.JoinHostPort(server, "53"))
		if err != nil {
			lastErr = err
			logger.Printf(logger.WARN, "[bearerdiscovery] query to %s failed: %s", server, err)
			continue
		}
		var candidates []Candidate
		for _, rr := range in.Answer {
			srv, ok := rr.(*dns.SRV)
			if !ok {
				continue
			}
			host := srv.Target
			addrs, err := net.LookupHost(trimTrailingDot(host))
			if err != nil || len(addrs) == 0 {
				logger.Printf(logger.WARN, "[bearerdiscovery] could not resolve SRV target %s: %v", host, err)
				continue
			}
			candidates = append(candidates, Candidate{
				Addr:     net.JoinHostPort(addrs[0], fmt.Sprint(srv.Port)),
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].Weight > candidates[j].Weight
		})
		return candidates, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoQueries, lastErr)
	}
	return nil, ErrNoQueries
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
