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

// Package config is the JSON configuration surface (§6.3, §6.4) shared
// by the carrier-bearer and carrier-peer binaries.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// Environ is the substitution table ${VAR} references resolve against.
type Environ map[string]string

// Config is the on-disk configuration for either binary; fields not
// relevant to a given role are simply left zero.
type Config struct {
	Env Environ `json:"environ"`

	// Credentials (§6.3): certificate/key material is left to the
	// out-of-scope transport's own loading, this only carries paths.
	CertFile    string `json:"certFile"`
	KeyFile     string `json:"keyFile"`
	TrustedIn   string `json:"trustedIncomingCAs"`  // directory or bundle file
	TrustedOut  string `json:"trustedOutgoingCAs"`  // directory or bundle file

	// Listener / advertise address, used by bearers and, optionally, by
	// peers that also accept direct brokered connections.
	ListenAddr    string `json:"listenAddr"`
	AdvertiseAddr string `json:"advertiseAddr"`

	// Peer-only: candidate bearer addresses (§4.4), may be DNS names
	// resolved via bearerdiscovery (§4.9).
	BearerAddrs []string `json:"bearerAddrs"`

	// Peer-only: nameservers queried to resolve BearerAddrs entries that
	// are not already literal host:port addresses (§4.9).
	DNSServers []string `json:"dnsServers"`

	// Ring backend spec string (§3.1, §6.2), e.g. "redis+host:port++0".
	// Empty means this bearer does not participate in a ring.
	RingSpec string `json:"ringSpec"`

	// Admin HTTP surface (§4.8); empty disables it.
	AdminAddr string `json:"adminAddr"`

	// Peer-only: names of built-in services to enable.
	Services []string `json:"services"`
}

// Parse reads and unmarshals a JSON configuration file, then applies
// ${VAR} environment substitution (via Env, falling back to the
// process environment) over every string field.
func Parse(fileName string) (*Config, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applySubstitutions(cfg, cfg.Env)
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// substString replaces every ${NAME} in s with env[NAME], falling back
// to the process environment if NAME is not in env.
func substString(s string, env Environ) string {
	matches := varPattern.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		name := m[1]
		if name == "" {
			continue
		}
		value, ok := env[name]
		if !ok {
			value, ok = os.LookupEnv(name)
			if !ok {
				continue
			}
		}
		s = strings.ReplaceAll(s, "${"+name+"}", value)
	}
	return s
}

// applySubstitutions walks x (a struct or pointer to one) and rewrites
// every string field and string slice element via substString.
func applySubstitutions(x interface{}, env Environ) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.Interface().(string)
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s", s, s1)
					fld.SetString(s1)
					s = s1
				}
			case reflect.Slice:
				if fld.Type().Elem().Kind() != reflect.String {
					continue
				}
				for j := 0; j < fld.Len(); j++ {
					e := fld.Index(j)
					e.SetString(substString(e.String(), env))
				}
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				if elem := fld.Elem(); elem.IsValid() {
					process(elem)
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		if elem := v.Elem(); elem.IsValid() {
			process(elem)
		}
		return
	}
	if v.Kind() == reflect.Struct {
		process(v)
	}
}
