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

// Package adminhttp is the optional diagnostic HTTP surface (§4.8) a
// Bearer or Peer can expose: a /status JSON dump, a /metrics text dump,
// and a JSON-RPC introspection endpoint. None of this carries any
// control-plane semantics; it exists purely for operators.
package adminhttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	rpcjson "github.com/gorilla/rpc/json"
)

// StatusSource is implemented by bearer.Bearer and peer.Peer to report
// their current operational counters.
type StatusSource interface {
	Status() Status
}

// Status is the diagnostic snapshot served at /status and over RPC.
type Status struct {
	Role            string `json:"role"` // "bearer" or "peer"
	DirectorySize   int    `json:"directorySize,omitempty"`
	RingAvailable   bool   `json:"ringAvailable,omitempty"`
	ConnectedPeers  int    `json:"connectedPeers,omitempty"`
	ServiceInstances int   `json:"serviceInstances,omitempty"`
}

// Server wraps a gorilla/mux router exposing source's status.
type Server struct {
	addr   string
	source StatusSource
	http   *http.Server
}

// New returns a Server that will listen on addr once Run is called.
func New(addr string, source StatusSource) *Server {
	router := mux.NewRouter()
	s := &Server{addr: addr, source: source}

	router.HandleFunc("/status", s.handleStatus)
	router.HandleFunc("/metrics", s.handleMetrics)

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(rpcjson.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&StatusRPC{source: source}, "Status"); err != nil {
		logger.Printf(logger.ERROR, "[adminhttp] registering RPC service: %s", err)
	}
	router.Handle("/rpc", rpcServer)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run starts the HTTP listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }
	go func() {
		<-ctx.Done()
		_ = s.http.Close()
	}()
	logger.Printf(logger.INFO, "[adminhttp] listening on %s", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
		logger.Printf(logger.WARN, "[adminhttp] encoding status: %s", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(renderMetrics(st)))
}

func renderMetrics(st Status) string {
	var b strings.Builder
	addLine := func(name string, v int) {
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(v))
		b.WriteByte('\n')
	}
	switch st.Role {
	case "bearer":
		addLine("carrier_directory_size", st.DirectorySize)
		addLine("carrier_ring_available", boolToInt(st.RingAvailable))
	case "peer":
		addLine("carrier_connected_peers", st.ConnectedPeers)
		addLine("carrier_service_instances", st.ServiceInstances)
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StatusRPC exposes Status as a JSON-RPC method ("Status.Get").
type StatusRPC struct {
	source StatusSource
}

// GetArgs is the (empty) argument type for Status.Get.
type GetArgs struct{}

// Get returns the current Status snapshot.
func (s *StatusRPC) Get(r *http.Request, args *GetArgs, reply *Status) error {
	*reply = s.source.Status()
	return nil
}
