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

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/adminhttp"
	"github.com/bkchr/carrier/config"
	"github.com/bkchr/carrier/peer"
	"github.com/bkchr/carrier/services/echo"
	"github.com/bkchr/carrier/services/lifeline"
	"github.com/bkchr/carrier/transport"
)

func main() {
	defer func() {
		logger.Println(logger.INFO, "[carrier-peer] Bye.")
		logger.Flush()
	}()
	logger.Println(logger.INFO, "[carrier-peer] Starting service...")

	var (
		cfgFile  string
		logLevel int
	)
	flag.StringVar(&cfgFile, "c", "peer-config.json", "carrier peer configuration file")
	flag.IntVar(&logLevel, "L", logger.INFO, "log level (default: INFO)")
	flag.Parse()
	logger.SetLogLevel(logLevel)

	cfg, err := config.Parse(cfgFile)
	if err != nil {
		logger.Printf(logger.ERROR, "[carrier-peer] invalid configuration file: %s", err)
		return
	}

	privKey, err := loadEd25519PrivateKey(cfg.KeyFile)
	if err != nil {
		logger.Printf(logger.ERROR, "[carrier-peer] loading identity key: %s", err)
		return
	}

	tp, err := transport.NewQUICTransport(cfg.ListenAddr, cfg.CertFile, cfg.KeyFile, cfg.TrustedOut)
	if err != nil {
		logger.Printf(logger.ERROR, "[carrier-peer] transport setup failed: %s", err)
		return
	}
	defer tp.Close()

	services := buildServices(cfg.Services)

	p := peer.New(peer.Config{
		Transport:   tp,
		PrivateKey:  privKey,
		BearerAddrs: cfg.BearerAddrs,
		DNSServers:  cfg.DNSServers,
		Services:    services,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.ConnectBearer(ctx); err != nil {
		logger.Printf(logger.ERROR, "[carrier-peer] could not reach any bearer: %s", err)
		return
	}
	defer p.Close()

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Printf(logger.ERROR, "[carrier-peer] run failed: %s", err)
		}
	}()

	if cfg.AdminAddr != "" {
		admin := adminhttp.New(cfg.AdminAddr, p)
		go func() {
			if err := admin.Run(ctx); err != nil {
				logger.Printf(logger.WARN, "[carrier-peer] admin HTTP surface stopped: %s", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf(logger.INFO, "[carrier-peer] terminating (on signal %q)", sig)
}

// buildServices resolves configured service names against the built-in
// registry (§4.10). Unknown names are skipped with a warning rather than
// aborting startup.
func buildServices(names []string) []peer.Service {
	var services []peer.Service
	for _, name := range names {
		switch name {
		case "echo":
			services = append(services, echo.New())
		case "lifeline":
			services = append(services, lifeline.New(""))
		default:
			logger.Printf(logger.WARN, "[carrier-peer] unknown service %q, skipping", name)
		}
	}
	return services
}

// loadEd25519PrivateKey reads a PKCS#8-encoded Ed25519 private key from a
// PEM file. This is the same long-lived key whose public half is bound
// into the peer's mTLS leaf certificate (cfg.CertFile), so the identity
// proof (§4.7) signs with the key PeerID is derived from.
func loadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an Ed25519 private key", path)
	}
	return edKey, nil
}
