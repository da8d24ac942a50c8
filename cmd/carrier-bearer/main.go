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
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"

	"github.com/bkchr/carrier/adminhttp"
	"github.com/bkchr/carrier/bearer"
	"github.com/bkchr/carrier/config"
	"github.com/bkchr/carrier/ringkv"
	"github.com/bkchr/carrier/transport"
)

func main() {
	defer func() {
		logger.Println(logger.INFO, "[carrier-bearer] Bye.")
		logger.Flush()
	}()
	logger.Println(logger.INFO, "[carrier-bearer] Starting service...")

	var (
		cfgFile  string
		logLevel int
	)
	flag.StringVar(&cfgFile, "c", "bearer-config.json", "carrier bearer configuration file")
	flag.IntVar(&logLevel, "L", logger.INFO, "log level (default: INFO)")
	flag.Parse()
	logger.SetLogLevel(logLevel)

	cfg, err := config.Parse(cfgFile)
	if err != nil {
		logger.Printf(logger.ERROR, "[carrier-bearer] invalid configuration file: %s", err)
		return
	}

	tp, err := transport.NewQUICTransport(cfg.ListenAddr, cfg.CertFile, cfg.KeyFile, cfg.TrustedIn)
	if err != nil {
		logger.Printf(logger.ERROR, "[carrier-bearer] transport setup failed: %s", err)
		return
	}
	defer tp.Close()

	var ring *ringkv.Ring
	if cfg.RingSpec != "" {
		store, err := ringkv.Open(cfg.RingSpec)
		if err != nil {
			logger.Printf(logger.ERROR, "[carrier-bearer] ring backend unavailable: %s", err)
			return
		}
		ring = ringkv.New(store)
	}

	b := bearer.New(bearer.Config{
		Transport:     tp,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Ring:          ring,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := b.Run(ctx); err != nil {
			logger.Printf(logger.ERROR, "[carrier-bearer] run failed: %s", err)
		}
	}()

	if cfg.AdminAddr != "" {
		admin := adminhttp.New(cfg.AdminAddr, b)
		go func() {
			if err := admin.Run(ctx); err != nil {
				logger.Printf(logger.WARN, "[carrier-bearer] admin HTTP surface stopped: %s", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf(logger.INFO, "[carrier-bearer] terminating (on signal %q)", sig)
}
