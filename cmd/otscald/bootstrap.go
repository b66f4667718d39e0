/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opentimestamps/opentimestamps-server/aggregator"
	"github.com/opentimestamps/opentimestamps-server/api"
	"github.com/opentimestamps/opentimestamps-server/calendar"
	"github.com/opentimestamps/opentimestamps-server/conf"
	"github.com/opentimestamps/opentimestamps-server/stamper"
)

// components is everything bootstrap wires together, kept so main can
// start and stop each background loop and close the store cleanly on
// shutdown.
type components struct {
	store      *calendar.Store
	aggregator *aggregator.Aggregator
	upstream   *aggregator.UpstreamAttestor // nil unless cfg.Upstream is set
	stamper    *stamper.Stamper             // nil unless cfg.Bitcoin.RPCHost is set
	server     *http.Server
}

// bootstrap builds every component from cfg, following initServer's
// shape in cmd/cql-proxy/init.go: open storage, wire dependent
// components in order, then hand back a single *http.Server plus
// whatever else main needs to start and stop.
func bootstrap(cfg *conf.Config) (c *components, err error) {
	store, err := calendar.OpenStore(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap: open calendar store failed")
	}

	uri, err := cfg.LoadURI()
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "bootstrap: load uri failed")
	}

	hmacKey, err := cfg.LoadOrCreateHMACKey()
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "bootstrap: load hmac-key failed")
	}

	local := aggregator.LocalAttestor{URI: uri}

	var attestor aggregator.Attestor = local
	var upstreamAttestor *aggregator.UpstreamAttestor
	if cfg.Upstream != nil && cfg.Upstream.BaseURL != "" {
		client := api.NewUpstreamClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout())
		upstreamAttestor = aggregator.NewUpstreamAttestor(store, client, local, cfg.Upstream.Timeout())
		attestor = upstreamAttestor
	}

	agg := aggregator.New(store, attestor, cfg.RoundInterval(), cfg.AggregatorBufferCap)

	backup, err := calendar.NewBackup(store, cfg.BackupCacheDir())
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "bootstrap: open backup feed failed")
	}

	var stmp *stamper.Stamper
	if cfg.Bitcoin.RPCHost != "" {
		node, err := dialNode(cfg)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "bootstrap: dial bitcoin node failed")
		}
		stmp = stamper.New(store, node, stamper.Config{
			MinConfirmations:  cfg.MinConfirmations,
			AnchorMinInterval: cfg.AnchorMinInterval(),
			RelayFeeRate:      btcutil.Amount(cfg.MinRelayFeeRateSatPerByte),
			MaxFee:            btcutil.Amount(cfg.MaxFeeSatoshi),
			ConfTarget:        cfg.ConfTarget,
		})
	} else {
		logrus.Warn("bootstrap: no Bitcoin RPC configured, stamper disabled; commitments will stay pending")
	}

	engine := api.NewEngine(&api.Deps{
		Store:         store,
		Aggregator:    agg,
		Backup:        backup,
		Stamper:       stmp,
		URI:           uri,
		DonationAddr:  cfg.LoadDonationAddr(),
		HMACKey:       hmacKey,
		SubmitTimeout: cfg.SubmitTimeout(),
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}

	return &components{
		store:      store,
		aggregator: agg,
		upstream:   upstreamAttestor,
		stamper:    stmp,
		server:     server,
	}, nil
}

func dialNode(cfg *conf.Config) (stamper.NodeClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Bitcoin.RPCHost,
		User:         cfg.Bitcoin.RPCUser,
		Pass:         cfg.Bitcoin.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   cfg.Bitcoin.DisableTLS,
	}
	return stamper.DialNode(connCfg)
}

// start launches every background loop. The HTTP server is started by
// main directly, since it owns the listener's lifetime independently
// of ctx cancellation (graceful Shutdown instead).
func (c *components) start(ctx context.Context) {
	c.aggregator.Start(ctx)
	if c.upstream != nil {
		c.upstream.Start(ctx)
	}
	if c.stamper != nil {
		c.stamper.Start(ctx)
	}
}

// stop cancels every background loop, waits for them to exit, shuts
// the HTTP server down gracefully, and finally closes the store —
// the journal and index must outlive every component still capable of
// writing to them.
func (c *components) stop() {
	c.aggregator.Stop()
	if c.upstream != nil {
		c.upstream.Stop()
	}
	if c.stamper != nil {
		c.stamper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("bootstrap: http server shutdown did not complete cleanly")
	}

	if err := c.store.Close(); err != nil {
		logrus.WithError(err).Error("bootstrap: closing calendar store failed")
	}
}
