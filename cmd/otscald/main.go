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

// Command otscald runs the calendar server: aggregator, calendar
// store, stamper, backup feed and HTTP API wired together per
// SPEC_FULL.md, following cmd/cql-proxy/main.go's flag-parse,
// load-config, init-server, wait-for-exit shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/opentimestamps/opentimestamps-server/conf"
	"github.com/opentimestamps/opentimestamps-server/utils"
)

const name = "otscald"

var (
	version     = "unknown"
	listenAddr  string
	configFile  string
	showVersion bool
	verbose     bool
)

func init() {
	flag.StringVar(&listenAddr, "listen", "", "API listen addr (overrides the config file's ListenAddr)")
	flag.StringVar(&configFile, "config", "./otscald.yaml", "Configuration file for otscald")
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

func main() {
	flag.Parse()
	if showVersion {
		fmt.Printf("%v %v %v %v %v\n", name, version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		os.Exit(0)
	}

	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	flag.Visit(func(f *flag.Flag) {
		logrus.Infof("args %#v : %s", f.Name, f.Value)
	})

	cfg, err := conf.LoadConfig(configFile)
	if err != nil {
		logrus.WithError(err).Error("load config failed")
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	c, err := bootstrap(cfg)
	if err != nil {
		logrus.WithError(err).Error("bootstrap failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.start(ctx)

	go func() {
		if err := c.server.ListenAndServe(); err != nil {
			logrus.WithError(err).Info("http server stopped")
		}
	}()

	logrus.WithField("addr", cfg.ListenAddr).Info("otscald started")

	<-utils.WaitForExit()

	cancel()
	c.stop()

	logrus.Info("otscald stopped")
}
