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

package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

const testConfigFile = "./.configtest"

func TestLoadConfig(t *testing.T) {
	Convey("LoadConfig fills in defaults, validates, and records GConf", t, func() {
		defer os.Remove(testConfigFile)

		raw := []byte("Calendar:\n  DataDir: /tmp/otscald-test\n  Chain: testnet\n")
		So(ioutil.WriteFile(testConfigFile, raw, 0600), ShouldBeNil)

		cfg, err := LoadConfig(testConfigFile)
		So(err, ShouldBeNil)
		So(cfg.DataDir, ShouldEqual, "/tmp/otscald-test")
		So(cfg.Chain, ShouldEqual, Testnet)
		So(cfg.ListenAddr, ShouldEqual, "127.0.0.1:14788")
		So(cfg.RoundIntervalSeconds, ShouldEqual, 1)
		So(cfg.AnchorMinIntervalSeconds, ShouldEqual, 3600)
		So(cfg.ConfTarget, ShouldEqual, 6)
		So(cfg.MinConfirmations, ShouldEqual, 6)
		So(cfg.SubmitTimeoutSeconds, ShouldEqual, 30)
		So(GConf(), ShouldEqual, cfg)

		_, err = LoadConfig("notExistFile")
		So(err, ShouldNotBeNil)

		So(ioutil.WriteFile(testConfigFile, []byte("xx:1"), 0600), ShouldBeNil)
		_, err = LoadConfig(testConfigFile)
		So(err, ShouldNotBeNil)
	})

	Convey("LoadConfig rejects a config missing DataDir or naming an unknown chain", t, func() {
		defer os.Remove(testConfigFile)

		So(ioutil.WriteFile(testConfigFile, []byte("Calendar:\n  Chain: mainnet\n"), 0600), ShouldBeNil)
		_, err := LoadConfig(testConfigFile)
		So(err, ShouldEqual, ErrMissingDataDir)

		So(ioutil.WriteFile(testConfigFile, []byte("Calendar:\n  DataDir: /tmp/x\n  Chain: moonnet\n"), 0600), ShouldBeNil)
		_, err = LoadConfig(testConfigFile)
		So(err, ShouldEqual, ErrInvalidChain)
	})
}

func TestConfigDurationsAndPaths(t *testing.T) {
	Convey("duration accessors convert stored seconds, path helpers nest under DataDir", t, func() {
		cfg := &Config{
			DataDir:                  "/data/otscald",
			RoundIntervalSeconds:     5,
			AnchorMinIntervalSeconds: 7200,
			SubmitTimeoutSeconds:     45,
		}
		So(cfg.RoundInterval().Seconds(), ShouldEqual, 5)
		So(cfg.AnchorMinInterval().Seconds(), ShouldEqual, 7200)
		So(cfg.SubmitTimeout().Seconds(), ShouldEqual, 45)
		So(cfg.BackupCacheDir(), ShouldEqual, filepath.Join("/data/otscald", "backup-cache"))
	})
}

func TestUpstreamConfigTimeoutDefault(t *testing.T) {
	Convey("a nil or zero UpstreamConfig times out at 10s, a configured one uses its own value", t, func() {
		var nilCfg *UpstreamConfig
		So(nilCfg.Timeout().Seconds(), ShouldEqual, 10)

		zero := &UpstreamConfig{}
		So(zero.Timeout().Seconds(), ShouldEqual, 10)

		set := &UpstreamConfig{TimeoutSeconds: 3}
		So(set.Timeout().Seconds(), ShouldEqual, 3)
	})
}

func TestLoadOrCreateHMACKeyPersists(t *testing.T) {
	Convey("LoadOrCreateHMACKey generates once and reuses the file on later calls", t, func() {
		dir, err := ioutil.TempDir("", "conf-test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		cfg := &Config{DataDir: dir}
		key1, err := cfg.LoadOrCreateHMACKey()
		So(err, ShouldBeNil)
		So(key1, ShouldHaveLength, 32)

		key2, err := cfg.LoadOrCreateHMACKey()
		So(err, ShouldBeNil)
		So(key2, ShouldResemble, key1)
	})
}

func TestLoadDonationAddrPrefersConfiguredValue(t *testing.T) {
	Convey("an explicit DonationAddr wins over the sidecar file, and a missing file yields empty", t, func() {
		dir, err := ioutil.TempDir("", "conf-test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		cfg := &Config{DataDir: dir}
		So(cfg.LoadDonationAddr(), ShouldEqual, "")

		So(ioutil.WriteFile(filepath.Join(dir, "donation_addr"), []byte("1FromFile\n"), 0600), ShouldBeNil)
		So(cfg.LoadDonationAddr(), ShouldEqual, "1FromFile")

		cfg.DonationAddr = "1Configured"
		So(cfg.LoadDonationAddr(), ShouldEqual, "1Configured")
	})
}
