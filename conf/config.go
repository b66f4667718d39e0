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

// Package conf loads the calendar server's YAML configuration and the
// handful of small sidecar files spec §6 places under its on-disk
// base directory, following the teacher's LoadConfig-plus-globalConfig
// convention (cmd/cql-adapter/config, cmd/cql-babel).
package conf

import (
	"crypto/rand"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Chain names a Bitcoin network, immutable per calendar per spec §6.
type Chain string

const (
	Mainnet Chain = "mainnet"
	Testnet Chain = "testnet"
	Regtest Chain = "regtest"
)

// BitcoinConfig is the node RPC endpoint the Stamper drives.
type BitcoinConfig struct {
	RPCHost    string `yaml:"RPCHost"`
	RPCUser    string `yaml:"RPCUser"`
	RPCPass    string `yaml:"RPCPass"`
	CertFile   string `yaml:"CertFile"`
	DisableTLS bool   `yaml:"DisableTLS"`
}

// UpstreamConfig points the Aggregator at another calendar to forward
// commitments to, per the UpstreamAggregator feature recovered from
// original_source/.
type UpstreamConfig struct {
	BaseURL        string `yaml:"BaseURL"`
	TimeoutSeconds int64  `yaml:"TimeoutSeconds"`
}

// Timeout returns u.TimeoutSeconds as a time.Duration, defaulting to 10s.
func (u *UpstreamConfig) Timeout() time.Duration {
	if u == nil || u.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Config is the calendar server's enumerated configuration from spec
// §6. Every interval is stored in seconds rather than a yaml.v2
// duration string, since time.Duration has no built-in YAML
// unmarshaler and a raw integer keeps the config file unambiguous.
type Config struct {
	ListenAddr string `yaml:"ListenAddr"`
	DataDir    string `yaml:"DataDir"`

	Chain   Chain         `yaml:"Chain"`
	Bitcoin BitcoinConfig `yaml:"Bitcoin"`

	RoundIntervalSeconds      int64 `yaml:"RoundInterval"`
	AnchorMinIntervalSeconds  int64 `yaml:"AnchorMinInterval"`
	MinRelayFeeRateSatPerByte int64 `yaml:"MinRelayFeeRate"`
	MaxFeeSatoshi             int64 `yaml:"MaxFee"`
	ConfTarget                int64 `yaml:"ConfTarget"`
	MinConfirmations          int64 `yaml:"MinConfirmations"`
	AggregatorBufferCap       int   `yaml:"AggregatorBufferCap"`
	SubmitTimeoutSeconds      int64 `yaml:"SubmitTimeout"`

	Upstream *UpstreamConfig `yaml:"Upstream"`

	DonationAddr string `yaml:"DonationAddr"`
}

type confWrapper struct {
	Calendar Config `yaml:"Calendar"`
}

var (
	gConf     *Config
	gConfLock sync.Mutex
)

// GConf returns the process-wide config set by the most recent LoadConfig.
func GConf() *Config {
	gConfLock.Lock()
	defer gConfLock.Unlock()
	return gConf
}

// LoadConfig reads and validates configPath, fills in spec §6's
// defaults for anything left unset, and records the result as the
// process-wide config.
func LoadConfig(configPath string) (cfg *Config, err error) {
	raw, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "conf: read config file failed")
	}

	wrapper := &confWrapper{}
	if err = yaml.Unmarshal(raw, wrapper); err != nil {
		return nil, errors.Wrap(err, "conf: unmarshal config file failed")
	}
	cfg = &wrapper.Calendar

	applyDefaults(cfg)

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	gConfLock.Lock()
	gConf = cfg
	gConfLock.Unlock()

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:14788"
	}
	if cfg.Chain == "" {
		cfg.Chain = Mainnet
	}
	if cfg.RoundIntervalSeconds <= 0 {
		cfg.RoundIntervalSeconds = 1
	}
	if cfg.AnchorMinIntervalSeconds <= 0 {
		cfg.AnchorMinIntervalSeconds = 3600
	}
	if cfg.ConfTarget <= 0 {
		cfg.ConfTarget = 6
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 6
	}
	if cfg.SubmitTimeoutSeconds <= 0 {
		cfg.SubmitTimeoutSeconds = 30
	}
}

// ErrMissingDataDir is returned by Validate when DataDir is unset.
var ErrMissingDataDir = errors.New("conf: DataDir is required")

// ErrInvalidChain is returned by Validate for an unrecognized Chain.
var ErrInvalidChain = errors.New("conf: Chain must be one of mainnet, testnet, regtest")

// Validate checks the invariants LoadConfig can't fill in with a default.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	switch c.Chain {
	case Mainnet, Testnet, Regtest:
	default:
		return ErrInvalidChain
	}
	return nil
}

// RoundInterval is the Aggregator's round timer period.
func (c *Config) RoundInterval() time.Duration {
	return time.Duration(c.RoundIntervalSeconds) * time.Second
}

// AnchorMinInterval is the Stamper's minimum spacing between anchor attempts.
func (c *Config) AnchorMinInterval() time.Duration {
	return time.Duration(c.AnchorMinIntervalSeconds) * time.Second
}

// SubmitTimeout bounds how long the API waits on the Aggregator per request.
func (c *Config) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSeconds) * time.Second
}

// BackupCacheDir holds the backup feed's completed-page cache,
// alongside but outside the journal/index subdirectories that
// calendar.OpenStore manages directly from DataDir.
func (c *Config) BackupCacheDir() string { return filepath.Join(c.DataDir, "backup-cache") }

func (c *Config) uriFile() string          { return filepath.Join(c.DataDir, "uri") }
func (c *Config) hmacKeyFile() string      { return filepath.Join(c.DataDir, "hmac-key") }
func (c *Config) donationAddrFile() string { return filepath.Join(c.DataDir, "donation_addr") }

// LoadURI reads DataDir/uri, the server's public URI used in Pending
// attestations. It is plain text per spec §6 and is never generated:
// a calendar's URI is an operational decision, not a random secret.
func (c *Config) LoadURI() (string, error) {
	b, err := ioutil.ReadFile(c.uriFile())
	if err != nil {
		return "", errors.Wrap(err, "conf: read uri file failed")
	}
	return strings.TrimSpace(string(b)), nil
}

// LoadOrCreateHMACKey reads DataDir/hmac-key, generating 32 random
// bytes and writing them on first run, per spec §6's "32 random bytes,
// secret" sidecar file.
func (c *Config) LoadOrCreateHMACKey() ([]byte, error) {
	path := c.hmacKeyFile()
	b, err := ioutil.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "conf: read hmac-key file failed")
	}

	key := make([]byte, 32)
	if _, err = rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "conf: generate hmac-key failed")
	}
	if err = ioutil.WriteFile(path, key, 0o600); err != nil {
		return nil, errors.Wrap(err, "conf: write hmac-key file failed")
	}
	logrus.WithField("path", path).Info("conf: generated new hmac-key")
	return key, nil
}

// LoadDonationAddr reads DataDir/donation_addr, or returns "" if the
// operator hasn't configured one. Donation reporting is an
// informational feature (spec §9 carve-out), so its absence isn't fatal.
func (c *Config) LoadDonationAddr() string {
	if c.DonationAddr != "" {
		return c.DonationAddr
	}
	b, err := ioutil.ReadFile(c.donationAddrFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
