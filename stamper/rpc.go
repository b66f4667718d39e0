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

package stamper

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// NodeClient is everything the stamper's state machine needs from the
// blockchain node and wallet, per spec §6: list spendable outputs, sign
// and broadcast transactions, query transaction/block inclusion, query
// fee estimates, query block headers. Narrowing rpcclient.Client to
// this interface keeps the state machine testable with a fake.
type NodeClient interface {
	ListUnspentMinConf(minConf int) ([]btcjson.ListUnspentResult, error)
	GetNewAddress() (btcutil.Address, error)
	GetBlockCount() (int64, error)
	GetBestBlockHash() (*chainhash.Hash, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetTxOut(hash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	EstimateSmartFee(confTarget int64) (btcutil.Amount, error)
}

// rpcNodeClient adapts *rpcclient.Client to NodeClient, translating
// between the node's raw JSON-RPC results and the narrower shapes the
// state machine wants.
type rpcNodeClient struct {
	*rpcclient.Client
}

// DialNode connects to a bitcoind-compatible node over RPC using cfg.
func DialNode(cfg *rpcclient.ConnConfig) (NodeClient, error) {
	c, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, "stamper: rpc dial failed")
	}
	return &rpcNodeClient{Client: c}, nil
}

func (c *rpcNodeClient) ListUnspentMinConf(minConf int) ([]btcjson.ListUnspentResult, error) {
	return c.Client.ListUnspentMin(minConf)
}

func (c *rpcNodeClient) GetNewAddress() (btcutil.Address, error) {
	return c.Client.GetNewAddress("")
}

func (c *rpcNodeClient) EstimateSmartFee(confTarget int64) (btcutil.Amount, error) {
	mode := btcjson.EstimateModeConservative
	res, err := c.Client.EstimateSmartFee(confTarget, &mode)
	if err != nil {
		return 0, err
	}
	if res.FeeRate == nil {
		return 0, errors.New("stamper: node has no fee estimate yet")
	}
	return btcutil.NewAmount(*res.FeeRate)
}
