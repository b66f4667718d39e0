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
	"bytes"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// fakeNode is a hand-rolled stand-in for a bitcoind RPC connection,
// just capable enough to drive the stamper's state machine through a
// full anchor lifecycle without a real node.
type fakeNode struct {
	unspent []btcjson.ListUnspentResult
	utxos   map[wire.OutPoint]btcutil.Amount
	address btcutil.Address

	// chain[i] is the block hash at height baseHeight+i.
	chain         []chainhash.Hash
	baseHeight    int64
	extraBlockTxs map[int64][]*wire.MsgTx

	feeRate     btcutil.Amount
	feeErr      error
	rejectCount int
	sent        []*wire.MsgTx
}

func newFakeNode() *fakeNode {
	addr, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{0x01}, 20), &chaincfg.MainNetParams)
	if err != nil {
		panic(err)
	}
	return &fakeNode{
		utxos:         make(map[wire.OutPoint]btcutil.Amount),
		extraBlockTxs: make(map[int64][]*wire.MsgTx),
		address:       addr,
	}
}

func hashAt(label string, n int) chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], []byte(label))
	h[len(h)-1] = byte(n)
	return h
}

func (f *fakeNode) extendChain(n int) {
	for i := 0; i < n; i++ {
		f.chain = append(f.chain, hashAt("block", len(f.chain)+1))
	}
}

func (f *fakeNode) replaceTip() {
	f.chain[len(f.chain)-1] = hashAt("reorg", len(f.chain)+1)
}

func (f *fakeNode) ListUnspentMinConf(minConf int) ([]btcjson.ListUnspentResult, error) {
	return f.unspent, nil
}

func (f *fakeNode) GetNewAddress() (btcutil.Address, error) {
	return f.address, nil
}

func (f *fakeNode) GetBlockCount() (int64, error) {
	if len(f.chain) == 0 {
		return f.baseHeight, nil
	}
	return f.baseHeight + int64(len(f.chain)) - 1, nil
}

func (f *fakeNode) GetBestBlockHash() (*chainhash.Hash, error) {
	if len(f.chain) == 0 {
		return nil, errors.New("fakeNode: no blocks")
	}
	h := f.chain[len(f.chain)-1]
	return &h, nil
}

func (f *fakeNode) GetBlockHash(height int64) (*chainhash.Hash, error) {
	idx := height - f.baseHeight
	if idx < 0 || idx >= int64(len(f.chain)) {
		return nil, errors.New("fakeNode: height not found")
	}
	h := f.chain[idx]
	return &h, nil
}

func (f *fakeNode) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	for i, h := range f.chain {
		if h == *hash {
			height := f.baseHeight + int64(i)
			return &wire.MsgBlock{Transactions: f.extraBlockTxs[height]}, nil
		}
	}
	return nil, errors.New("fakeNode: block not found")
}

func (f *fakeNode) GetTxOut(hash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error) {
	amt, ok := f.utxos[wire.OutPoint{Hash: *hash, Index: index}]
	if !ok {
		return nil, nil
	}
	return &btcjson.GetTxOutResult{Value: amt.ToBTC()}, nil
}

func (f *fakeNode) SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error) {
	return tx, true, nil
}

func (f *fakeNode) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error) {
	if f.rejectCount > 0 {
		f.rejectCount--
		return nil, errors.New("fakeNode: rejected")
	}
	f.sent = append(f.sent, tx)
	h := tx.TxHash()
	return &h, nil
}

func (f *fakeNode) EstimateSmartFee(confTarget int64) (btcutil.Amount, error) {
	return f.feeRate, f.feeErr
}
