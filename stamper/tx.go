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
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
)

// rbfSequence opts every anchor tx input into replace-by-fee, matching
// the reference server's choice of nSequence so fee bumps can reuse the
// same input.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// newAnchorTxTemplate builds the one-input, two-output transaction
// template the stamper fee-bumps round after round: a change output
// back to the wallet and a dummy OP_RETURN output, fee left at zero
// until updateAnchorTx fills in a real commitment and fee.
func newAnchorTxTemplate(outpoint wire.OutPoint, value btcutil.Amount, changeScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(&outpoint, nil, nil)
	txIn.Sequence = rbfSequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(value), changeScript))
	tx.AddTxOut(wire.NewTxOut(0, []byte{})) // placeholder commitment output
	return tx
}

// updateAnchorTx rebuilds prev with a new top commitment and a fee bump
// of deltaFee, following the reference server's __update_timestamp_tx:
// same inputs, change output reduced by deltaFee, commitment output
// replaced, locktime set to the current block height (a cheap signal
// that this is a timestamp tx, not required for validity).
func updateAnchorTx(prev *wire.MsgTx, commitment hash.Digest, minBlockHeight int64, deltaFee btcutil.Amount) (*wire.MsgTx, error) {
	if len(prev.TxOut) < 1 {
		return nil, errors.New("stamper: anchor tx template has no change output")
	}

	changeValue := btcutil.Amount(prev.TxOut[0].Value) - deltaFee
	if changeValue <= 0 {
		return nil, errors.New("stamper: change output exhausted by fee bump")
	}

	commitmentScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(commitment.Bytes()).
		Script()
	if err != nil {
		return nil, errors.Wrap(err, "stamper: build OP_RETURN script failed")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range prev.TxIn {
		tx.AddTxIn(in)
	}
	tx.AddTxOut(wire.NewTxOut(int64(changeValue), prev.TxOut[0].PkScript))
	tx.AddTxOut(wire.NewTxOut(0, commitmentScript))
	tx.LockTime = uint32(minBlockHeight)

	return tx, nil
}

// txFee sums confirmed input values via the node's UTXO set and
// subtracts total output value, matching __get_tx_fee. It assumes every
// input is already confirmed, which holds for the stamper's single
// wallet-controlled funding input.
func txFee(node NodeClient, tx *wire.MsgTx) (btcutil.Amount, error) {
	var valueIn btcutil.Amount
	for _, in := range tx.TxIn {
		out, err := node.GetTxOut(&in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index, false)
		if err != nil {
			return 0, errors.Wrap(err, "stamper: gettxout failed")
		}
		if out == nil {
			return 0, errors.New("stamper: funding output already spent")
		}
		amt, err := btcutil.NewAmount(out.Value)
		if err != nil {
			return 0, err
		}
		valueIn += amt
	}

	var valueOut btcutil.Amount
	for _, out := range tx.TxOut {
		valueOut += btcutil.Amount(out.Value)
	}

	return valueIn - valueOut, nil
}

// blockConfirmsTx reports whether block contains a transaction with
// txHash whose OP_RETURN output still carries commitment. The stamper
// already knows which txid it broadcast; re-checking the commitment
// bytes here is just defense in depth against a node serving a
// different transaction under the same hash than the one sent.
//
// Per spec §3, BitcoinBlock(height) is itself the terminal assertion
// that a digest appears in the merkle root of that block — unlike the
// upstream OpenTimestamps wire format, this calendar's path model has
// no separate operations proving tx-to-merkle-root inclusion, so there
// is nothing further to reconstruct once the node confirms inclusion.
func blockConfirmsTx(block *wire.MsgBlock, txHash chainhash.Hash, commitment hash.Digest) bool {
	for _, tx := range block.Transactions {
		if tx.TxHash() != txHash {
			continue
		}
		for _, out := range tx.TxOut {
			if commitmentFromScript(out.PkScript) == commitment {
				return true
			}
		}
	}
	return false
}

// commitmentFromScript extracts the OP_RETURN payload from pkScript as
// a digest, or the zero digest if pkScript isn't a bare OP_RETURN push
// of exactly hash.Size bytes.
func commitmentFromScript(pkScript []byte) hash.Digest {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return hash.Digest{}
	}
	if !tokenizer.Next() {
		return hash.Digest{}
	}
	d, err := hash.FromBytes(tokenizer.Data())
	if err != nil {
		return hash.Digest{}
	}
	return d
}
