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
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/opentimestamps/opentimestamps-server/calendar"
	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

func tempStamperStore(t *testing.T) *calendar.Store {
	dir, err := os.MkdirTemp("", "stamper-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	s, err := calendar.OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fundNode gives node one spendable 1 BTC output at a freshly minted
// outpoint, wired up consistently between ListUnspentMinConf (what
// fundingTemplate discovers) and GetTxOut (what txFee later reads back).
func fundNode(node *fakeNode, seed byte) wire.OutPoint {
	txHash := chainhash.Hash{seed}
	outpoint := wire.OutPoint{Hash: txHash, Index: 0}
	node.utxos[outpoint] = 100000000
	node.unspent = []btcjson.ListUnspentResult{{
		TxID:   txHash.String(),
		Vout:   0,
		Amount: 1.0,
	}}
	return outpoint
}

func TestStateReflectsWhatsOutstanding(t *testing.T) {
	Convey("State derives from pending/unconfirmed/waitingConfirmation", t, func() {
		store := tempStamperStore(t)
		s := New(store, newFakeNode(), Config{})
		So(s.State(), ShouldEqual, StateIdle)

		s.pending[hash.Sum256([]byte("x"))] = true
		So(s.State(), ShouldEqual, StateBuilding)

		s.pending = map[hash.Digest]bool{}
		s.unconfirmed = &anchorTx{}
		So(s.State(), ShouldEqual, StateBroadcast)

		s.unconfirmed = nil
		s.waitingConfirmation[100] = &anchorTx{}
		So(s.State(), ShouldEqual, StateConfirming)
	})
}

func TestMaybeSendRetriesOnBroadcastRejection(t *testing.T) {
	Convey("a rejected broadcast doubles the fee rate and retries until it succeeds", t, func() {
		store := tempStamperStore(t)
		node := newFakeNode()
		node.baseHeight = 100
		node.extendChain(1)
		node.feeRate = 5
		fundNode(node, 0x09)

		s := New(store, node, Config{RelayFeeRate: 1, MaxFee: 1000000})
		commitment := hash.Sum256([]byte("c1"))
		s.pending[commitment] = true
		node.rejectCount = 1

		err := s.maybeSend(false)
		So(err, ShouldBeNil)
		So(s.unconfirmed, ShouldNotBeNil)
		So(node.sent, ShouldHaveLength, 1)
	})
}

func TestStamperFullAnchorLifecycle(t *testing.T) {
	Convey("a pending commitment is anchored, mined, and finalized to BitcoinBlock", t, func() {
		store := tempStamperStore(t)
		commitment := hash.Sum256([]byte("round-commitment"))
		So(store.AddCommitment(commitment, op.Path{op.AttestOp(op.Pend("http://cal/"))}), ShouldBeNil)

		node := newFakeNode()
		node.baseHeight = 100
		node.extendChain(1) // tip at height 100
		node.feeRate = 2
		fundNode(node, 0x0a)

		s := New(store, node, Config{MinConfirmations: 2, RelayFeeRate: 1, MaxFee: 1000000, ConfTarget: 6})

		So(s.tick(), ShouldBeNil)
		So(s.unconfirmed, ShouldNotBeNil)
		So(node.sent, ShouldHaveLength, 1)

		minedHeight := int64(101)
		node.extendChain(1) // height 101: include the sent tx
		node.extraBlockTxs[minedHeight] = []*wire.MsgTx{node.sent[0]}

		So(s.tick(), ShouldBeNil)
		So(s.unconfirmed, ShouldBeNil)
		So(s.waitingConfirmation, ShouldContainKey, minedHeight)

		node.extendChain(1) // height 102: matures the confirmation

		So(s.tick(), ShouldBeNil)
		So(s.waitingConfirmation, ShouldNotContainKey, minedHeight)

		got, err := store.Get(commitment)
		So(err, ShouldBeNil)
		attest, err := got.Apply(commitment)
		So(err, ShouldBeNil)
		So(attest.Kind, ShouldEqual, op.BitcoinBlock)
		So(attest.Height, ShouldEqual, uint32(minedHeight))
	})
}
