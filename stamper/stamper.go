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

// Package stamper drives the anchoring state machine: it watches the
// calendar for newly aggregated commitments still pending, folds them
// into a single top digest, keeps one Bitcoin transaction committing to
// that digest alive via fee-bump replacement, and once that
// transaction reaches the configured confirmation depth, upgrades
// every contributing commitment to a final BitcoinBlock attestation.
package stamper

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opentimestamps/opentimestamps-server/calendar"
	"github.com/opentimestamps/opentimestamps-server/metrics"
	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/mmr"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

// State names the stamper's coarse position in the anchoring
// state machine from spec §4.E, surfaced for metrics and the informational endpoint.
type State string

const (
	StateIdle       State = "idle"
	StateBuilding   State = "building"
	StateBroadcast  State = "broadcast"
	StateConfirming State = "confirming"
	StateConfirmed  State = "confirmed"
)

// StateNames lists every State value, for callers (metrics) that need
// to reset all label values rather than only the current one.
var StateNames = []string{
	string(StateIdle),
	string(StateBuilding),
	string(StateBroadcast),
	string(StateConfirming),
	string(StateConfirmed),
}

// pollInterval is how often the stamper checks for new blocks and new
// pending commitments. Matches the reference server's one-second loop.
const pollInterval = time.Second

// Config holds the fee and timing policy from spec §6.
type Config struct {
	MinConfirmations  int64
	AnchorMinInterval time.Duration
	RelayFeeRate      btcutil.Amount // satoshis per byte, minimum bump per retry
	MaxFee            btcutil.Amount
	ConfTarget        int64
}

// anchorTx is one outstanding or waiting-for-confirmation transaction
// committing to topCommitment, and the MMR-bagging paths from every
// round commitment it bundles up to that top digest.
type anchorTx struct {
	tx            *wire.MsgTx
	txHash        chainhash.Hash
	topCommitment hash.Digest
	commitments   []hash.Digest
	paths         [][]op.Operation
	minedHeight   int64
}

// Stamper is the anchoring state machine.
type Stamper struct {
	node  NodeClient
	store *calendar.Store
	cfg   Config

	mu                  sync.Mutex
	known               knownBlocks
	journalCursor       int64
	pending             map[hash.Digest]bool
	unconfirmed         *anchorTx
	waitingConfirmation map[int64]*anchorTx
	lastAnchorTime      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Stamper over store, driven by node.
func New(store *calendar.Store, node NodeClient, cfg Config) *Stamper {
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 6
	}
	return &Stamper{
		node:                node,
		store:               store,
		cfg:                 cfg,
		pending:             make(map[hash.Digest]bool),
		waitingConfirmation: make(map[int64]*anchorTx),
	}
}

// Start launches the stamper's poll loop.
func (s *Stamper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Stamper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// State reports the stamper's current coarse state, for metrics.
func (s *Stamper) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case len(s.waitingConfirmation) > 0:
		return StateConfirming
	case s.unconfirmed != nil:
		return StateBroadcast
	case len(s.pending) > 0:
		return StateBuilding
	default:
		return StateIdle
	}
}

func (s *Stamper) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer func() {
		if !timer.Stop() {
			<-timer.C
		}
	}()

	for {
		select {
		case <-timer.C:
			if err := s.tick(); err != nil {
				logrus.WithError(err).Error("stamper: tick failed")
			}
			timer.Reset(pollInterval)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stamper) tick() error {
	if err := s.scanNewCommitments(); err != nil {
		return errors.Wrap(err, "stamper: scan failed")
	}
	err := s.doBitcoin()

	metrics.SetStamperState(string(s.State()), StateNames)
	s.mu.Lock()
	metrics.CommitmentsPending.Set(float64(len(s.pending)))
	s.mu.Unlock()

	return err
}

// scanNewCommitments pulls any commitments the aggregator has recorded
// since the last scan into the pending set.
func (s *Stamper) scanNewCommitments() error {
	s.mu.Lock()
	cursor := s.journalCursor
	s.mu.Unlock()

	newlyPending, next, err := s.store.ScanNewCommitments(cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, d := range newlyPending {
		s.pending[d] = true
	}
	s.journalCursor = next
	s.mu.Unlock()
	return nil
}

// doBitcoin is the per-tick maintenance procedure: notice new blocks,
// finalize anything that has reached min confirmations, roll back
// anything orphaned by a reorg, check whether the outstanding tx has
// been mined, and otherwise (re)send a tx covering the pending set.
func (s *Stamper) doBitcoin() error {
	newBlocks, err := s.known.updateFromNode(s.node)
	if err != nil {
		return errors.Wrap(err, "stamper: update known blocks failed")
	}

	for _, nb := range newBlocks {
		if err := s.onNewBlock(nb); err != nil {
			return err
		}
	}

	if s.cfg.AnchorMinInterval > 0 && time.Since(s.lastAnchorTime) < s.cfg.AnchorMinInterval {
		return nil
	}

	return s.maybeSend(len(newBlocks) > 0)
}

func (s *Stamper) onNewBlock(nb knownBlock) error {
	s.mu.Lock()
	matured := s.waitingConfirmation[nb.height-s.cfg.MinConfirmations+1]
	delete(s.waitingConfirmation, nb.height-s.cfg.MinConfirmations+1)
	reorged := s.waitingConfirmation[nb.height]
	delete(s.waitingConfirmation, nb.height)
	s.mu.Unlock()

	if matured != nil {
		if err := s.finalize(matured); err != nil {
			return err
		}
	}

	if reorged != nil {
		logrus.WithField("height", nb.height).Warn("stamper: anchor tx orphaned by reorg, re-queuing its commitments")
		s.mu.Lock()
		for _, d := range reorged.commitments {
			s.pending[d] = true
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	unconfirmed := s.unconfirmed
	s.mu.Unlock()
	if unconfirmed == nil {
		return nil
	}

	block, err := s.node.GetBlock(&nb.hash)
	if err != nil {
		logrus.WithError(err).Warn("stamper: getblock failed")
		return nil
	}
	if !blockConfirmsTx(block, unconfirmed.txHash, unconfirmed.topCommitment) {
		return nil
	}

	unconfirmed.minedHeight = nb.height
	logrus.WithFields(logrus.Fields{
		"height": nb.height,
		"tx":     unconfirmed.txHash,
	}).Info("stamper: anchor tx mined, waiting for confirmations")

	s.mu.Lock()
	for _, d := range unconfirmed.commitments {
		delete(s.pending, d)
	}
	s.waitingConfirmation[nb.height] = unconfirmed
	s.unconfirmed = nil
	s.lastAnchorTime = time.Now()
	s.mu.Unlock()

	// The mining block is itself the first confirmation, so a depth of
	// one is reached here rather than on a later block.
	if s.cfg.MinConfirmations <= 1 {
		s.mu.Lock()
		delete(s.waitingConfirmation, nb.height)
		s.mu.Unlock()
		return s.finalize(unconfirmed)
	}

	return nil
}

// finalize upgrades every commitment anchored by tx to a BitcoinBlock
// attestation at the height it was mined.
func (s *Stamper) finalize(tx *anchorTx) error {
	attest := op.AttestOp(op.Confirmed(uint32(tx.minedHeight)))
	for i, commitment := range tx.commitments {
		extended := op.Concat(tx.paths[i], op.Path{attest})
		if err := s.store.UpgradeCommitment(commitment, extended); err != nil && err != calendar.ErrConflictingUpgrade {
			return errors.Wrapf(err, "stamper: upgrade_commitment failed for %s", commitment)
		}
	}
	logrus.WithFields(logrus.Fields{
		"height":      tx.minedHeight,
		"commitments": len(tx.commitments),
	}).Info("stamper: anchor confirmed")
	metrics.AnchorsConfirmed.Inc()
	return nil
}

// maybeSend (re)builds and broadcasts the anchor transaction covering
// every currently pending commitment, fee-bumping an existing
// outstanding tx rather than double-spending it. It only acts when
// there's something new to do: a fresh set of commitments with no tx
// in flight, or a new block arrived while one is in flight (the
// reference server's signal to attempt a fee bump).
func (s *Stamper) maybeSend(haveNewBlock bool) error {
	s.mu.Lock()
	pendingCount := len(s.pending)
	unconfirmed := s.unconfirmed
	s.mu.Unlock()

	if pendingCount == 0 {
		return nil
	}
	if unconfirmed != nil && !haveNewBlock {
		return nil
	}

	prevTemplate, err := s.fundingTemplate(unconfirmed)
	if err != nil {
		return err
	}
	if prevTemplate == nil {
		return nil // no spendable funds; logged inside fundingTemplate
	}

	s.mu.Lock()
	digests := make([]hash.Digest, 0, len(s.pending))
	for d := range s.pending {
		digests = append(digests, d)
	}
	s.mu.Unlock()

	top, paths, err := mmr.Build(digests)
	if err != nil {
		return errors.Wrap(err, "stamper: mmr build failed")
	}

	height, err := s.node.GetBlockCount()
	if err != nil {
		return errors.Wrap(err, "stamper: getblockcount failed")
	}

	feeRate, err := s.node.EstimateSmartFee(s.cfg.ConfTarget)
	if err != nil || feeRate <= 0 {
		logrus.WithError(err).Debug("stamper: fee estimate unavailable, using configured minimum relay feerate")
		feeRate = s.cfg.RelayFeeRate
	}
	if feeRate < s.cfg.RelayFeeRate {
		feeRate = s.cfg.RelayFeeRate
	}
	if feeRate <= 0 {
		feeRate = 1
	}

	const maxBumpAttempts = 6
	var (
		signed *wire.MsgTx
		sentID *chainhash.Hash
	)
	for attempt := 0; attempt < maxBumpAttempts; attempt++ {
		deltaFee := btcutil.Amount(txVSize(prevTemplate)) * feeRate
		unsignedTx, err := updateAnchorTx(prevTemplate, top, height, deltaFee)
		if err != nil {
			return err
		}

		fee, err := txFee(s.node, unsignedTx)
		if err != nil {
			return errors.Wrap(err, "stamper: fee calculation failed")
		}
		if s.cfg.MaxFee > 0 && fee > s.cfg.MaxFee {
			return errors.New("stamper: maximum tx fee reached, refusing to send")
		}

		signedTx, complete, err := s.node.SignRawTransactionWithWallet(unsignedTx)
		if err != nil {
			return errors.Wrap(err, "stamper: signrawtransaction failed")
		}
		if !complete {
			return errors.New("stamper: wallet could not fully sign anchor tx")
		}

		id, err := s.node.SendRawTransaction(signedTx, false)
		if err != nil {
			logrus.WithError(err).Warn("stamper: broadcast rejected, bumping fee and retrying")
			feeRate *= 2
			prevTemplate = signedTx
			continue
		}

		signed, sentID = signedTx, id
		break
	}

	if signed == nil {
		return errors.New("stamper: exhausted fee-bump attempts without a successful broadcast")
	}

	if unconfirmed != nil {
		logrus.WithFields(logrus.Fields{"old": unconfirmed.txHash, "new": *sentID}).Info("stamper: replaced anchor tx")
	} else {
		logrus.WithField("tx", *sentID).Info("stamper: sent anchor tx")
	}

	newTx := &anchorTx{
		tx:            signed,
		txHash:        *sentID,
		topCommitment: top,
		commitments:   digests,
		paths:         paths,
	}

	s.mu.Lock()
	s.unconfirmed = newTx
	s.mu.Unlock()

	metrics.AnchorsSent.Inc()

	return nil
}

// fundingTemplate returns the previous anchor tx to fee-bump, or builds
// a fresh one-input template from the wallet's largest confirmed UTXO
// if there is no transaction currently in flight.
func (s *Stamper) fundingTemplate(unconfirmed *anchorTx) (*wire.MsgTx, error) {
	if unconfirmed != nil {
		return unconfirmed.tx, nil
	}

	unspent, err := s.node.ListUnspentMinConf(1)
	if err != nil {
		return nil, errors.Wrap(err, "stamper: listunspent failed")
	}
	if len(unspent) == 0 {
		logrus.Error("stamper: no spendable outputs, cannot anchor")
		return nil, nil
	}

	best := unspent[0]
	for _, u := range unspent[1:] {
		if u.Amount > best.Amount {
			best = u
		}
	}

	txHash, err := chainhash.NewHashFromStr(best.TxID)
	if err != nil {
		return nil, errors.Wrap(err, "stamper: parse utxo txid failed")
	}
	outpoint := wire.NewOutPoint(txHash, best.Vout)

	changeAddr, err := s.node.GetNewAddress()
	if err != nil {
		return nil, errors.Wrap(err, "stamper: getnewaddress failed")
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, errors.Wrap(err, "stamper: build change script failed")
	}

	amount, err := btcutil.NewAmount(best.Amount)
	if err != nil {
		return nil, err
	}

	return newAnchorTxTemplate(*outpoint, amount, changeScript), nil
}

func txVSize(tx *wire.MsgTx) int {
	return tx.SerializeSize()
}
