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

// Package aggregator batches digest submissions into round commitments
// via a merkle mountain range, and hands the commitment to an Attestor
// (the local calendar itself, or an upstream calendar) to learn where
// that commitment is pending or already attested.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opentimestamps/opentimestamps-server/calendar"
	"github.com/opentimestamps/opentimestamps-server/metrics"
	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/mmr"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

// ErrOverloaded is returned by Submit when the round buffer is full.
// Callers should surface this as a 503 per spec §6.
var ErrOverloaded = errors.New("aggregator: submission buffer is full")

// Attestor resolves a freshly closed round's commitment to the outward
// path the calendar should record for it — ordinarily a single Pending
// step at this calendar's own URI, but an UpstreamAttestor can instead
// forward the commitment to another calendar.
type Attestor interface {
	Attest(ctx context.Context, commitment hash.Digest) (op.Path, error)
}

// LocalAttestor is the default Attestor: every commitment is simply
// pending at this calendar's own URI, to be resolved later by a Stamper
// calling Store.UpgradeCommitment.
type LocalAttestor struct {
	URI string
}

// Attest implements Attestor.
func (a LocalAttestor) Attest(ctx context.Context, commitment hash.Digest) (op.Path, error) {
	return op.Path{op.AttestOp(op.Pend(a.URI))}, nil
}

type submission struct {
	digest hash.Digest
	result chan submitResult
}

type submitResult struct {
	path op.Path
	err  error
}

// Aggregator is the round-based batcher described in spec §4.D: digests
// submitted during an open round are buffered, and on round close are
// combined into one commitment via the merkle mountain range in
// ots/mmr, recorded in the calendar store, and every submitter is woken
// with its own path from leaf to attestation.
type Aggregator struct {
	store         *calendar.Store
	attestor      Attestor
	roundInterval time.Duration
	bufferCap     int

	mu      sync.Mutex
	pending []*submission

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Aggregator. bufferCap <= 0 means unbounded.
func New(store *calendar.Store, attestor Attestor, roundInterval time.Duration, bufferCap int) *Aggregator {
	return &Aggregator{
		store:         store,
		attestor:      attestor,
		roundInterval: roundInterval,
		bufferCap:     bufferCap,
	}
}

// Start launches the round-closer goroutine. It follows the same
// timer/select main-cycle shape used elsewhere in this codebase for
// periodic work: reset the timer after each tick rather than using a
// Ticker, so a slow round close never causes a backlog of queued ticks.
func (a *Aggregator) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop()
}

// Stop cancels the round-closer and waits for it to exit. Any
// submissions still buffered are left unresolved; callers blocked in
// Submit will observe ctx.Done() on the context they passed in.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Aggregator) loop() {
	defer a.wg.Done()

	timer := time.NewTimer(a.roundInterval)
	defer func() {
		if !timer.Stop() {
			<-timer.C
		}
	}()

	for {
		select {
		case <-timer.C:
			a.closeRound()
			timer.Reset(a.roundInterval)
		case <-a.ctx.Done():
			return
		}
	}
}

// closeRound is the round-close procedure from spec §4.D.3-5: swap out
// the pending buffer, build the merkle mountain range, record the
// commitment, and deliver every submitter its path.
func (a *Aggregator) closeRound() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	metrics.RoundsClosed.Inc()
	if len(batch) == 0 {
		return
	}
	metrics.RoundSize.Observe(float64(len(batch)))

	digests := make([]hash.Digest, len(batch))
	for i, s := range batch {
		digests[i] = s.digest
	}

	commitment, paths, err := mmr.Build(digests)
	if err != nil {
		logrus.WithError(err).Error("aggregator: merkle mountain range build failed")
		a.fail(batch, err)
		return
	}

	pathFromCommitment, err := a.attestor.Attest(a.ctx, commitment)
	if err != nil {
		logrus.WithError(err).Error("aggregator: attestor failed")
		a.fail(batch, err)
		return
	}

	if err := a.store.AddCommitment(commitment, pathFromCommitment); err != nil {
		logrus.WithError(err).Error("aggregator: add_commitment failed")
		a.fail(batch, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"digests":    len(batch),
		"commitment": commitment,
	}).Info("aggregator: closed round")

	for i, s := range batch {
		full := op.Concat(paths[i], pathFromCommitment)
		s.result <- submitResult{path: full}
	}
}

func (a *Aggregator) fail(batch []*submission, err error) {
	for _, s := range batch {
		s.result <- submitResult{err: err}
	}
}

// Submit enqueues digest for the next round close and blocks until it
// is resolved, returning the complete path from digest to attestation.
// It returns ErrOverloaded immediately, without blocking, if the round
// buffer is already full. Submitting the same digest more than once in
// the same round is allowed; per spec §4.D.7 each call occupies its own
// leaf and both succeed.
func (a *Aggregator) Submit(ctx context.Context, digest hash.Digest) (op.Path, error) {
	a.mu.Lock()
	if a.bufferCap > 0 && len(a.pending) >= a.bufferCap {
		a.mu.Unlock()
		return nil, ErrOverloaded
	}
	s := &submission{digest: digest, result: make(chan submitResult, 1)}
	a.pending = append(a.pending, s)
	a.mu.Unlock()

	select {
	case res := <-s.result:
		return res.path, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
