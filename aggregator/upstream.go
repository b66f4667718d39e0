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

package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opentimestamps/opentimestamps-server/calendar"
	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

// UpstreamClient is the remote side of an UpstreamAttestor: a calendar
// reachable over the network that can be asked to attest to a digest,
// and later polled for whether that digest has since been confirmed.
// api/client.go provides the HTTP implementation of this interface.
type UpstreamClient interface {
	Submit(ctx context.Context, digest hash.Digest) (op.Path, error)
	Get(ctx context.Context, digest hash.Digest) (op.Path, error)
}

// UpstreamAttestor forwards round commitments to another calendar
// instead of attesting locally, falling back to a Fallback Attestor
// (ordinarily a LocalAttestor) when the upstream calendar is
// unreachable. Grounded on the reference server's UpstreamAggregator:
// the same submit-then-poll-for-upgrade shape, adapted to drive this
// calendar's own Store.UpgradeCommitment instead of an in-memory
// timestamp merge.
type UpstreamAttestor struct {
	store    *calendar.Store
	upstream UpstreamClient
	fallback Attestor
	timeout  time.Duration

	mu      sync.Mutex
	pending map[hash.Digest]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpstreamAttestor builds an UpstreamAttestor. fallback is used only
// when the initial submission to upstream fails; an upstream Pending
// attestation that never upgrades within timeout is dropped from
// polling, not re-attested through fallback.
func NewUpstreamAttestor(store *calendar.Store, upstream UpstreamClient, fallback Attestor, timeout time.Duration) *UpstreamAttestor {
	return &UpstreamAttestor{
		store:    store,
		upstream: upstream,
		fallback: fallback,
		timeout:  timeout,
		pending:  make(map[hash.Digest]time.Time),
	}
}

// Attest implements Attestor. It is called synchronously from the
// round closer, so the upstream RPC it makes must itself be bounded —
// callers should pass a ctx carrying a deadline, or rely on the
// caller's own request timeout.
func (u *UpstreamAttestor) Attest(ctx context.Context, commitment hash.Digest) (op.Path, error) {
	path, err := u.upstream.Submit(ctx, commitment)
	if err != nil {
		logrus.WithError(err).Warn("upstream attestor: submit failed, falling back to local stamping")
		return u.fallback.Attest(ctx, commitment)
	}

	last := path[len(path)-1]
	if last.Kind == op.Attest && last.Attestation.Kind == op.Pending {
		u.mu.Lock()
		u.pending[commitment] = time.Now()
		u.mu.Unlock()
	}

	return path, nil
}

// Start launches the background loop that polls the upstream calendar
// for proof upgrades on commitments still pending there, and stops
// polling any that time out.
func (u *UpstreamAttestor) Start(ctx context.Context) {
	u.ctx, u.cancel = context.WithCancel(ctx)
	u.wg.Add(1)
	go u.checkLoop()
}

// Stop cancels the upgrade-checker loop and waits for it to exit.
func (u *UpstreamAttestor) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

const upgradeCheckInterval = 5 * time.Second

func (u *UpstreamAttestor) checkLoop() {
	defer u.wg.Done()

	timer := time.NewTimer(upgradeCheckInterval)
	defer func() {
		if !timer.Stop() {
			<-timer.C
		}
	}()

	for {
		select {
		case <-timer.C:
			u.checkUpgrades()
			timer.Reset(upgradeCheckInterval)
		case <-u.ctx.Done():
			return
		}
	}
}

func (u *UpstreamAttestor) checkUpgrades() {
	u.mu.Lock()
	due := make(map[hash.Digest]time.Time, len(u.pending))
	for d, t := range u.pending {
		due[d] = t
	}
	u.mu.Unlock()

	for commitment, submittedAt := range due {
		upgraded, err := u.upstream.Get(u.ctx, commitment)
		if err == nil {
			last := upgraded[len(upgraded)-1]
			if last.Kind == op.Attest && last.Attestation.Kind == op.BitcoinBlock {
				if err := u.store.UpgradeCommitment(commitment, upgraded); err != nil {
					logrus.WithError(err).WithField("commitment", commitment).Error("upstream attestor: upgrade_commitment failed")
				}
				u.forget(commitment)
				continue
			}
		} else {
			logrus.WithError(err).WithField("commitment", commitment).Debug("upstream attestor: upgrade check failed")
		}

		if time.Since(submittedAt) > u.timeout {
			// The commitment is already durably recorded as pending at
			// the upstream URI; there's no supported way to repoint it
			// at a different pending URI after the fact (only a final
			// BitcoinBlock attestation may upgrade a commitment). Stop
			// polling and leave it to be resolved out of band — a
			// deployment that cares about this case should run its own
			// Stamper over the upstream URI's backup feed instead.
			logrus.WithField("commitment", commitment).Warn("upstream attestor: gave up waiting for upstream upgrade")
			u.forget(commitment)
		}
	}
}

func (u *UpstreamAttestor) forget(commitment hash.Digest) {
	u.mu.Lock()
	delete(u.pending, commitment)
	u.mu.Unlock()
}
