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

// Package metrics holds the calendar server's prometheus collectors,
// grounded on the teacher's metric package: one process-wide registry,
// a handful of package-level collectors registered at init time, and
// a net/http handler mounted by the api server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every collector registered by this package.
const Namespace = "otscald"

var (
	// DigestsSubmitted counts every successful POST /digest.
	DigestsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "digests_submitted_total",
		Help:      "Total client digests accepted by the aggregator.",
	})

	// SubmitOverloaded counts submissions rejected with ErrOverloaded.
	SubmitOverloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "digests_overloaded_total",
		Help:      "Total client digests rejected because the round buffer was full.",
	})

	// RoundsClosed counts every aggregator round close, including empty ones.
	RoundsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "rounds_closed_total",
		Help:      "Total aggregator rounds closed.",
	})

	// RoundSize observes how many digests were batched into each non-empty round.
	RoundSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "round_size_digests",
		Help:      "Digests batched per non-empty aggregator round.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// AnchorsSent counts anchor transactions successfully broadcast,
	// including fee-bump replacements.
	AnchorsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "anchors_sent_total",
		Help:      "Total anchor transactions broadcast, including fee bumps.",
	})

	// AnchorsConfirmed counts anchor transactions that reached the
	// configured confirmation depth and were finalized.
	AnchorsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "anchors_confirmed_total",
		Help:      "Total anchor transactions finalized after reaching min confirmations.",
	})

	// CommitmentsPending reports how many commitments are currently
	// waiting on an anchor transaction. The stamper sets it on every
	// poll tick from the pending set it keeps in memory.
	CommitmentsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "commitments_pending",
		Help:      "Commitments aggregated but not yet anchored on-chain.",
	})

	// StamperState publishes the stamper's coarse state as a 0/1 gauge
	// per label value, so a dashboard can graph state transitions over
	// time without scraping logs.
	StamperState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "stamper_state",
		Help:      "1 for the stamper's current state, 0 otherwise.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		DigestsSubmitted,
		SubmitOverloaded,
		RoundsClosed,
		RoundSize,
		AnchorsSent,
		AnchorsConfirmed,
		CommitmentsPending,
		StamperState,
	)
}

// SetStamperState zeroes every known state label and sets only current
// to 1, so stale states don't linger in a dashboard after a transition.
func SetStamperState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1.0
		}
		StamperState.WithLabelValues(s).Set(v)
	}
}
