/*
 * Copyright 2016 The OpenTimestamps developers
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

// Package mmr builds the merkle mountain range used both by the
// aggregator (to combine one round's submitted digests into a
// commitment) and by the stamper (to combine a set of round
// commitments into the top digest anchored on-chain). Both call sites
// must produce bit-identical results for the same ordered input, so the
// algorithm lives in exactly one place.
package mmr

import (
	"github.com/pkg/errors"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

// ErrEmptyInput is returned by Build when given no leaves.
var ErrEmptyInput = errors.New("mmr: need at least one leaf")

type node struct {
	digest hash.Digest
	leaves []int
}

func merge(left, right node, paths [][]op.Operation) node {
	rightDigest := right.digest
	leftDigest := left.digest
	for _, i := range left.leaves {
		paths[i] = append(paths[i], op.Right(rightDigest))
	}
	for _, i := range right.leaves {
		paths[i] = append(paths[i], op.Left(leftDigest))
	}
	return node{
		digest: hash.Sum256(append(append([]byte{}, leftDigest[:]...), rightDigest[:]...)),
		leaves: append(append([]int{}, left.leaves...), right.leaves...),
	}
}

// Build combines leaves (in submission order) into a single commitment
// digest, following the same left/right pairing rule used by the
// reference implementation: adjacent pairs are merged round by round,
// carrying forward an odd leftover to the next round, until exactly one
// node remains. It returns the commitment and, for every leaf, the
// ordered Append-left/Append-right operations that carry that leaf up
// to the commitment.
func Build(leaves []hash.Digest) (commitment hash.Digest, paths [][]op.Operation, err error) {
	if len(leaves) == 0 {
		err = ErrEmptyInput
		return
	}

	paths = make([][]op.Operation, len(leaves))
	stamps := make([]node, len(leaves))
	for i, l := range leaves {
		stamps[i] = node{digest: l, leaves: []int{i}}
	}

	for {
		var (
			next []node
			prev *node
		)
		for i := range stamps {
			s := stamps[i]
			if prev == nil {
				prev = &s
				continue
			}
			m := merge(*prev, s, paths)
			next = append(next, m)
			prev = nil
		}

		if len(next) == 0 {
			// Only one stamp was ever pending: it's the tip.
			commitment = prev.digest
			return
		}

		if prev != nil {
			next = append(next, *prev)
		}

		if len(next) == 1 {
			commitment = next[0].digest
			return
		}

		stamps = next
	}
}
