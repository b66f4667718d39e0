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
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// knownBlock is one entry of the best chain the stamper has observed.
// Entries are not pruned: knownBlocks grows by one per observed block
// for the life of the process, and only a detected reorg removes
// entries from its tail.
type knownBlock struct {
	height int64
	hash   chainhash.Hash
}

// knownBlocks tracks the tail of the best chain as seen through the
// node's RPC interface, detecting reorgs by re-checking its most recent
// entries against the node on every update. Ported from the reference
// server's KnownBlocks.
type knownBlocks struct {
	blocks []knownBlock
}

// detectReorgs pops blocks off the tail whose hash no longer matches
// what the node reports at that height.
func (k *knownBlocks) detectReorgs(node NodeClient) error {
	for len(k.blocks) > 0 {
		tail := k.blocks[len(k.blocks)-1]
		actual, err := node.GetBlockHash(tail.height)
		if err != nil {
			k.blocks = k.blocks[:len(k.blocks)-1]
			continue
		}
		if *actual == tail.hash {
			return nil
		}
		k.blocks = k.blocks[:len(k.blocks)-1]
	}
	return nil
}

// updateFromNode advances knownBlocks to the node's current best chain
// tip, returning every newly observed block in height order. Per spec
// §9's explicit decision to treat published BitcoinBlock attestations
// as final, a reorg here only ever affects unconfirmed state (pending
// and unconfirmed anchor txs); it never un-attests a commitment.
func (k *knownBlocks) updateFromNode(node NodeClient) ([]knownBlock, error) {
	var newBlocks []knownBlock

	for {
		best, err := node.GetBestBlockHash()
		if err != nil {
			return newBlocks, err
		}
		if len(k.blocks) > 0 && k.blocks[len(k.blocks)-1].hash == *best {
			return newBlocks, nil
		}

		if err := k.detectReorgs(node); err != nil {
			return newBlocks, err
		}

		var height int64
		if len(k.blocks) > 0 {
			height = k.blocks[len(k.blocks)-1].height + 1
		} else {
			height, err = node.GetBlockCount()
			if err != nil {
				return newBlocks, err
			}
		}

		h, err := node.GetBlockHash(height)
		if err != nil {
			// Height doesn't exist yet; nothing new this round.
			return newBlocks, nil
		}

		nb := knownBlock{height: height, hash: *h}
		k.blocks = append(k.blocks, nb)
		newBlocks = append(newBlocks, nb)
	}
}

// bestHeight returns the height of the most recently observed block, or
// 0 if none have ever been observed.
func (k *knownBlocks) bestHeight() int64 {
	if len(k.blocks) == 0 {
		return 0
	}
	return k.blocks[len(k.blocks)-1].height
}
