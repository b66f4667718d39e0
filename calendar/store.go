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

// Package calendar is the calendar store: an append-only journal of
// commitment records plus a digest -> record index, giving every
// committed digest a durable, upgradeable path to its attestation.
package calendar

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opentimestamps/opentimestamps-server/calendar/index"
	"github.com/opentimestamps/opentimestamps-server/calendar/journal"
	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

// ErrUnknownCommitment is returned by UpgradeCommitment when the
// commitment it is asked to extend was never added.
var ErrUnknownCommitment = errors.New("calendar: unknown commitment")

// ErrConflictingUpgrade is returned by UpgradeCommitment when a
// commitment already carries a BitcoinBlock attestation that disagrees
// with the one being applied. This should never happen in a correctly
// operated calendar — a commitment is only ever confirmed once — and a
// caller hitting it should treat it as a bug, not a retryable error.
var ErrConflictingUpgrade = errors.New("calendar: commitment already attested to a different block")

// ErrNotFound is returned by Get when digest is not indexed.
var ErrNotFound = index.ErrNotFound

// Store is the calendar's durable state: a journal of commitmentRecord
// entries and an index from every digest reachable along a stored path
// to the record (and offset within its path) that resolves it.
type Store struct {
	mu sync.Mutex

	journal *journal.Journal
	index   *index.Index

	// tip is the most recently *added* (not merely upgraded) commitment,
	// tracked in memory for the benefit of GET /tip. It is reconstructed
	// once at OpenStore time by replaying the journal.
	tip     hash.Digest
	tipPath op.Path
	hasTip  bool
}

// OpenStore opens (creating if necessary) the journal and index beneath
// baseDir, following the on-disk layout from spec §6: baseDir/journal
// holds the append-only log, baseDir/index holds the leveldb index.
//
// The index is durable across restarts; OpenStore only re-indexes the
// journal tail between the index's saved cursor and the journal's
// current end, rather than rebuilding the whole index from scratch
// (the whole journal is still read once to rebuild the in-memory tip), per
// spec §4.B's allowance for crash-consistent log-plus-index recovery.
func OpenStore(baseDir string) (s *Store, err error) {
	j, err := journal.Open(filepath.Join(baseDir, "journal", "data"))
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(filepath.Join(baseDir, "index"))
	if err != nil {
		_ = j.Close()
		return nil, err
	}

	s = &Store{journal: j, index: idx}
	if err = s.replay(); err != nil {
		_ = j.Close()
		_ = idx.Close()
		return nil, err
	}

	return s, nil
}

// replay brings the index up to date with the journal and reconstructs
// the in-memory tip. It always walks the journal from the very start:
// the tip calculation needs the full history of "first sight" of each
// commitment, and a linear scan decoding msgpack records is cheap next
// to the leveldb writes it would otherwise have to redo.
func (s *Store) replay() error {
	cursor, err := s.index.Cursor()
	if err != nil {
		return err
	}

	seen := make(map[hash.Digest]bool)
	it := s.journal.Iter(0)
	for {
		raw, offset, err := it.Next()
		if err == journal.ErrEOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "calendar: replay failed")
		}

		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}

		if !seen[rec.Commitment] {
			seen[rec.Commitment] = true
			s.tip = rec.Commitment
			s.tipPath = rec.Path
			s.hasTip = true
		}

		if offset >= cursor {
			if err = s.indexRecord(rec.Commitment, rec.Path, offset); err != nil {
				return err
			}
		}
	}

	if err = s.index.SetCursor(s.journal.Size()); err != nil {
		return err
	}
	return nil
}

// leadingDigests returns the digest sequence path walks through, from
// start (index 0, the commitment itself) through the input of every
// append operation, stopping before the terminal Attest. Indexing
// leadingDigests[i] with skip=i lets Get reconstruct path[i:] later,
// which is exactly the outward path from that intermediate digest.
func leadingDigests(start hash.Digest, path op.Path) ([]hash.Digest, error) {
	digests := []hash.Digest{start}
	cur := start
	for _, o := range path {
		if o.Kind == op.Attest {
			break
		}
		next, err := o.Apply(cur)
		if err != nil {
			return nil, err
		}
		digests = append(digests, next)
		cur = next
	}
	return digests, nil
}

func (s *Store) indexRecord(commitment hash.Digest, path op.Path, offset int64) error {
	digests, err := leadingDigests(commitment, path)
	if err != nil {
		return err
	}
	for i, d := range digests {
		if err := s.index.Put(d, offset, uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readRecord(offset int64) (commitmentRecord, error) {
	raw, err := s.journal.Read(offset)
	if err != nil {
		return commitmentRecord{}, errors.Wrap(err, "calendar: read record failed")
	}
	return decodeRecord(raw)
}

// AddCommitment records a freshly aggregated commitment together with
// its initial outward path, which per spec §4.C.2 must terminate in a
// Pending attestation. Calling it again for a commitment that is
// already known is a no-op: the aggregator may retry a submission whose
// response was lost without corrupting the store.
func (s *Store) AddCommitment(commitment hash.Digest, pathFromCommitment op.Path) error {
	if err := pathFromCommitment.Validate(); err != nil {
		return err
	}
	last := pathFromCommitment[len(pathFromCommitment)-1]
	if last.Kind != op.Attest || last.Attestation.Kind != op.Pending {
		return errors.New("calendar: add_commitment path must terminate in a pending attestation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.index.Get(commitment); err == nil {
		logrus.WithField("commitment", commitment).Debug("calendar: add_commitment on already-known commitment, ignoring")
		return nil
	} else if err != index.ErrNotFound {
		return err
	}

	data, err := encodeRecord(commitmentRecord{Commitment: commitment, Path: pathFromCommitment})
	if err != nil {
		return err
	}
	offset, err := s.journal.Append(data)
	if err != nil {
		return err
	}

	if err = s.indexRecord(commitment, pathFromCommitment, offset); err != nil {
		return err
	}
	if err = s.index.SetCursor(s.journal.Size()); err != nil {
		return err
	}

	s.tip = commitment
	s.tipPath = pathFromCommitment
	s.hasTip = true

	return nil
}

// UpgradeCommitment attaches a BitcoinBlock attestation to a previously
// added commitment by appending a second journal record with the full
// extended path, per spec §4.C.3. It is idempotent: repeating the same
// upgrade is a no-op. Applying a different BitcoinBlock attestation to a
// commitment that already carries one is a conflict and returns
// ErrConflictingUpgrade rather than silently overwriting history.
func (s *Store) UpgradeCommitment(commitment hash.Digest, extendedPath op.Path) error {
	if err := extendedPath.Validate(); err != nil {
		return err
	}
	last := extendedPath[len(extendedPath)-1]
	if last.Kind != op.Attest || last.Attestation.Kind != op.BitcoinBlock {
		return errors.New("calendar: upgrade_commitment path must terminate in a bitcoin-block attestation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, _, err := s.index.Get(commitment)
	if err == index.ErrNotFound {
		return ErrUnknownCommitment
	}
	if err != nil {
		return err
	}

	current, err := s.readRecord(offset)
	if err != nil {
		return err
	}
	currentAttest, err := current.Path.Apply(commitment)
	if err != nil {
		return err
	}

	if currentAttest.Kind == op.BitcoinBlock {
		if currentAttest.Equal(last.Attestation) {
			return nil
		}
		return errors.Wrapf(ErrConflictingUpgrade, "commitment %s: have height %d, got height %d",
			commitment, currentAttest.Height, last.Attestation.Height)
	}

	data, err := encodeRecord(commitmentRecord{Commitment: commitment, Path: extendedPath})
	if err != nil {
		return err
	}
	newOffset, err := s.journal.Append(data)
	if err != nil {
		return err
	}

	if err = s.indexRecord(commitment, extendedPath, newOffset); err != nil {
		return err
	}
	if err = s.index.SetCursor(s.journal.Size()); err != nil {
		return err
	}

	return nil
}

// Get returns the best currently known outward path from digest to its
// attestation. digest may be a commitment or any intermediate digest
// reachable by walking forward along a stored path. A client's original
// leaf digest is indexed only when it is itself a round's commitment
// (a one-digest round); other leaves are not found here, their path to
// the commitment having been returned at submission time (spec §4.D.5).
func (s *Store) Get(digest hash.Digest) (op.Path, error) {
	offset, skip, err := s.index.Get(digest)
	if err != nil {
		return nil, err
	}

	rec, err := s.readRecord(offset)
	if err != nil {
		return nil, err
	}
	if int(skip) > len(rec.Path) {
		return nil, errors.New("calendar: corrupt index entry: skip beyond path length")
	}
	return rec.Path[skip:], nil
}

// Tip returns the most recently added commitment and its currently best
// known outward path, for GET /tip. hasTip is false before the very
// first commitment has ever been added.
func (s *Store) Tip() (commitment hash.Digest, path op.Path, hasTip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasTip {
		return hash.Digest{}, nil, false
	}

	// Re-resolve through the index in case the tip commitment has since
	// been upgraded, rather than returning the possibly-stale Pending
	// path captured when it was added.
	best, err := s.getLocked(s.tip)
	if err != nil {
		return s.tip, s.tipPath, true
	}
	return s.tip, best, true
}

func (s *Store) getLocked(digest hash.Digest) (op.Path, error) {
	offset, skip, err := s.index.Get(digest)
	if err != nil {
		return nil, err
	}
	rec, err := s.readRecord(offset)
	if err != nil {
		return nil, err
	}
	return rec.Path[skip:], nil
}

// Journal exposes the underlying journal for the backup feed, which
// needs to page over raw records rather than look them up by digest.
func (s *Store) Journal() *journal.Journal {
	return s.journal
}

// ScanNewCommitments walks the journal from cursor to its current end
// and returns every commitment whose most recently written record in
// that window still terminates in a Pending attestation, along with the
// offset a subsequent scan should resume from. It is the Stamper's view
// into the calendar: which commitments need an anchor transaction.
func (s *Store) ScanNewCommitments(cursor int64) (pending []hash.Digest, next int64, err error) {
	stillPending := make(map[hash.Digest]bool)
	order := make([]hash.Digest, 0)

	it := s.journal.Iter(cursor)
	next = cursor
	for {
		raw, _, err := it.Next()
		if err == journal.ErrEOF {
			break
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "calendar: scan failed")
		}

		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, 0, err
		}

		attest, err := rec.Path.Apply(rec.Commitment)
		if err != nil {
			return nil, 0, err
		}

		if _, seen := stillPending[rec.Commitment]; !seen {
			order = append(order, rec.Commitment)
		}
		stillPending[rec.Commitment] = attest.Kind == op.Pending
		next = it.Offset()
	}

	for _, d := range order {
		if stillPending[d] {
			pending = append(pending, d)
		}
	}
	return pending, next, nil
}

// Close closes the journal and index.
func (s *Store) Close() error {
	jerr := s.journal.Close()
	ierr := s.index.Close()
	if jerr != nil {
		return jerr
	}
	return ierr
}
