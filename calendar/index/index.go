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

// Package index is the calendar's persistent ordered key-value store:
// digest -> journal offset. It is backed by goleveldb, following the
// same durable-map-with-prefixed-keys approach as kayak/wal's
// LevelDBWal, so that a later prefix-query feature (spec §9) only needs
// a leveldb range iterator, not a new storage engine.
package index

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
)

// ErrNotFound is returned by Get when the digest is unknown.
var ErrNotFound = errors.New("index: digest not found")

// Index is a persistent digest -> journal-offset map.
type Index struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the index database at path.
func Open(path string) (idx *Index, err error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "index: open failed")
	}
	return &Index{db: db}, nil
}

// Put maps digest to a journal offset plus the number of leading path
// operations to skip when reconstructing the outward path from digest
// (0 for a commitment itself, >0 for a digest reached partway along a
// stored path). Deletions never occur during normal operation, per
// spec §4.B; a Put for an existing key overwrites it, which is how
// upgrade_commitment repoints a commitment at its extended record.
func (idx *Index) Put(d hash.Digest, offset int64, skip uint32) error {
	var v [12]byte
	binary.BigEndian.PutUint64(v[:8], uint64(offset))
	binary.BigEndian.PutUint32(v[8:], skip)
	if err := idx.db.Put(d[:], v[:], nil); err != nil {
		return errors.Wrap(err, "index: put failed")
	}
	return nil
}

// Get returns the journal offset and skip count for digest, or ErrNotFound.
func (idx *Index) Get(d hash.Digest) (offset int64, skip uint32, err error) {
	v, err := idx.db.Get(d[:], nil)
	if err == leveldb.ErrNotFound {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "index: get failed")
	}
	offset = int64(binary.BigEndian.Uint64(v[:8]))
	skip = binary.BigEndian.Uint32(v[8:])
	return
}

// Has reports whether digest is indexed.
func (idx *Index) Has(d hash.Digest) (bool, error) {
	ok, err := idx.db.Has(d[:], nil)
	if err != nil {
		return false, errors.Wrap(err, "index: has failed")
	}
	return ok, nil
}

// PrefixScan calls fn for every (digest, offset) pair whose digest has
// the given byte prefix, in ascending key order. fn returning false
// stops the scan early. This is unused by the current API surface but
// is the hook spec §9 anticipates for future prefix-query support.
func (idx *Index) PrefixScan(prefix []byte, fn func(d hash.Digest, offset int64) bool) error {
	it := idx.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		d, err := hash.FromBytes(it.Key())
		if err != nil {
			continue
		}
		offset := int64(binary.BigEndian.Uint64(it.Value()[:8]))
		if !fn(d, offset) {
			break
		}
	}
	return errors.Wrap(it.Error(), "index: prefix scan failed")
}

// cursorKey is a sentinel key distinct from any digest key (digest keys
// are always exactly hash.Size bytes). It records the journal offset up
// to which the index has been brought up to date, following the same
// pattern as kayak/wal's baseIndexKey: durable index, replay the
// journal tail on startup instead of rebuilding from scratch.
var cursorKey = []byte{'C', 'U', 'R'}

// Cursor returns the journal offset the index has been synced up to,
// or 0 if never set.
func (idx *Index) Cursor() (offset int64, err error) {
	v, err := idx.db.Get(cursorKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "index: get cursor failed")
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// SetCursor records that the index is now up to date with the journal
// through offset.
func (idx *Index) SetCursor(offset int64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(offset))
	if err := idx.db.Put(cursorKey, v[:], nil); err != nil {
		return errors.Wrap(err, "index: set cursor failed")
	}
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}
