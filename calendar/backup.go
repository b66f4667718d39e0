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

package calendar

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opentimestamps/opentimestamps-server/calendar/journal"
	"github.com/opentimestamps/opentimestamps-server/utils"
)

// PageSize is the number of journal records a single backup page
// covers, matching the reference server's chunking (which calls it
// PAGING): large enough to amortize the cost of walking the journal,
// small enough that a page fits comfortably in memory.
const PageSize = 1000

// Backup is the read-only feed over a Store's journal described in
// spec §4.F: hand a consumer every record from some offset up to the
// current end, in page-sized batches, so it can replay them into its
// own journal and rebuild its own index.
type Backup struct {
	journal  *journal.Journal
	cacheDir string
}

// NewBackup wraps store's journal as a paged backup feed, caching
// completed pages under cacheDir so that repeated requests for old
// pages don't re-walk the journal. Grounded on the reference server's
// Backup class: building a 1000-commitment page is expensive enough
// that an unauthenticated caller could otherwise degrade calendar
// performance by repeatedly requesting it.
func NewBackup(store *Store, cacheDir string) (*Backup, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "backup: mkdir cache dir failed")
	}
	return &Backup{journal: store.journal, cacheDir: cacheDir}, nil
}

// Page returns up to PageSize raw journal records starting at
// startOffset, the journal offset a subsequent call should resume
// from, and whether the page was full (exactly PageSize records, and
// therefore immutable and safe to cache) or partial (the feed caught
// up to the live end of the journal).
func (b *Backup) Page(startOffset int64) (records [][]byte, nextOffset int64, complete bool, err error) {
	if cached, ok, err := b.readCache(startOffset); err != nil {
		return nil, 0, false, err
	} else if ok {
		return cached.Records, cached.NextOffset, true, nil
	}

	it := b.journal.Iter(startOffset)
	nextOffset = startOffset
	for len(records) < PageSize {
		rec, _, err := it.Next()
		if err == journal.ErrEOF {
			break
		}
		if err != nil {
			return nil, 0, false, errors.Wrap(err, "backup: page read failed")
		}
		records = append(records, rec)
		nextOffset = it.Offset()
	}

	complete = len(records) == PageSize
	if complete {
		chunk := backupChunk{Records: records, NextOffset: nextOffset}
		if err := b.writeCache(startOffset, chunk); err != nil {
			logrus.WithError(err).Warn("backup: failed to cache completed page")
		}
	}

	return records, nextOffset, complete, nil
}

// backupChunk is the disk cache's on-disk encoding of one completed
// page: the records themselves plus the offset the next page resumes
// from, so a cache hit never has to re-derive it.
type backupChunk struct {
	Records    [][]byte `codec:"r"`
	NextOffset int64    `codec:"n"`
}

func encodeChunk(c backupChunk) ([]byte, error) {
	buf, err := utils.EncodeMsgPack(c)
	if err != nil {
		return nil, errors.Wrap(err, "backup: encode chunk failed")
	}
	return buf.Bytes(), nil
}

func decodeChunk(b []byte) (c backupChunk, err error) {
	if err = utils.DecodeMsgPack(b, &c); err != nil {
		err = errors.Wrap(err, "backup: decode chunk failed")
	}
	return
}

// cachePath shards chunks by start offset: the file name is the offset
// as 12 hex digits, and its first 6 digits name the subdirectory, so
// every page starting within the same 16 MiB of journal shares one
// subdirectory.
func (b *Backup) cachePath(startOffset int64) string {
	name := fmt.Sprintf("%012x", startOffset)
	return filepath.Join(b.cacheDir, name[:6], name)
}

func (b *Backup) readCache(startOffset int64) (backupChunk, bool, error) {
	data, err := os.ReadFile(b.cachePath(startOffset))
	if os.IsNotExist(err) {
		return backupChunk{}, false, nil
	}
	if err != nil {
		return backupChunk{}, false, errors.Wrap(err, "backup: read cache failed")
	}
	c, err := decodeChunk(data)
	if err != nil {
		return backupChunk{}, false, err
	}
	return c, true, nil
}

func (b *Backup) writeCache(startOffset int64, chunk backupChunk) error {
	data, err := encodeChunk(chunk)
	if err != nil {
		return err
	}

	path := b.cachePath(startOffset)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "chunk-*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// TokenFor derives the recovery/backup token for startOffset: the first
// 16 bytes of HMAC-SHA256(hmacKey, big-endian startOffset), hex
// encoded. Spec §9 leaves the exact derivation unspecified beyond
// "HMAC over the shared key"; this binds the token to the specific page
// being requested so a leaked token for one offset doesn't grant access
// to the rest of the feed.
func TokenFor(hmacKey []byte, startOffset int64) string {
	mac := hmac.New(sha256.New, hmacKey)
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(startOffset))
	mac.Write(be[:])
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// VerifyToken reports whether token is the correct TokenFor(hmacKey, startOffset).
func VerifyToken(hmacKey []byte, startOffset int64, token string) bool {
	want := TokenFor(hmacKey, startOffset)
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
