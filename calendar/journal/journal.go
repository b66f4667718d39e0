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

// Package journal implements the calendar's append-only record log:
// a single writer, many lock-free readers, fixed length-framing with a
// per-record checksum, and startup recovery by truncation to the last
// good record boundary.
package journal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// lengthSize and checksumSize frame every record: [4-byte length][payload][4-byte crc32].
const (
	lengthSize   = 4
	checksumSize = 4
	headerSize   = lengthSize
	frameOverhead = lengthSize + checksumSize
)

var (
	// ErrClosed is returned once the journal has been closed.
	ErrClosed = errors.New("journal: closed")
	// ErrTruncated is returned by read/iter when a record at the
	// requested offset is shorter than its length prefix claims.
	ErrTruncated = errors.New("journal: truncated record")
	// ErrChecksum is returned when a record's stored crc32 doesn't
	// match its payload.
	ErrChecksum = errors.New("journal: checksum mismatch")
	// ErrEOF is returned by Iterator.Next when there is nothing left
	// to read as of the time the call was made.
	ErrEOF = io.EOF
)

// Journal is an append-only file of length-framed, checksummed records.
// Appends are serialized by a single writer; reads need no locking
// because they only ever touch offsets already returned by a completed,
// fsynced Append.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	size   int64 // atomic
	closed uint32
}

// Open opens (creating if necessary) the journal file at path, running
// recovery: scanning from the start and truncating the file to the last
// offset at which a complete, checksum-valid record ends.
func Open(path string) (j *Journal, err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "journal: open failed")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open failed")
	}

	j = &Journal{file: f}
	if err = j.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return j, nil
}

func (j *Journal) recover() error {
	var offset int64
	for {
		rec, n, err := j.readAt(offset)
		if err == ErrEOF {
			break
		}
		if err == ErrTruncated || err == ErrChecksum {
			logrus.WithFields(logrus.Fields{
				"offset": offset,
				"error":  err,
			}).Warn("journal: truncating trailing bad record on recovery")
			if err = j.file.Truncate(offset); err != nil {
				return errors.Wrap(err, "journal: truncate on recovery failed")
			}
			break
		}
		if err != nil {
			return err
		}
		_ = rec
		offset += n
	}

	atomic.StoreInt64(&j.size, offset)
	return nil
}

// Append atomically writes a length-framed, checksummed record,
// fsyncs, and returns the starting offset at which it was written.
func (j *Journal) Append(record []byte) (offset int64, err error) {
	if atomic.LoadUint32(&j.closed) == 1 {
		return 0, ErrClosed
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	offset = atomic.LoadInt64(&j.size)

	frame := make([]byte, frameOverhead+len(record))
	binary.BigEndian.PutUint32(frame[:lengthSize], uint32(len(record)))
	copy(frame[lengthSize:lengthSize+len(record)], record)
	sum := crc32.ChecksumIEEE(record)
	binary.BigEndian.PutUint32(frame[lengthSize+len(record):], sum)

	if _, err = j.file.WriteAt(frame, offset); err != nil {
		return 0, errors.Wrap(err, "journal: write failed")
	}
	if err = j.file.Sync(); err != nil {
		return 0, errors.Wrap(err, "journal: fsync failed")
	}

	atomic.StoreInt64(&j.size, offset+int64(len(frame)))
	return offset, nil
}

// Read returns the record bytes written at offset. Lock-free with
// respect to concurrent Appends: callers only ever pass offsets that a
// completed Append has already returned.
func (j *Journal) Read(offset int64) (record []byte, err error) {
	record, _, err = j.readAt(offset)
	return
}

// readAt returns the record at offset plus the total on-disk size of
// its frame (so callers can advance to the next record).
func (j *Journal) readAt(offset int64) (record []byte, frameLen int64, err error) {
	header := make([]byte, headerSize)
	if _, err = io.ReadFull(io.NewSectionReader(j.file, offset, headerSize), header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = ErrEOF
		}
		return
	}

	length := binary.BigEndian.Uint32(header)
	body := make([]byte, int64(length)+checksumSize)
	if _, err = io.ReadFull(io.NewSectionReader(j.file, offset+headerSize, int64(len(body))), body); err != nil {
		err = ErrTruncated
		return
	}

	record = body[:length]
	wantSum := binary.BigEndian.Uint32(body[length:])
	if crc32.ChecksumIEEE(record) != wantSum {
		err = ErrChecksum
		return
	}

	frameLen = headerSize + int64(len(body))
	return
}

// Size returns the current end-of-journal offset.
func (j *Journal) Size() int64 {
	return atomic.LoadInt64(&j.size)
}

// Iterator yields records in file order.
type Iterator struct {
	j      *Journal
	offset int64
}

// Iter returns a restartable iterator starting at from. It is safe to
// run concurrently with Appends: it may or may not observe records
// appended after iteration started.
func (j *Journal) Iter(from int64) *Iterator {
	return &Iterator{j: j, offset: from}
}

// Next returns the next record and advances the iterator, or ErrEOF
// once it has caught up to the current end of the journal.
func (it *Iterator) Next() (record []byte, offset int64, err error) {
	record, n, err := it.j.readAt(it.offset)
	if err != nil {
		return nil, it.offset, err
	}
	offset = it.offset
	it.offset += n
	return record, offset, nil
}

// Offset returns the offset the iterator will read from on the next
// call to Next.
func (it *Iterator) Offset() int64 {
	return it.offset
}

// Close closes the underlying file. Safe to call more than once.
func (j *Journal) Close() error {
	if !atomic.CompareAndSwapUint32(&j.closed, 0, 1) {
		return nil
	}
	return j.file.Close()
}
