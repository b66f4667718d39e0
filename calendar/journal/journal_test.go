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

package journal

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func tempJournalPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "journal-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "data")
}

func TestAppendAndRead(t *testing.T) {
	Convey("Append returns increasing offsets and Read round-trips them", t, func() {
		j, err := Open(tempJournalPath(t))
		So(err, ShouldBeNil)
		defer j.Close()

		off1, err := j.Append([]byte("first"))
		So(err, ShouldBeNil)
		So(off1, ShouldEqual, int64(0))

		off2, err := j.Append([]byte("second"))
		So(err, ShouldBeNil)
		So(off2, ShouldBeGreaterThan, off1)

		got1, err := j.Read(off1)
		So(err, ShouldBeNil)
		So(string(got1), ShouldEqual, "first")

		got2, err := j.Read(off2)
		So(err, ShouldBeNil)
		So(string(got2), ShouldEqual, "second")
	})
}

func TestIterator(t *testing.T) {
	Convey("Iter walks every record in order and then returns ErrEOF", t, func() {
		j, err := Open(tempJournalPath(t))
		So(err, ShouldBeNil)
		defer j.Close()

		records := []string{"a", "bb", "ccc"}
		for _, r := range records {
			_, err := j.Append([]byte(r))
			So(err, ShouldBeNil)
		}

		it := j.Iter(0)
		var got []string
		for {
			rec, _, err := it.Next()
			if err == ErrEOF {
				break
			}
			So(err, ShouldBeNil)
			got = append(got, string(rec))
		}
		So(got, ShouldResemble, records)
		So(it.Offset(), ShouldEqual, j.Size())
	})
}

func TestRecoveryTruncatesTrailingGarbage(t *testing.T) {
	Convey("reopening a journal with a torn trailing write truncates it away", t, func() {
		path := tempJournalPath(t)

		j, err := Open(path)
		So(err, ShouldBeNil)
		_, err = j.Append([]byte("good"))
		So(err, ShouldBeNil)
		goodSize := j.Size()
		So(j.Close(), ShouldBeNil)

		f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
		So(err, ShouldBeNil)
		_, err = f.Write([]byte{0x00, 0x00, 0x00, 0x10, 'b', 'r', 'o', 'k'})
		So(err, ShouldBeNil)
		So(f.Close(), ShouldBeNil)

		j2, err := Open(path)
		So(err, ShouldBeNil)
		defer j2.Close()

		So(j2.Size(), ShouldEqual, goodSize)
		got, err := j2.Read(0)
		So(err, ShouldBeNil)
		So(string(got), ShouldEqual, "good")
	})
}

func TestClosedJournalRejectsAppend(t *testing.T) {
	Convey("Append after Close returns ErrClosed", t, func() {
		j, err := Open(tempJournalPath(t))
		So(err, ShouldBeNil)
		So(j.Close(), ShouldBeNil)

		_, err = j.Append([]byte("nope"))
		So(err, ShouldEqual, ErrClosed)
	})
}
