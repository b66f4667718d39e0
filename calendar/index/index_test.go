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

package index

import (
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
)

func tempIndex(t *testing.T) *Index {
	dir, err := os.MkdirTemp("", "index-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	idx, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestPutGet(t *testing.T) {
	Convey("Get on an unknown digest returns ErrNotFound", t, func() {
		idx := tempIndex(t)
		_, _, err := idx.Get(hash.Sum256([]byte("missing")))
		So(err, ShouldEqual, ErrNotFound)
	})

	Convey("Put then Get round-trips offset and skip", t, func() {
		idx := tempIndex(t)
		d := hash.Sum256([]byte("digest"))

		So(idx.Put(d, 4242, 3), ShouldBeNil)

		offset, skip, err := idx.Get(d)
		So(err, ShouldBeNil)
		So(offset, ShouldEqual, int64(4242))
		So(skip, ShouldEqual, uint32(3))
	})

	Convey("Put overwrites a previous entry for the same digest", t, func() {
		idx := tempIndex(t)
		d := hash.Sum256([]byte("digest"))

		So(idx.Put(d, 10, 0), ShouldBeNil)
		So(idx.Put(d, 20, 1), ShouldBeNil)

		offset, skip, err := idx.Get(d)
		So(err, ShouldBeNil)
		So(offset, ShouldEqual, int64(20))
		So(skip, ShouldEqual, uint32(1))
	})
}

func TestHas(t *testing.T) {
	Convey("Has reflects Put", t, func() {
		idx := tempIndex(t)
		d := hash.Sum256([]byte("digest"))

		ok, err := idx.Has(d)
		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)

		So(idx.Put(d, 1, 0), ShouldBeNil)

		ok, err = idx.Has(d)
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)
	})
}

func TestCursor(t *testing.T) {
	Convey("Cursor defaults to zero and SetCursor persists", t, func() {
		idx := tempIndex(t)

		offset, err := idx.Cursor()
		So(err, ShouldBeNil)
		So(offset, ShouldEqual, int64(0))

		So(idx.SetCursor(999), ShouldBeNil)

		offset, err = idx.Cursor()
		So(err, ShouldBeNil)
		So(offset, ShouldEqual, int64(999))
	})
}

func TestPrefixScan(t *testing.T) {
	Convey("PrefixScan visits only matching keys in order", t, func() {
		idx := tempIndex(t)

		d1 := hash.Sum256([]byte("one"))
		d2 := hash.Sum256([]byte("two"))
		So(idx.Put(d1, 1, 0), ShouldBeNil)
		So(idx.Put(d2, 2, 0), ShouldBeNil)

		var seen []hash.Digest
		err := idx.PrefixScan(d1[:1], func(d hash.Digest, offset int64) bool {
			seen = append(seen, d)
			return true
		})
		So(err, ShouldBeNil)
		for _, d := range seen {
			So(d[0], ShouldEqual, d1[0])
		}
	})
}
