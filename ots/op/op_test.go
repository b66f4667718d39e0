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

package op

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
)

func TestOperationApply(t *testing.T) {
	Convey("AppendLeft prepends Arg", t, func() {
		input := hash.Sum256([]byte("input"))
		prefix := hash.Sum256([]byte("prefix"))
		out, err := Left(prefix).Apply(input)
		So(err, ShouldBeNil)
		So(out, ShouldEqual, hash.Sum256(append(prefix.Bytes(), input.Bytes()...)))
	})

	Convey("AppendRight appends Arg", t, func() {
		input := hash.Sum256([]byte("input"))
		suffix := hash.Sum256([]byte("suffix"))
		out, err := Right(suffix).Apply(input)
		So(err, ShouldBeNil)
		So(out, ShouldEqual, hash.Sum256(append(input.Bytes(), suffix.Bytes()...)))
	})

	Convey("Apply on an Attest operation fails", t, func() {
		_, err := AttestOp(Pend("http://test/")).Apply(hash.Digest{})
		So(err, ShouldNotBeNil)
	})
}

func TestPathValidate(t *testing.T) {
	Convey("empty path is invalid", t, func() {
		So(Path{}.Validate(), ShouldEqual, ErrEmptyPath)
	})

	Convey("attest not in last position is invalid", t, func() {
		p := Path{AttestOp(Pend("uri")), Left(hash.Digest{})}
		So(p.Validate(), ShouldEqual, ErrMisplacedAttest)
	})

	Convey("a single terminal attest is valid", t, func() {
		p := Path{AttestOp(Pend("uri"))}
		So(p.Validate(), ShouldBeNil)
	})
}

func TestPathApply(t *testing.T) {
	Convey("single-leaf path resolves directly to its attestation", t, func() {
		input := hash.Sum256([]byte("leaf"))
		p := Path{AttestOp(Pend("http://cal/"))}
		a, err := p.Apply(input)
		So(err, ShouldBeNil)
		So(a.Kind, ShouldEqual, Pending)
		So(a.URI, ShouldEqual, "http://cal/")
	})

	Convey("multi-step path folds in order before attesting", t, func() {
		input := hash.Sum256([]byte("leaf"))
		sibling := hash.Sum256([]byte("sibling"))
		p := Path{Right(sibling), AttestOp(Confirmed(123))}

		a, err := p.Apply(input)
		So(err, ShouldBeNil)
		So(a.Kind, ShouldEqual, BitcoinBlock)
		So(a.Height, ShouldEqual, uint32(123))
	})

	Convey("a path with no terminal attest fails", t, func() {
		_, err := Path{Right(hash.Digest{})}.Apply(hash.Sum256([]byte("x")))
		So(err, ShouldNotBeNil)
	})
}

func TestConcat(t *testing.T) {
	Convey("Concat joins steps and tail in order", t, func() {
		sibling := hash.Sum256([]byte("sibling"))
		steps := []Operation{Right(sibling)}
		tail := Path{AttestOp(Pend("uri"))}

		got := Concat(steps, tail)
		So(len(got), ShouldEqual, 2)
		So(got[0], ShouldResemble, steps[0])
		So(got[1], ShouldResemble, tail[0])
	})
}

func TestMarshalRoundTrip(t *testing.T) {
	Convey("Marshal/Unmarshal preserves a multi-op path", t, func() {
		sibling := hash.Sum256([]byte("sibling"))
		p := Path{Left(sibling), Right(sibling), AttestOp(Confirmed(700000))}

		raw, err := p.Marshal()
		So(err, ShouldBeNil)

		got, err := Unmarshal(raw)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, p)
	})
}
