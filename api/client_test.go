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

package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

func TestUpstreamClientSubmitAndGet(t *testing.T) {
	Convey("UpstreamClient drives another instance's own /digest and /timestamp routes", t, func() {
		upstream := newTestServer(t)
		srv := httptest.NewServer(upstream.engine)
		defer srv.Close()

		client := NewUpstreamClient(srv.URL, time.Second)
		digest := hash.Sum256([]byte("upstream-doc"))

		path, err := client.Submit(context.Background(), digest)
		So(err, ShouldBeNil)
		attest, err := path.Apply(digest)
		So(err, ShouldBeNil)
		So(attest.Kind, ShouldEqual, op.Pending)

		got, err := client.Get(context.Background(), digest)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, path)
	})
}

func TestUpstreamClientGetUnknownDigest(t *testing.T) {
	Convey("Get on a digest the upstream never saw returns an error", t, func() {
		upstream := newTestServer(t)
		srv := httptest.NewServer(upstream.engine)
		defer srv.Close()

		client := NewUpstreamClient(srv.URL, time.Second)
		_, err := client.Get(context.Background(), hash.Sum256([]byte("never-submitted")))
		So(err, ShouldNotBeNil)
	})
}
