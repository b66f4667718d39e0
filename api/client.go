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
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

// UpstreamClient is the HTTP implementation of aggregator.UpstreamClient:
// it drives another calendar server's own POST /digest and GET
// /timestamp endpoints, since an upstream calendar in this deployment
// is simply another instance of this same server.
type UpstreamClient struct {
	BaseURL string
	Client  *http.Client
}

// NewUpstreamClient builds an UpstreamClient against baseURL, using
// timeout as the per-request deadline when ctx carries none shorter.
func NewUpstreamClient(baseURL string, timeout time.Duration) *UpstreamClient {
	return &UpstreamClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// Submit implements aggregator.UpstreamClient by POSTing digest's raw
// bytes to the upstream calendar's /digest endpoint.
func (u *UpstreamClient) Submit(ctx context.Context, digest hash.Digest) (op.Path, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/digest", bytes.NewReader(digest.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "api: build upstream submit request failed")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	return u.doPathRequest(req)
}

// Get implements aggregator.UpstreamClient by GETting the upstream
// calendar's /timestamp/{hex_digest} endpoint.
func (u *UpstreamClient) Get(ctx context.Context, digest hash.Digest) (op.Path, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.BaseURL+"/timestamp/"+digest.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "api: build upstream get request failed")
	}

	return u.doPathRequest(req)
}

func (u *UpstreamClient) doPathRequest(req *http.Request) (op.Path, error) {
	res, err := u.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "api: upstream request failed")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "api: read upstream response failed")
	}

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("api: upstream returned %d: %s", res.StatusCode, string(body))
	}

	path, err := op.Unmarshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "api: decode upstream path failed")
	}
	return path, nil
}
