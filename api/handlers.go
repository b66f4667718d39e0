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
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/opentimestamps/opentimestamps-server/aggregator"
	"github.com/opentimestamps/opentimestamps-server/calendar"
	"github.com/opentimestamps/opentimestamps-server/metrics"
	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
)

// errInvalidToken is returned when a backup request's token doesn't
// match the one derived from the shared HMAC key and requested offset.
var errInvalidToken = errors.New("api: invalid backup token")

// maxDigestBody caps the POST /digest body a byte above hash.Size so a
// wrong-length request is rejected with a clear 400 instead of being
// silently truncated.
const maxDigestBody = hash.Size + 1

// submitDigest implements POST /digest from spec §6: body is exactly
// 32 raw bytes, response is the serialized inclusion path, 400 on
// wrong length, 503 on back-pressure.
func submitDigest(c *gin.Context) {
	deps := getDeps(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDigestBody))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	digest, err := hash.FromBytes(body)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), submitTimeout(deps))
	defer cancel()

	path, err := deps.Aggregator.Submit(ctx, digest)
	if err != nil {
		if err == aggregator.ErrOverloaded {
			metrics.SubmitOverloaded.Inc()
			abortWithError(c, http.StatusServiceUnavailable, err)
			return
		}
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	metrics.DigestsSubmitted.Inc()

	encoded, err := path.Marshal()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", encoded)
}

// getTimestamp implements GET /timestamp/{hex_digest}: returns the
// best known outward path from digest to its attestation, serialized
// the same way submitDigest's response is. 404 if digest is unknown.
func getTimestamp(c *gin.Context) {
	deps := getDeps(c)

	digest, err := hash.FromHex(c.Param("digest"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	path, err := deps.Store.Get(digest)
	if err == calendar.ErrNotFound {
		abortWithError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	encoded, err := path.Marshal()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", encoded)
}

// getTip implements GET /tip: the calendar's current head, as the
// latest added commitment and its currently best known path.
func getTip(c *gin.Context) {
	deps := getDeps(c)

	commitment, path, hasTip := deps.Store.Tip()
	if !hasTip {
		abortWithError(c, http.StatusNotFound, calendar.ErrNotFound)
		return
	}

	responseWithData(c, http.StatusOK, gin.H{
		"commitment": commitment,
		"path":       []op.Operation(path),
	})
}

// backupPage is the JSON shape of a GET /backup/{start_offset}
// response: gin encodes [][]byte as base64 strings, giving every
// record a transport-safe representation without a separate
// multipart or length-prefixed framing.
type backupPage struct {
	Records    [][]byte `json:"records"`
	NextOffset int64    `json:"next_offset"`
	Complete   bool     `json:"complete"`
}

// getBackupPage implements GET /backup/{start_offset}: raw journal
// records from start_offset, gated by a token derived from the shared
// HMAC key per spec §6 and §9.
func getBackupPage(c *gin.Context) {
	deps := getDeps(c)

	offset, err := strconv.ParseInt(c.Param("offset"), 10, 64)
	if err != nil || offset < 0 {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	token := c.Query("token")
	if !calendar.VerifyToken(deps.HMACKey, offset, token) {
		abortWithError(c, http.StatusForbidden, errInvalidToken)
		return
	}

	records, next, complete, err := deps.Backup.Page(offset)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	responseWithData(c, http.StatusOK, backupPage{
		Records:    records,
		NextOffset: next,
		Complete:   complete,
	})
}

// info implements GET /: an informational static response carrying
// server identity, URI, donation address, and a few basic stats, per
// spec §6 and the donation-reporting feature recovered from
// original_source/otsserver's webserver.
func info(c *gin.Context) {
	deps := getDeps(c)

	resp := gin.H{
		"uri":           deps.URI,
		"donation_addr": deps.DonationAddr,
	}

	if commitment, _, hasTip := deps.Store.Tip(); hasTip {
		resp["tip"] = commitment
	}
	if deps.Stamper != nil {
		resp["stamper_state"] = deps.Stamper.State()
	}

	responseWithData(c, http.StatusOK, resp)
}
