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
	"github.com/pkg/errors"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
	"github.com/opentimestamps/opentimestamps-server/ots/op"
	"github.com/opentimestamps/opentimestamps-server/utils"
)

// commitmentRecord is the sole journal record type persisted by the
// calendar: a commitment digest and the path-from-commitment-to-
// attestation that was true as of when the record was written. A
// commitment may have more than one record over its lifetime — a first
// Pending record, later superseded by a BitcoinBlock record.
type commitmentRecord struct {
	Commitment hash.Digest `codec:"c"`
	Path       op.Path     `codec:"p"`
}

func encodeRecord(r commitmentRecord) ([]byte, error) {
	buf, err := utils.EncodeMsgPack(r)
	if err != nil {
		return nil, errors.Wrap(err, "calendar: encode record failed")
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (r commitmentRecord, err error) {
	if err = utils.DecodeMsgPack(b, &r); err != nil {
		err = errors.Wrap(err, "calendar: decode record failed")
	}
	return
}
