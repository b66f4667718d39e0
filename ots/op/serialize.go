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
	"github.com/pkg/errors"

	"github.com/opentimestamps/opentimestamps-server/utils"
)

// Marshal serializes a Path to its internal wire form. This is the
// calendar's own record encoding, not the client-facing proof format
// (assumed provided by an external library per spec §1).
func (p Path) Marshal() ([]byte, error) {
	buf, err := utils.EncodeMsgPack([]Operation(p))
	if err != nil {
		return nil, errors.Wrap(err, "op: marshal path failed")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal back into a Path.
func Unmarshal(b []byte) (p Path, err error) {
	var ops []Operation
	if err = utils.DecodeMsgPack(b, &ops); err != nil {
		err = errors.Wrap(err, "op: unmarshal path failed")
		return
	}
	p = Path(ops)
	return
}
