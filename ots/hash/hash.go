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

// Package hash defines the single digest type used throughout the
// calendar: a fixed 32-byte SHA-256 output.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Size is the length in bytes of a Digest. The calendar supports exactly
// one hash algorithm; see spec §9 Open Questions on extending this.
const Size = 32

// ErrBadSize is returned when a byte slice of the wrong length is used
// to construct a Digest.
var ErrBadSize = fmt.Errorf("digest must be exactly %d bytes", Size)

// Digest is an opaque 32-byte message digest. It is the universal key
// type for everything the calendar stores: client-submitted message
// digests, round commitments, and every intermediate digest reachable
// along a stored path.
type Digest [Size]byte

// Sum256 hashes b and returns the resulting Digest.
func Sum256(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// FromBytes builds a Digest from a byte slice, requiring an exact
// length match.
func FromBytes(b []byte) (d Digest, err error) {
	if len(b) != Size {
		err = ErrBadSize
		return
	}
	copy(d[:], b)
	return
}

// Bytes returns the digest's bytes as a freshly allocated slice.
func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// String returns the digest as a lowercase hex string.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// FromHex parses a hex-encoded digest.
func FromHex(s string) (d Digest, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return
	}
	return FromBytes(b)
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalJSON implements json.Marshaler.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Digest) UnmarshalJSON(data []byte) (err error) {
	var s string
	if err = json.Unmarshal(data, &s); err != nil {
		return
	}
	parsed, err := FromHex(s)
	if err != nil {
		return
	}
	*d = parsed
	return
}
