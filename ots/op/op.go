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

// Package op defines the Operation/Path data model: the small set of
// deterministic steps that carry a digest up to an attestation.
package op

import (
	"github.com/pkg/errors"

	"github.com/opentimestamps/opentimestamps-server/ots/hash"
)

// Kind tags the variant of an Operation.
type Kind uint8

const (
	// AppendLeft computes H(Arg || input).
	AppendLeft Kind = iota
	// AppendRight computes H(input || Arg).
	AppendRight
	// Attest terminates a path by asserting where the input digest is
	// committed. Only the Attestation field is meaningful.
	Attest
)

// AttestKind tags the variant of an Attestation.
type AttestKind uint8

const (
	// Pending says the digest is enqueued at a calendar URI.
	Pending AttestKind = iota
	// BitcoinBlock says the digest appears in the merkle root of a
	// block at Height.
	BitcoinBlock
)

// Attestation terminates a Path.
type Attestation struct {
	Kind AttestKind `codec:"k"`
	// URI is set for Pending.
	URI string `codec:"u,omitempty"`
	// Height is set for BitcoinBlock.
	Height uint32 `codec:"h,omitempty"`
}

// Pend builds a Pending attestation at uri.
func Pend(uri string) Attestation {
	return Attestation{Kind: Pending, URI: uri}
}

// Confirmed builds a BitcoinBlock attestation at height.
func Confirmed(height uint32) Attestation {
	return Attestation{Kind: BitcoinBlock, Height: height}
}

// Equal reports whether two attestations describe the same commitment.
func (a Attestation) Equal(b Attestation) bool {
	return a == b
}

// Operation is a single deterministic step carried inside a Path.
type Operation struct {
	Kind Kind `codec:"t"`
	// Arg is the prefix (AppendLeft) or suffix (AppendRight) byte
	// string. Unused for Attest.
	Arg []byte `codec:"a,omitempty"`
	// Attestation is populated only when Kind == Attest.
	Attestation Attestation `codec:"s,omitempty"`
}

// Left builds an Append-left(prefix) operation.
func Left(prefix hash.Digest) Operation {
	return Operation{Kind: AppendLeft, Arg: prefix.Bytes()}
}

// Right builds an Append-right(suffix) operation.
func Right(suffix hash.Digest) Operation {
	return Operation{Kind: AppendRight, Arg: suffix.Bytes()}
}

// AttestOp builds a terminal Attest operation.
func AttestOp(a Attestation) Operation {
	return Operation{Kind: Attest, Attestation: a}
}

// Apply folds a single operation over input. It is only valid to call
// this for AppendLeft/AppendRight; Attest operations don't produce a
// digest and are handled by Path.Apply.
func (o Operation) Apply(input hash.Digest) (hash.Digest, error) {
	switch o.Kind {
	case AppendLeft:
		return hash.Sum256(append(append([]byte{}, o.Arg...), input[:]...)), nil
	case AppendRight:
		return hash.Sum256(append(append([]byte{}, input[:]...), o.Arg...)), nil
	default:
		return hash.Digest{}, errors.Errorf("op: cannot Apply a non-append operation (kind %d)", o.Kind)
	}
}

// Path is a non-empty ordered sequence of Operations. A well-formed
// Path contains at most one Attest operation, and if present it must be
// the last operation.
type Path []Operation

// ErrEmptyPath is returned by operations that require a non-empty path.
var ErrEmptyPath = errors.New("op: path is empty")

// ErrMisplacedAttest is returned when an Attest operation appears
// anywhere but the last position of a Path.
var ErrMisplacedAttest = errors.New("op: attest operation must be last")

// Validate checks the Path invariants from spec §3: non-empty,
// at most one Attest, and if present it is the final operation.
func (p Path) Validate() error {
	if len(p) == 0 {
		return ErrEmptyPath
	}
	for i, o := range p {
		if o.Kind == Attest && i != len(p)-1 {
			return ErrMisplacedAttest
		}
	}
	return nil
}

// Apply runs the path against input, returning the terminal Attestation
// it asserts. Returns an error if the path is malformed or does not
// terminate in an Attest.
func (p Path) Apply(input hash.Digest) (Attestation, error) {
	if err := p.Validate(); err != nil {
		return Attestation{}, err
	}

	cur := input
	for i, o := range p {
		if o.Kind == Attest {
			if i != len(p)-1 {
				return Attestation{}, ErrMisplacedAttest
			}
			return o.Attestation, nil
		}
		next, err := o.Apply(cur)
		if err != nil {
			return Attestation{}, err
		}
		cur = next
	}
	return Attestation{}, errors.New("op: path does not terminate in an attestation")
}

// Concat returns a new Path that is the concatenation of steps followed
// by tail. Used to join an Aggregator's per-submission steps to a
// calendar's stored outward path.
func Concat(steps []Operation, tail Path) Path {
	out := make(Path, 0, len(steps)+len(tail))
	out = append(out, steps...)
	out = append(out, tail...)
	return out
}
