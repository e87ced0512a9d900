// Package fraud holds decisions open for a configurable block window
// during which counter-evidence can overturn them, and commits the
// resulting stake deltas. It is the single writer of the validator
// registry.
package fraud

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"SpotCheck/internal/merkle"
	"SpotCheck/internal/wire"
)

// SegmentDigestSize is the size of a segment's integrity trailer.
const SegmentDigestSize = 32

var (
	// ErrMalformedSegment means the segment is too short to carry its
	// integrity trailer.
	ErrMalformedSegment = errors.New("segment too short for digest trailer")

	// ErrBadPath means the merkle path does not tie the segment to the
	// job's output root.
	ErrBadPath = errors.New("merkle path does not authenticate segment")

	// ErrNotSampled means the proof's segment index was not part of the
	// challenge's sampling plan.
	ErrNotSampled = errors.New("segment index not sampled by challenge")

	// ErrNoContradiction means the recomputed attestation agrees with
	// the decision; the evidence proves nothing.
	ErrNoContradiction = errors.New("evidence does not contradict decision")
)

// BuildSegment appends the integrity trailer to a payload, producing a
// well-formed output segment.
func BuildSegment(payload []byte) []byte {
	digest := blake3.Sum256(payload)

	segment := make([]byte, 0, len(payload)+SegmentDigestSize)
	segment = append(segment, payload...)
	segment = append(segment, digest[:]...)

	return segment
}

// CorruptSegment flips a payload byte of a well-formed segment without
// touching the trailer, producing a segment that fails its hash check.
// Test and tooling helper.
func CorruptSegment(segment []byte) []byte {
	out := make([]byte, len(segment))
	copy(out, segment)

	if len(out) > SegmentDigestSize {
		out[0] ^= 0xff
	}

	return out
}

// VerifySegment is the minimal re-execution behind a fraud proof: one
// segment decode plus one hash check. It returns the true attestation
// bit for the segment.
func VerifySegment(segment []byte) (bool, error) {
	if len(segment) < SegmentDigestSize {
		return false, fmt.Errorf("%d bytes: %w", len(segment), ErrMalformedSegment)
	}

	payload := segment[:len(segment)-SegmentDigestSize]
	trailer := segment[len(segment)-SegmentDigestSize:]

	digest := blake3.Sum256(payload)

	var want wire.Hash
	copy(want[:], trailer)

	return wire.Hash(digest) == want, nil
}

// recompute validates the proof's evidence against the challenge: the
// merkle path must authenticate the segment under the output root, the
// segment index must be sampled, and the recomputed attestation bit
// must contradict the decision's majority at that position. Returns
// the sampled position.
func recompute(proof *wire.FraudProof, ch *wire.Challenge, decision *wire.Decision) (int, error) {
	position := samplePosition(ch, proof.SegmentIndex)
	if position < 0 {
		return 0, fmt.Errorf("index %d: %w", proof.SegmentIndex, ErrNotSampled)
	}

	leaf := merkle.LeafHash(proof.Segment)
	if !merkle.VerifyPath(ch.OutputRoot, leaf, proof.SegmentIndex, ch.OutputSize, proof.Path) {
		return 0, fmt.Errorf("index %d: %w", proof.SegmentIndex, ErrBadPath)
	}

	trueBit, err := VerifySegment(proof.Segment)
	if err != nil {
		return 0, err
	}

	if trueBit == decision.MajorityBit(position) {
		return 0, fmt.Errorf("index %d attests %v: %w", proof.SegmentIndex, trueBit, ErrNoContradiction)
	}

	return position, nil
}

// samplePosition locates the segment index in the challenge's sorted
// sampling plan, or -1 if it was not sampled.
func samplePosition(ch *wire.Challenge, segmentIndex uint64) int {
	lo, hi := 0, len(ch.Indices)

	for lo < hi {
		mid := (lo + hi) / 2

		switch {
		case ch.Indices[mid] == segmentIndex:
			return mid
		case ch.Indices[mid] < segmentIndex:
			lo = mid + 1
		default:
			hi = mid
		}
	}

	return -1
}
