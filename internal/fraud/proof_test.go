package fraud

import (
	"errors"
	"fmt"
	"testing"

	"SpotCheck/internal/merkle"
	"SpotCheck/internal/wire"
)

// TestBuildVerifySegment tests the segment integrity round trip.
func TestBuildVerifySegment(t *testing.T) {
	segment := BuildSegment([]byte("output-payload"))

	ok, err := VerifySegment(segment)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if !ok {
		t.Fatal("well-formed segment must verify")
	}

	ok, err = VerifySegment(CorruptSegment(segment))
	if err != nil {
		t.Fatalf("verify corrupt: %v", err)
	}

	if ok {
		t.Fatal("corrupt segment must not verify")
	}
}

// TestVerifySegmentTooShort tests the malformed case.
func TestVerifySegmentTooShort(t *testing.T) {
	if _, err := VerifySegment([]byte("short")); !errors.Is(err, ErrMalformedSegment) {
		t.Fatalf("short segment should be malformed, got %v", err)
	}
}

// buildOutput builds n segments with the listed indices corrupted, and
// returns the segments plus the merkle root over what was stored.
func buildOutput(n int, corrupt ...int) ([][]byte, wire.Hash) {
	segments := make([][]byte, n)
	for i := range segments {
		segments[i] = BuildSegment([]byte(fmt.Sprintf("segment-%d", i)))
	}

	for _, i := range corrupt {
		segments[i] = CorruptSegment(segments[i])
	}

	leaves := make([]wire.Hash, n)
	for i, s := range segments {
		leaves[i] = merkle.LeafHash(s)
	}

	return segments, merkle.Root(leaves)
}

// TestRecomputeContradiction tests the full evidence check: authentic
// corrupt segment against a pass majority.
func TestRecomputeContradiction(t *testing.T) {
	segments, root := buildOutput(16, 5)

	indices := make([]uint64, 16)
	for i := range indices {
		indices[i] = uint64(i)
	}

	ch := &wire.Challenge{OutputRoot: root, OutputSize: 16, Indices: indices}

	majority := make([]byte, 2)
	for i := 0; i < 16; i++ {
		wire.SetBit(majority, i)
	}

	decision := &wire.Decision{Outcome: wire.OutcomePass, MajorityBits: majority}

	leaves := make([]wire.Hash, 16)
	for i, s := range segments {
		leaves[i] = merkle.LeafHash(s)
	}

	path, err := merkle.Path(leaves, 5)
	if err != nil {
		t.Fatalf("path: %v", err)
	}

	proof := &wire.FraudProof{SegmentIndex: 5, Segment: segments[5], Path: path}

	position, err := recompute(proof, ch, decision)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	if position != 5 {
		t.Fatalf("position %d, want 5", position)
	}

	// A clean segment agrees with the majority: no contradiction.
	cleanPath, err := merkle.Path(leaves, 3)
	if err != nil {
		t.Fatalf("path: %v", err)
	}

	clean := &wire.FraudProof{SegmentIndex: 3, Segment: segments[3], Path: cleanPath}

	if _, err := recompute(clean, ch, decision); !errors.Is(err, ErrNoContradiction) {
		t.Fatalf("clean segment should not contradict, got %v", err)
	}
}

// TestRecomputeRejectsForgedEvidence tests path and sampling checks.
func TestRecomputeRejectsForgedEvidence(t *testing.T) {
	segments, root := buildOutput(16, 5)

	ch := &wire.Challenge{OutputRoot: root, OutputSize: 16, Indices: []uint64{0, 2, 4, 5, 6}}
	decision := &wire.Decision{Outcome: wire.OutcomePass, MajorityBits: []byte{0xff}}

	leaves := make([]wire.Hash, 16)
	for i, s := range segments {
		leaves[i] = merkle.LeafHash(s)
	}

	// Unsampled index.
	path, _ := merkle.Path(leaves, 1)
	unsampled := &wire.FraudProof{SegmentIndex: 1, Segment: segments[1], Path: path}

	if _, err := recompute(unsampled, ch, decision); !errors.Is(err, ErrNotSampled) {
		t.Fatalf("unsampled index should be rejected, got %v", err)
	}

	// Segment substituted after the fact: path does not authenticate.
	path5, _ := merkle.Path(leaves, 5)
	forged := &wire.FraudProof{SegmentIndex: 5, Segment: CorruptSegment(segments[5]), Path: path5}

	if _, err := recompute(forged, ch, decision); !errors.Is(err, ErrBadPath) {
		t.Fatalf("forged segment should fail the path check, got %v", err)
	}
}
