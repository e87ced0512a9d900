package aggregate

import (
	"testing"

	"SpotCheck/internal/registry"
	"SpotCheck/internal/verdict"
	"SpotCheck/internal/wire"
)

// testConfig returns decision thresholds sized for tests.
func testConfig() Config {
	return Config{
		ThetaPass:      0.99,
		ThetaFail:      0.01,
		QuorumFraction: 0.67,
		MinConfidence:  0.99,
	}
}

// testSetup builds n active validators with equal stake, a challenge
// with sampleSize indices, and the snapshot backing both.
func testSetup(t *testing.T, n int, stake uint64, sampleSize int) ([]wire.Hash, *wire.Challenge, *registry.Snapshot) {
	t.Helper()

	reg := registry.New(registry.Config{
		MinStake:         1,
		ActivationBlocks: 1,
		ExitDelayBlocks:  10,
		HistoryDepth:     100,
	})

	identities := make([]wire.Hash, n)

	for i := range identities {
		identities[i][0] = byte(i + 1)

		if err := reg.Register(identities[i], [48]byte{}, stake, 0); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	reg.ProcessHeight(1)

	indices := make([]uint64, sampleSize)
	for i := range indices {
		indices[i] = uint64(i * 3)
	}

	ch := &wire.Challenge{
		JobID:        wire.Hash{0xaa},
		OutputRoot:   wire.Hash{0xbb},
		OutputSize:   uint64(sampleSize * 3),
		Indices:      indices,
		IssueHeight:  10,
		ExpiryHeight: 20,
	}

	return identities, ch, reg.TakeSnapshot(1)
}

// bitmap builds an attestation bitmap of the given size with the
// listed positions cleared (attested incorrect), all others correct.
func bitmap(sampleSize int, incorrect ...int) []byte {
	bits := make([]byte, (sampleSize+7)/8)
	for i := 0; i < sampleSize; i++ {
		wire.SetBit(bits, i)
	}

	for _, i := range incorrect {
		bits[i/8] &^= 1 << (i % 8)
	}

	return bits
}

// sealedWith builds a sealed verdict set from per-validator bitmaps.
func sealedWith(ch *wire.Challenge, snap *registry.Snapshot, identities []wire.Hash, bits [][]byte) *verdict.Sealed {
	sealed := &verdict.Sealed{Challenge: ch, Snapshot: snap}

	for i, b := range bits {
		if b == nil {
			continue
		}

		sealed.Verdicts = append(sealed.Verdicts, &wire.Verdict{
			ChallengeHash: ch.Hash(),
			Validator:     identities[i],
			Bits:          b,
		})
	}

	return sealed
}

// TestAggregatePassUnanimous tests the honest path: all correct, full
// participation, confidence 1.
func TestAggregatePassUnanimous(t *testing.T) {
	identities, ch, snap := testSetup(t, 10, 1000, 100)

	bits := make([][]byte, 10)
	for i := range bits {
		bits[i] = bitmap(100)
	}

	d := Aggregate(testConfig(), sealedWith(ch, snap, identities, bits))

	if d.Outcome != wire.OutcomePass {
		t.Fatalf("outcome %v, want pass", d.Outcome)
	}

	if d.Confidence != 1.0 {
		t.Fatalf("confidence %v, want 1.0", d.Confidence)
	}

	if len(d.Participants) != 10 {
		t.Fatalf("participants %d, want 10", len(d.Participants))
	}
}

// TestAggregateFailOnCorruption tests fraud detection with one
// colluding minority validator.
func TestAggregateFailOnCorruption(t *testing.T) {
	identities, ch, snap := testSetup(t, 10, 1000, 100)
	corrupt := []int{3, 17, 42, 77, 96}

	bits := make([][]byte, 10)
	for i := 0; i < 9; i++ {
		bits[i] = bitmap(100, corrupt...)
	}

	// The colluder attests everything correct.
	bits[9] = bitmap(100)

	d := Aggregate(testConfig(), sealedWith(ch, snap, identities, bits))

	if d.Outcome != wire.OutcomeFail {
		t.Fatalf("outcome %v, want fail", d.Outcome)
	}

	for _, i := range corrupt {
		if d.MajorityBit(i) {
			t.Fatalf("majority at corrupt index %d should be incorrect", i)
		}
	}

	if d.MajorityBit(0) != true {
		t.Fatal("clean index should stay correct")
	}

	if d.Confidence < 0.99 {
		t.Fatalf("confidence %v below floor", d.Confidence)
	}
}

// TestAggregateInconclusiveQuorum tests that insufficient
// participating stake never decides.
func TestAggregateInconclusiveQuorum(t *testing.T) {
	identities, ch, snap := testSetup(t, 10, 1000, 100)

	// Only 5 of 10 validators respond: 50% < 67% quorum.
	bits := make([][]byte, 10)
	for i := 0; i < 5; i++ {
		bits[i] = bitmap(100)
	}

	d := Aggregate(testConfig(), sealedWith(ch, snap, identities, bits))

	if d.Outcome != wire.OutcomeInconclusive {
		t.Fatalf("outcome %v, want inconclusive", d.Outcome)
	}
}

// TestAggregateEmptyValidatorSet tests the boundary: no verdicts, no
// decision.
func TestAggregateEmptyValidatorSet(t *testing.T) {
	identities, ch, snap := testSetup(t, 3, 1000, 16)

	d := Aggregate(testConfig(), sealedWith(ch, snap, identities, make([][]byte, 3)))

	if d.Outcome != wire.OutcomeInconclusive {
		t.Fatalf("outcome %v, want inconclusive", d.Outcome)
	}

	if len(d.Participants) != 0 {
		t.Fatal("no participants expected")
	}
}

// TestAggregateTieResolvesIncorrect tests the conservative tie-break:
// equal stake on both sides counts the index incorrect.
func TestAggregateTieResolvesIncorrect(t *testing.T) {
	identities, ch, snap := testSetup(t, 2, 1000, 16)

	bits := [][]byte{
		bitmap(16),    // all correct
		bitmap(16, 0), // incorrect at position 0
	}

	d := Aggregate(testConfig(), sealedWith(ch, snap, identities, bits))

	if d.MajorityBit(0) {
		t.Fatal("stake tie must resolve toward incorrect")
	}

	if !d.MajorityBit(1) {
		t.Fatal("untied index must stay correct")
	}
}

// TestAggregateStakeWeighting tests that a heavy validator outweighs
// several light ones.
func TestAggregateStakeWeighting(t *testing.T) {
	reg := registry.New(registry.Config{
		MinStake:         1,
		ActivationBlocks: 1,
		ExitDelayBlocks:  10,
		HistoryDepth:     100,
	})

	heavy := wire.Hash{0x01}
	lightA := wire.Hash{0x02}
	lightB := wire.Hash{0x03}

	for _, r := range []struct {
		id    wire.Hash
		stake uint64
	}{{heavy, 10000}, {lightA, 1000}, {lightB, 1000}} {
		if err := reg.Register(r.id, [48]byte{}, r.stake, 0); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	reg.ProcessHeight(1)
	snap := reg.TakeSnapshot(1)

	ch := &wire.Challenge{
		JobID:      wire.Hash{0xaa},
		OutputSize: 48,
		Indices:    []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	}

	sealed := sealedWith(ch, snap, []wire.Hash{heavy, lightA, lightB}, [][]byte{
		bitmap(16),    // heavy: all correct
		bitmap(16, 0), // light: incorrect at 0
		bitmap(16, 0), // light: incorrect at 0
	})

	d := Aggregate(testConfig(), sealed)

	if !d.MajorityBit(0) {
		t.Fatal("10000 stake should outweigh 2000 at index 0")
	}

	if d.Outcome != wire.OutcomePass {
		t.Fatalf("outcome %v, want pass", d.Outcome)
	}
}

// TestAggregateConfidenceFloor tests that a decision under the
// confidence floor degrades to inconclusive.
func TestAggregateConfidenceFloor(t *testing.T) {
	identities, ch, snap := testSetup(t, 4, 1000, 16)

	// All four agree everything is correct, but with S=16 the pass
	// confidence 1-(1-1)^16 = 1 passes; force the fail side instead:
	// one corrupt index of 16 gives fail fraction 1/16 >= theta but
	// confidence 1-(15/16)^16 ~= 0.644 < 0.99.
	cfg := testConfig()
	cfg.ThetaPass = 1.0 // 15/16 correct is not enough to pass

	bits := make([][]byte, 4)
	for i := range bits {
		bits[i] = bitmap(16, 0)
	}

	d := Aggregate(cfg, sealedWith(ch, snap, identities, bits))

	if d.Outcome != wire.OutcomeInconclusive {
		t.Fatalf("outcome %v, want inconclusive below the confidence floor", d.Outcome)
	}
}
