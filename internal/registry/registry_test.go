package registry

import (
	"errors"
	"testing"

	"SpotCheck/internal/wire"
)

// testConfig returns lifecycle parameters sized for tests.
func testConfig() Config {
	return Config{
		MinStake:         1000,
		ActivationBlocks: 2,
		ExitDelayBlocks:  10,
		HistoryDepth:     20,
	}
}

// testIdentity builds an identity filled with the given byte.
func testIdentity(b byte) wire.Hash {
	var h wire.Hash
	for i := range h {
		h[i] = b
	}

	return h
}

// register adds a validator or fails the test.
func register(t *testing.T, r *Registry, id wire.Hash, stake, height uint64) {
	t.Helper()

	if err := r.Register(id, [48]byte{}, stake, height); err != nil {
		t.Fatalf("register %x: %v", id[:2], err)
	}
}

// TestRegisterMinStakeBoundary tests that exactly the minimum is
// accepted and one below is rejected.
func TestRegisterMinStakeBoundary(t *testing.T) {
	r := New(testConfig())

	if err := r.Register(testIdentity(1), [48]byte{}, 999, 0); !errors.Is(err, ErrStakeTooLow) {
		t.Fatalf("999 should be rejected, got %v", err)
	}

	if err := r.Register(testIdentity(1), [48]byte{}, 1000, 0); err != nil {
		t.Fatalf("exactly min stake should be accepted: %v", err)
	}
}

// TestRegisterDuplicate tests identity uniqueness.
func TestRegisterDuplicate(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 1000, 0)

	if err := r.Register(testIdentity(1), [48]byte{}, 2000, 1); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate should be rejected, got %v", err)
	}
}

// TestActivationDelay tests that a validator activates only after the
// confirmation blocks.
func TestActivationDelay(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 1000, 5)

	r.ProcessHeight(6)
	if r.Get(testIdentity(1)).Status != StatusPending {
		t.Fatal("validator must stay pending before the delay")
	}

	r.ProcessHeight(7)
	if r.Get(testIdentity(1)).Status != StatusActive {
		t.Fatal("validator must activate at join + activation blocks")
	}
}

// TestExitDelayHoldsStake tests that begin-exit keeps the validator
// until the delay elapses, then retires it permanently.
func TestExitDelayHoldsStake(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 1000, 0)
	r.ProcessHeight(2)

	if err := r.BeginExit(testIdentity(1), 10); err != nil {
		t.Fatalf("begin exit: %v", err)
	}

	if err := r.BeginExit(testIdentity(1), 11); !errors.Is(err, ErrExitInProgress) {
		t.Fatalf("second begin exit should fail, got %v", err)
	}

	r.ProcessHeight(19)
	if r.Get(testIdentity(1)) == nil {
		t.Fatal("validator must survive until the exit delay")
	}

	r.ProcessHeight(20)
	if r.Get(testIdentity(1)) != nil {
		t.Fatal("validator must retire after the exit delay")
	}

	// Retired identities never come back.
	if err := r.Register(testIdentity(1), [48]byte{}, 5000, 21); !errors.Is(err, ErrRetired) {
		t.Fatalf("retired identity must not re-register, got %v", err)
	}
}

// TestApplyDeltaSequenceGuard tests that replayed or skipped sequence
// numbers are rejected.
func TestApplyDeltaSequenceGuard(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 2000, 0)

	delta := wire.RegistryDelta{Validator: testIdentity(1), Delta: -100, Seq: 1}
	if err := r.ApplyDelta(delta); err != nil {
		t.Fatalf("first delta: %v", err)
	}

	if err := r.ApplyDelta(delta); !errors.Is(err, ErrBadSequence) {
		t.Fatalf("replayed delta should be rejected, got %v", err)
	}

	skipped := wire.RegistryDelta{Validator: testIdentity(1), Delta: -100, Seq: 3}
	if err := r.ApplyDelta(skipped); !errors.Is(err, ErrBadSequence) {
		t.Fatalf("skipped sequence should be rejected, got %v", err)
	}

	if got := r.Get(testIdentity(1)).Stake; got != 1900 {
		t.Fatalf("stake should be 1900, got %d", got)
	}
}

// TestApplyDeltaConservation tests exact stake accounting across a
// slash and a reward.
func TestApplyDeltaConservation(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 2000, 0)
	register(t, r, testIdentity(2), 3000, 0)

	before := r.TotalStake()

	if err := r.ApplyDelta(wire.RegistryDelta{Validator: testIdentity(1), Delta: -500, Seq: 1}); err != nil {
		t.Fatalf("slash: %v", err)
	}

	if err := r.ApplyDelta(wire.RegistryDelta{Validator: testIdentity(2), Delta: 200, Seq: 1}); err != nil {
		t.Fatalf("reward: %v", err)
	}

	if got, want := r.TotalStake(), before-500+200; got != want {
		t.Fatalf("total stake %d, want %d", got, want)
	}
}

// TestSlashBelowMinimumJails tests the automatic jail on dropping
// under the minimum stake.
func TestSlashBelowMinimumJails(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 1000, 0)
	r.ProcessHeight(2)

	if err := r.ApplyDelta(wire.RegistryDelta{Validator: testIdentity(1), Delta: -1, Seq: 1}); err != nil {
		t.Fatalf("slash: %v", err)
	}

	if r.Get(testIdentity(1)).Status != StatusJailed {
		t.Fatal("validator must jail when stake drops below minimum")
	}
}

// TestSlashExceedingStakeFails tests that over-slashing is rejected
// outright instead of wrapping.
func TestSlashExceedingStakeFails(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 1000, 0)

	if err := r.ApplyDelta(wire.RegistryDelta{Validator: testIdentity(1), Delta: -1001, Seq: 1}); err == nil {
		t.Fatal("slash exceeding stake should fail")
	}
}

// TestUnjailRequiresStake tests the unjail path.
func TestUnjailRequiresStake(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 1000, 0)
	r.ProcessHeight(2)

	if err := r.ApplyDelta(wire.RegistryDelta{Validator: testIdentity(1), Delta: -500, Seq: 1}); err != nil {
		t.Fatalf("slash: %v", err)
	}

	if err := r.Unjail(testIdentity(1)); !errors.Is(err, ErrStakeTooLow) {
		t.Fatalf("unjail below minimum should fail, got %v", err)
	}

	if err := r.ApplyDelta(wire.RegistryDelta{Validator: testIdentity(1), Delta: 600, Seq: 2}); err != nil {
		t.Fatalf("reward: %v", err)
	}

	if err := r.Unjail(testIdentity(1)); err != nil {
		t.Fatalf("unjail: %v", err)
	}

	if r.Get(testIdentity(1)).Status != StatusActive {
		t.Fatal("validator should be active after unjail")
	}
}

// TestSnapshotImmutability tests that a snapshot does not observe
// later mutations.
func TestSnapshotImmutability(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 2000, 0)
	r.ProcessHeight(2)

	snap := r.TakeSnapshot(2)

	if err := r.ApplyDelta(wire.RegistryDelta{Validator: testIdentity(1), Delta: -500, Seq: 1}); err != nil {
		t.Fatalf("slash: %v", err)
	}

	if got := snap.Weight(testIdentity(1)); got != 2000 {
		t.Fatalf("snapshot weight changed to %d after mutation", got)
	}
}

// TestSnapshotHistory tests historical lookup within the retained
// window.
func TestSnapshotHistory(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 2000, 0)

	for h := uint64(0); h <= 25; h++ {
		r.ProcessHeight(h)
		r.TakeSnapshot(h)
	}

	if _, err := r.SnapshotAt(25); err != nil {
		t.Fatalf("current snapshot: %v", err)
	}

	if _, err := r.SnapshotAt(5); err != nil {
		t.Fatalf("snapshot inside history depth: %v", err)
	}

	if _, err := r.SnapshotAt(3); err == nil {
		t.Fatal("snapshot beyond history depth should be pruned")
	}
}

// TestSnapshotEncodeDeterminism tests that equal sets encode equally.
func TestSnapshotEncodeDeterminism(t *testing.T) {
	build := func() *Snapshot {
		r := New(testConfig())
		register(t, r, testIdentity(3), 3000, 0)
		register(t, r, testIdentity(1), 1000, 0)
		register(t, r, testIdentity(2), 2000, 0)
		r.ProcessHeight(2)

		return r.TakeSnapshot(2)
	}

	a, b := build().Encode(), build().Encode()
	if string(a) != string(b) {
		t.Fatal("snapshot encoding must be deterministic")
	}
}

// TestActiveStakeExcludesInactive tests stake accounting by status.
func TestActiveStakeExcludesInactive(t *testing.T) {
	r := New(testConfig())
	register(t, r, testIdentity(1), 2000, 0)
	register(t, r, testIdentity(2), 3000, 0)
	r.ProcessHeight(2)

	// Third validator is still pending at snapshot time.
	register(t, r, testIdentity(3), 5000, 2)

	snap := r.TakeSnapshot(2)

	if got := snap.TotalActiveStake(); got != 5000 {
		t.Fatalf("active stake %d, want 5000", got)
	}

	if snap.Active(testIdentity(3)) {
		t.Fatal("pending validator must not be active in snapshot")
	}
}
