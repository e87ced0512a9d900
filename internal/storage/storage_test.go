package storage

import (
	"bytes"
	"testing"

	"SpotCheck/internal/wire"
)

// newTestStore opens a store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	return s
}

// TestSeedRoundTrip tests seed persistence.
func TestSeedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seed := wire.Hash{0x01, 0x02}

	if err := s.PutSeed(42, seed); err != nil {
		t.Fatalf("put seed: %v", err)
	}

	got, ok, err := s.Seed(42)
	if err != nil || !ok {
		t.Fatalf("seed lookup: ok=%v err=%v", ok, err)
	}

	if got != seed {
		t.Fatal("seed changed across round trip")
	}

	if _, ok, _ := s.Seed(43); ok {
		t.Fatal("absent seed should report not found")
	}
}

// TestSnapshotRoundTrip tests compressed snapshot persistence and its
// content address.
func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.Repeat([]byte("state-snapshot-payload "), 100)

	root, err := s.PutSnapshot(7, payload)
	if err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	if root != wire.Sum256(payload) {
		t.Fatal("state root must be the content hash of the payload")
	}

	got, ok, err := s.Snapshot(7)
	if err != nil || !ok {
		t.Fatalf("snapshot lookup: ok=%v err=%v", ok, err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("snapshot changed across compression round trip")
	}

	storedRoot, ok, err := s.StateRoot(7)
	if err != nil || !ok {
		t.Fatalf("root lookup: ok=%v err=%v", ok, err)
	}

	if storedRoot != root {
		t.Fatal("stored root mismatch")
	}

	tip, ok, err := s.TipHeight()
	if err != nil || !ok || tip != 7 {
		t.Fatalf("tip height %d ok=%v err=%v, want 7", tip, ok, err)
	}
}

// TestDecisionRoundTrip tests committed-decision persistence.
func TestDecisionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	d := &wire.Decision{
		ChallengeHash: wire.Hash{0x01},
		JobID:         wire.Hash{0x02},
		Outcome:       wire.OutcomePass,
		Confidence:    1,
		MajorityBits:  []byte{0xff},
	}

	if err := s.PutDecision(d.Hash(), d.Encode()); err != nil {
		t.Fatalf("put decision: %v", err)
	}

	got, ok, err := s.Decision(d.Hash())
	if err != nil || !ok {
		t.Fatalf("decision lookup: ok=%v err=%v", ok, err)
	}

	if got.Hash() != d.Hash() {
		t.Fatal("decision changed across round trip")
	}
}

// TestPruneBelow tests that pruning drops old heights and keeps the
// tail.
func TestPruneBelow(t *testing.T) {
	s := newTestStore(t)

	for h := uint64(0); h < 10; h++ {
		if _, err := s.PutSnapshot(h, []byte{byte(h)}); err != nil {
			t.Fatalf("put snapshot %d: %v", h, err)
		}
	}

	if err := s.PruneBelow(5); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, ok, _ := s.Snapshot(4); ok {
		t.Fatal("pruned snapshot should be gone")
	}

	if _, ok, _ := s.Snapshot(5); !ok {
		t.Fatal("snapshot at the prune bound should survive")
	}
}

// TestReopenKeepsData tests durability across close and reopen.
func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := s.PutSnapshot(3, []byte("persisted")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.Snapshot(3)
	if err != nil || !ok {
		t.Fatalf("lookup after reopen: ok=%v err=%v", ok, err)
	}

	if string(got) != "persisted" {
		t.Fatal("data lost across reopen")
	}
}
