package registry

import (
	"bytes"
	"sort"

	"SpotCheck/internal/wire"
)

// Snapshot is an immutable view of the validator set at one height.
// The collector reads it for eligibility and the aggregator for stake
// weights and quorum accounting; the challenge generator does not read it.
type Snapshot struct {
	height      uint64
	entries     map[wire.Hash]snapshotEntry
	order       []wire.Hash // identities in byte order
	activeStake uint64
}

// snapshotEntry is the frozen per-validator state.
type snapshotEntry struct {
	blsPubkey [48]byte
	stake     uint64
	status    Status
}

// newSnapshot copies the live set into a frozen view.
func newSnapshot(height uint64, validators map[wire.Hash]*Validator) *Snapshot {
	snap := &Snapshot{
		height:  height,
		entries: make(map[wire.Hash]snapshotEntry, len(validators)),
		order:   make([]wire.Hash, 0, len(validators)),
	}

	for id, v := range validators {
		snap.entries[id] = snapshotEntry{
			blsPubkey: v.BLSPubkey,
			stake:     v.Stake,
			status:    v.Status,
		}
		snap.order = append(snap.order, id)

		if v.Status == StatusActive {
			snap.activeStake += v.Stake
		}
	}

	sort.Slice(snap.order, func(i, j int) bool {
		return bytes.Compare(snap.order[i][:], snap.order[j][:]) < 0
	})

	return snap
}

// Height returns the height the snapshot was taken at.
func (s *Snapshot) Height() uint64 {
	return s.height
}

// Active reports whether the identity was active at snapshot height.
func (s *Snapshot) Active(identity wire.Hash) bool {
	e, ok := s.entries[identity]
	return ok && e.status == StatusActive
}

// Weight returns the selection weight of an active validator. The
// weight function is linear in stake; inactive identities weigh zero.
func (s *Snapshot) Weight(identity wire.Hash) uint64 {
	e, ok := s.entries[identity]
	if !ok || e.status != StatusActive {
		return 0
	}

	return e.stake
}

// BLSPubkey returns the validator's attestation key and whether the
// identity is known.
func (s *Snapshot) BLSPubkey(identity wire.Hash) ([48]byte, bool) {
	e, ok := s.entries[identity]
	return e.blsPubkey, ok
}

// TotalActiveStake returns the summed stake of active validators.
func (s *Snapshot) TotalActiveStake() uint64 {
	return s.activeStake
}

// Len returns the number of tracked validators.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Identities returns all identities in byte order. The slice is shared;
// callers must not mutate it.
func (s *Snapshot) Identities() []wire.Hash {
	return s.order
}

// Encode returns the canonical encoding of the snapshot, folded into
// the per-height state root.
func (s *Snapshot) Encode() []byte {
	e := wire.NewEncoder(16 + len(s.order)*96)
	e.U64(s.height)
	e.U32(uint32(len(s.order)))

	for _, id := range s.order {
		entry := s.entries[id]
		e.Hash(id)
		e.Bytes(entry.blsPubkey[:])
		e.U64(entry.stake)
		e.U8(uint8(entry.status))
	}

	return e.Finish()
}
