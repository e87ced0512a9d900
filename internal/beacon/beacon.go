// Package beacon maintains the delayed-VRF randomness chain. Each block
// leader publishes a VRF evaluation over the current seed; k blocks
// later that evaluation is folded into the seed chain. The k-block
// delay is the sole defense against a producer biasing the seed used
// to sample its own jobs, so k must exceed the adversary-controllable
// reorg depth.
package beacon

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"

	"SpotCheck/internal/logger"
	"SpotCheck/internal/wire"
)

// ErrSeedUnavailable means the seed for the requested height is not
// (yet, or ever) defined. Callers defer, they do not fail.
var ErrSeedUnavailable = errors.New("seed unavailable")

// Beacon holds the seed chain. Safe for concurrent access; the engine
// is the only writer.
type Beacon struct {
	mu    sync.RWMutex
	delay uint64 // k

	// seeds maps height to its revealed seed. A height whose leader
	// failed to publish has no entry, permanently.
	seeds map[uint64]wire.Hash

	// outputs maps reveal height to the VRF output folded at height+k.
	outputs map[uint64]wire.Hash

	// proofs maps a seed's height to the VRF proof that defined it.
	proofs map[uint64][]byte

	// missing records reveal heights with no valid VRF, pending review.
	missing map[uint64]bool

	// top is the highest height with a defined seed.
	top uint64
}

// New creates a beacon seeded from the genesis hash with delay k.
// Seeds for heights [0, k) are derived from genesis directly since no
// VRF output can be k blocks old yet.
func New(genesis wire.Hash, delay uint64) *Beacon {
	b := &Beacon{
		delay:   delay,
		seeds:   make(map[uint64]wire.Hash),
		outputs: make(map[uint64]wire.Hash),
		proofs:  make(map[uint64][]byte),
		missing: make(map[uint64]bool),
	}

	for h := uint64(0); h < delay; h++ {
		b.seeds[h] = chainSeed(genesis, heightSeed(genesis, h))
		b.top = h
	}

	return b
}

// Delay returns the configured VRF delay k.
func (b *Beacon) Delay() uint64 {
	return b.delay
}

// SeedFor returns the seed usable at the given height, or
// ErrSeedUnavailable if its reveal is missing or not yet ingested.
func (b *Beacon) SeedFor(height uint64) (wire.Hash, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seed, ok := b.seeds[height]
	if !ok {
		return wire.Hash{}, fmt.Errorf("height %d: %w", height, ErrSeedUnavailable)
	}

	return seed, nil
}

// InputFor returns the VRF input the leader at the given height must
// evaluate: the latest defined seed below that height.
func (b *Beacon) InputFor(height uint64) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seed := b.lastSeedBelow(height)

	return seed[:]
}

// Ingest verifies and folds the leader's VRF reveal for the given
// height. On success the seed for height+k becomes defined. An invalid
// proof is treated the same as a missing one: the height is marked for
// review and the seed stays undefined.
func (b *Beacon) Ingest(height uint64, leader wire.Hash, proof []byte, output wire.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	input := b.lastSeedBelow(height)

	if !Verify(leader, input[:], proof, output) {
		b.missing[height] = true

		logger.Warn("invalid VRF reveal, seed deferred",
			"height", height,
			"leader", fmt.Sprintf("%x", leader[:4]),
		)

		return fmt.Errorf("invalid VRF reveal at height %d", height)
	}

	target := height + b.delay
	prev := b.lastSeedBelow(target)
	b.seeds[target] = chainSeed(prev, output)
	b.outputs[height] = output
	b.proofs[target] = proof

	if target > b.top {
		b.top = target
	}

	return nil
}

// MarkMissing records that the leader at the given height published no
// VRF reveal. The seed at height+k stays undefined; challenges that
// would issue there are deferred by the engine.
func (b *Beacon) MarkMissing(height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.missing[height] = true
}

// AcceptLate verifies a late VRF reveal for a height previously marked
// missing. The seed stays undefined (issuance already moved on), but a
// valid late proof clears the leader's pending review.
func (b *Beacon) AcceptLate(height uint64, leader wire.Hash, proof []byte, output wire.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.missing[height] {
		return false
	}

	input := b.lastSeedBelow(height)
	if !Verify(leader, input[:], proof, output) {
		return false
	}

	delete(b.missing, height)

	return true
}

// ProofFor returns the VRF proof behind the seed at the given height,
// embedded in challenges issued from that seed. Nil for bootstrap
// seeds.
func (b *Beacon) ProofFor(height uint64) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.proofs[height]
}

// MissingAt reports whether the reveal at the given height is still
// missing or invalid.
func (b *Beacon) MissingAt(height uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.missing[height]
}

// Rollback discards seeds and reveals above the given height after a
// chain reorganization.
func (b *Beacon) Rollback(height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for h := range b.seeds {
		if h > height {
			delete(b.seeds, h)
		}
	}

	for h := range b.outputs {
		if h > height {
			delete(b.outputs, h)
		}
	}

	for h := range b.proofs {
		if h > height {
			delete(b.proofs, h)
		}
	}

	for h := range b.missing {
		if h > height {
			delete(b.missing, h)
		}
	}

	if b.top > height {
		b.top = height
	}
}

// Restore re-inserts a persisted seed, used when reloading the chain
// tail from storage at startup.
func (b *Beacon) Restore(height uint64, seed wire.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seeds[height] = seed
	if height > b.top {
		b.top = height
	}
}

// lastSeedBelow returns the highest defined seed strictly below height.
// A missing link in the chain (jailed leader) is skipped, preserving
// the inductive derivation. Callers hold the lock.
func (b *Beacon) lastSeedBelow(height uint64) wire.Hash {
	for h := height; h > 0; h-- {
		if seed, ok := b.seeds[h-1]; ok {
			return seed
		}
	}

	return wire.Hash{}
}

// chainSeed folds a VRF output into the seed chain.
// seed(H) = SHA3-256(prev_seed || vrf_output).
func chainSeed(prev, output wire.Hash) wire.Hash {
	h := sha3.New256()
	h.Write(prev[:])
	h.Write(output[:])

	var out wire.Hash
	h.Sum(out[:0])

	return out
}

// heightSeed derives the pre-VRF bootstrap entropy for an early height.
func heightSeed(genesis wire.Hash, height uint64) wire.Hash {
	h := sha3.New256()
	h.Write(genesis[:])
	h.Write([]byte{
		byte(height >> 56), byte(height >> 48), byte(height >> 40), byte(height >> 32),
		byte(height >> 24), byte(height >> 16), byte(height >> 8), byte(height),
	})

	var out wire.Hash
	h.Sum(out[:0])

	return out
}
