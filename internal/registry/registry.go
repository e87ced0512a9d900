// Package registry is the process-wide authority on the validator set.
// Components never mutate it directly: stake deltas flow through the
// fraud window controller, registrations through Register, and all
// reads go through immutable height snapshots.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"SpotCheck/internal/logger"
	"SpotCheck/internal/wire"
)

var (
	// ErrStakeTooLow means the stake is below the minimum.
	ErrStakeTooLow = errors.New("stake below minimum")

	// ErrAlreadyRegistered means the identity is already in the set.
	ErrAlreadyRegistered = errors.New("identity already registered")

	// ErrExitInProgress means the identity has begun exiting.
	ErrExitInProgress = errors.New("exit in progress")

	// ErrRetired means the identity has completed an exit and may not
	// return.
	ErrRetired = errors.New("identity permanently retired")

	// ErrUnknownValidator means no validator has the given identity.
	ErrUnknownValidator = errors.New("unknown validator")

	// ErrBadSequence means a delta replayed or skipped a sequence number.
	ErrBadSequence = errors.New("delta sequence mismatch")
)

// Status is the lifecycle state of a validator.
type Status uint8

const (
	// StatusPending means registered, awaiting confirmation blocks.
	StatusPending Status = iota

	// StatusActive means eligible for challenges and verdicts.
	StatusActive

	// StatusJailed means suspended after slashing or equivocation.
	StatusJailed

	// StatusExiting means begin-exit was called; stake is held until
	// the exit delay elapses.
	StatusExiting
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusJailed:
		return "jailed"
	case StatusExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// Validator is one registered identity with its stake and lifecycle
// state.
type Validator struct {
	Identity          wire.Hash
	BLSPubkey         [48]byte
	Stake             uint64
	Status            Status
	JoinHeight        uint64
	ActivationHeight  uint64
	ExitHeight        uint64 // height at which an exit completes, 0 if none
	LastVerdictHeight uint64
	Seq               uint64 // last applied delta sequence number
}

// Config sets the registry's lifecycle parameters.
type Config struct {
	MinStake         uint64
	ActivationBlocks uint64
	ExitDelayBlocks  uint64
	HistoryDepth     uint64 // snapshots retained, at least the fraud window
}

// Registry holds the validator set and its snapshot history.
type Registry struct {
	mu  sync.RWMutex
	cfg Config

	validators map[wire.Hash]*Validator
	retired    map[wire.Hash]bool
	history    map[uint64]*Snapshot
	historyTop uint64
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:        cfg,
		validators: make(map[wire.Hash]*Validator),
		retired:    make(map[wire.Hash]bool),
		history:    make(map[uint64]*Snapshot),
	}
}

// Register adds a pending validator. It activates after the configured
// confirmation blocks.
func (r *Registry) Register(identity wire.Hash, blsPubkey [48]byte, stake, height uint64) error {
	if stake < r.cfg.MinStake {
		return fmt.Errorf("stake %d below minimum %d: %w", stake, r.cfg.MinStake, ErrStakeTooLow)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired[identity] {
		return fmt.Errorf("identity %x: %w", identity[:4], ErrRetired)
	}

	if v, exists := r.validators[identity]; exists {
		if v.Status == StatusExiting {
			return fmt.Errorf("identity %x: %w", identity[:4], ErrExitInProgress)
		}

		return fmt.Errorf("identity %x: %w", identity[:4], ErrAlreadyRegistered)
	}

	r.validators[identity] = &Validator{
		Identity:         identity,
		BLSPubkey:        blsPubkey,
		Stake:            stake,
		Status:           StatusPending,
		JoinHeight:       height,
		ActivationHeight: height + r.cfg.ActivationBlocks,
	}

	logger.Info("validator registered",
		"identity", fmt.Sprintf("%x", identity[:4]),
		"stake", stake,
		"activation", height+r.cfg.ActivationBlocks,
	)

	return nil
}

// BeginExit flips a validator to exiting. Stake is returned only after
// the exit delay, so a misbehaving validator cannot escape a pending
// fraud window.
func (r *Registry) BeginExit(identity wire.Hash, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[identity]
	if !exists {
		return fmt.Errorf("identity %x: %w", identity[:4], ErrUnknownValidator)
	}

	if v.Status == StatusExiting {
		return fmt.Errorf("identity %x: %w", identity[:4], ErrExitInProgress)
	}

	v.Status = StatusExiting
	v.ExitHeight = height + r.cfg.ExitDelayBlocks

	return nil
}

// ProcessHeight advances lifecycle state for one block height:
// pending validators whose confirmation delay elapsed become active,
// and exits past their delay are retired. Iteration is in identity
// byte order so every node applies the same transitions.
func (r *Registry) ProcessHeight(height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, identity := range r.sortedIdentities() {
		v := r.validators[identity]

		switch v.Status {
		case StatusPending:
			if height >= v.ActivationHeight {
				v.Status = StatusActive

				logger.Info("validator active",
					"identity", fmt.Sprintf("%x", identity[:4]),
					"height", height,
				)
			}

		case StatusExiting:
			if height >= v.ExitHeight {
				delete(r.validators, identity)
				r.retired[identity] = true

				logger.Info("validator retired",
					"identity", fmt.Sprintf("%x", identity[:4]),
					"returned_stake", v.Stake,
				)
			}
		}
	}
}

// ApplyDelta applies one stake mutation. Callable only by the fraud
// window controller (single-writer discipline). The per-validator
// sequence number must advance by exactly one; replays are rejected.
// Slashing below the minimum stake jails the validator.
func (r *Registry) ApplyDelta(delta wire.RegistryDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[delta.Validator]
	if !exists {
		return fmt.Errorf("identity %x: %w", delta.Validator[:4], ErrUnknownValidator)
	}

	if delta.Seq != v.Seq+1 {
		return fmt.Errorf("identity %x: got seq %d, want %d: %w",
			delta.Validator[:4], delta.Seq, v.Seq+1, ErrBadSequence)
	}

	if delta.Delta < 0 {
		slash := uint64(-delta.Delta)
		if slash > v.Stake {
			return fmt.Errorf("slash %d exceeds stake %d of %x", slash, v.Stake, delta.Validator[:4])
		}

		v.Stake -= slash

		if v.Stake < r.cfg.MinStake && v.Status == StatusActive {
			v.Status = StatusJailed

			logger.Warn("validator jailed below minimum stake",
				"identity", fmt.Sprintf("%x", delta.Validator[:4]),
				"stake", v.Stake,
			)
		}
	} else {
		v.Stake += uint64(delta.Delta)
	}

	v.Seq = delta.Seq

	return nil
}

// Jail suspends a validator immediately (equivocation, missed reveal
// review). Only the fraud window controller calls this.
func (r *Registry) Jail(identity wire.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[identity]
	if !exists {
		return fmt.Errorf("identity %x: %w", identity[:4], ErrUnknownValidator)
	}

	v.Status = StatusJailed

	return nil
}

// Unjail restores a jailed validator to active, provided its stake
// still meets the minimum. Used when a pending review is cleared.
func (r *Registry) Unjail(identity wire.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[identity]
	if !exists {
		return fmt.Errorf("identity %x: %w", identity[:4], ErrUnknownValidator)
	}

	if v.Status != StatusJailed {
		return nil
	}

	if v.Stake < r.cfg.MinStake {
		return fmt.Errorf("stake %d below minimum %d: %w", v.Stake, r.cfg.MinStake, ErrStakeTooLow)
	}

	v.Status = StatusActive

	return nil
}

// RecordVerdict updates a validator's last-verdict height.
func (r *Registry) RecordVerdict(identity wire.Hash, height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, exists := r.validators[identity]; exists {
		v.LastVerdictHeight = height
	}
}

// Get returns a copy of the validator, or nil if unknown.
func (r *Registry) Get(identity wire.Hash) *Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.validators[identity]
	if !exists {
		return nil
	}

	cp := *v

	return &cp
}

// TotalStake sums the stake of every tracked validator. Used by the
// conservation check after each delta batch.
func (r *Registry) TotalStake() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total uint64
	for _, v := range r.validators {
		total += v.Stake
	}

	return total
}

// TakeSnapshot freezes the current set at the given height and records
// it in the history ring. Snapshots older than the history depth are
// pruned.
func (r *Registry) TakeSnapshot(height uint64) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := newSnapshot(height, r.validators)
	r.history[height] = snap

	if height > r.historyTop {
		r.historyTop = height
	}

	if height > r.cfg.HistoryDepth {
		delete(r.history, height-r.cfg.HistoryDepth-1)
	}

	return snap
}

// SnapshotAt returns the frozen view recorded at the given height.
// Weights must stay readable at any past height inside the fraud
// window, so lookups inside the retained ring always succeed.
func (r *Registry) SnapshotAt(height uint64) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.history[height]
	if !ok {
		return nil, fmt.Errorf("no registry snapshot at height %d", height)
	}

	return snap, nil
}

// Rollback discards snapshots above the given height after a reorg.
func (r *Registry) Rollback(height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for h := range r.history {
		if h > height {
			delete(r.history, h)
		}
	}

	if r.historyTop > height {
		r.historyTop = height
	}
}

// sortedIdentities returns all identities in byte order. Callers hold
// the lock.
func (r *Registry) sortedIdentities() []wire.Hash {
	ids := make([]wire.Hash, 0, len(r.validators))
	for id := range r.validators {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	return ids
}
