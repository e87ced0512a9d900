package fraud

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"SpotCheck/internal/challenge"
	"SpotCheck/internal/logger"
	"SpotCheck/internal/registry"
	"SpotCheck/internal/verdict"
	"SpotCheck/internal/wire"
)

var (
	// ErrUnknownDecision means the proof references no open decision.
	ErrUnknownDecision = errors.New("unknown decision")

	// ErrWindowClosed means the fraud window has already expired.
	ErrWindowClosed = errors.New("fraud window closed")
)

// State is a decision's position in the fraud window state machine.
type State uint8

const (
	// StateOpen means fraud proofs are being accepted.
	StateOpen State = iota

	// StateCommitted means the window expired and rewards were paid.
	StateCommitted

	// StateOverturned means counter-evidence flipped the decision.
	StateOverturned
)

// Config holds the penalty and reward parameters, read from governance
// when the controller acts.
type Config struct {
	FraudWindowBlocks      uint64
	FalsePassPenaltyBps    uint32
	EquivocationPenaltyBps uint32
	FraudBountyBps         uint32
	VerdictReward          uint64
}

// tracked is one decision held open in its fraud window. The decision
// exclusively owns its verdicts; they are needed to identify which
// validators agreed with a disproven majority.
type tracked struct {
	decision      *wire.Decision
	challenge     *wire.Challenge
	verdicts      []*wire.Verdict
	decidedHeight uint64
	windowExpiry  uint64
	state         State
}

// review is a leader pending fraud-window review for a missing or
// invalid VRF reveal.
type review struct {
	leader       wire.Hash
	revealHeight uint64
	deadline     uint64
}

// Controller runs the fraud window state machine and is the sole
// mutator of the validator registry.
type Controller struct {
	mu sync.Mutex

	registry *registry.Registry
	stats    *challenge.FraudStats

	open      map[wire.Hash]*tracked
	committed map[wire.Hash]bool // decision hashes, replay guard
	reviews   map[uint64]*review // by reveal height
}

// NewController creates a controller mutating the given registry.
func NewController(reg *registry.Registry, stats *challenge.FraudStats) *Controller {
	return &Controller{
		registry:  reg,
		stats:     stats,
		open:      make(map[wire.Hash]*tracked),
		committed: make(map[wire.Hash]bool),
		reviews:   make(map[uint64]*review),
	}
}

// Track freezes a finalized decision into its fraud window. Replaying
// an already-committed decision is a no-op.
func (c *Controller) Track(cfg Config, sealed *verdict.Sealed, decision *wire.Decision, height uint64) {
	hash := decision.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed[hash] {
		return
	}

	if _, exists := c.open[hash]; exists {
		return
	}

	c.open[hash] = &tracked{
		decision:      decision,
		challenge:     sealed.Challenge,
		verdicts:      sealed.Verdicts,
		decidedHeight: height,
		windowExpiry:  height + cfg.FraudWindowBlocks,
		state:         StateOpen,
	}

	c.stats.RecordDecided(height)
}

// SubmitProof verifies counter-evidence against an open decision. On
// success the decision is overturned: every validator that attested
// with the disproven majority on that index is slashed, and the
// submitter earns a bounty fraction of the total slash. The returned
// deltas are already applied to the registry (for known validators)
// and must be included in the block output.
func (c *Controller) SubmitProof(cfg Config, proof *wire.FraudProof, height uint64) ([]wire.RegistryDelta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.open[proof.DecisionHash]
	if !ok {
		return nil, fmt.Errorf("decision %x: %w", proof.DecisionHash[:4], ErrUnknownDecision)
	}

	// A proof at exactly the expiry height is too late.
	if height >= t.windowExpiry || t.state != StateOpen {
		return nil, fmt.Errorf("decision %x at height %d: %w", proof.DecisionHash[:4], height, ErrWindowClosed)
	}

	position, err := recompute(proof, t.challenge, t.decision)
	if err != nil {
		return nil, fmt.Errorf("fraud proof rejected:\n%w", err)
	}

	t.state = StateOverturned
	c.committed[proof.DecisionHash] = true
	delete(c.open, proof.DecisionHash)

	flipDecision(t.decision, position)
	c.stats.RecordOverturned(height)

	// Slash everyone who signed the disproven bit. The majority bit was
	// already flipped, so compare against its old value.
	disprovenBit := !t.decision.MajorityBit(position)

	var culprits []wire.Hash

	for _, v := range t.verdicts {
		if v.Bit(position) == disprovenBit {
			culprits = append(culprits, v.Validator)
		}
	}

	sort.Slice(culprits, func(i, j int) bool {
		return bytes.Compare(culprits[i][:], culprits[j][:]) < 0
	})

	var deltas []wire.RegistryDelta
	var totalSlash uint64

	for _, identity := range culprits {
		slash := c.slashAmount(identity, cfg.FalsePassPenaltyBps)
		if slash == 0 {
			continue
		}

		totalSlash += slash
		deltas = append(deltas, c.applyDelta(identity, -int64(slash))...)
	}

	bounty := totalSlash * uint64(cfg.FraudBountyBps) / 10_000
	if bounty > 0 {
		deltas = append(deltas, c.applyDelta(proof.Submitter, int64(bounty))...)
	}

	logger.Info("decision overturned",
		"decision", fmt.Sprintf("%x", proof.DecisionHash[:4]),
		"index", proof.SegmentIndex,
		"slashed", len(culprits),
		"total_slash", totalSlash,
		"bounty", bounty,
	)

	return deltas, nil
}

// ProcessHeight commits every window expiring at or before the given
// height: honest participants are rewarded and the decision becomes
// immutable. Windows commit in (expiry, job id) order and deltas apply
// in validator identity order, keeping state deltas byte-identical
// across nodes.
func (c *Controller) ProcessHeight(cfg Config, height uint64) []wire.RegistryDelta {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiring []*tracked

	for _, t := range c.open {
		if t.state == StateOpen && height >= t.windowExpiry {
			expiring = append(expiring, t)
		}
	}

	sort.Slice(expiring, func(i, j int) bool {
		if expiring[i].windowExpiry != expiring[j].windowExpiry {
			return expiring[i].windowExpiry < expiring[j].windowExpiry
		}

		return expiring[i].decision.JobID.Less(expiring[j].decision.JobID)
	})

	var deltas []wire.RegistryDelta

	for _, t := range expiring {
		hash := t.decision.Hash()

		t.state = StateCommitted
		c.committed[hash] = true
		delete(c.open, hash)

		deltas = append(deltas, c.settle(cfg, t)...)

		logger.Debug("fraud window committed",
			"decision", fmt.Sprintf("%x", hash[:4]),
			"outcome", t.decision.Outcome,
			"participants", len(t.decision.Participants),
		)
	}

	deltas = append(deltas, c.expireReviews(cfg, height)...)

	return deltas
}

// settle pays out one committed window. On a fail decision, a
// validator that attested correct on a majority-incorrect index made a
// false pass and is slashed once per such index; everyone else earns
// the participation reward. A wrong incorrect attestation carries no
// penalty, the asymmetry that makes ties resolve toward incorrect
// safe. Verdicts are already in validator identity order. Callers
// hold the lock.
func (c *Controller) settle(cfg Config, t *tracked) []wire.RegistryDelta {
	var deltas []wire.RegistryDelta

	for _, v := range t.verdicts {
		misattested := uint64(0)

		if t.decision.Outcome == wire.OutcomeFail {
			for i := 0; i < t.challenge.SampleSize(); i++ {
				if v.Bit(i) && !t.decision.MajorityBit(i) {
					misattested++
				}
			}
		}

		if misattested == 0 {
			if cfg.VerdictReward > 0 {
				deltas = append(deltas, c.applyDelta(v.Validator, int64(cfg.VerdictReward))...)
			}

			continue
		}

		perIndex := c.slashAmount(v.Validator, cfg.FalsePassPenaltyBps)
		stake := uint64(0)

		if val := c.registry.Get(v.Validator); val != nil {
			stake = val.Stake
		}

		slash := perIndex * misattested
		if perIndex > 0 && (misattested > stake/perIndex || slash > stake) {
			slash = stake
		}

		if slash > 0 {
			deltas = append(deltas, c.applyDelta(v.Validator, -int64(slash))...)
		}

		logger.Info("false pass slashed at window close",
			"validator", fmt.Sprintf("%x", v.Validator[:4]),
			"indices", misattested,
			"slash", slash,
		)
	}

	return deltas
}

// PenalizeEquivocation applies the windowless penalty for two signed,
// differing verdicts: the evidence is self-contained, so the slash and
// jail land at the next state commit with no fraud window.
func (c *Controller) PenalizeEquivocation(cfg Config, ev verdict.Equivocation) []wire.RegistryDelta {
	c.mu.Lock()
	defer c.mu.Unlock()

	slash := c.slashAmount(ev.Validator, cfg.EquivocationPenaltyBps)

	var deltas []wire.RegistryDelta
	if slash > 0 {
		deltas = c.applyDelta(ev.Validator, -int64(slash))
	}

	if err := c.registry.Jail(ev.Validator); err != nil {
		logger.Warn("jail failed", "validator", fmt.Sprintf("%x", ev.Validator[:4]), "error", err)
	}

	logger.Info("equivocation penalized",
		"validator", fmt.Sprintf("%x", ev.Validator[:4]),
		"slash", slash,
	)

	return deltas
}

// ReviewLeader opens a fraud-window review for a leader that failed to
// publish a valid VRF reveal. The leader is jailed pending review.
func (c *Controller) ReviewLeader(cfg Config, leader wire.Hash, revealHeight, height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.reviews[revealHeight]; exists {
		return
	}

	c.reviews[revealHeight] = &review{
		leader:       leader,
		revealHeight: revealHeight,
		deadline:     height + cfg.FraudWindowBlocks,
	}

	if err := c.registry.Jail(leader); err != nil {
		logger.Warn("jail failed", "leader", fmt.Sprintf("%x", leader[:4]), "error", err)
	}

	logger.Warn("leader under review for missing reveal",
		"leader", fmt.Sprintf("%x", leader[:4]),
		"reveal_height", revealHeight,
	)
}

// ClearReview closes a leader review after a valid late proof. The
// leader is released from jail.
func (c *Controller) ClearReview(revealHeight uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.reviews[revealHeight]
	if !ok {
		return
	}

	delete(c.reviews, revealHeight)

	if err := c.registry.Unjail(r.leader); err != nil {
		logger.Warn("unjail failed", "leader", fmt.Sprintf("%x", r.leader[:4]), "error", err)
	}
}

// expireReviews slashes leaders whose review deadline passed with no
// valid late proof. Callers hold the lock.
func (c *Controller) expireReviews(cfg Config, height uint64) []wire.RegistryDelta {
	var heights []uint64

	for h, r := range c.reviews {
		if height >= r.deadline {
			heights = append(heights, h)
		}
	}

	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	var deltas []wire.RegistryDelta

	for _, h := range heights {
		r := c.reviews[h]
		delete(c.reviews, h)

		slash := c.slashAmount(r.leader, cfg.FalsePassPenaltyBps)
		if slash > 0 {
			deltas = append(deltas, c.applyDelta(r.leader, -int64(slash))...)
		}

		logger.Info("leader slashed after review",
			"leader", fmt.Sprintf("%x", r.leader[:4]),
			"reveal_height", h,
			"slash", slash,
		)
	}

	return deltas
}

// Rollback cancels open windows for decisions finalized above the
// rollback height.
func (c *Controller) Rollback(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for hash, t := range c.open {
		if t.decidedHeight > height {
			delete(c.open, hash)
		}
	}
}

// OpenDecisions returns the decisions currently in their fraud window,
// ordered by (expiry, job id). Used for the per-height snapshot.
func (c *Controller) OpenDecisions() []*wire.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*wire.Decision, 0, len(c.open))
	for _, t := range c.open {
		out = append(out, t.decision)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryHeight != out[j].ExpiryHeight {
			return out[i].ExpiryHeight < out[j].ExpiryHeight
		}

		return out[i].JobID.Less(out[j].JobID)
	})

	return out
}

// slashAmount computes a basis-point fraction of a validator's current
// stake. Unknown identities slash zero. Callers hold the lock.
func (c *Controller) slashAmount(identity wire.Hash, bps uint32) uint64 {
	v := c.registry.Get(identity)
	if v == nil {
		return 0
	}

	return v.Stake * uint64(bps) / 10_000
}

// applyDelta applies one stake mutation to the registry and returns it
// for the block output. Deltas for identities outside the registry
// (e.g. a non-validator bounty recipient) are emitted with sequence
// zero for the external state engine and not applied locally. Callers
// hold the lock.
func (c *Controller) applyDelta(identity wire.Hash, amount int64) []wire.RegistryDelta {
	v := c.registry.Get(identity)
	if v == nil {
		return []wire.RegistryDelta{{Validator: identity, Delta: amount, Seq: 0}}
	}

	delta := wire.RegistryDelta{
		Validator: identity,
		Delta:     amount,
		Seq:       v.Seq + 1,
	}

	if err := c.registry.ApplyDelta(delta); err != nil {
		logger.Error("registry delta rejected", "validator", fmt.Sprintf("%x", identity[:4]), "error", err)
		return nil
	}

	return []wire.RegistryDelta{delta}
}

// flipDecision rewrites an overturned decision: the outcome inverts
// and the majority bit at the disproven position flips.
func flipDecision(d *wire.Decision, position int) {
	switch d.Outcome {
	case wire.OutcomePass:
		d.Outcome = wire.OutcomeFail
	case wire.OutcomeFail:
		d.Outcome = wire.OutcomePass
	}

	d.MajorityBits[position/8] ^= 1 << (position % 8)
}