package params

import (
	"fmt"
	"sync"
)

// Params holds the governance-adjustable protocol parameters.
// All height spans are expressed in blocks, never wall-clock.
type Params struct {
	// SampleSizeBase is the target sample size before adaptive adjustment.
	SampleSizeBase uint32

	// SampleSizeMin and SampleSizeMax clamp the adaptive sample size.
	SampleSizeMin uint32
	SampleSizeMax uint32

	// StratificationFactor is the number of equal strata the index space
	// is divided into before sampling.
	StratificationFactor uint32

	// VRFDelayBlocks is the delay k between a job commitment and the
	// reveal of the seed that samples it.
	VRFDelayBlocks uint64

	// ChallengeWindowBlocks is how long a challenge accepts verdicts.
	ChallengeWindowBlocks uint64

	// FraudWindowBlocks is how long a decision stays open for fraud proofs.
	FraudWindowBlocks uint64

	// MinConfidence is the detection-probability floor for a
	// non-inconclusive decision.
	MinConfidence float64

	// QuorumFraction is the minimum participating stake fraction.
	QuorumFraction float64

	// ThetaPass is the fraction of sampled indices that must attest
	// correct for a pass decision.
	ThetaPass float64

	// ThetaFail is the fraction of sampled indices that must attest
	// incorrect for a fail decision.
	ThetaFail float64

	// FalsePassPenaltyBps is the slash applied to a disproven attestation,
	// in basis points of stake.
	FalsePassPenaltyBps uint32

	// EquivocationPenaltyBps is the windowless slash for equivocation.
	EquivocationPenaltyBps uint32

	// FraudBountyBps is the fraction of the total slash paid to a
	// successful fraud proof submitter.
	FraudBountyBps uint32

	// VerdictReward is the per-validator reward for participating in a
	// committed decision.
	VerdictReward uint64

	// MinValidatorStake is the minimum stake to register and stay active.
	MinValidatorStake uint64

	// ActivationBlocks is the confirmation delay before a registered
	// validator becomes active.
	ActivationBlocks uint64

	// ExitDelayBlocks is how long stake stays slashable after begin-exit.
	// Must be at least FraudWindowBlocks.
	ExitDelayBlocks uint64

	// AdaptiveAlpha scales the recent fraud rate into the sample size.
	AdaptiveAlpha float64

	// RecentFraudWindow is the trailing block span W over which the
	// overturn fraction is measured.
	RecentFraudWindow uint64

	// EpochLengthBlocks is the span of one epoch. Staged parameter changes
	// take effect only at epoch boundaries; validator activations, exits
	// and jailing follow their own block delays and are not held to them.
	EpochLengthBlocks uint64

	// MaxRechallenges caps how often an inconclusive job is re-issued.
	MaxRechallenges uint32

	// MaxVerdictBytes bounds the collector's in-memory verdict storage.
	MaxVerdictBytes uint64
}

// Default returns the protocol defaults.
func Default() Params {
	return Params{
		SampleSizeBase:         1000,
		SampleSizeMin:          600,
		SampleSizeMax:          1500,
		StratificationFactor:   8,
		VRFDelayBlocks:         2,
		ChallengeWindowBlocks:  20,
		FraudWindowBlocks:      720,
		MinConfidence:          0.99,
		QuorumFraction:         0.67,
		ThetaPass:              0.99,
		ThetaFail:              0.01,
		FalsePassPenaltyBps:    500,
		EquivocationPenaltyBps: 1000,
		FraudBountyBps:         5000,
		VerdictReward:          10,
		MinValidatorStake:      1_000_000,
		ActivationBlocks:       2,
		ExitDelayBlocks:        720,
		AdaptiveAlpha:          2.0,
		RecentFraudWindow:      10_000,
		EpochLengthBlocks:      7200,
		MaxRechallenges:        3,
		MaxVerdictBytes:        64 << 20,
	}
}

// Validate checks every parameter against its allowed range.
func (p Params) Validate() error {
	if p.SampleSizeBase < 100 || p.SampleSizeBase > 10000 {
		return fmt.Errorf("sample size base %d outside [100, 10000]", p.SampleSizeBase)
	}

	if p.SampleSizeMin == 0 || p.SampleSizeMin > p.SampleSizeMax {
		return fmt.Errorf("sample size bounds [%d, %d] invalid", p.SampleSizeMin, p.SampleSizeMax)
	}

	if p.StratificationFactor < 1 || p.StratificationFactor > 64 {
		return fmt.Errorf("stratification factor %d outside [1, 64]", p.StratificationFactor)
	}

	if p.VRFDelayBlocks < 1 || p.VRFDelayBlocks > 32 {
		return fmt.Errorf("vrf delay %d outside [1, 32]", p.VRFDelayBlocks)
	}

	if p.ChallengeWindowBlocks == 0 {
		return fmt.Errorf("challenge window must be positive")
	}

	if p.FraudWindowBlocks < 10 || p.FraudWindowBlocks > 100000 {
		return fmt.Errorf("fraud window %d outside [10, 100000]", p.FraudWindowBlocks)
	}

	if p.MinConfidence < 0.9 || p.MinConfidence > 1.0 {
		return fmt.Errorf("min confidence %f outside [0.9, 1.0]", p.MinConfidence)
	}

	if p.QuorumFraction < 0.5 || p.QuorumFraction > 1.0 {
		return fmt.Errorf("quorum fraction %f outside [0.5, 1.0]", p.QuorumFraction)
	}

	if p.ThetaPass < 0.5 || p.ThetaPass > 1.0 {
		return fmt.Errorf("theta pass %f outside [0.5, 1.0]", p.ThetaPass)
	}

	if p.ThetaFail <= 0 || p.ThetaFail > 0.5 {
		return fmt.Errorf("theta fail %f outside (0, 0.5]", p.ThetaFail)
	}

	if p.FalsePassPenaltyBps > 10000 {
		return fmt.Errorf("false pass penalty %d bps above 10000", p.FalsePassPenaltyBps)
	}

	if p.EquivocationPenaltyBps > 10000 {
		return fmt.Errorf("equivocation penalty %d bps above 10000", p.EquivocationPenaltyBps)
	}

	if p.FraudBountyBps > 10000 {
		return fmt.Errorf("fraud bounty %d bps above 10000", p.FraudBountyBps)
	}

	if p.MinValidatorStake == 0 {
		return fmt.Errorf("min validator stake must be positive")
	}

	if p.ActivationBlocks == 0 {
		return fmt.Errorf("activation blocks must be positive")
	}

	// Exiting before the fraud window closes would evade slashing.
	if p.ExitDelayBlocks < p.FraudWindowBlocks {
		return fmt.Errorf("exit delay %d below fraud window %d", p.ExitDelayBlocks, p.FraudWindowBlocks)
	}

	if p.AdaptiveAlpha < 0 || p.AdaptiveAlpha > 10 {
		return fmt.Errorf("adaptive alpha %f outside [0, 10]", p.AdaptiveAlpha)
	}

	if p.RecentFraudWindow == 0 {
		return fmt.Errorf("recent fraud window must be positive")
	}

	if p.EpochLengthBlocks == 0 {
		return fmt.Errorf("epoch length must be positive")
	}

	if p.MaxVerdictBytes == 0 {
		return fmt.Errorf("verdict byte budget must be positive")
	}

	return nil
}

// Store holds the active parameters plus a staged update that takes
// effect at the next epoch boundary. Safe for concurrent access.
type Store struct {
	mu     sync.RWMutex
	active Params
	staged *Params
}

// NewStore creates a parameter store. Returns an error if the initial
// parameters fail validation.
func NewStore(initial Params) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial params:\n%w", err)
	}

	return &Store{active: initial}, nil
}

// Active returns the currently effective parameters.
func (s *Store) Active() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.active
}

// Stage validates and stages a parameter update. The update replaces any
// previously staged one and takes effect at the next epoch boundary.
func (s *Store) Stage(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("staged params:\n%w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = &p

	return nil
}

// ApplyStaged promotes the staged parameters, if any. Called by the
// engine at epoch boundaries only. Returns true if a swap happened.
func (s *Store) ApplyStaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		return false
	}

	s.active = *s.staged
	s.staged = nil

	return true
}
