// Package engine drives the consensus core block by block. It owns the
// single serial thread of state-mutating decisions; everything
// parallel (signature checks, proof re-execution) joins back into it
// before any state changes. All ordering is by block height, then by
// deterministic tie-break, so two nodes fed the same block sequence
// produce byte-identical state roots.
package engine

import (
	"errors"
	"fmt"
	"sort"

	"SpotCheck/internal/aggregate"
	"SpotCheck/internal/beacon"
	"SpotCheck/internal/challenge"
	"SpotCheck/internal/fraud"
	"SpotCheck/internal/logger"
	"SpotCheck/internal/params"
	"SpotCheck/internal/registry"
	"SpotCheck/internal/storage"
	"SpotCheck/internal/verdict"
	"SpotCheck/internal/wire"
)

var (
	// ErrHalted means a fatal invariant violation stopped block
	// processing; operator intervention is required.
	ErrHalted = errors.New("engine halted on invariant violation")

	// ErrDuplicateCommitment means a job id was committed twice.
	ErrDuplicateCommitment = errors.New("duplicate job commitment")

	// ErrStateRootMismatch means another node derived a different state
	// root for the same height.
	ErrStateRootMismatch = errors.New("state root mismatch")
)

// committedTailLen bounds the committed-decision hashes folded into
// the state root for the reorg window.
const committedTailLen = 1024

// BlockMeta carries the per-block beacon inputs from the block
// producer: who led the block and its VRF reveal, if any.
type BlockMeta struct {
	Height    uint64
	Leader    wire.Hash
	VRFProof  []byte
	VRFOutput wire.Hash
	HasReveal bool
}

// Result is the outcome of processing one block. InputErrors carries
// the per-item rejections that propagate back through the inbound
// interface so the network layer can bound bad peers.
type Result struct {
	Output      *wire.BlockOutput
	StateRoot   wire.Hash
	InputErrors []error
}

// jobState tracks one committed job through challenge and
// re-challenge.
type jobState struct {
	commit       wire.JobCommitment
	rechallenges uint32
	done         bool
}

// Engine wires the six core components together.
type Engine struct {
	params    *params.Store
	beacon    *beacon.Beacon
	registry  *registry.Registry
	stats     *challenge.FraudStats
	generator *challenge.Generator
	collector *verdict.Collector
	fraud     *fraud.Controller
	store     *storage.Store // nil in tests without persistence

	height uint64
	halted error

	// issuance maps a height to the job ids scheduled for challenge
	// there, including deferrals.
	issuance map[uint64][]wire.Hash
	jobs     map[wire.Hash]*jobState

	// committedTail is the ring of recently committed decision hashes
	// folded into the state root.
	committedTail []wire.Hash
}

// New wires an engine from its components. The store may be nil; then
// nothing persists across restarts.
func New(ps *params.Store, bc *beacon.Beacon, reg *registry.Registry, store *storage.Store) *Engine {
	stats := challenge.NewFraudStats(ps.Active().RecentFraudWindow)

	return &Engine{
		params:    ps,
		beacon:    bc,
		registry:  reg,
		stats:     stats,
		generator: challenge.New(stats),
		collector: verdict.NewCollector(ps.Active().MaxVerdictBytes),
		fraud:     fraud.NewController(reg, stats),
		store:     store,
		issuance:  make(map[uint64][]wire.Hash),
		jobs:      make(map[wire.Hash]*jobState),
	}
}

// Height returns the last processed height.
func (e *Engine) Height() uint64 {
	return e.height
}

// Halted returns the fatal error that stopped the engine, if any.
func (e *Engine) Halted() error {
	return e.halted
}

// OpenChallenges returns the challenges currently accepting verdicts,
// in (expiry height, job id) order.
func (e *Engine) OpenChallenges() []*wire.Challenge {
	return e.collector.OpenChallenges()
}

// ProcessBlock advances the core by one block. The call is the serial
// state-mutation path; it must not run concurrently with itself.
func (e *Engine) ProcessBlock(meta BlockMeta, input *wire.BlockInput) (*Result, error) {
	if e.halted != nil {
		return nil, e.halted
	}

	height := meta.Height
	p := e.params.Active()

	fraudCfg := fraud.Config{
		FraudWindowBlocks:      p.FraudWindowBlocks,
		FalsePassPenaltyBps:    p.FalsePassPenaltyBps,
		EquivocationPenaltyBps: p.EquivocationPenaltyBps,
		FraudBountyBps:         p.FraudBountyBps,
		VerdictReward:          p.VerdictReward,
	}

	result := &Result{Output: &wire.BlockOutput{}}

	stakeBefore := e.registry.TotalStake()
	var applied int64 // net of deltas applied to the registry

	// 1. Beacon ingest. A missing or invalid reveal defers the seed at
	// height+k and puts the leader under fraud-window review.
	if meta.HasReveal {
		if err := e.beacon.Ingest(height, meta.Leader, meta.VRFProof, meta.VRFOutput); err != nil {
			e.fraud.ReviewLeader(fraudCfg, meta.Leader, height, height)
		}
	} else {
		e.beacon.MarkMissing(height)
		e.fraud.ReviewLeader(fraudCfg, meta.Leader, height, height)
	}

	// 2. Validator lifecycle, then freeze this height's snapshot. The
	// snapshot is what every later step reads.
	e.registry.ProcessHeight(height)
	snap := e.registry.TakeSnapshot(height)

	// 3. Fraud proofs against open decisions.
	for i := range input.FraudProofs {
		deltas, err := e.fraud.SubmitProof(fraudCfg, &input.FraudProofs[i], height)
		if err != nil {
			result.InputErrors = append(result.InputErrors, fmt.Errorf("fraud proof %d:\n%w", i, err))
			continue
		}

		applied += e.appendDeltas(result, deltas)
	}

	// 4. New job commitments schedule their challenge k blocks out.
	for i := range input.Commitments {
		commit := input.Commitments[i]

		if _, exists := e.jobs[commit.JobID]; exists {
			result.InputErrors = append(result.InputErrors,
				fmt.Errorf("job %x: %w", commit.JobID[:4], ErrDuplicateCommitment))
			continue
		}

		e.jobs[commit.JobID] = &jobState{commit: commit}
		e.schedule(commit.JobID, commit.SubmitHeight+p.VRFDelayBlocks)
	}

	// 5. Challenge issuance, including deferrals from earlier heights.
	e.issueDue(p, snap, height)

	// 6. Verdict admission: parallel signature checks, serial
	// first-write-wins admission.
	verdicts := make([]*wire.Verdict, len(input.Verdicts))
	for i := range input.Verdicts {
		verdicts[i] = &input.Verdicts[i]
	}

	for i, err := range e.collector.AdmitAll(verdicts, height) {
		if err != nil {
			result.InputErrors = append(result.InputErrors, fmt.Errorf("verdict %d:\n%w", i, err))
			continue
		}

		e.registry.RecordVerdict(verdicts[i].Validator, height)
	}

	// 7. Equivocation evidence is self-contained: penalty lands at this
	// block's state commit, no window.
	for _, ev := range e.collector.DrainEquivocations() {
		applied += e.appendDeltas(result, e.fraud.PenalizeEquivocation(fraudCfg, ev))
	}

	// 8. Expired challenges aggregate into decisions, strictly in
	// (expiry height, job id) order.
	e.finalizeExpired(p, height, result)

	// 9. Fraud windows expiring this height commit their rewards.
	applied += e.appendDeltas(result, e.fraud.ProcessHeight(fraudCfg, height))

	// 10. Stake conservation: total stake moves exactly by the applied
	// deltas. Anything else is a fatal divergence.
	stakeAfter := e.registry.TotalStake()
	if int64(stakeAfter)-int64(stakeBefore) != applied {
		return nil, e.halt(fmt.Errorf("stake conservation: before=%d after=%d applied=%d: %w",
			stakeBefore, stakeAfter, applied, ErrHalted))
	}

	// 11. Epoch boundary: staged governance takes effect, epoch seed
	// recorded.
	if p.EpochLengthBlocks > 0 && height > 0 && height%p.EpochLengthBlocks == 0 {
		if e.params.ApplyStaged() {
			logger.Info("governance parameters applied", "height", height)
		}

		// The boundary-height seed doubles as the epoch seed; it is
		// already chained from the previous epoch's and persisted with
		// the snapshot.
		if seed, err := e.beacon.SeedFor(height); err == nil {
			logger.Info("epoch boundary",
				"epoch", height/p.EpochLengthBlocks,
				"seed", fmt.Sprintf("%x", seed[:8]),
			)
		}
	}

	// 12. Snapshot and state root.
	root, err := e.commitState(height, snap)
	if err != nil {
		return nil, e.halt(fmt.Errorf("commit state at height %d:\n%v: %w", height, err, ErrHalted))
	}

	result.StateRoot = root
	e.height = height

	return result, nil
}

// SubmitLateReveal accepts a leader's late VRF proof. The deferred
// seed stays undefined, but a valid proof clears the leader's pending
// review before the window slashes it.
func (e *Engine) SubmitLateReveal(revealHeight uint64, leader wire.Hash, proof []byte, output wire.Hash) bool {
	if !e.beacon.AcceptLate(revealHeight, leader, proof, output) {
		return false
	}

	e.fraud.ClearReview(revealHeight)

	return true
}

// CheckStateRoot compares a peer's state root for a height against the
// local one. A mismatch is a fatal invariant violation: halting is
// preferred over silent disagreement.
func (e *Engine) CheckStateRoot(height uint64, peerRoot wire.Hash) error {
	if e.store == nil {
		return nil
	}

	local, ok, err := e.store.StateRoot(height)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	if local != peerRoot {
		return e.halt(fmt.Errorf("height %d: local %x, peer %x: %w: %w",
			height, local[:8], peerRoot[:8], ErrStateRootMismatch, ErrHalted))
	}

	return nil
}

// Reorg cancels all pending work above the rollback height. The
// affected commitments, verdicts and reveals arrive again with the
// replayed blocks.
func (e *Engine) Reorg(height uint64) {
	e.beacon.Rollback(height)
	e.registry.Rollback(height)
	e.stats.Rollback(height)
	e.fraud.Rollback(height)

	for h, ids := range e.issuance {
		if h > height {
			for _, id := range ids {
				delete(e.jobs, id)
			}

			delete(e.issuance, h)
		}
	}

	for id, job := range e.jobs {
		if job.commit.SubmitHeight > height {
			delete(e.jobs, id)
		}
	}

	for _, ch := range e.collector.OpenChallenges() {
		if ch.IssueHeight > height {
			e.collector.Cancel(ch.Hash())
		}
	}

	if e.height > height {
		e.height = height
	}

	logger.Info("reorg applied", "rollback_height", height)
}

// schedule queues a job for challenge issuance at the given height.
func (e *Engine) schedule(jobID wire.Hash, height uint64) {
	e.issuance[height] = append(e.issuance[height], jobID)
}

// issueDue issues challenges for every job scheduled at or before the
// current height, in (scheduled height, job id) order. Seed
// unavailability and undersized outputs defer, they never fail.
func (e *Engine) issueDue(p params.Params, snap *registry.Snapshot, height uint64) {
	var due []uint64

	for h := range e.issuance {
		if h <= height {
			due = append(due, h)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	cfg := challenge.Config{
		SampleSizeBase: p.SampleSizeBase,
		SampleSizeMin:  p.SampleSizeMin,
		SampleSizeMax:  p.SampleSizeMax,
		Strata:         p.StratificationFactor,
		AdaptiveAlpha:  p.AdaptiveAlpha,
	}

	for _, h := range due {
		ids := e.issuance[h]
		delete(e.issuance, h)

		sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

		for _, id := range ids {
			job, ok := e.jobs[id]
			if !ok || job.done {
				continue
			}

			seed, err := e.beacon.SeedFor(height)
			if err != nil {
				// Deferred one block; the leader responsible is already
				// under review.
				e.schedule(id, height+1)
				continue
			}

			ch, err := e.generator.Generate(cfg, &job.commit, seed, e.beacon.ProofFor(height),
				height, height+p.ChallengeWindowBlocks, nil)
			if err != nil {
				// Output too small: deferred pending upstream reshape.
				e.schedule(id, height+p.VRFDelayBlocks)

				logger.Debug("challenge deferred", "job", fmt.Sprintf("%x", id[:4]), "error", err)

				continue
			}

			e.collector.Open(ch, snap)

			logger.Info("challenge issued",
				"job", fmt.Sprintf("%x", id[:4]),
				"samples", ch.SampleSize(),
				"expiry", ch.ExpiryHeight,
			)
		}
	}
}

// finalizeExpired seals and aggregates every challenge expiring at or
// before this height. Inconclusive jobs re-challenge with a fresh seed
// until the cap; pass and fail decisions freeze into the fraud window.
func (e *Engine) finalizeExpired(p params.Params, height uint64, result *Result) {
	aggCfg := aggregate.Config{
		ThetaPass:      p.ThetaPass,
		ThetaFail:      p.ThetaFail,
		QuorumFraction: p.QuorumFraction,
		MinConfidence:  p.MinConfidence,
	}

	fraudCfg := fraud.Config{
		FraudWindowBlocks:      p.FraudWindowBlocks,
		FalsePassPenaltyBps:    p.FalsePassPenaltyBps,
		EquivocationPenaltyBps: p.EquivocationPenaltyBps,
		FraudBountyBps:         p.FraudBountyBps,
		VerdictReward:          p.VerdictReward,
	}

	// OpenChallenges is already in (expiry, job id) order.
	for _, ch := range e.collector.OpenChallenges() {
		if ch.ExpiryHeight > height {
			break
		}

		sealed, err := e.collector.Seal(ch.Hash())
		if err != nil {
			continue
		}

		decision := aggregate.Aggregate(aggCfg, sealed)
		result.Output.Decisions = append(result.Output.Decisions, *decision)

		job := e.jobs[ch.JobID]

		if decision.Outcome == wire.OutcomeInconclusive {
			if job != nil && job.rechallenges < p.MaxRechallenges {
				job.rechallenges++
				e.schedule(ch.JobID, height+p.VRFDelayBlocks)

				logger.Info("re-challenge scheduled",
					"job", fmt.Sprintf("%x", ch.JobID[:4]),
					"attempt", job.rechallenges,
				)
			} else if job != nil {
				job.done = true

				logger.Warn("job abandoned after re-challenge cap",
					"job", fmt.Sprintf("%x", ch.JobID[:4]),
				)
			}

			continue
		}

		if job != nil {
			job.done = true
		}

		e.fraud.Track(fraudCfg, sealed, decision, height)
		e.pushCommitted(decision.Hash())

		if e.store != nil {
			if err := e.store.PutDecision(decision.Hash(), decision.Encode()); err != nil {
				logger.Error("persist decision", "error", err)
			}
		}

		logger.Info("decision finalized",
			"job", fmt.Sprintf("%x", ch.JobID[:4]),
			"outcome", decision.Outcome,
			"confidence", decision.Confidence,
			"certs", len(sealed.Certs),
		)
	}
}

// appendDeltas accumulates a delta batch into the block output and
// returns the net amount actually applied to the registry (sequence
// zero marks external, unapplied deltas).
func (e *Engine) appendDeltas(result *Result, deltas []wire.RegistryDelta) int64 {
	var applied int64

	for _, d := range deltas {
		result.Output.Deltas = append(result.Output.Deltas, d)

		if d.Seq != 0 {
			applied += d.Delta
		}
	}

	return applied
}

// pushCommitted appends a decision hash to the committed tail ring.
func (e *Engine) pushCommitted(hash wire.Hash) {
	e.committedTail = append(e.committedTail, hash)
	if len(e.committedTail) > committedTailLen {
		e.committedTail = e.committedTail[len(e.committedTail)-committedTailLen:]
	}
}

// commitState builds the canonical per-height snapshot payload,
// persists it and returns its content address: the state root.
func (e *Engine) commitState(height uint64, snap *registry.Snapshot) (wire.Hash, error) {
	enc := wire.NewEncoder(4096)
	enc.U64(height)
	enc.Bytes(snap.Encode())

	open := e.collector.OpenChallenges()
	enc.U32(uint32(len(open)))
	for _, ch := range open {
		enc.Bytes(ch.Encode())
	}

	decisions := e.fraud.OpenDecisions()
	enc.U32(uint32(len(decisions)))
	for _, d := range decisions {
		enc.Bytes(d.Encode())
	}

	enc.Hashes(e.committedTail)

	payload := enc.Finish()

	if e.store != nil {
		if seed, err := e.beacon.SeedFor(height); err == nil {
			if err := e.store.PutSeed(height, seed); err != nil {
				return wire.Hash{}, err
			}
		}

		return e.store.PutSnapshot(height, payload)
	}

	return wire.Sum256(payload), nil
}

// halt records a fatal error; every later call fails with it.
func (e *Engine) halt(err error) error {
	e.halted = err

	logger.Error("engine halted", "error", err)

	return err
}
