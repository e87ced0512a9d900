// Package verdict accepts validator verdicts during a challenge's
// active window, rejects ineligible or malformed submissions, and
// detects equivocation. Verdicts live in memory keyed by
// (challenge hash, validator) until the aggregator seals them.
package verdict

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"SpotCheck/internal/logger"
	"SpotCheck/internal/registry"
	"SpotCheck/internal/wire"
)

var (
	// ErrUnknownChallenge means the verdict references no open challenge.
	ErrUnknownChallenge = errors.New("unknown challenge")

	// ErrNotActive means the validator was not active at issue height.
	ErrNotActive = errors.New("validator not active at issue height")

	// ErrMalformedBits means the attestation bitmap length is wrong.
	ErrMalformedBits = errors.New("attestation bitmap length mismatch")

	// ErrBadSignature means the BLS signature does not verify.
	ErrBadSignature = errors.New("verdict signature invalid")

	// ErrEquivocated means the validator already equivocated on this
	// challenge and is barred from it.
	ErrEquivocated = errors.New("validator equivocated on this challenge")

	// ErrMemoryBudget means the collector's byte budget is exhausted.
	// Surfaces as backpressure to the network layer.
	ErrMemoryBudget = errors.New("verdict storage budget exhausted")
)

// Equivocation is self-contained slashing evidence: two signed,
// differing verdicts from one validator on the same challenge hash.
// No fraud window is needed, the statements prove guilt on their own.
type Equivocation struct {
	Validator wire.Hash
	First     *wire.Verdict
	Second    *wire.Verdict
}

// Sealed is a challenge's collected verdicts, handed to the aggregator
// at expiry. Verdicts are ordered by validator identity bytes. Certs
// carries one aggregated signature per distinct attestation bitmap.
type Sealed struct {
	Challenge *wire.Challenge
	Snapshot  *registry.Snapshot
	Verdicts  []*wire.Verdict
	Certs     []QuorumCert
}

// QuorumCert compresses the signatures of every validator that
// submitted the same attestation bitmap into one aggregated BLS
// signature. Signers are in validator identity order.
type QuorumCert struct {
	Bits      []byte
	Signature []byte
	Signers   []wire.Hash
}

// Collector holds open challenges and their admitted verdicts.
type Collector struct {
	mu     sync.Mutex
	budget uint64
	used   uint64

	open          map[wire.Hash]*openChallenge
	sealed        map[wire.Hash]bool // recently closed, for silent discard
	equivocations []Equivocation
}

// openChallenge is one challenge's admission state.
type openChallenge struct {
	challenge   *wire.Challenge
	snapshot    *registry.Snapshot
	verdicts    map[wire.Hash]*wire.Verdict
	equivocated map[wire.Hash]bool
}

// NewCollector creates a collector with the given byte budget.
func NewCollector(budget uint64) *Collector {
	return &Collector{
		budget: budget,
		open:   make(map[wire.Hash]*openChallenge),
		sealed: make(map[wire.Hash]bool),
	}
}

// Open starts collecting verdicts for a challenge. The snapshot is the
// registry view at the challenge's issue height and decides
// eligibility for its whole lifetime.
func (c *Collector) Open(ch *wire.Challenge, snap *registry.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open[ch.Hash()] = &openChallenge{
		challenge:   ch,
		snapshot:    snap,
		verdicts:    make(map[wire.Hash]*wire.Verdict),
		equivocated: make(map[wire.Hash]bool),
	}
}

// AdmitAll verifies a batch of verdicts in parallel and admits the
// valid ones serially, preserving input order for first-write-wins.
// The returned slice holds one admission result per input verdict;
// nil means admitted or silently discarded.
func (c *Collector) AdmitAll(verdicts []*wire.Verdict, height uint64) []error {
	sigOK := c.verifyBatch(verdicts)

	results := make([]error, len(verdicts))
	for i, v := range verdicts {
		results[i] = c.admit(v, height, sigOK[i])
	}

	return results
}

// verifyBatch checks BLS signatures concurrently. Signature
// verification is pure, so only the admission step needs the lock.
func (c *Collector) verifyBatch(verdicts []*wire.Verdict) []bool {
	keys := make([][48]byte, len(verdicts))
	known := make([]bool, len(verdicts))

	c.mu.Lock()
	for i, v := range verdicts {
		if oc, ok := c.open[v.ChallengeHash]; ok {
			if pk, found := oc.snapshot.BLSPubkey(v.Validator); found {
				keys[i] = pk
				known[i] = true
			}
		}
	}
	c.mu.Unlock()

	ok := make([]bool, len(verdicts))

	var wg sync.WaitGroup

	for i, v := range verdicts {
		if !known[i] {
			continue
		}

		wg.Add(1)

		go func(i int, v *wire.Verdict) {
			defer wg.Done()
			ok[i] = VerifySignature(v.Signature, v.SigningPayload(), keys[i][:])
		}(i, v)
	}

	wg.Wait()

	return ok
}

// admit applies the admission rules for one verdict.
func (c *Collector) admit(v *wire.Verdict, height uint64, sigOK bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	oc, ok := c.open[v.ChallengeHash]
	if !ok {
		// Verdicts for an already-expired challenge are discarded
		// silently; anything else is an input error.
		if c.sealed[v.ChallengeHash] {
			return nil
		}

		return fmt.Errorf("challenge %x: %w", v.ChallengeHash[:4], ErrUnknownChallenge)
	}

	if height > oc.challenge.ExpiryHeight {
		return nil
	}

	if oc.equivocated[v.Validator] {
		return fmt.Errorf("validator %x: %w", v.Validator[:4], ErrEquivocated)
	}

	if !oc.snapshot.Active(v.Validator) {
		return fmt.Errorf("validator %x: %w", v.Validator[:4], ErrNotActive)
	}

	wantBits := (oc.challenge.SampleSize() + 7) / 8
	if len(v.Bits) != wantBits {
		return fmt.Errorf("got %d bitmap bytes, want %d: %w", len(v.Bits), wantBits, ErrMalformedBits)
	}

	if !sigOK {
		return fmt.Errorf("validator %x: %w", v.Validator[:4], ErrBadSignature)
	}

	if existing, dup := oc.verdicts[v.Validator]; dup {
		if bytes.Equal(existing.Bits, v.Bits) {
			return nil // identical resubmission, no-op
		}

		// Two signed differing statements: record evidence, bar the
		// validator, and drop the first verdict from aggregation.
		c.equivocations = append(c.equivocations, Equivocation{
			Validator: v.Validator,
			First:     existing,
			Second:    v,
		})
		oc.equivocated[v.Validator] = true
		delete(oc.verdicts, v.Validator)
		c.used -= existing.Size()

		logger.Warn("equivocation detected",
			"validator", fmt.Sprintf("%x", v.Validator[:4]),
			"challenge", fmt.Sprintf("%x", v.ChallengeHash[:4]),
		)

		return nil
	}

	if c.used+v.Size() > c.budget {
		return fmt.Errorf("budget %d bytes: %w", c.budget, ErrMemoryBudget)
	}

	oc.verdicts[v.Validator] = v
	c.used += v.Size()

	return nil
}

// Seal closes a challenge at its expiry and returns the collected
// verdicts for aggregation, ordered by validator identity.
func (c *Collector) Seal(challengeHash wire.Hash) (*Sealed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oc, ok := c.open[challengeHash]
	if !ok {
		return nil, fmt.Errorf("challenge %x: %w", challengeHash[:4], ErrUnknownChallenge)
	}

	delete(c.open, challengeHash)

	// The sealed set only backs silent discard of stragglers; cap it.
	if len(c.sealed) > 4096 {
		c.sealed = make(map[wire.Hash]bool)
	}

	c.sealed[challengeHash] = true

	verdicts := make([]*wire.Verdict, 0, len(oc.verdicts))
	for _, v := range oc.verdicts {
		verdicts = append(verdicts, v)
		c.used -= v.Size()
	}

	sort.Slice(verdicts, func(i, j int) bool {
		return bytes.Compare(verdicts[i].Validator[:], verdicts[j].Validator[:]) < 0
	})

	return &Sealed{
		Challenge: oc.challenge,
		Snapshot:  oc.snapshot,
		Verdicts:  verdicts,
		Certs:     buildCertificates(oc, verdicts),
	}, nil
}

// buildCertificates groups the sealed verdicts by attestation bitmap
// and compresses each group's signatures into one aggregated BLS
// signature, verified against the group's public keys before the set
// leaves the collector. Groups appear in the identity order of their
// first signer, so the certificate list is deterministic.
func buildCertificates(oc *openChallenge, verdicts []*wire.Verdict) []QuorumCert {
	groups := make(map[string][]*wire.Verdict)
	var order []string

	for _, v := range verdicts {
		key := string(v.Bits)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}

		groups[key] = append(groups[key], v)
	}

	var certs []QuorumCert

	for _, key := range order {
		group := groups[key]

		sigs := make([][]byte, len(group))
		pks := make([][]byte, len(group))
		signers := make([]wire.Hash, len(group))

		for i, v := range group {
			pk, found := oc.snapshot.BLSPubkey(v.Validator)
			if !found {
				// Admission guarantees a known key; an unknown one here
				// means the snapshot changed under us.
				pks = nil
				break
			}

			sigs[i] = v.Signature
			pks[i] = pk[:]
			signers[i] = v.Validator
		}

		if pks == nil {
			continue
		}

		agg, err := AggregateSignatures(sigs)
		if err != nil {
			logger.Warn("signature aggregation failed",
				"job", fmt.Sprintf("%x", oc.challenge.JobID[:4]),
				"error", err,
			)

			continue
		}

		// Everyone in the group signed the same payload.
		payload := group[0].SigningPayload()

		if !VerifyAggregated(agg, payload, pks) {
			logger.Warn("aggregated signature did not verify",
				"signers", len(group),
			)

			continue
		}

		certs = append(certs, QuorumCert{
			Bits:      group[0].Bits,
			Signature: agg,
			Signers:   signers,
		})
	}

	return certs
}

// Cancel drops an open challenge without sealing it, used on reorgs.
// Verdicts are not lost for good; they can be resubmitted under the
// replayed challenge.
func (c *Collector) Cancel(challengeHash wire.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oc, ok := c.open[challengeHash]
	if !ok {
		return
	}

	for _, v := range oc.verdicts {
		c.used -= v.Size()
	}

	delete(c.open, challengeHash)
}

// DrainEquivocations returns and clears the accumulated evidence.
func (c *Collector) DrainEquivocations() []Equivocation {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.equivocations
	c.equivocations = nil

	return out
}

// OpenCount returns the number of challenges accepting verdicts.
func (c *Collector) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.open)
}

// UsedBytes returns the current byte usage against the budget.
func (c *Collector) UsedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.used
}

// OpenChallenges returns the open challenges ordered by (expiry height,
// job id), the same order decisions finalize in.
func (c *Collector) OpenChallenges() []*wire.Challenge {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*wire.Challenge, 0, len(c.open))
	for _, oc := range c.open {
		out = append(out, oc.challenge)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryHeight != out[j].ExpiryHeight {
			return out[i].ExpiryHeight < out[j].ExpiryHeight
		}

		return out[i].JobID.Less(out[j].JobID)
	})

	return out
}
