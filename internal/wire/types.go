package wire

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte identifier for jobs, challenges, decisions and
// validator identities (ed25519 public keys).
type Hash [32]byte

// Sum256 computes the blake3 content hash of data.
func Sum256(data []byte) Hash {
	return blake3.Sum256(data)
}

// Less reports whether h orders before other in byte order.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Outcome is the finalized judgment of a decision.
type Outcome uint8

const (
	// OutcomeInconclusive means quorum or confidence was not reached.
	OutcomeInconclusive Outcome = iota

	// OutcomePass means the sampled output was attested correct.
	OutcomePass

	// OutcomeFail means the sampled output was attested incorrect.
	OutcomeFail
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeFail:
		return "fail"
	default:
		return "inconclusive"
	}
}

// JobCommitment binds a job to its output root and declared size.
// Immutable once submitted; consumed by the challenge generator at
// SubmitHeight + k.
type JobCommitment struct {
	JobID        Hash
	OutputRoot   Hash
	OutputSize   uint64 // number of output segments
	Submitter    Hash
	SubmitHeight uint64
}

// Encode returns the canonical encoding.
func (c *JobCommitment) Encode() []byte {
	e := NewEncoder(112)
	e.Hash(c.JobID)
	e.Hash(c.OutputRoot)
	e.U64(c.OutputSize)
	e.Hash(c.Submitter)
	e.U64(c.SubmitHeight)

	return e.Finish()
}

// DecodeJobCommitment parses a canonical encoding.
func DecodeJobCommitment(data []byte) (*JobCommitment, error) {
	d := NewDecoder(data)

	c := &JobCommitment{
		JobID:        d.Hash(),
		OutputRoot:   d.Hash(),
		OutputSize:   d.U64(),
		Submitter:    d.Hash(),
		SubmitHeight: d.U64(),
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode job commitment:\n%w", err)
	}

	return c, nil
}

// Challenge is a sampling plan: the segment positions to verify plus the
// randomness proof they were derived from. Verdicts reference a
// challenge by its content hash, not its job id, because a deferred job
// can be challenged more than once.
type Challenge struct {
	JobID        Hash
	OutputRoot   Hash
	OutputSize   uint64
	Seed         Hash
	VRFProof     []byte
	Indices      []uint64 // strictly increasing segment positions
	IssueHeight  uint64
	ExpiryHeight uint64
}

// Encode returns the canonical encoding.
func (c *Challenge) Encode() []byte {
	e := NewEncoder(128 + len(c.VRFProof) + 8*len(c.Indices))
	e.Hash(c.JobID)
	e.Hash(c.OutputRoot)
	e.U64(c.OutputSize)
	e.Hash(c.Seed)
	e.Bytes(c.VRFProof)
	e.U64s(c.Indices)
	e.U64(c.IssueHeight)
	e.U64(c.ExpiryHeight)

	return e.Finish()
}

// DecodeChallenge parses a canonical encoding.
func DecodeChallenge(data []byte) (*Challenge, error) {
	d := NewDecoder(data)

	c := &Challenge{
		JobID:        d.Hash(),
		OutputRoot:   d.Hash(),
		OutputSize:   d.U64(),
		Seed:         d.Hash(),
		VRFProof:     d.Bytes(),
		Indices:      d.U64s(),
		IssueHeight:  d.U64(),
		ExpiryHeight: d.U64(),
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode challenge:\n%w", err)
	}

	return c, nil
}

// Hash returns the content hash of the challenge.
func (c *Challenge) Hash() Hash {
	return Sum256(c.Encode())
}

// SampleSize returns the number of sampled indices.
func (c *Challenge) SampleSize() int {
	return len(c.Indices)
}

// Verdict is a validator's signed attestation over the sampled indices
// of one challenge. Bit i of Bits corresponds to Indices[i] of the
// challenge: 1 = correct, 0 = incorrect.
type Verdict struct {
	ChallengeHash Hash
	Validator     Hash
	Bits          []byte // attestation bitmap, ceil(S/8) bytes
	Signature     []byte // BLS signature over SigningPayload
}

// Encode returns the canonical encoding.
func (v *Verdict) Encode() []byte {
	e := NewEncoder(80 + len(v.Bits) + len(v.Signature))
	e.Hash(v.ChallengeHash)
	e.Hash(v.Validator)
	e.Bytes(v.Bits)
	e.Bytes(v.Signature)

	return e.Finish()
}

// DecodeVerdict parses a canonical encoding.
func DecodeVerdict(data []byte) (*Verdict, error) {
	d := NewDecoder(data)

	v := &Verdict{
		ChallengeHash: d.Hash(),
		Validator:     d.Hash(),
		Bits:          d.Bytes(),
		Signature:     d.Bytes(),
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode verdict:\n%w", err)
	}

	return v, nil
}

// SigningPayload returns the bytes a validator signs: the challenge
// hash concatenated with the attestation bitmap.
func (v *Verdict) SigningPayload() []byte {
	payload := make([]byte, 0, 32+len(v.Bits))
	payload = append(payload, v.ChallengeHash[:]...)
	payload = append(payload, v.Bits...)

	return payload
}

// Bit returns the attestation bit for sampled position i.
func (v *Verdict) Bit(i int) bool {
	if i/8 >= len(v.Bits) {
		return false
	}

	return v.Bits[i/8]&(1<<(i%8)) != 0
}

// SetBit sets the attestation bit for sampled position i.
func SetBit(bits []byte, i int) {
	bits[i/8] |= 1 << (i % 8)
}

// Size returns the in-memory accounting size of the verdict, used for
// the collector's byte budget.
func (v *Verdict) Size() uint64 {
	return uint64(64 + len(v.Bits) + len(v.Signature))
}

// Decision is the aggregator's finalized judgment on a challenge.
// MajorityBits records the stake-weighted per-index majority; fraud
// proofs contradict individual bits of it.
type Decision struct {
	ChallengeHash Hash
	JobID         Hash
	Outcome       Outcome
	Confidence    float64
	ExpiryHeight  uint64
	MajorityBits  []byte
	Participants  []Hash // identities, sorted by byte order
}

// Encode returns the canonical encoding.
func (dec *Decision) Encode() []byte {
	e := NewEncoder(96 + len(dec.MajorityBits) + 32*len(dec.Participants))
	e.Hash(dec.ChallengeHash)
	e.Hash(dec.JobID)
	e.U8(uint8(dec.Outcome))
	e.F64(dec.Confidence)
	e.U64(dec.ExpiryHeight)
	e.Bytes(dec.MajorityBits)
	e.Hashes(dec.Participants)

	return e.Finish()
}

// DecodeDecision parses a canonical encoding.
func DecodeDecision(data []byte) (*Decision, error) {
	d := NewDecoder(data)

	dec := &Decision{
		ChallengeHash: d.Hash(),
		JobID:         d.Hash(),
		Outcome:       Outcome(d.U8()),
		Confidence:    d.F64(),
		ExpiryHeight:  d.U64(),
		MajorityBits:  d.Bytes(),
		Participants:  d.Hashes(),
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode decision:\n%w", err)
	}

	return dec, nil
}

// Hash returns the content hash of the decision.
func (dec *Decision) Hash() Hash {
	return Sum256(dec.Encode())
}

// MajorityBit returns the majority attestation bit for sampled position i.
func (dec *Decision) MajorityBit(i int) bool {
	if i/8 >= len(dec.MajorityBits) {
		return false
	}

	return dec.MajorityBits[i/8]&(1<<(i%8)) != 0
}

// FraudProof is counter-evidence against a decision: the authentic
// segment at one sampled position, with the merkle path tying it to the
// job's output root.
type FraudProof struct {
	DecisionHash Hash
	SegmentIndex uint64 // absolute segment position in [0, OutputSize)
	Segment      []byte
	Path         []Hash // merkle siblings, leaf to root
	Submitter    Hash
}

// Encode returns the canonical encoding.
func (f *FraudProof) Encode() []byte {
	e := NewEncoder(112 + len(f.Segment) + 32*len(f.Path))
	e.Hash(f.DecisionHash)
	e.U64(f.SegmentIndex)
	e.Bytes(f.Segment)
	e.Hashes(f.Path)
	e.Hash(f.Submitter)

	return e.Finish()
}

// DecodeFraudProof parses a canonical encoding.
func DecodeFraudProof(data []byte) (*FraudProof, error) {
	d := NewDecoder(data)

	f := &FraudProof{
		DecisionHash: d.Hash(),
		SegmentIndex: d.U64(),
		Segment:      d.Bytes(),
		Path:         d.Hashes(),
		Submitter:    d.Hash(),
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode fraud proof:\n%w", err)
	}

	return f, nil
}

// RegistryDelta is one stake mutation: negative slashes, positive
// rewards. Seq is the per-validator sequence number guarding replays.
type RegistryDelta struct {
	Validator Hash
	Delta     int64
	Seq       uint64
}

// Encode returns the canonical encoding.
func (r *RegistryDelta) Encode() []byte {
	e := NewEncoder(48)
	e.Hash(r.Validator)
	e.I64(r.Delta)
	e.U64(r.Seq)

	return e.Finish()
}

// DecodeRegistryDelta parses a canonical encoding.
func DecodeRegistryDelta(data []byte) (*RegistryDelta, error) {
	d := NewDecoder(data)

	r := &RegistryDelta{
		Validator: d.Hash(),
		Delta:     d.I64(),
		Seq:       d.U64(),
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode registry delta:\n%w", err)
	}

	return r, nil
}
