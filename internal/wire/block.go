package wire

import "fmt"

// BlockInput is the per-block inbound payload from the block producer:
// new job commitments, verdicts relayed from the validator network, and
// fraud proofs. Encoded as a length-prefixed concatenation of the three
// element lists.
type BlockInput struct {
	Commitments []JobCommitment
	Verdicts    []Verdict
	FraudProofs []FraudProof
}

// Encode returns the canonical encoding.
func (b *BlockInput) Encode() []byte {
	e := NewEncoder(256)

	e.U32(uint32(len(b.Commitments)))
	for i := range b.Commitments {
		e.Bytes(b.Commitments[i].Encode())
	}

	e.U32(uint32(len(b.Verdicts)))
	for i := range b.Verdicts {
		e.Bytes(b.Verdicts[i].Encode())
	}

	e.U32(uint32(len(b.FraudProofs)))
	for i := range b.FraudProofs {
		e.Bytes(b.FraudProofs[i].Encode())
	}

	return e.Finish()
}

// DecodeBlockInput parses a canonical encoding.
func DecodeBlockInput(data []byte) (*BlockInput, error) {
	d := NewDecoder(data)
	b := &BlockInput{}

	n := d.U32()
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		c, err := DecodeJobCommitment(d.Bytes())
		if err != nil {
			return nil, fmt.Errorf("block input commitment %d:\n%w", i, err)
		}

		b.Commitments = append(b.Commitments, *c)
	}

	n = d.U32()
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		v, err := DecodeVerdict(d.Bytes())
		if err != nil {
			return nil, fmt.Errorf("block input verdict %d:\n%w", i, err)
		}

		b.Verdicts = append(b.Verdicts, *v)
	}

	n = d.U32()
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		f, err := DecodeFraudProof(d.Bytes())
		if err != nil {
			return nil, fmt.Errorf("block input fraud proof %d:\n%w", i, err)
		}

		b.FraudProofs = append(b.FraudProofs, *f)
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode block input:\n%w", err)
	}

	return b, nil
}

// BlockOutput is the per-block outbound payload to the state engine:
// finalized decisions and the registry deltas committed this block.
type BlockOutput struct {
	Decisions []Decision
	Deltas    []RegistryDelta
}

// Encode returns the canonical encoding.
func (b *BlockOutput) Encode() []byte {
	e := NewEncoder(256)

	e.U32(uint32(len(b.Decisions)))
	for i := range b.Decisions {
		e.Bytes(b.Decisions[i].Encode())
	}

	e.U32(uint32(len(b.Deltas)))
	for i := range b.Deltas {
		e.Bytes(b.Deltas[i].Encode())
	}

	return e.Finish()
}

// DecodeBlockOutput parses a canonical encoding.
func DecodeBlockOutput(data []byte) (*BlockOutput, error) {
	d := NewDecoder(data)
	b := &BlockOutput{}

	n := d.U32()
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		dec, err := DecodeDecision(d.Bytes())
		if err != nil {
			return nil, fmt.Errorf("block output decision %d:\n%w", i, err)
		}

		b.Decisions = append(b.Decisions, *dec)
	}

	n = d.U32()
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		r, err := DecodeRegistryDelta(d.Bytes())
		if err != nil {
			return nil, fmt.Errorf("block output delta %d:\n%w", i, err)
		}

		b.Deltas = append(b.Deltas, *r)
	}

	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("decode block output:\n%w", err)
	}

	return b, nil
}
