package beacon

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/sha3"

	"SpotCheck/internal/wire"
)

// vrfDomain separates VRF signatures from any other use of the key.
var vrfDomain = []byte("spotcheck-vrf-v1")

// ProofSize is the size of a VRF proof (an ed25519 signature).
const ProofSize = ed25519.SignatureSize

// Prover evaluates the VRF under a leader's signing key. Ed25519
// signatures are deterministic, so the proof doubles as the evaluation:
// the output is the SHA3-256 digest of the proof, which any holder of
// the verifying key can check statelessly.
type Prover struct {
	key ed25519.PrivateKey
}

// NewProver creates a prover from a leader signing key.
func NewProver(key ed25519.PrivateKey) (*Prover, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key size: got %d, want %d", len(key), ed25519.PrivateKeySize)
	}

	return &Prover{key: key}, nil
}

// Public returns the verifying key as a 32-byte identity.
func (p *Prover) Public() wire.Hash {
	var id wire.Hash
	copy(id[:], p.key.Public().(ed25519.PublicKey))

	return id
}

// Prove evaluates the VRF on input, returning the proof and output.
// Deterministic given (key, input).
func (p *Prover) Prove(input []byte) (proof []byte, output wire.Hash) {
	msg := make([]byte, 0, len(vrfDomain)+len(input))
	msg = append(msg, vrfDomain...)
	msg = append(msg, input...)

	proof = ed25519.Sign(p.key, msg)

	return proof, outputFromProof(proof)
}

// Verify checks that proof authenticates output for input under the
// given verifying key. Stateless.
func Verify(vk wire.Hash, input, proof []byte, output wire.Hash) bool {
	if len(proof) != ProofSize {
		return false
	}

	msg := make([]byte, 0, len(vrfDomain)+len(input))
	msg = append(msg, vrfDomain...)
	msg = append(msg, input...)

	if !ed25519.Verify(ed25519.PublicKey(vk[:]), msg, proof) {
		return false
	}

	return outputFromProof(proof) == output
}

// outputFromProof derives the VRF output from the proof bytes.
// SHA3-256 keeps the audit path on a standards-compliant hash.
func outputFromProof(proof []byte) wire.Hash {
	return wire.Hash(sha3.Sum256(proof))
}
