package verdict

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature.
	BLSSignatureSize = 96
)

// blsDST is the IETF ciphersuite domain separation tag for signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// Keypair holds a validator's BLS attestation keys.
type Keypair struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// DeriveKeypair derives the deterministic BLS attestation keypair from
// a validator's ed25519 identity key. Binding the two keys means one
// registration covers both.
func DeriveKeypair(identityKey ed25519.PrivateKey) (*Keypair, error) {
	seed := identityKey.Seed()

	h := blake3.New()
	h.Write([]byte("spotcheck-attestation-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	return KeypairFromSeed(derived[:])
}

// GenerateKeypair creates a BLS keypair from fresh randomness.
func GenerateKeypair() (*Keypair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate key seed:\n%w", err)
	}

	return KeypairFromSeed(ikm[:])
}

// KeypairFromSeed creates a BLS keypair from a deterministic seed of at
// least 32 bytes.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("bls key generation failed")
	}

	public := new(blst.P1Affine).From(secret)

	return &Keypair{secret: secret, public: public}, nil
}

// Sign creates a BLS signature over the message.
func (k *Keypair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	return sig.Compress()
}

// PublicKey returns the compressed public key.
func (k *Keypair) PublicKey() [48]byte {
	var out [48]byte
	copy(out[:], k.public.Compress())

	return out
}

// VerifySignature checks a BLS signature against a message and a
// compressed public key.
func VerifySignature(signature, message, publicKey []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// AggregateSignatures combines signatures over the same message.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, sigBytes := range signatures {
		if len(sigBytes) != BLSSignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(sigBytes)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregated verifies an aggregated signature over one message
// against multiple compressed public keys.
func VerifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, pkBytes := range publicKeys {
		if len(pkBytes) != BLSPublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(pkBytes)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}
