package verdict

import (
	"crypto/ed25519"
	"testing"
)

// testKeypair derives a deterministic keypair from a seed byte.
func testKeypair(t *testing.T, seed byte) *Keypair {
	t.Helper()

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed
	}

	kp, err := KeypairFromSeed(raw)
	if err != nil {
		t.Fatalf("keypair from seed: %v", err)
	}

	return kp
}

// TestSignVerifyRoundTrip tests basic signing.
func TestSignVerifyRoundTrip(t *testing.T) {
	kp := testKeypair(t, 1)
	msg := []byte("attestation-payload")

	sig := kp.Sign(msg)
	pk := kp.PublicKey()

	if !VerifySignature(sig, msg, pk[:]) {
		t.Fatal("valid signature must verify")
	}

	if VerifySignature(sig, []byte("other"), pk[:]) {
		t.Fatal("signature must not verify for another message")
	}

	other := testKeypair(t, 2).PublicKey()
	if VerifySignature(sig, msg, other[:]) {
		t.Fatal("signature must not verify under another key")
	}
}

// TestVerifyRejectsMalformed tests size and garbage rejection.
func TestVerifyRejectsMalformed(t *testing.T) {
	kp := testKeypair(t, 1)
	pk := kp.PublicKey()

	if VerifySignature([]byte("short"), []byte("msg"), pk[:]) {
		t.Fatal("short signature must not verify")
	}

	garbage := make([]byte, BLSSignatureSize)
	if VerifySignature(garbage, []byte("msg"), pk[:]) {
		t.Fatal("garbage signature must not verify")
	}
}

// TestDeriveKeypairDeterminism tests that the attestation key is a
// pure function of the identity key.
func TestDeriveKeypairDeterminism(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 7

	identity := ed25519.NewKeyFromSeed(seed)

	a, err := DeriveKeypair(identity)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	b, err := DeriveKeypair(identity)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if a.PublicKey() != b.PublicKey() {
		t.Fatal("derivation must be deterministic")
	}
}

// TestAggregateSignatures tests aggregation over one message.
func TestAggregateSignatures(t *testing.T) {
	msg := []byte("shared-message")

	var sigs [][]byte
	var pks [][]byte

	for i := byte(1); i <= 3; i++ {
		kp := testKeypair(t, i)
		sigs = append(sigs, kp.Sign(msg))

		pk := kp.PublicKey()
		pks = append(pks, pk[:])
	}

	agg, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if !VerifyAggregated(agg, msg, pks) {
		t.Fatal("aggregated signature must verify")
	}

	if VerifyAggregated(agg, msg, pks[:2]) {
		t.Fatal("aggregated signature must not verify against a subset of keys")
	}
}
