// Package ledger defines the blinded transaction components (inputs,
// outputs, kernels), their aggregate body, and the internal
// consistency validation that proves a body creates and destroys no
// value without revealing any amounts.
package ledger

import (
	"github.com/zeebo/blake3"

	"veilchain/internal/commit"
)

// OutputFeatures flags special output kinds.
type OutputFeatures uint8

const (
	// OutputDefault marks a plain output.
	OutputDefault OutputFeatures = 0

	// OutputCoinbase marks a block-reward output.
	OutputCoinbase OutputFeatures = 1
)

// KernelFeatures flags special kernel kinds.
type KernelFeatures uint8

const (
	// KernelDefault marks a plain kernel.
	KernelDefault KernelFeatures = 0

	// KernelCoinbase marks the kernel accompanying a coinbase output.
	KernelCoinbase KernelFeatures = 1
)

// TransactionInput references a previously created output being spent.
type TransactionInput struct {
	Features   OutputFeatures
	Commitment commit.Commitment
}

// TransactionOutput is a newly created blinded output.
type TransactionOutput struct {
	Features   OutputFeatures
	Commitment commit.Commitment
	RangeProof []byte
}

// TransactionKernel carries the excess commitment and the signature
// proving knowledge of its blinding key, along with the fee and lock
// height the signature commits to.
type TransactionKernel struct {
	Features   KernelFeatures
	Fee        uint64
	LockHeight uint64
	Excess     commit.Commitment
	Signature  commit.Signature
}

// Challenge returns the canonical signing challenge for the kernel:
// the hash of its features, fee and lock height. Any change to those
// fields invalidates the signature.
func (k *TransactionKernel) Challenge() []byte {
	hasher := blake3.New()
	hasher.Write(encodeKernelChallenge(k))

	return hasher.Sum(nil)
}

// Hash returns the canonical hash of the full kernel.
func (k *TransactionKernel) Hash() []byte {
	hasher := blake3.New()
	hasher.Write(EncodeKernel(k))

	return hasher.Sum(nil)
}

// Hash returns the canonical hash of the input.
func (in *TransactionInput) Hash() []byte {
	hasher := blake3.New()
	hasher.Write(EncodeInput(in))

	return hasher.Sum(nil)
}

// Hash returns the canonical hash of the output, range proof included.
func (out *TransactionOutput) Hash() []byte {
	hasher := blake3.New()
	hasher.Write(EncodeOutput(out))

	return hasher.Sum(nil)
}

// RangeProofHash returns the hash of the output's range proof alone,
// as committed by the header's range-proof root.
func (out *TransactionOutput) RangeProofHash() []byte {
	return blake3Sum(out.RangeProof)
}

// blake3Sum hashes a single byte slice.
func blake3Sum(data []byte) []byte {
	hasher := blake3.New()
	hasher.Write(data)

	return hasher.Sum(nil)
}
