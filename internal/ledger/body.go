package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"veilchain/internal/commit"
)

// AggregateBody is the set of inputs, outputs and kernels composed by
// a block or transaction. It is owned exclusively by its composer and
// never shared. A cached flag records whether the canonical ordering
// holds; any mutation invalidates it, and the ordering must be
// re-established before hashing or validation.
type AggregateBody struct {
	inputs  []TransactionInput
	outputs []TransactionOutput
	kernels []TransactionKernel
	sorted  bool
}

// NewAggregateBody creates a body from its parts. The body takes
// ownership of the slices.
func NewAggregateBody(inputs []TransactionInput, outputs []TransactionOutput, kernels []TransactionKernel) *AggregateBody {
	return &AggregateBody{
		inputs:  inputs,
		outputs: outputs,
		kernels: kernels,
	}
}

// AddInput appends a spent-output reference.
func (b *AggregateBody) AddInput(in TransactionInput) {
	b.inputs = append(b.inputs, in)
	b.sorted = false
}

// AddOutput appends a new output.
func (b *AggregateBody) AddOutput(out TransactionOutput) {
	b.outputs = append(b.outputs, out)
	b.sorted = false
}

// AddKernel appends a kernel.
func (b *AggregateBody) AddKernel(k TransactionKernel) {
	b.kernels = append(b.kernels, k)
	b.sorted = false
}

// Inputs returns the inputs. Callers must not mutate the slice.
func (b *AggregateBody) Inputs() []TransactionInput {
	return b.inputs
}

// Outputs returns the outputs. Callers must not mutate the slice.
func (b *AggregateBody) Outputs() []TransactionOutput {
	return b.outputs
}

// Kernels returns the kernels. Callers must not mutate the slice.
func (b *AggregateBody) Kernels() []TransactionKernel {
	return b.kernels
}

// IsSorted reports whether the canonical ordering is established.
func (b *AggregateBody) IsSorted() bool {
	return b.sorted
}

// Fees returns the sum of all kernel fees.
func (b *AggregateBody) Fees() uint64 {
	var total uint64
	for _, k := range b.kernels {
		total += k.Fee
	}

	return total
}

// Sort establishes the canonical ordering: inputs and outputs by
// commitment bytes, kernels by excess bytes. Duplicate commitments or
// excesses are rejected. A no-op when the ordering already holds.
func (b *AggregateBody) Sort() error {
	if b.sorted {
		return nil
	}

	sort.Slice(b.inputs, func(i, j int) bool {
		return bytes.Compare(b.inputs[i].Commitment[:], b.inputs[j].Commitment[:]) < 0
	})
	sort.Slice(b.outputs, func(i, j int) bool {
		return bytes.Compare(b.outputs[i].Commitment[:], b.outputs[j].Commitment[:]) < 0
	})
	sort.Slice(b.kernels, func(i, j int) bool {
		return bytes.Compare(b.kernels[i].Excess[:], b.kernels[j].Excess[:]) < 0
	})

	for i := 1; i < len(b.inputs); i++ {
		if b.inputs[i].Commitment == b.inputs[i-1].Commitment {
			return fmt.Errorf("duplicate input %s", b.inputs[i].Commitment)
		}
	}
	for i := 1; i < len(b.outputs); i++ {
		if b.outputs[i].Commitment == b.outputs[i-1].Commitment {
			return fmt.Errorf("duplicate output %s", b.outputs[i].Commitment)
		}
	}
	for i := 1; i < len(b.kernels); i++ {
		if b.kernels[i].Excess == b.kernels[i-1].Excess {
			return fmt.Errorf("duplicate kernel excess %s", b.kernels[i].Excess)
		}
	}

	b.sorted = true

	return nil
}

// CheckCutThrough rejects bodies where an output is also spent as an
// input; such pairs must be cut through before aggregation.
func (b *AggregateBody) CheckCutThrough() error {
	spent := make(map[commit.Commitment]struct{}, len(b.inputs))
	for _, in := range b.inputs {
		spent[in.Commitment] = struct{}{}
	}

	for _, out := range b.outputs {
		if _, ok := spent[out.Commitment]; ok {
			return fmt.Errorf("output %s is also spent as an input", out.Commitment)
		}
	}

	return nil
}

// CheckCoinbaseCount verifies the number of coinbase-flagged outputs
// and kernels: one of each for a block body, zero for a transaction.
func (b *AggregateBody) CheckCoinbaseCount(wantOutputs, wantKernels int) error {
	outputs := 0
	for _, out := range b.outputs {
		if out.Features&OutputCoinbase != 0 {
			outputs++
		}
	}

	kernels := 0
	for _, k := range b.kernels {
		if k.Features&KernelCoinbase != 0 {
			kernels++
		}
	}

	if outputs != wantOutputs {
		return fmt.Errorf("coinbase outputs: got %d, want %d", outputs, wantOutputs)
	}
	if kernels != wantKernels {
		return fmt.Errorf("coinbase kernels: got %d, want %d", kernels, wantKernels)
	}

	return nil
}
