package chain

import (
	"encoding/binary"
	"fmt"

	"veilchain/internal/ledger"
)

// Block pairs a header with the aggregate body it commits to.
type Block struct {
	Header *BlockHeader
	Body   *ledger.AggregateBody
}

// Hash returns the block's header hash.
func (b *Block) Hash() [32]byte {
	return b.Header.Hash()
}

// EncodeBlock serializes a block for storage or transfer. The body
// must already be in canonical order.
func EncodeBlock(b *Block) ([]byte, error) {
	if !b.Body.IsSorted() {
		return nil, fmt.Errorf("chain: encode of unsorted block body")
	}

	buf := b.Header.Encode()

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Body.Inputs())))
	for i := range b.Body.Inputs() {
		buf = append(buf, ledger.EncodeInput(&b.Body.Inputs()[i])...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Body.Outputs())))
	for i := range b.Body.Outputs() {
		buf = append(buf, ledger.EncodeOutput(&b.Body.Outputs()[i])...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Body.Kernels())))
	for i := range b.Body.Kernels() {
		buf = append(buf, ledger.EncodeKernel(&b.Body.Kernels()[i])...)
	}

	return buf, nil
}

// DecodeBlock parses a block produced by EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	header, rest, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	inputs, rest, err := decodeInputs(rest)
	if err != nil {
		return nil, err
	}

	outputs, rest, err := decodeOutputs(rest)
	if err != nil {
		return nil, err
	}

	kernels, _, err := decodeKernels(rest)
	if err != nil {
		return nil, err
	}

	body := ledger.NewAggregateBody(inputs, outputs, kernels)
	if err := body.Sort(); err != nil {
		return nil, fmt.Errorf("decode block body:\n%w", err)
	}

	return &Block{Header: header, Body: body}, nil
}

func decodeInputs(data []byte) ([]ledger.TransactionInput, []byte, error) {
	minSize := 1 + len(ledger.TransactionInput{}.Commitment)

	count, rest, err := decodeCount(data, "inputs", minSize)
	if err != nil {
		return nil, nil, err
	}

	inputs := make([]ledger.TransactionInput, 0, count)
	for i := uint32(0); i < count; i++ {
		var in *ledger.TransactionInput
		in, rest, err = ledger.DecodeInput(rest)
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, *in)
	}

	return inputs, rest, nil
}

func decodeOutputs(data []byte) ([]ledger.TransactionOutput, []byte, error) {
	minSize := 1 + len(ledger.TransactionOutput{}.Commitment) + 4

	count, rest, err := decodeCount(data, "outputs", minSize)
	if err != nil {
		return nil, nil, err
	}

	outputs := make([]ledger.TransactionOutput, 0, count)
	for i := uint32(0); i < count; i++ {
		var out *ledger.TransactionOutput
		out, rest, err = ledger.DecodeOutput(rest)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, *out)
	}

	return outputs, rest, nil
}

func decodeKernels(data []byte) ([]ledger.TransactionKernel, []byte, error) {
	minSize := 1 + 8 + 8 + len(ledger.TransactionKernel{}.Excess) + len(ledger.TransactionKernel{}.Signature)

	count, rest, err := decodeCount(data, "kernels", minSize)
	if err != nil {
		return nil, nil, err
	}

	kernels := make([]ledger.TransactionKernel, 0, count)
	for i := uint32(0); i < count; i++ {
		var k *ledger.TransactionKernel
		k, rest, err = ledger.DecodeKernel(rest)
		if err != nil {
			return nil, nil, err
		}
		kernels = append(kernels, *k)
	}

	return kernels, rest, nil
}

// decodeCount reads an element count and rejects counts that could not
// possibly fit in the remaining bytes, before anything is allocated.
func decodeCount(data []byte, what string, minSize int) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("chain: truncated %s count", what)
	}

	count := binary.LittleEndian.Uint32(data)
	rest := data[4:]
	if uint64(count)*uint64(minSize) > uint64(len(rest)) {
		return 0, nil, fmt.Errorf("chain: %s count %d exceeds remaining %d bytes", what, count, len(rest))
	}

	return count, rest, nil
}
