package ledger

import (
	"encoding/binary"
	"fmt"
)

// Canonical encoding for consensus hashing. Layouts are fixed:
// little-endian integers, fixed-size points, length-prefixed proofs.
// These bytes are hash preimages; any change is a hard fork.

// EncodeInput returns the canonical bytes of an input.
func EncodeInput(in *TransactionInput) []byte {
	buf := make([]byte, 0, 1+len(in.Commitment))
	buf = append(buf, byte(in.Features))
	buf = append(buf, in.Commitment[:]...)

	return buf
}

// EncodeOutput returns the canonical bytes of an output.
func EncodeOutput(out *TransactionOutput) []byte {
	buf := make([]byte, 0, 1+len(out.Commitment)+4+len(out.RangeProof))
	buf = append(buf, byte(out.Features))
	buf = append(buf, out.Commitment[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.RangeProof)))
	buf = append(buf, out.RangeProof...)

	return buf
}

// EncodeKernel returns the canonical bytes of a kernel.
func EncodeKernel(k *TransactionKernel) []byte {
	buf := encodeKernelChallenge(k)
	buf = append(buf, k.Excess[:]...)
	buf = append(buf, k.Signature[:]...)

	return buf
}

// encodeKernelChallenge returns the kernel fields the signature
// commits to.
func encodeKernelChallenge(k *TransactionKernel) []byte {
	buf := make([]byte, 0, 1+8+8)
	buf = append(buf, byte(k.Features))
	buf = binary.LittleEndian.AppendUint64(buf, k.Fee)
	buf = binary.LittleEndian.AppendUint64(buf, k.LockHeight)

	return buf
}

// DecodeInput parses a canonical input, returning the remaining bytes.
func DecodeInput(data []byte) (*TransactionInput, []byte, error) {
	if len(data) < 1+len(TransactionInput{}.Commitment) {
		return nil, nil, errTruncated("input")
	}

	in := &TransactionInput{Features: OutputFeatures(data[0])}
	copy(in.Commitment[:], data[1:1+len(in.Commitment)])

	return in, data[1+len(in.Commitment):], nil
}

// DecodeOutput parses a canonical output, returning the remaining bytes.
func DecodeOutput(data []byte) (*TransactionOutput, []byte, error) {
	header := 1 + len(TransactionOutput{}.Commitment) + 4
	if len(data) < header {
		return nil, nil, errTruncated("output")
	}

	out := &TransactionOutput{Features: OutputFeatures(data[0])}
	copy(out.Commitment[:], data[1:1+len(out.Commitment)])

	proofLen := binary.LittleEndian.Uint32(data[1+len(out.Commitment):])
	rest := data[header:]
	if uint64(len(rest)) < uint64(proofLen) {
		return nil, nil, errTruncated("range proof")
	}

	out.RangeProof = make([]byte, proofLen)
	copy(out.RangeProof, rest[:proofLen])

	return out, rest[proofLen:], nil
}

// DecodeKernel parses a canonical kernel, returning the remaining bytes.
func DecodeKernel(data []byte) (*TransactionKernel, []byte, error) {
	size := 1 + 8 + 8 + len(TransactionKernel{}.Excess) + len(TransactionKernel{}.Signature)
	if len(data) < size {
		return nil, nil, errTruncated("kernel")
	}

	k := &TransactionKernel{
		Features:   KernelFeatures(data[0]),
		Fee:        binary.LittleEndian.Uint64(data[1:]),
		LockHeight: binary.LittleEndian.Uint64(data[9:]),
	}
	copy(k.Excess[:], data[17:17+len(k.Excess)])
	copy(k.Signature[:], data[17+len(k.Excess):size])

	return k, data[size:], nil
}

// errTruncated reports a short buffer while decoding the named part.
func errTruncated(what string) error {
	return fmt.Errorf("ledger: truncated %s", what)
}
