package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/zeebo/blake3"

	"veilchain/internal/commit"
)

// HeaderVersion is the current block header version.
const HeaderVersion uint16 = 1

// PowAlgoBlake3 identifies the built-in blake3 proof of work.
const PowAlgoBlake3 uint8 = 0

// BlockHeader is the consensus header record. Every field listed in
// the hash preimage is consensus-critical.
type BlockHeader struct {
	Version   uint16
	Height    uint64
	PrevHash  [32]byte
	Timestamp uint64

	// OutputRoot is the output commitment accumulator root after
	// applying this block.
	OutputRoot [32]byte

	// RangeProofRoot commits to every retained range proof.
	RangeProofRoot [32]byte

	// KernelRoot commits to every kernel since genesis.
	KernelRoot [32]byte

	// TotalOffset is the accumulated kernel offset for the block.
	TotalOffset commit.Blind

	// TotalDifficulty is the accumulated proof-of-work from genesis
	// up to and including this block.
	TotalDifficulty *big.Int

	// Nonce is the proof-of-work nonce.
	Nonce uint64

	// PowAlgo names the proof-of-work algorithm used.
	PowAlgo uint8
}

// Hash returns the header's identity hash: blake3 over version,
// height, previous hash, timestamp, the three roots, total offset and
// the proof-of-work descriptor. Nonce and total difficulty are not
// part of the identity.
func (h *BlockHeader) Hash() [32]byte {
	buf := make([]byte, 0, 2+8+32+8+32+32+32+32+1)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.OutputRoot[:]...)
	buf = append(buf, h.RangeProofRoot[:]...)
	buf = append(buf, h.KernelRoot[:]...)
	buf = append(buf, h.TotalOffset[:]...)
	buf = append(buf, h.PowAlgo)

	return blake3.Sum256(buf)
}

// PowHash returns the hash the proof-of-work target applies to: the
// identity hash mixed with the nonce.
func (h *BlockHeader) PowHash() [32]byte {
	identity := h.Hash()

	buf := make([]byte, 0, 32+8)
	buf = append(buf, identity[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)

	return blake3.Sum256(buf)
}

// Encode serializes the full header record.
func (h *BlockHeader) Encode() []byte {
	diff := h.TotalDifficulty.Bytes()

	buf := make([]byte, 0, 2+8+32+8+32+32+32+32+4+len(diff)+8+1)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.OutputRoot[:]...)
	buf = append(buf, h.RangeProofRoot[:]...)
	buf = append(buf, h.KernelRoot[:]...)
	buf = append(buf, h.TotalOffset[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(diff)))
	buf = append(buf, diff...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, h.PowAlgo)

	return buf
}

// DecodeHeader parses a header record produced by Encode, returning
// the remaining bytes.
func DecodeHeader(data []byte) (*BlockHeader, []byte, error) {
	const fixed = 2 + 8 + 32 + 8 + 32 + 32 + 32 + 32 + 4
	if len(data) < fixed {
		return nil, nil, fmt.Errorf("chain: truncated header")
	}

	h := &BlockHeader{}
	h.Version = binary.LittleEndian.Uint16(data)
	h.Height = binary.LittleEndian.Uint64(data[2:])
	copy(h.PrevHash[:], data[10:42])
	h.Timestamp = binary.LittleEndian.Uint64(data[42:])
	copy(h.OutputRoot[:], data[50:82])
	copy(h.RangeProofRoot[:], data[82:114])
	copy(h.KernelRoot[:], data[114:146])
	copy(h.TotalOffset[:], data[146:178])

	diffLen := binary.LittleEndian.Uint32(data[178:])
	rest := data[fixed:]
	if uint64(len(rest)) < uint64(diffLen)+8+1 {
		return nil, nil, fmt.Errorf("chain: truncated header difficulty")
	}

	h.TotalDifficulty = new(big.Int).SetBytes(rest[:diffLen])
	h.Nonce = binary.LittleEndian.Uint64(rest[diffLen:])
	h.PowAlgo = rest[diffLen+8]

	return h, rest[diffLen+8+1:], nil
}
