// Package chain holds the block header format, chain metadata and
// fork choice, genesis construction, and the persistent chain store.
package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// ChainMetadata is the comparable summary of a chain used to rank
// competing tips. It is an immutable snapshot; only the component
// committing an accepted block or header produces a new one.
type ChainMetadata struct {
	// Height is the height of the longest chain's tip.
	Height uint64

	// BestBlock is the hash of the tip header.
	BestBlock [32]byte

	// PruningHorizon is how many blocks back from the tip full block
	// data is retained; 0 means archival.
	PruningHorizon uint64

	// PrunedHeight is the height below which block data has been
	// discarded. Always <= Height.
	PrunedHeight uint64

	// AccumulatedDifficulty is the total proof-of-work from genesis
	// to the tip. Strictly increasing along any valid extension.
	AccumulatedDifficulty *big.Int

	// Timestamp is the tip header's timestamp.
	Timestamp uint64
}

// NewChainMetadata creates a metadata snapshot.
func NewChainMetadata(height uint64, bestBlock [32]byte, pruningHorizon uint64, accumulated *big.Int, timestamp uint64) *ChainMetadata {
	return &ChainMetadata{
		Height:                height,
		BestBlock:             bestBlock,
		PruningHorizon:        pruningHorizon,
		AccumulatedDifficulty: new(big.Int).Set(accumulated),
		Timestamp:             timestamp,
	}
}

// Clone returns a deep copy.
func (m *ChainMetadata) Clone() *ChainMetadata {
	out := *m
	out.AccumulatedDifficulty = new(big.Int).Set(m.AccumulatedDifficulty)

	return &out
}

// IsArchival reports whether the node retains all block data.
func (m *ChainMetadata) IsArchival() bool {
	return m.PruningHorizon == 0
}

// HorizonBlockHeight returns the lowest height for which full block
// data is retained at the given tip. Archival nodes never report a
// horizon.
func (m *ChainMetadata) HorizonBlockHeight(tip uint64) uint64 {
	if m.IsArchival() {
		return 0
	}
	if tip < m.PruningHorizon {
		return 0
	}

	return tip - m.PruningHorizon
}

// Compare ranks this chain against another solely by accumulated
// difficulty: positive when this chain is preferred, negative when
// the other is, zero on a tie. Tie policy is the caller's decision.
func (m *ChainMetadata) Compare(other *ChainMetadata) int {
	return m.AccumulatedDifficulty.Cmp(other.AccumulatedDifficulty)
}

// String returns a short form for logging.
func (m *ChainMetadata) String() string {
	return fmt.Sprintf("height %d, tip %x, accumulated difficulty %s",
		m.Height, m.BestBlock[:8], m.AccumulatedDifficulty)
}

// Encode serializes the metadata for storage.
func (m *ChainMetadata) Encode() []byte {
	accum := m.AccumulatedDifficulty.Bytes()

	buf := make([]byte, 0, 8+32+8+8+4+len(accum)+8)
	buf = binary.LittleEndian.AppendUint64(buf, m.Height)
	buf = append(buf, m.BestBlock[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.PruningHorizon)
	buf = binary.LittleEndian.AppendUint64(buf, m.PrunedHeight)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(accum)))
	buf = append(buf, accum...)
	buf = binary.LittleEndian.AppendUint64(buf, m.Timestamp)

	return buf
}

// DecodeMetadata parses metadata produced by Encode.
func DecodeMetadata(data []byte) (*ChainMetadata, error) {
	if len(data) < 8+32+8+8+4 {
		return nil, fmt.Errorf("chain: truncated metadata")
	}

	m := &ChainMetadata{}
	m.Height = binary.LittleEndian.Uint64(data)
	copy(m.BestBlock[:], data[8:40])
	m.PruningHorizon = binary.LittleEndian.Uint64(data[40:])
	m.PrunedHeight = binary.LittleEndian.Uint64(data[48:])

	accumLen := binary.LittleEndian.Uint32(data[56:])
	rest := data[60:]
	if uint64(len(rest)) < uint64(accumLen)+8 {
		return nil, fmt.Errorf("chain: truncated metadata difficulty")
	}

	m.AccumulatedDifficulty = new(big.Int).SetBytes(rest[:accumLen])
	m.Timestamp = binary.LittleEndian.Uint64(rest[accumLen:])

	return m, nil
}
