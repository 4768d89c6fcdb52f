// Package mmr implements an append-only Merkle Mountain Range and a
// mutable wrapper that tracks spent leaves in a compressed tombstone
// bitmap. The MMR stores every node (leaves and parents) in a single
// flat list addressed by post-order position.
package mmr

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/zeebo/blake3"
)

// HashSize is the size of every node hash in bytes.
const HashSize = 32

// ErrMMRFull is returned when the accumulator has reached its maximum
// addressable number of leaves.
var ErrMMRFull = errors.New("mmr: maximum leaf count reached")

// MMR is an append-only Merkle Mountain Range.
// It is not safe for concurrent use.
type MMR struct {
	nodes     [][]byte // all nodes in post-order position
	leafCount uint32
}

// New creates an empty MMR.
func New() *MMR {
	return &MMR{}
}

// Push appends a leaf hash and returns its leaf index.
func (m *MMR) Push(leafHash []byte) (uint32, error) {
	if m.leafCount == math.MaxUint32 {
		return 0, ErrMMRFull
	}

	leafIndex := m.leafCount

	h := make([]byte, HashSize)
	copy(h, leafHash)

	pos := uint64(len(m.nodes))
	m.nodes = append(m.nodes, h)
	m.leafCount++

	// Each completed subtree gets a parent immediately after its
	// right child.
	cur := h
	peak := uint64(1)

	for posHeight(pos+1) > 0 {
		leftSibling := pos + 1 - 2*peak
		left := m.nodes[leftSibling]

		peak *= 2
		pos++

		cur = nodeHash(left, cur)
		m.nodes = append(m.nodes, cur)
	}

	return leafIndex, nil
}

// LeafCount returns the number of leaves ever pushed.
func (m *MMR) LeafCount() uint32 {
	return m.leafCount
}

// Size returns the total number of nodes, parents included.
func (m *MMR) Size() uint64 {
	return uint64(len(m.nodes))
}

// GetLeafHash returns the hash of the leaf at the given index, or nil
// if the index is out of range.
func (m *MMR) GetLeafHash(leafIndex uint32) []byte {
	if leafIndex >= m.leafCount {
		return nil
	}

	return m.nodes[leafPos(leafIndex)]
}

// Root computes the accumulator root by bagging the peaks left to
// right. The root of an empty MMR is the hash of the empty string.
func (m *MMR) Root() []byte {
	hasher := blake3.New()

	for _, pos := range peakPositions(uint64(len(m.nodes))) {
		hasher.Write(m.nodes[pos])
	}

	return hasher.Sum(nil)
}

// Validate recomputes every parent node and checks it against the
// stored hash. It verifies internal consistency only; it cannot tell
// whether the leaves themselves are the right ones.
func (m *MMR) Validate() error {
	for pos := uint64(0); pos < uint64(len(m.nodes)); pos++ {
		height := posHeight(pos)
		if height == 0 {
			continue
		}

		left := pos - (uint64(1) << height)
		right := pos - 1

		want := nodeHash(m.nodes[left], m.nodes[right])
		if !bytes.Equal(want, m.nodes[pos]) {
			return fmt.Errorf("mmr: node %d does not match its children", pos)
		}
	}

	return nil
}

// nodeHash computes a parent hash from two children.
func nodeHash(left, right []byte) []byte {
	hasher := blake3.New()
	hasher.Write(left)
	hasher.Write(right)

	return hasher.Sum(nil)
}

// leafPos converts a leaf index to its node position.
func leafPos(leafIndex uint32) uint64 {
	i := uint64(leafIndex)
	return 2*i - uint64(bits.OnesCount64(i))
}

// posHeight returns the height of the node at the given position.
// Leaves have height 0.
func posHeight(pos uint64) uint64 {
	// Work on the 1-based post-order position: strip complete left
	// subtrees until only a perfect tree remains.
	p := pos + 1
	for !allOnes(p) {
		p -= (uint64(1) << (bits.Len64(p) - 1)) - 1
	}

	return uint64(bits.Len64(p)) - 1
}

// allOnes reports whether every bit below the highest set bit is set.
func allOnes(n uint64) bool {
	return n != 0 && n&(n+1) == 0
}

// peakPositions returns the positions of all peaks, left to right,
// for an MMR with the given node count.
func peakPositions(size uint64) []uint64 {
	if size == 0 {
		return nil
	}

	var peaks []uint64
	var offset uint64

	remaining := size
	for remaining > 0 {
		// Largest perfect tree that fits in the remaining nodes.
		height := uint64(bits.Len64(remaining+1)) - 1
		treeSize := (uint64(1) << height) - 1

		for treeSize > remaining {
			height--
			treeSize = (uint64(1) << height) - 1
		}

		peaks = append(peaks, offset+treeSize-1)
		offset += treeSize
		remaining -= treeSize
	}

	return peaks
}
