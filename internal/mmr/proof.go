package mmr

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Proof is an inclusion proof for a single leaf. It carries the
// sibling hashes on the path from the leaf to its peak, and the other
// peaks needed to rebuild the bagged root.
type Proof struct {
	// Siblings are the hashes merged with the running hash on the way
	// up, in order.
	Siblings [][]byte

	// Lefts[i] is true when Siblings[i] is the left operand.
	Lefts []bool

	// PeaksBefore are the peak hashes left of the leaf's peak.
	PeaksBefore [][]byte

	// PeaksAfter are the peak hashes right of the leaf's peak.
	PeaksAfter [][]byte
}

// ErrProofVerify is returned when a proof does not match the root.
var ErrProofVerify = errors.New("mmr: proof verification failed")

// GenerateProof builds an inclusion proof for the leaf at the given
// index.
func (m *MMR) GenerateProof(leafIndex uint32) (*Proof, error) {
	if leafIndex >= m.leafCount {
		return nil, fmt.Errorf("mmr: leaf %d out of range", leafIndex)
	}

	size := uint64(len(m.nodes))
	peaks := peakPositions(size)
	isPeak := make(map[uint64]bool, len(peaks))
	for _, p := range peaks {
		isPeak[p] = true
	}

	proof := &Proof{}
	pos := leafPos(leafIndex)
	height := uint64(0)

	for !isPeak[pos] {
		subtree := (uint64(1) << (height + 1)) - 1

		if posHeight(pos+1) == height+1 {
			// pos is a right child; sibling is to the left.
			sibling := pos - subtree
			proof.Siblings = append(proof.Siblings, m.nodes[sibling])
			proof.Lefts = append(proof.Lefts, true)
			pos++
		} else {
			// pos is a left child; sibling is to the right.
			sibling := pos + subtree
			proof.Siblings = append(proof.Siblings, m.nodes[sibling])
			proof.Lefts = append(proof.Lefts, false)
			pos += subtree + 1
		}

		height++
	}

	for _, p := range peaks {
		switch {
		case p < pos:
			proof.PeaksBefore = append(proof.PeaksBefore, m.nodes[p])
		case p > pos:
			proof.PeaksAfter = append(proof.PeaksAfter, m.nodes[p])
		}
	}

	return proof, nil
}

// Verify checks the proof for the given leaf hash against an MMR root.
func (p *Proof) Verify(root, leafHash []byte) error {
	if len(p.Siblings) != len(p.Lefts) {
		return ErrProofVerify
	}

	cur := leafHash
	for i, sibling := range p.Siblings {
		if p.Lefts[i] {
			cur = nodeHash(sibling, cur)
		} else {
			cur = nodeHash(cur, sibling)
		}
	}

	hasher := blake3.New()
	for _, peak := range p.PeaksBefore {
		hasher.Write(peak)
	}
	hasher.Write(cur)
	for _, peak := range p.PeaksAfter {
		hasher.Write(peak)
	}

	if !bytes.Equal(hasher.Sum(nil), root) {
		return ErrProofVerify
	}

	return nil
}
