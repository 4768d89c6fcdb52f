package mmr

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/zeebo/blake3"
)

// MutableMMR wraps an append-only MMR with a tombstone bitmap so that
// leaves can be marked spent without being physically removed. The
// root binds the append history and the tombstone set into a single
// digest. It is not safe for concurrent use; callers serialize
// Push/Delete/Root against a given instance.
type MutableMMR struct {
	mmr     *MMR
	deleted *roaring.Bitmap
}

// NewMutable creates an empty mutable MMR.
func NewMutable() *MutableMMR {
	return &MutableMMR{
		mmr:     New(),
		deleted: roaring.New(),
	}
}

// Push appends a leaf hash and returns its leaf index.
func (m *MutableMMR) Push(leafHash []byte) (uint32, error) {
	return m.mmr.Push(leafHash)
}

// Delete marks the leaf at the given index as spent and compacts the
// bitmap. Returns false if the index is out of range or the leaf is
// already deleted.
func (m *MutableMMR) Delete(leafIndex uint32) bool {
	if !m.DeleteBatch(leafIndex) {
		return false
	}

	m.Compact()

	return true
}

// DeleteBatch marks the leaf as spent but defers bitmap compaction.
// Callers batching many deletions must call Compact before the next
// Root computation or the root will be wrong.
func (m *MutableMMR) DeleteBatch(leafIndex uint32) bool {
	if leafIndex >= m.mmr.LeafCount() {
		return false
	}
	if m.deleted.Contains(leafIndex) {
		return false
	}

	m.deleted.Add(leafIndex)

	return true
}

// Compact optimizes the tombstone bitmap representation. Required
// after DeleteBatch, before the next Root call.
func (m *MutableMMR) Compact() {
	m.deleted.RunOptimize()
}

// GetLeafHash returns the hash of the leaf at the given index, or nil
// if the index is out of range or the leaf is tombstoned.
func (m *MutableMMR) GetLeafHash(leafIndex uint32) []byte {
	if m.deleted.Contains(leafIndex) {
		return nil
	}

	return m.mmr.GetLeafHash(leafIndex)
}

// LeafCount returns the number of leaves ever pushed, deleted or not.
func (m *MutableMMR) LeafCount() uint32 {
	return m.mmr.LeafCount()
}

// Len returns the number of live (not tombstoned) leaves.
func (m *MutableMMR) Len() uint32 {
	return m.mmr.LeafCount() - uint32(m.deleted.GetCardinality())
}

// IsEmpty reports whether no live leaves remain.
func (m *MutableMMR) IsEmpty() bool {
	return m.Len() == 0
}

// Root binds "what exists" to "what is still live" in one digest:
// blake3 of the underlying MMR root followed by the serialized
// tombstone bitmap.
func (m *MutableMMR) Root() ([]byte, error) {
	bitmap, err := m.deleted.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize tombstone bitmap:\n%w", err)
	}

	hasher := blake3.New()
	hasher.Write(m.mmr.Root())
	hasher.Write(bitmap)

	return hasher.Sum(nil), nil
}

// Equal reports digest equality with another accumulator. Two
// instances with different append histories but equal roots compare
// equal; equality never inspects structure.
func (m *MutableMMR) Equal(other *MutableMMR) bool {
	a, err := m.Root()
	if err != nil {
		return false
	}

	b, err := other.Root()
	if err != nil {
		return false
	}

	return bytes.Equal(a, b)
}

// Validate checks the internal parent-hash consistency of the
// underlying MMR. It cannot verify that the tombstone set matches the
// authoritative spend history; that is the caller's responsibility.
func (m *MutableMMR) Validate() error {
	return m.mmr.Validate()
}

// MMR returns the underlying append-only accumulator, e.g. for
// inclusion proof generation. Callers must not push through it.
func (m *MutableMMR) MMR() *MMR {
	return m.mmr
}

// Serialize encodes the accumulator for storage: leaf count, every
// leaf hash in push order, and the tombstone bitmap. Parent nodes are
// rebuilt on load.
func (m *MutableMMR) Serialize() ([]byte, error) {
	m.Compact()

	bitmap, err := m.deleted.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize tombstone bitmap:\n%w", err)
	}

	buf := make([]byte, 0, 8+int(m.mmr.LeafCount())*HashSize+len(bitmap))
	buf = binary.LittleEndian.AppendUint32(buf, m.mmr.LeafCount())

	for i := uint32(0); i < m.mmr.LeafCount(); i++ {
		buf = append(buf, m.mmr.nodes[leafPos(i)]...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(bitmap)))
	buf = append(buf, bitmap...)

	return buf, nil
}

// DeserializeMutable rebuilds an accumulator from Serialize output.
func DeserializeMutable(data []byte) (*MutableMMR, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("mmr: truncated accumulator state")
	}

	leafCount := binary.LittleEndian.Uint32(data)
	data = data[4:]

	if uint64(len(data)) < uint64(leafCount)*HashSize+4 {
		return nil, fmt.Errorf("mmr: truncated accumulator leaves")
	}

	m := NewMutable()
	for i := uint32(0); i < leafCount; i++ {
		if _, err := m.Push(data[:HashSize]); err != nil {
			return nil, err
		}
		data = data[HashSize:]
	}

	bitmapLen := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint64(len(data)) < uint64(bitmapLen) {
		return nil, fmt.Errorf("mmr: truncated tombstone bitmap")
	}

	if bitmapLen > 0 {
		if _, err := m.deleted.ReadFrom(bytes.NewReader(data[:bitmapLen])); err != nil {
			return nil, fmt.Errorf("parse tombstone bitmap:\n%w", err)
		}
	}

	return m, nil
}
