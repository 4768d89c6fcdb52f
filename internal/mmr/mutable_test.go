package mmr

import (
	"bytes"
	"testing"
)

// newTestMutable creates a mutable MMR holding n deterministic leaves.
func newTestMutable(t *testing.T, n int) *MutableMMR {
	t.Helper()

	m := NewMutable()
	for i := 0; i < n; i++ {
		if _, err := m.Push(leaf(i)); err != nil {
			t.Fatalf("push leaf %d: %v", i, err)
		}
	}

	return m
}

// mutableRoot computes the root and fails the test on error.
func mutableRoot(t *testing.T, m *MutableMMR) []byte {
	t.Helper()

	root, err := m.Root()
	if err != nil {
		t.Fatalf("root: %v", err)
	}

	return root
}

// TestDeleteChangesRoot tests that tombstoning a leaf changes the
// digest without shrinking the append history.
func TestDeleteChangesRoot(t *testing.T) {
	m := newTestMutable(t, 5)
	before := mutableRoot(t, m)

	if !m.Delete(2) {
		t.Fatal("delete of a live leaf must succeed")
	}

	if bytes.Equal(before, mutableRoot(t, m)) {
		t.Fatal("tombstoning must change the root")
	}

	if m.LeafCount() != 5 {
		t.Fatalf("leaf count must stay 5, got %d", m.LeafCount())
	}
	if m.Len() != 4 {
		t.Fatalf("live count must drop to 4, got %d", m.Len())
	}
}

// TestPushThenDeleteDiffersFromNeverPushed tests that spending a leaf
// is not the same as never having had it.
func TestPushThenDeleteDiffersFromNeverPushed(t *testing.T) {
	spent := newTestMutable(t, 3)
	if !spent.Delete(2) {
		t.Fatal("delete failed")
	}

	never := newTestMutable(t, 2)

	if spent.Equal(never) {
		t.Fatal("push-then-delete must not equal never-pushed")
	}
}

// TestDeleteEdgeCases tests double deletes and out-of-range indexes.
func TestDeleteEdgeCases(t *testing.T) {
	m := newTestMutable(t, 3)

	if !m.Delete(1) {
		t.Fatal("first delete must succeed")
	}
	if m.Delete(1) {
		t.Fatal("second delete of the same leaf must fail")
	}
	if m.Delete(3) {
		t.Fatal("out-of-range delete must fail")
	}

	if m.GetLeafHash(1) != nil {
		t.Fatal("tombstoned leaf must read as nil")
	}
	if m.GetLeafHash(0) == nil {
		t.Fatal("live leaf must stay readable")
	}
}

// TestDeleteBatchCompact tests that batched deletes give the same
// digest as one-by-one deletes once compacted.
func TestDeleteBatchCompact(t *testing.T) {
	batched := newTestMutable(t, 8)
	for _, i := range []uint32{1, 3, 5} {
		if !batched.DeleteBatch(i) {
			t.Fatalf("batch delete %d failed", i)
		}
	}
	batched.Compact()

	oneByOne := newTestMutable(t, 8)
	for _, i := range []uint32{1, 3, 5} {
		if !oneByOne.Delete(i) {
			t.Fatalf("delete %d failed", i)
		}
	}

	if !batched.Equal(oneByOne) {
		t.Fatal("batched and single deletes must converge to the same digest")
	}
}

// TestEqualIsDigestOnly tests that equality never inspects structure,
// only the digest.
func TestEqualIsDigestOnly(t *testing.T) {
	a := newTestMutable(t, 4)
	b := newTestMutable(t, 4)

	if !a.Equal(b) {
		t.Fatal("identical histories must compare equal")
	}

	if !b.Delete(0) {
		t.Fatal("delete failed")
	}
	if a.Equal(b) {
		t.Fatal("diverged tombstone sets must compare unequal")
	}
}

// TestIsEmpty tests the live-leaf emptiness check.
func TestIsEmpty(t *testing.T) {
	m := NewMutable()
	if !m.IsEmpty() {
		t.Fatal("fresh accumulator must be empty")
	}

	if _, err := m.Push(leaf(0)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if m.IsEmpty() {
		t.Fatal("accumulator with a live leaf is not empty")
	}

	if !m.Delete(0) {
		t.Fatal("delete failed")
	}
	if !m.IsEmpty() {
		t.Fatal("accumulator with all leaves spent is empty")
	}
}

// TestSerializeRoundTrip tests that storage encoding preserves the
// digest, the live set and internal consistency.
func TestSerializeRoundTrip(t *testing.T) {
	m := newTestMutable(t, 9)
	for _, i := range []uint32{0, 4, 8} {
		if !m.Delete(i) {
			t.Fatalf("delete %d failed", i)
		}
	}

	raw, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	restored, err := DeserializeMutable(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if !m.Equal(restored) {
		t.Fatal("restored accumulator must match the original digest")
	}
	if restored.Len() != 6 {
		t.Fatalf("restored live count %d, want 6", restored.Len())
	}
	if restored.GetLeafHash(4) != nil {
		t.Fatal("restored tombstones must survive the round trip")
	}
	if err := restored.Validate(); err != nil {
		t.Fatalf("restored accumulator invalid: %v", err)
	}
}

// TestDeserializeTruncated tests that corrupt state is rejected.
func TestDeserializeTruncated(t *testing.T) {
	m := newTestMutable(t, 3)

	raw, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	if _, err := DeserializeMutable(raw[:len(raw)-1]); err == nil {
		t.Fatal("truncated state must be rejected")
	}
	if _, err := DeserializeMutable(raw[:2]); err == nil {
		t.Fatal("truncated header must be rejected")
	}
}
