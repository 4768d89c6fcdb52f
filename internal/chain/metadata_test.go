package chain

import (
	"math/big"
	"testing"

	"github.com/zeebo/blake3"
)

// TestMetadataEncodeDecode tests the storage round trip.
func TestMetadataEncodeDecode(t *testing.T) {
	tip := blake3.Sum256([]byte("tip"))
	meta := NewChainMetadata(42, tip, 100, big.NewInt(123456789), 1735689720)
	meta.PrunedHeight = 7

	decoded, err := DecodeMetadata(meta.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Height != meta.Height {
		t.Fatalf("height %d, want %d", decoded.Height, meta.Height)
	}
	if decoded.BestBlock != meta.BestBlock {
		t.Fatalf("best block mismatch")
	}
	if decoded.PruningHorizon != meta.PruningHorizon {
		t.Fatalf("pruning horizon %d, want %d", decoded.PruningHorizon, meta.PruningHorizon)
	}
	if decoded.PrunedHeight != meta.PrunedHeight {
		t.Fatalf("pruned height %d, want %d", decoded.PrunedHeight, meta.PrunedHeight)
	}
	if decoded.AccumulatedDifficulty.Cmp(meta.AccumulatedDifficulty) != 0 {
		t.Fatalf("accumulated difficulty %s, want %s",
			decoded.AccumulatedDifficulty, meta.AccumulatedDifficulty)
	}
	if decoded.Timestamp != meta.Timestamp {
		t.Fatalf("timestamp %d, want %d", decoded.Timestamp, meta.Timestamp)
	}
}

// TestDecodeMetadataTruncated tests that short inputs are rejected.
func TestDecodeMetadataTruncated(t *testing.T) {
	tip := blake3.Sum256([]byte("tip"))
	raw := NewChainMetadata(1, tip, 0, big.NewInt(1000), 1).Encode()

	for _, n := range []int{0, 10, 59, len(raw) - 1} {
		if _, err := DecodeMetadata(raw[:n]); err == nil {
			t.Fatalf("decode of %d bytes must fail", n)
		}
	}
}

// TestMetadataCompare tests that chains rank by accumulated
// difficulty alone.
func TestMetadataCompare(t *testing.T) {
	tip := blake3.Sum256([]byte("tip"))

	heavy := NewChainMetadata(5, tip, 0, big.NewInt(2000), 0)
	light := NewChainMetadata(50, tip, 0, big.NewInt(1000), 0)

	if heavy.Compare(light) <= 0 {
		t.Fatalf("heavier chain must rank above a longer, lighter one")
	}
	if light.Compare(heavy) >= 0 {
		t.Fatalf("lighter chain must rank below")
	}

	// Equal work at different heights is a tie.
	same := NewChainMetadata(7, tip, 0, big.NewInt(2000), 0)
	if heavy.Compare(same) != 0 {
		t.Fatalf("equal accumulated difficulty must compare as zero")
	}
}

// TestMetadataClone tests that clones do not share the difficulty.
func TestMetadataClone(t *testing.T) {
	tip := blake3.Sum256([]byte("tip"))
	meta := NewChainMetadata(1, tip, 0, big.NewInt(100), 0)

	clone := meta.Clone()
	clone.AccumulatedDifficulty.SetInt64(999)
	clone.Height = 2

	if meta.AccumulatedDifficulty.Int64() != 100 {
		t.Fatalf("mutating a clone changed the original difficulty")
	}
	if meta.Height != 1 {
		t.Fatalf("mutating a clone changed the original height")
	}
}

// TestHorizonBlockHeight tests pruning horizon arithmetic.
func TestHorizonBlockHeight(t *testing.T) {
	tip := blake3.Sum256([]byte("tip"))

	archival := NewChainMetadata(500, tip, 0, big.NewInt(1), 0)
	if !archival.IsArchival() {
		t.Fatalf("horizon 0 must be archival")
	}
	if got := archival.HorizonBlockHeight(500); got != 0 {
		t.Fatalf("archival horizon height %d, want 0", got)
	}

	pruned := NewChainMetadata(500, tip, 100, big.NewInt(1), 0)
	if pruned.IsArchival() {
		t.Fatalf("horizon 100 must not be archival")
	}
	if got := pruned.HorizonBlockHeight(500); got != 400 {
		t.Fatalf("horizon height %d, want 400", got)
	}
	if got := pruned.HorizonBlockHeight(50); got != 0 {
		t.Fatalf("horizon height below the horizon %d, want 0", got)
	}
}
