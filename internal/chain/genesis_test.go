package chain

import (
	"testing"

	"veilchain/internal/commit"
	"veilchain/internal/ledger"
	"veilchain/internal/pow"
)

// TestGenesisDeterministic tests that genesis construction always
// yields the same block.
func TestGenesisDeterministic(t *testing.T) {
	a := GenesisBlock()
	b := GenesisBlock()

	if a.Hash() != b.Hash() {
		t.Fatalf("genesis hash must be deterministic")
	}

	rawA, err := EncodeBlock(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rawB, err := EncodeBlock(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(rawA) != string(rawB) {
		t.Fatalf("genesis encoding must be deterministic")
	}
}

// TestGenesisShape tests the fixed genesis structure.
func TestGenesisShape(t *testing.T) {
	genesis := GenesisBlock()

	if genesis.Header.Height != 0 {
		t.Fatalf("genesis height %d, want 0", genesis.Header.Height)
	}
	if genesis.Header.PrevHash != [32]byte{} {
		t.Fatalf("genesis prev hash must be zero")
	}
	if genesis.Header.TotalDifficulty.Cmp(pow.MinDifficulty.BigInt()) != 0 {
		t.Fatalf("genesis accumulated difficulty %s, want %d",
			genesis.Header.TotalDifficulty, pow.MinDifficulty)
	}
	if len(genesis.Body.Inputs()) != 0 {
		t.Fatalf("genesis must spend nothing")
	}
	if len(genesis.Body.Outputs()) != 1 || len(genesis.Body.Kernels()) != 1 {
		t.Fatalf("genesis must carry exactly one output and one kernel")
	}
	if err := genesis.Body.CheckCoinbaseCount(1, 1); err != nil {
		t.Fatalf("coinbase count: %v", err)
	}
}

// TestGenesisBodyValidates tests that the genesis body passes the
// full consistency check with a zero offset.
func TestGenesisBodyValidates(t *testing.T) {
	genesis := GenesisBlock()

	err := ledger.ValidateInternalConsistency(
		genesis.Body, commit.Blind{}, BlockReward, commit.BoundVerifier{})
	if err != nil {
		t.Fatalf("genesis body: %v", err)
	}
}

// TestGenesisMetadata tests the fresh-node metadata snapshot.
func TestGenesisMetadata(t *testing.T) {
	genesis := GenesisBlock()
	meta := GenesisMetadata(250)

	if meta.Height != 0 {
		t.Fatalf("height %d, want 0", meta.Height)
	}
	if meta.BestBlock != genesis.Hash() {
		t.Fatalf("best block must be the genesis hash")
	}
	if meta.PruningHorizon != 250 {
		t.Fatalf("pruning horizon %d, want 250", meta.PruningHorizon)
	}
	if meta.AccumulatedDifficulty.Cmp(genesis.Header.TotalDifficulty) != 0 {
		t.Fatalf("accumulated difficulty mismatch")
	}
	if meta.Timestamp != genesis.Header.Timestamp {
		t.Fatalf("timestamp mismatch")
	}
}
