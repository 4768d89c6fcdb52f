package chain

import (
	"math/big"

	"github.com/zeebo/blake3"

	"veilchain/internal/commit"
	"veilchain/internal/ledger"
	"veilchain/internal/mmr"
	"veilchain/internal/pow"
)

// Consensus constants.
const (
	// TargetBlockInterval is the target time between blocks, seconds.
	TargetBlockInterval uint64 = 120

	// DifficultyBlockWindow is the number of intervals the difficulty
	// retarget considers.
	DifficultyBlockWindow = 18

	// MedianTimestampWindow is the number of prior headers whose
	// median bounds a new header's timestamp.
	MedianTimestampWindow = 11

	// Coin is the number of base units per coin.
	Coin uint64 = 1_000_000

	// BlockReward is the fixed block subsidy.
	BlockReward uint64 = 50 * Coin

	// genesisTimestamp is the fixed genesis block time.
	genesisTimestamp uint64 = 1735689600
)

// genesisSeed derives the genesis coinbase blinding key. The opening
// is public by construction; the genesis output is spendable by no
// one and exists to anchor the accumulators.
var genesisSeed = []byte("veilchain-genesis-coinbase")

// NewLWMA creates the retarget window with this network's constants.
func NewLWMA() *pow.LinearWeightedMovingAverage {
	return pow.NewLWMA(DifficultyBlockWindow, TargetBlockInterval, pow.MinDifficulty)
}

// GenesisBlock builds the deterministic genesis block: a single
// coinbase output and kernel, with accumulator roots computed from
// scratch.
func GenesisBlock() *Block {
	blind := commit.NewBlind(blake3Bytes(genesisSeed, "blind"))
	nonceSeed := blake3Bytes(genesisSeed, "range-proof-nonce")

	var nonce [32]byte
	copy(nonce[:], nonceSeed)

	outCommit := commit.Commit(BlockReward, blind)
	output := ledger.TransactionOutput{
		Features:   ledger.OutputCoinbase,
		Commitment: outCommit,
		RangeProof: commit.ProveRange(outCommit, nonce),
	}

	kernel := ledger.TransactionKernel{
		Features: ledger.KernelCoinbase,
		Excess:   commit.Commit(0, blind),
	}
	kernel.Signature = commit.SignChallenge(blind, kernel.Challenge())

	body := ledger.NewAggregateBody(nil,
		[]ledger.TransactionOutput{output},
		[]ledger.TransactionKernel{kernel},
	)
	// A single-element body is trivially sortable.
	_ = body.Sort()

	header := &BlockHeader{
		Version:         HeaderVersion,
		Height:          0,
		Timestamp:       genesisTimestamp,
		TotalDifficulty: big.NewInt(int64(pow.MinDifficulty)),
		PowAlgo:         PowAlgoBlake3,
	}

	outputRoot, rangeProofRoot, kernelRoot := genesisRoots(body)
	header.OutputRoot = outputRoot
	header.RangeProofRoot = rangeProofRoot
	header.KernelRoot = kernelRoot

	return &Block{Header: header, Body: body}
}

// GenesisMetadata returns the chain metadata for a fresh node.
func GenesisMetadata(pruningHorizon uint64) *ChainMetadata {
	genesis := GenesisBlock()

	return NewChainMetadata(
		0,
		genesis.Hash(),
		pruningHorizon,
		genesis.Header.TotalDifficulty,
		genesis.Header.Timestamp,
	)
}

// genesisRoots computes the three accumulator roots for the genesis
// body applied to empty accumulators.
func genesisRoots(body *ledger.AggregateBody) (outputRoot, rangeProofRoot, kernelRoot [32]byte) {
	outputs := mmr.NewMutable()
	rangeProofs := mmr.NewMutable()
	kernels := mmr.NewMutable()

	for i := range body.Outputs() {
		out := &body.Outputs()[i]
		// Pushing the genesis output cannot overflow a fresh MMR.
		_, _ = outputs.Push(out.Hash())
		_, _ = rangeProofs.Push(out.RangeProofHash())
	}
	for i := range body.Kernels() {
		_, _ = kernels.Push(body.Kernels()[i].Hash())
	}

	o, err := outputs.Root()
	if err != nil {
		panic("chain: genesis output root: " + err.Error())
	}
	r, err := rangeProofs.Root()
	if err != nil {
		panic("chain: genesis range proof root: " + err.Error())
	}
	k, err := kernels.Root()
	if err != nil {
		panic("chain: genesis kernel root: " + err.Error())
	}

	copy(outputRoot[:], o)
	copy(rangeProofRoot[:], r)
	copy(kernelRoot[:], k)

	return outputRoot, rangeProofRoot, kernelRoot
}

// blake3Bytes hashes a seed and label together.
func blake3Bytes(seed []byte, label string) []byte {
	hasher := blake3.New()
	hasher.Write(seed)
	hasher.Write([]byte(label))

	return hasher.Sum(nil)
}
