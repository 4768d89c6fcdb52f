package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"veilchain/internal/commit"
	"veilchain/internal/ledger"
	"veilchain/internal/logger"
	"veilchain/internal/mmr"
	"veilchain/internal/pow"
	"veilchain/internal/storage"
)

// Storage key prefixes. Headers are keyed by big-endian height so
// that lexicographic cursor order is height order.
var (
	keyMetadata     = []byte("meta")
	prefixHeader    = []byte("h:")
	prefixHashIndex = []byte("H:")
	prefixBlock     = []byte("b:")
	prefixUTXOIndex = []byte("u:")
	keyOutputAccum  = []byte("a:outputs")
	keyRangeAccum   = []byte("a:rangeproofs")
	keyKernelAccum  = []byte("a:kernels")
	keyBlockTip     = []byte("btip")
)

// Store errors.
var (
	// ErrHeaderNotFound is returned when no header exists at the
	// requested height or hash.
	ErrHeaderNotFound = errors.New("chain: header not found")

	// ErrUnknownInput is returned when a block spends an output this
	// node has never seen live.
	ErrUnknownInput = errors.New("chain: input spends unknown output")

	// ErrRootMismatch is returned when a block's accumulator roots do
	// not match the state after applying its body.
	ErrRootMismatch = errors.New("chain: accumulator root mismatch")

	// ErrBadProofOfWork is returned when a header fails its target.
	ErrBadProofOfWork = errors.New("chain: proof of work below target")

	// ErrBadTimestamp is returned when a header's timestamp is not
	// greater than the median of the preceding window.
	ErrBadTimestamp = errors.New("chain: timestamp not greater than median")

	// ErrBadLinkage is returned when a header does not extend the
	// expected previous block.
	ErrBadLinkage = errors.New("chain: header does not link to previous block")
)

// Store is the persistent chain state: headers, block bodies, chain
// metadata and the commitment accumulators. All mutation goes through
// one mutex; a block or header batch is applied in a single storage
// batch so it commits atomically or not at all. The header chain can
// run ahead of the applied blocks during sync; blockHeight tracks the
// highest block whose body has been applied to the accumulators.
type Store struct {
	db *storage.Storage

	mu          sync.Mutex
	metadata    *ChainMetadata
	blockHeight uint64
	blockHash   [32]byte
	outputs     *mmr.MutableMMR
	rangeProofs *mmr.MutableMMR // append-only in practice
	kernels     *mmr.MutableMMR // append-only in practice
	verifier    commit.RangeProofVerifier
}

// NewStore opens the chain store, initializing a fresh database with
// the genesis block.
func NewStore(db *storage.Storage, pruningHorizon uint64, verifier commit.RangeProofVerifier) (*Store, error) {
	s := &Store{
		db:       db,
		verifier: verifier,
	}

	raw, err := db.Get(keyMetadata)
	if err != nil {
		return nil, fmt.Errorf("read chain metadata:\n%w", err)
	}

	if raw == nil {
		if err := s.initGenesis(pruningHorizon); err != nil {
			return nil, fmt.Errorf("initialize genesis:\n%w", err)
		}

		return s, nil
	}

	s.metadata, err = DecodeMetadata(raw)
	if err != nil {
		return nil, err
	}

	if err := s.loadAccumulators(); err != nil {
		return nil, err
	}

	if err := s.loadBlockTip(); err != nil {
		return nil, err
	}

	return s, nil
}

// initGenesis writes the genesis block and fresh accumulators.
func (s *Store) initGenesis(pruningHorizon uint64) error {
	genesis := GenesisBlock()

	s.metadata = GenesisMetadata(pruningHorizon)
	s.outputs = mmr.NewMutable()
	s.rangeProofs = mmr.NewMutable()
	s.kernels = mmr.NewMutable()

	batch := s.db.NewBatch()

	if err := s.applyBodyToAccumulators(genesis.Body, batch); err != nil {
		_ = batch.Discard()
		return err
	}

	if err := s.stageBlock(batch, genesis); err != nil {
		_ = batch.Discard()
		return err
	}

	if err := s.stageState(batch); err != nil {
		_ = batch.Discard()
		return err
	}

	s.stageBlockTip(batch, genesis.Header)

	// Staging cannot fail for a plain set.
	_ = batch.Set(keyMetadata, s.metadata.Encode())

	if err := batch.Commit(); err != nil {
		return err
	}

	hash := genesis.Hash()
	s.blockHeight = 0
	s.blockHash = hash

	logger.Info("genesis block created", "hash", fmt.Sprintf("%x", hash[:8]))

	return s.db.Flush()
}

// loadAccumulators restores the three accumulators from storage.
func (s *Store) loadAccumulators() error {
	var err error
	if s.outputs, err = s.loadAccumulator(keyOutputAccum); err != nil {
		return err
	}
	if s.rangeProofs, err = s.loadAccumulator(keyRangeAccum); err != nil {
		return err
	}
	if s.kernels, err = s.loadAccumulator(keyKernelAccum); err != nil {
		return err
	}

	return nil
}

func (s *Store) loadAccumulator(key []byte) (*mmr.MutableMMR, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return mmr.NewMutable(), nil
	}

	return mmr.DeserializeMutable(raw)
}

// loadBlockTip restores the applied-block tip record.
func (s *Store) loadBlockTip() error {
	raw, err := s.db.Get(keyBlockTip)
	if err != nil {
		return err
	}
	if len(raw) != 40 {
		return errors.New("chain: missing block tip record")
	}

	s.blockHeight = binary.BigEndian.Uint64(raw)
	copy(s.blockHash[:], raw[8:])

	return nil
}

// Metadata returns a snapshot of the current chain metadata.
func (s *Store) Metadata() *ChainMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.metadata.Clone()
}

// BlockTip returns the height and hash of the highest applied block.
// It trails Metadata().Height while headers are synced ahead of the
// block download.
func (s *Store) BlockTip() (uint64, [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blockHeight, s.blockHash
}

// TipHeader returns the header at the current best height.
func (s *Store) TipHeader() (*BlockHeader, error) {
	return s.HeaderByHeight(s.Metadata().Height)
}

// HeaderByHeight returns the header at the given height.
func (s *Store) HeaderByHeight(height uint64) (*BlockHeader, error) {
	raw, err := s.db.Get(headerKey(height))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: height %d", ErrHeaderNotFound, height)
	}

	header, _, err := DecodeHeader(raw)

	return header, err
}

// HeaderByHash returns the header with the given hash.
func (s *Store) HeaderByHash(hash [32]byte) (*BlockHeader, error) {
	raw, err := s.db.Get(hashIndexKey(hash))
	if err != nil {
		return nil, err
	}
	if raw == nil || len(raw) != 8 {
		return nil, fmt.Errorf("%w: hash %x", ErrHeaderNotFound, hash[:8])
	}

	return s.HeaderByHeight(binary.BigEndian.Uint64(raw))
}

// HeadersInRange returns up to count headers starting at the given
// height, in height order, using an ordered cursor over the header
// keyspace. The result is shorter than count at the tip.
func (s *Store) HeadersInRange(start uint64, count int) ([]*BlockHeader, error) {
	cursor, err := s.db.NewCursor(prefixHeader)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	headers := make([]*BlockHeader, 0, count)

	for ok := cursor.Seek(headerKey(start)); ok && len(headers) < count; ok = cursor.Next() {
		raw, err := cursor.Value()
		if err != nil {
			return nil, err
		}

		header, _, err := DecodeHeader(raw)
		if err != nil {
			return nil, err
		}

		headers = append(headers, header)
	}

	return headers, nil
}

// BlockByHash returns the stored block with the given header hash.
func (s *Store) BlockByHash(hash [32]byte) (*Block, error) {
	raw, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: block %x", ErrHeaderNotFound, hash[:8])
	}

	return DecodeBlock(raw)
}

// TimestampWindow returns the timestamps of the most recent headers
// up to the median window size, oldest first.
func (s *Store) TimestampWindow() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.timestampWindowLocked()
}

// RetargetWindow builds a difficulty retarget window from the chain's
// recent headers, ending at the tip.
func (s *Store) RetargetWindow() (*pow.LinearWeightedMovingAverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retargetWindowLocked()
}

// PutHeaders appends validated headers to the chain in one atomic
// batch: either every header and the metadata update commit, or
// nothing does. Headers must be contiguous and extend the tip.
func (s *Store) PutHeaders(headers []*BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if headers[0].Height != s.metadata.Height+1 {
		return fmt.Errorf("%w: batch starts at %d, tip is %d",
			ErrBadLinkage, headers[0].Height, s.metadata.Height)
	}

	batch := s.db.NewBatch()

	for _, header := range headers {
		if err := s.stageHeader(batch, header); err != nil {
			_ = batch.Discard()
			return err
		}
	}

	pending := s.stageMetadataFrom(batch, headers[len(headers)-1])

	if err := batch.Commit(); err != nil {
		return err
	}

	s.metadata = pending

	return s.db.Flush()
}

// ApplyBlock validates a full block against the current state and
// commits it: internal body consistency, proof of work, timestamp
// rule, linkage, then accumulator updates. All storage writes land in
// one atomic batch. On any failure the in-memory accumulators are
// reloaded from the last committed state.
func (s *Store) ApplyBlock(block *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateBlock(block); err != nil {
		return err
	}

	batch := s.db.NewBatch()

	if err := s.applyBodyToAccumulators(block.Body, batch); err != nil {
		_ = batch.Discard()
		return errors.Join(err, s.reloadState())
	}

	if err := s.checkRoots(block.Header); err != nil {
		_ = batch.Discard()
		return errors.Join(err, s.reloadState())
	}

	if err := s.stageBlock(batch, block); err != nil {
		_ = batch.Discard()
		return errors.Join(err, s.reloadState())
	}

	if err := s.stageState(batch); err != nil {
		_ = batch.Discard()
		return errors.Join(err, s.reloadState())
	}

	s.stageBlockTip(batch, block.Header)

	// The header chain may already extend past this block when headers
	// were synced first; only a block growing the chain moves the tip.
	var pending *ChainMetadata
	if block.Header.Height > s.metadata.Height {
		pending = s.stageMetadataFrom(batch, block.Header)
	}

	if err := batch.Commit(); err != nil {
		return errors.Join(err, s.reloadState())
	}

	hash := block.Hash()
	s.blockHeight = block.Header.Height
	s.blockHash = hash
	if pending != nil {
		s.metadata = pending
	}

	logger.Debug("block applied",
		"height", block.Header.Height,
		"hash", fmt.Sprintf("%x", hash[:8]),
		"outputs", len(block.Body.Outputs()),
		"inputs", len(block.Body.Inputs()),
	)

	return s.db.Flush()
}

// Rewind removes all headers and blocks above toHeight and resets the
// metadata, the accumulators and the output index to the new tip. It
// returns the abandoned headers in reverse height order (old tip
// first) so callers can roll back any height-indexed state before
// applying a new chain.
func (s *Store) Rewind(toHeight uint64) ([]*BlockHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if toHeight >= s.metadata.Height {
		return nil, nil
	}

	var abandoned []*BlockHeader

	batch := s.db.NewBatch()

	for height := s.metadata.Height; height > toHeight; height-- {
		raw, err := s.db.Get(headerKey(height))
		if err != nil {
			_ = batch.Discard()
			return nil, err
		}
		if raw == nil {
			continue
		}

		header, _, err := DecodeHeader(raw)
		if err != nil {
			_ = batch.Discard()
			return nil, err
		}

		hash := header.Hash()
		abandoned = append(abandoned, header)

		if err := batch.Delete(headerKey(height)); err != nil {
			_ = batch.Discard()
			return nil, err
		}
		if err := batch.Delete(hashIndexKey(hash)); err != nil {
			_ = batch.Discard()
			return nil, err
		}
		if err := batch.Delete(blockKey(hash)); err != nil {
			_ = batch.Discard()
			return nil, err
		}
	}

	newTip, err := s.HeaderByHeight(toHeight)
	if err != nil {
		_ = batch.Discard()
		return nil, err
	}

	pending := s.stageMetadataFrom(batch, newTip)

	// Applied blocks above the fork point left outputs, kernels and
	// tombstones behind; replay the surviving blocks so the
	// accumulators and the output index match the new tip again.
	var outputs, rangeProofs, kernels *mmr.MutableMMR
	if s.blockHeight > toHeight {
		outputs, rangeProofs, kernels, err = s.rebuildAccumulators(batch, toHeight)
		if err != nil {
			_ = batch.Discard()
			return nil, err
		}

		s.stageBlockTip(batch, newTip)
	}

	if err := batch.Commit(); err != nil {
		return nil, err
	}

	s.metadata = pending
	if outputs != nil {
		s.outputs, s.rangeProofs, s.kernels = outputs, rangeProofs, kernels
		s.blockHeight = toHeight
		s.blockHash = newTip.Hash()
	}

	logger.Info("chain rewound",
		"toHeight", toHeight,
		"abandoned", len(abandoned),
	)

	return abandoned, s.db.Flush()
}

// rebuildAccumulators replays every stored block up to toHeight into
// fresh accumulators, staging their state and a rebuilt output index
// on the batch.
func (s *Store) rebuildAccumulators(batch *storage.Batch, toHeight uint64) (*mmr.MutableMMR, *mmr.MutableMMR, *mmr.MutableMMR, error) {
	outputs := mmr.NewMutable()
	rangeProofs := mmr.NewMutable()
	kernels := mmr.NewMutable()
	index := make(map[commit.Commitment]uint32)

	for height := uint64(0); height <= toHeight; height++ {
		header, err := s.HeaderByHeight(height)
		if err != nil {
			return nil, nil, nil, err
		}

		block, err := s.BlockByHash(header.Hash())
		if err != nil {
			return nil, nil, nil, err
		}

		body := block.Body
		for i := range body.Inputs() {
			in := &body.Inputs()[i]

			leafIndex, ok := index[in.Commitment]
			if !ok || !outputs.DeleteBatch(leafIndex) {
				return nil, nil, nil, fmt.Errorf(
					"corrupt chain state: block %d spends unknown output %s", height, in.Commitment)
			}

			delete(index, in.Commitment)
		}
		outputs.Compact()

		for i := range body.Outputs() {
			out := &body.Outputs()[i]

			leafIndex, err := outputs.Push(out.Hash())
			if err != nil {
				return nil, nil, nil, err
			}
			if _, err := rangeProofs.Push(out.RangeProofHash()); err != nil {
				return nil, nil, nil, err
			}

			index[out.Commitment] = leafIndex
		}

		for i := range body.Kernels() {
			if _, err := kernels.Push(body.Kernels()[i].Hash()); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	if err := s.replaceUTXOIndex(batch, index); err != nil {
		return nil, nil, nil, err
	}
	if err := stageAccumulators(batch, outputs, rangeProofs, kernels); err != nil {
		return nil, nil, nil, err
	}

	return outputs, rangeProofs, kernels, nil
}

// replaceUTXOIndex stages deletion of the whole output index and
// writes the rebuilt entries.
func (s *Store) replaceUTXOIndex(batch *storage.Batch, index map[commit.Commitment]uint32) error {
	var stale [][]byte
	err := s.db.IteratePrefix(prefixUTXOIndex, func(key, _ []byte) error {
		stale = append(stale, append([]byte{}, key...))
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range stale {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}

	for commitment, leafIndex := range index {
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], leafIndex)

		if err := batch.Set(utxoIndexKey(commitment), idx[:]); err != nil {
			return err
		}
	}

	return nil
}

// AccumulatorRoots returns the current roots of the three
// accumulators.
func (s *Store) AccumulatorRoots() (outputRoot, rangeProofRoot, kernelRoot [32]byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.roots()
}

// OutputProof generates an inclusion proof for the live output leaf
// at the given index, returning the leaf hash and the accumulator's
// inner root the proof verifies against.
func (s *Store) OutputProof(leafIndex uint32) (*mmr.Proof, []byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leafHash := s.outputs.GetLeafHash(leafIndex)
	if leafHash == nil {
		return nil, nil, nil, fmt.Errorf("chain: output leaf %d is spent or unknown", leafIndex)
	}

	proof, err := s.outputs.MMR().GenerateProof(leafIndex)
	if err != nil {
		return nil, nil, nil, err
	}

	return proof, leafHash, s.outputs.MMR().Root(), nil
}

// validateBlock checks everything about a block except its effect on
// the accumulators.
func (s *Store) validateBlock(block *Block) error {
	header := block.Header

	if header.Height != s.blockHeight+1 {
		return fmt.Errorf("%w: block height %d, applied tip %d",
			ErrBadLinkage, header.Height, s.blockHeight)
	}
	if header.PrevHash != s.blockHash {
		return fmt.Errorf("%w: prev %x, tip %x",
			ErrBadLinkage, header.PrevHash[:8], s.blockHash[:8])
	}

	// When headers were synced ahead of the block download, the block
	// must be the one its synced header commits to.
	if s.metadata.Height >= header.Height {
		synced, err := s.HeaderByHeight(header.Height)
		if err != nil {
			return err
		}
		if synced.Hash() != block.Hash() {
			return fmt.Errorf("%w: block %d does not match the synced header",
				ErrBadLinkage, header.Height)
		}
	}

	if err := s.validateHeaderPoW(header); err != nil {
		return err
	}

	if err := block.Body.CheckCoinbaseCount(1, 1); err != nil {
		return err
	}
	if err := block.Body.CheckCutThrough(); err != nil {
		return err
	}

	return ledger.ValidateInternalConsistency(
		block.Body, header.TotalOffset, BlockReward, s.verifier)
}

// validateHeaderPoW checks the timestamp rule, the proof-of-work
// target and the accumulated difficulty bookkeeping. The caller holds
// the lock.
func (s *Store) validateHeaderPoW(header *BlockHeader) error {
	timestamps, err := s.timestampWindowLocked()
	if err != nil {
		return err
	}
	if !pow.CheckTimestampGreaterThanMedian(header.Timestamp, timestamps) {
		return fmt.Errorf("%w: timestamp %d", ErrBadTimestamp, header.Timestamp)
	}

	lwma, err := s.retargetWindowLocked()
	if err != nil {
		return err
	}

	target := lwma.Difficulty()
	if !pow.CheckProofOfWork(header.PowHash(), pow.TargetFromDifficulty(target)) {
		return fmt.Errorf("%w: required difficulty %d", ErrBadProofOfWork, target)
	}

	// A block contributes the difficulty it was mined against, so the
	// running total does not depend on how lucky the winning hash was.
	parent, err := s.HeaderByHeight(s.blockHeight)
	if err != nil {
		return err
	}

	want := new(big.Int).Add(parent.TotalDifficulty, target.BigInt())
	if header.TotalDifficulty.Cmp(want) != 0 {
		return fmt.Errorf("chain: accumulated difficulty %s, want %s",
			header.TotalDifficulty, want)
	}

	return nil
}

// applyBodyToAccumulators pushes outputs and kernels and tombstones
// spent inputs, staging the output index updates on the batch.
func (s *Store) applyBodyToAccumulators(body *ledger.AggregateBody, batch *storage.Batch) error {
	for i := range body.Inputs() {
		in := &body.Inputs()[i]

		raw, err := s.db.Get(utxoIndexKey(in.Commitment))
		if err != nil {
			return err
		}
		if raw == nil || len(raw) != 4 {
			return fmt.Errorf("%w: %s", ErrUnknownInput, in.Commitment)
		}

		leafIndex := binary.LittleEndian.Uint32(raw)
		if !s.outputs.DeleteBatch(leafIndex) {
			return fmt.Errorf("%w: %s already spent", ErrUnknownInput, in.Commitment)
		}

		if err := batch.Delete(utxoIndexKey(in.Commitment)); err != nil {
			return err
		}
	}

	s.outputs.Compact()

	for i := range body.Outputs() {
		out := &body.Outputs()[i]

		leafIndex, err := s.outputs.Push(out.Hash())
		if err != nil {
			return err
		}
		if _, err := s.rangeProofs.Push(out.RangeProofHash()); err != nil {
			return err
		}

		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], leafIndex)
		if err := batch.Set(utxoIndexKey(out.Commitment), idx[:]); err != nil {
			return err
		}
	}

	for i := range body.Kernels() {
		if _, err := s.kernels.Push(body.Kernels()[i].Hash()); err != nil {
			return err
		}
	}

	return nil
}

// checkRoots compares the in-memory accumulator roots to the header's
// claimed roots.
func (s *Store) checkRoots(header *BlockHeader) error {
	outputRoot, rangeProofRoot, kernelRoot, err := s.roots()
	if err != nil {
		return err
	}

	if outputRoot != header.OutputRoot {
		return fmt.Errorf("%w: output root", ErrRootMismatch)
	}
	if rangeProofRoot != header.RangeProofRoot {
		return fmt.Errorf("%w: range proof root", ErrRootMismatch)
	}
	if kernelRoot != header.KernelRoot {
		return fmt.Errorf("%w: kernel root", ErrRootMismatch)
	}

	return nil
}

// roots computes the three accumulator roots. The caller holds the
// lock.
func (s *Store) roots() (outputRoot, rangeProofRoot, kernelRoot [32]byte, err error) {
	o, err := s.outputs.Root()
	if err != nil {
		return outputRoot, rangeProofRoot, kernelRoot, err
	}
	r, err := s.rangeProofs.Root()
	if err != nil {
		return outputRoot, rangeProofRoot, kernelRoot, err
	}
	k, err := s.kernels.Root()
	if err != nil {
		return outputRoot, rangeProofRoot, kernelRoot, err
	}

	copy(outputRoot[:], o)
	copy(rangeProofRoot[:], r)
	copy(kernelRoot[:], k)

	return outputRoot, rangeProofRoot, kernelRoot, nil
}

// reloadState restores the accumulators from the last committed
// storage state after a failed application.
func (s *Store) reloadState() error {
	return s.loadAccumulators()
}

// stageHeader stages a header and its hash index on the batch.
func (s *Store) stageHeader(batch *storage.Batch, header *BlockHeader) error {
	if err := batch.Set(headerKey(header.Height), header.Encode()); err != nil {
		return err
	}

	hash := header.Hash()

	var height [8]byte
	binary.BigEndian.PutUint64(height[:], header.Height)

	return batch.Set(hashIndexKey(hash), height[:])
}

// stageBlock stages the header, hash index and full block body.
func (s *Store) stageBlock(batch *storage.Batch, block *Block) error {
	if err := s.stageHeader(batch, block.Header); err != nil {
		return err
	}

	raw, err := EncodeBlock(block)
	if err != nil {
		return err
	}

	return batch.Set(blockKey(block.Hash()), raw)
}

// stageState stages the serialized live accumulators.
func (s *Store) stageState(batch *storage.Batch) error {
	return stageAccumulators(batch, s.outputs, s.rangeProofs, s.kernels)
}

func stageAccumulators(batch *storage.Batch, outputs, rangeProofs, kernels *mmr.MutableMMR) error {
	for _, entry := range []struct {
		key []byte
		acc *mmr.MutableMMR
	}{
		{keyOutputAccum, outputs},
		{keyRangeAccum, rangeProofs},
		{keyKernelAccum, kernels},
	} {
		raw, err := entry.acc.Serialize()
		if err != nil {
			return err
		}
		if err := batch.Set(entry.key, raw); err != nil {
			return err
		}
	}

	return nil
}

// stageMetadataFrom stages a metadata update derived from the given
// tip header and returns the pending snapshot. Callers install it
// into the store only after the batch commits, so a failed commit
// never leaves the node advertising headers it does not hold.
func (s *Store) stageMetadataFrom(batch *storage.Batch, tip *BlockHeader) *ChainMetadata {
	meta := s.metadata.Clone()
	meta.Height = tip.Height
	meta.BestBlock = tip.Hash()
	meta.AccumulatedDifficulty = new(big.Int).Set(tip.TotalDifficulty)
	meta.Timestamp = tip.Timestamp

	// Staging cannot fail for a plain set.
	_ = batch.Set(keyMetadata, meta.Encode())

	return meta
}

// stageBlockTip stages the applied-block tip record.
func (s *Store) stageBlockTip(batch *storage.Batch, tip *BlockHeader) {
	buf := make([]byte, 40)
	binary.BigEndian.PutUint64(buf, tip.Height)

	hash := tip.Hash()
	copy(buf[8:], hash[:])

	_ = batch.Set(keyBlockTip, buf)
}

// timestampWindowLocked is TimestampWindow without re-locking. The
// window ends at the applied-block tip, not the header tip, so block
// validation is unaffected by headers synced ahead.
func (s *Store) timestampWindowLocked() ([]uint64, error) {
	tip := s.blockHeight

	start := uint64(0)
	if uint64(MedianTimestampWindow) <= tip+1 {
		start = tip + 1 - uint64(MedianTimestampWindow)
	}

	headers, err := s.HeadersInRange(start, int(tip-start)+1)
	if err != nil {
		return nil, err
	}

	timestamps := make([]uint64, len(headers))
	for i, h := range headers {
		timestamps[i] = h.Timestamp
	}

	return timestamps, nil
}

// retargetWindowLocked is RetargetWindow without re-locking. Like the
// timestamp window it ends at the applied-block tip.
func (s *Store) retargetWindowLocked() (*pow.LinearWeightedMovingAverage, error) {
	tip := s.blockHeight

	start := uint64(0)
	if uint64(DifficultyBlockWindow+1) <= tip+1 {
		start = tip - uint64(DifficultyBlockWindow)
	}

	headers, err := s.HeadersInRange(start, int(tip-start)+1)
	if err != nil {
		return nil, err
	}

	lwma := NewLWMA()
	for _, h := range headers {
		if err := lwma.Add(h.Timestamp, h.TotalDifficulty); err != nil {
			return nil, fmt.Errorf("corrupt chain state:\n%w", err)
		}
	}

	return lwma, nil
}

func headerKey(height uint64) []byte {
	key := make([]byte, 0, len(prefixHeader)+8)
	key = append(key, prefixHeader...)

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], height)

	return append(key, be[:]...)
}

func hashIndexKey(hash [32]byte) []byte {
	return append(append([]byte{}, prefixHashIndex...), hash[:]...)
}

func blockKey(hash [32]byte) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func utxoIndexKey(c commit.Commitment) []byte {
	return append(append([]byte{}, prefixUTXOIndex...), c[:]...)
}
