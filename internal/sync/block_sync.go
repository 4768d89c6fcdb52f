package sync

import (
	"context"
	"errors"
	"fmt"

	"veilchain/internal/chain"
	"veilchain/internal/logger"
)

// errBadBlock marks block download failures attributable to the
// remote peer.
var errBadBlock = errors.New("sync: block validation failed")

// PeerFault reports whether a sync failure is attributable to the
// remote peer rather than the local node, so the caller can ban it.
func PeerFault(err error) bool {
	return errors.Is(err, errBadHeader) || errors.Is(err, errBadBlock)
}

// SyncBlocks downloads and applies full blocks from the peer until
// the applied-block tip reaches the local header tip. Headers must
// already be synced and validated; every fetched block is matched
// against the stored header at its height before it is applied. It
// returns the number of blocks applied.
func SyncBlocks(ctx context.Context, store *chain.Store, conn PeerConn) (int, error) {
	applied := 0

	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		blockHeight, _ := store.BlockTip()
		if blockHeight >= store.Metadata().Height {
			return applied, nil
		}

		header, err := store.HeaderByHeight(blockHeight + 1)
		if err != nil {
			return applied, fmt.Errorf("%w:\n%v", errLocal, err)
		}

		want := header.Hash()
		block, err := conn.FetchBlock(ctx, want)
		if err != nil {
			return applied, fmt.Errorf("fetch block %d:\n%w", blockHeight+1, err)
		}
		if block.Hash() != want {
			return applied, fmt.Errorf("%w: block %d does not match its header",
				errBadBlock, blockHeight+1)
		}

		if err := store.ApplyBlock(block); err != nil {
			return applied, fmt.Errorf("%w: apply block %d:\n%v",
				errBadBlock, blockHeight+1, err)
		}

		applied++
		logger.Debug("block synced", "height", blockHeight+1)
	}
}
