// Package sync implements the header synchronization state machine: it
// ranks candidate peers, locates the chain split against a remote
// chain, rewinds the local chain when the remote has more accumulated
// work on a different branch, and fetches and validates header batches
// until the local tip catches up.
package sync

import (
	"context"
	"sort"
	"time"

	"veilchain/internal/chain"
)

// SyncPeer is a sync candidate: its identity, the chain metadata it
// claims, and the measured round-trip latency if any.
type SyncPeer struct {
	ID      string
	Claimed *chain.ChainMetadata
	Latency *time.Duration
}

// SortPeers orders candidates by measured latency ascending, with
// unmeasured peers after all measured ones. The sort is stable so
// peers with equal standing keep their incoming order.
func SortPeers(peers []SyncPeer) {
	sort.SliceStable(peers, func(i, j int) bool {
		a, b := peers[i].Latency, peers[j].Latency
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}

		return *a < *b
	})
}

// PeerConn is an open connection to a remote peer, able to answer the
// sync protocol requests.
type PeerConn interface {
	// FetchChainMetadata returns the remote's current chain metadata.
	FetchChainMetadata(ctx context.Context) (*chain.ChainMetadata, error)

	// FindChainSplit resolves the highest block hash among the probes
	// that the remote recognizes and returns its height together with
	// up to count headers following it on the remote chain.
	FindChainSplit(ctx context.Context, probes [][32]byte, count int) (uint64, []*chain.BlockHeader, error)

	// FetchHeaders returns up to count headers starting at the given
	// height on the remote chain.
	FetchHeaders(ctx context.Context, start uint64, count int) ([]*chain.BlockHeader, error)

	// FetchBlock returns the full block with the given header hash.
	FetchBlock(ctx context.Context, hash [32]byte) (*chain.Block, error)

	// Close releases the connection.
	Close() error
}

// Dialer opens connections to peers by identity.
type Dialer interface {
	Dial(ctx context.Context, peerID string) (PeerConn, error)
}
