package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"veilchain/internal/chain"
	"veilchain/internal/commit"
	"veilchain/internal/logger"
	"veilchain/internal/network"
	"veilchain/internal/storage"
	vsync "veilchain/internal/sync"
)

const (
	// listenInterval is how long the node waits between sync rounds
	// once it has caught up.
	listenInterval = 30 * time.Second

	// claimTimeout bounds the metadata probe of each configured peer.
	claimTimeout = 10 * time.Second
)

// Node is a running veilchain node.
type Node struct {
	cfg     *Config
	storage *storage.Storage
	store   *chain.Store
	network *network.Node
	syncer  *vsync.HeaderSync
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initChain(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initChain opens the chain store, creating the genesis block on
// first run.
func (n *Node) initChain() error {
	store, err := chain.NewStore(n.storage, n.cfg.PruningHorizon, commit.BoundVerifier{})
	if err != nil {
		return fmt.Errorf("init chain store:\n%w", err)
	}

	n.store = store

	meta := store.Metadata()
	logger.Info("chain state loaded",
		"height", meta.Height,
		"difficulty", meta.AccumulatedDifficulty,
		"archival", meta.IsArchival(),
	)

	return nil
}

// initNetwork creates the QUIC node and the sync machine on top of it.
func (n *Node) initNetwork() error {
	net, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.ListenAddress,
	}, n.store)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = net
	n.syncer = vsync.NewHeaderSync(n.store, net)
	n.syncer.SetBanHook(net.Ban)

	return nil
}

// Run starts the node and blocks until interrupted.
func (n *Node) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	go n.consumeStatus(ctx)
	go n.consumeRewinds(ctx)

	n.syncLoop(ctx)

	logger.Info("shutting down")

	return n.Close()
}

// syncLoop drives the sync machine: refresh peer claims, run a round,
// then wait or retry depending on the outcome.
func (n *Node) syncLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n.refreshPeerClaims(ctx)

		switch event := n.syncer.NextEvent(ctx).(type) {
		case vsync.EventSynced:
			logger.Info("headers synced with peer", "peer", event.Peer.ID)
			n.syncBlocks(ctx, event.Peer.ID)

		case vsync.EventContinue:
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenInterval):
			}

		case vsync.EventFailed:
			logger.Error("sync round failed", "reason", event.Reason)

			select {
			case <-ctx.Done():
				return
			case <-time.After(listenInterval):
			}
		}
	}
}

// syncBlocks brings the applied-block tip up to the freshly synced
// header tip by downloading the missing bodies from the same peer.
func (n *Node) syncBlocks(ctx context.Context, peerID string) {
	conn, err := n.network.Dial(ctx, peerID)
	if err != nil {
		logger.Warn("block sync dial failed", "peer", peerID, "error", err)
		return
	}
	defer conn.Close()

	applied, err := vsync.SyncBlocks(ctx, n.store, conn)
	if err != nil {
		logger.Warn("block sync failed", "peer", peerID, "error", err)

		if vsync.PeerFault(err) {
			n.network.Ban(peerID, err)
		}
	}

	if applied > 0 {
		height, _ := n.store.BlockTip()
		logger.Info("blocks applied", "count", applied, "height", height)
	}
}

// refreshPeerClaims probes each configured peer for its current chain
// claim and hands the candidate set to the sync machine. The previous
// ranking order is preserved for peers that answer again.
func (n *Node) refreshPeerClaims(ctx context.Context) {
	order := make(map[string]int, len(n.cfg.Peers))
	for i, p := range n.syncer.Peers() {
		order[p.ID] = i
	}

	var peers []vsync.SyncPeer

	for _, addr := range n.cfg.Peers {
		peer, err := n.probePeer(ctx, addr)
		if err != nil {
			logger.Debug("peer probe failed", "addr", addr, "error", err)
			continue
		}

		peers = append(peers, peer)
	}

	// Previously ranked peers keep their position; newcomers go last.
	sort.SliceStable(peers, func(i, j int) bool {
		a, aOK := order[peers[i].ID]
		b, bOK := order[peers[j].ID]
		if aOK != bOK {
			return aOK
		}

		return aOK && a < b
	})

	n.syncer.UpdatePeers(peers)
}

// probePeer fetches one peer's chain claim and latency.
func (n *Node) probePeer(ctx context.Context, addr string) (vsync.SyncPeer, error) {
	probeCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	conn, err := n.network.Dial(probeCtx, addr)
	if err != nil {
		return vsync.SyncPeer{}, err
	}

	claimed, err := conn.FetchChainMetadata(probeCtx)
	if err != nil {
		return vsync.SyncPeer{}, err
	}

	peer := vsync.SyncPeer{ID: addr, Claimed: claimed}
	if p, ok := conn.(*network.Peer); ok {
		peer.Latency = p.Latency()
	}

	return peer, nil
}

// consumeStatus logs sync state transitions.
func (n *Node) consumeStatus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case info := <-n.syncer.Status():
			logger.Debug("sync status",
				"state", info.State,
				"bootstrapped", info.Bootstrapped,
				"height", info.Height,
				"difficulty", info.AccumulatedDifficulty,
			)
		}
	}
}

// consumeRewinds logs reorganizations as they happen.
func (n *Node) consumeRewinds(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case abandoned := <-n.syncer.Rewinds():
			if len(abandoned) == 0 {
				continue
			}

			logger.Warn("chain reorganization",
				"abandoned", len(abandoned),
				"oldTip", abandoned[0].Height,
			)
		}
	}
}

// Close releases the node's resources in reverse start order.
func (n *Node) Close() error {
	if n.network != nil {
		_ = n.network.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}
