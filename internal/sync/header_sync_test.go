package sync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"veilchain/internal/chain"
	"veilchain/internal/commit"
	"veilchain/internal/pow"
	"veilchain/internal/storage"
)

const mineAttempts = 1 << 20

// newTestStore opens a fresh archival chain store over a temporary
// database.
func newTestStore(t *testing.T) *chain.Store {
	t.Helper()

	dir, err := os.MkdirTemp("", "sync_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	store, err := chain.NewStore(db, 0, commit.BoundVerifier{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	return store
}

// mineRemoteChain builds count valid headers on top of genesis,
// rolling the retarget and timestamp windows forward exactly the way
// validation does.
func mineRemoteChain(t *testing.T, count int) []*chain.BlockHeader {
	t.Helper()

	genesis := genesisHeader()

	lwma := chain.NewLWMA()
	if err := lwma.Add(genesis.Timestamp, genesis.TotalDifficulty); err != nil {
		t.Fatalf("seed retarget window: %v", err)
	}

	timestamps := []uint64{genesis.Timestamp}
	prevHash := genesis.Hash()
	accumulated := new(big.Int).Set(genesis.TotalDifficulty)

	headers := make([]*chain.BlockHeader, 0, count)

	for i := 0; i < count; i++ {
		h := &chain.BlockHeader{
			Version:   chain.HeaderVersion,
			Height:    uint64(i) + 1,
			PrevHash:  prevHash,
			Timestamp: timestamps[len(timestamps)-1] + chain.TargetBlockInterval,
			PowAlgo:   chain.PowAlgoBlake3,
		}

		targetDifficulty := lwma.Difficulty()
		target := pow.TargetFromDifficulty(targetDifficulty)

		mined := false
		for nonce := uint64(0); nonce < mineAttempts; nonce++ {
			h.Nonce = nonce
			if pow.CheckProofOfWork(h.PowHash(), target) {
				mined = true
				break
			}
		}
		if !mined {
			t.Fatalf("no nonce met difficulty %d at height %d", targetDifficulty, h.Height)
		}

		h.TotalDifficulty = new(big.Int).Add(accumulated, targetDifficulty.BigInt())

		if err := lwma.Add(h.Timestamp, h.TotalDifficulty); err != nil {
			t.Fatalf("advance retarget window: %v", err)
		}

		timestamps = append(timestamps, h.Timestamp)
		if len(timestamps) > chain.MedianTimestampWindow {
			timestamps = timestamps[1:]
		}

		prevHash = h.Hash()
		accumulated = h.TotalDifficulty

		headers = append(headers, h)
	}

	return headers
}

// genesisHeader returns the genesis block header.
func genesisHeader() *chain.BlockHeader {
	return chain.GenesisBlock().Header
}

// remoteMetadata derives the metadata a remote serving the given
// chain would claim.
func remoteMetadata(headers []*chain.BlockHeader) *chain.ChainMetadata {
	tip := headers[len(headers)-1]

	return chain.NewChainMetadata(tip.Height, tip.Hash(), 0, tip.TotalDifficulty, tip.Timestamp)
}

// fakeConn serves a fixed remote chain over the sync protocol.
type fakeConn struct {
	meta    *chain.ChainMetadata
	headers []*chain.BlockHeader
	blocks  map[[32]byte]*chain.Block
	known   map[[32]byte]uint64
	closed  bool
}

// newFakeConn wraps a mined remote chain. The genesis hash is always
// recognized.
func newFakeConn(headers []*chain.BlockHeader) *fakeConn {
	known := map[[32]byte]uint64{genesisHeader().Hash(): 0}
	for _, h := range headers {
		known[h.Hash()] = h.Height
	}

	return &fakeConn{
		meta:    remoteMetadata(headers),
		headers: headers,
		known:   known,
	}
}

func (c *fakeConn) FetchChainMetadata(context.Context) (*chain.ChainMetadata, error) {
	return c.meta.Clone(), nil
}

func (c *fakeConn) FindChainSplit(_ context.Context, probes [][32]byte, count int) (uint64, []*chain.BlockHeader, error) {
	for _, probe := range probes {
		height, ok := c.known[probe]
		if !ok {
			continue
		}

		return height, c.slice(height+1, count), nil
	}

	return 0, nil, errors.New("no common block found")
}

func (c *fakeConn) FetchHeaders(_ context.Context, start uint64, count int) ([]*chain.BlockHeader, error) {
	return c.slice(start, count), nil
}

func (c *fakeConn) FetchBlock(_ context.Context, hash [32]byte) (*chain.Block, error) {
	block, ok := c.blocks[hash]
	if !ok {
		return nil, errors.New("block not served")
	}

	return block, nil
}

func (c *fakeConn) Close() error {
	c.closed = true

	return nil
}

// slice returns up to count headers starting at the given height.
func (c *fakeConn) slice(start uint64, count int) []*chain.BlockHeader {
	if start < 1 || start > uint64(len(c.headers)) {
		return nil
	}

	end := start - 1 + uint64(count)
	if end > uint64(len(c.headers)) {
		end = uint64(len(c.headers))
	}

	return c.headers[start-1 : end]
}

// fakeDialer hands out prepared connections by peer id.
type fakeDialer struct {
	conns map[string]PeerConn
	errs  map[string]error
	dials []string
}

func (d *fakeDialer) Dial(_ context.Context, peerID string) (PeerConn, error) {
	d.dials = append(d.dials, peerID)

	if err, ok := d.errs[peerID]; ok {
		return nil, err
	}

	conn, ok := d.conns[peerID]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peerID)
	}

	return conn, nil
}

// failDialer fails the test if any dial happens.
type failDialer struct {
	t *testing.T
}

func (d failDialer) Dial(context.Context, string) (PeerConn, error) {
	d.t.Fatalf("dial must not be called")

	return nil, nil
}

// TestNextEventNoBetterPeers tests that a round with no peer claiming
// more work than the local chain makes no network calls and reports
// the node synced.
func TestNextEventNoBetterPeers(t *testing.T) {
	store := newTestStore(t)
	s := NewHeaderSync(store, failDialer{t: t})

	local := store.Metadata()
	s.UpdatePeers([]SyncPeer{
		{ID: "behind", Claimed: claimed(local.AccumulatedDifficulty.Int64() - 1)},
		{ID: "equal", Claimed: local.Clone()},
		{ID: "silent"},
	})

	event := s.NextEvent(context.Background())
	if _, ok := event.(EventContinue); !ok {
		t.Fatalf("got %T, want EventContinue", event)
	}
	if !s.IsSynced() {
		t.Fatalf("node must consider itself synced")
	}
}

// TestNextEventSyncSuccess tests a full header sync across multiple
// batches, including promotion of the winning peer.
func TestNextEventSyncSuccess(t *testing.T) {
	store := newTestStore(t)
	remote := mineRemoteChain(t, 120)

	dialer := &fakeDialer{
		conns: map[string]PeerConn{"good": newFakeConn(remote)},
		errs:  map[string]error{"flaky": errors.New("connection refused")},
	}

	s := NewHeaderSync(store, dialer)
	s.UpdatePeers([]SyncPeer{
		{ID: "flaky", Claimed: remoteMetadata(remote), Latency: millis(1)},
		{ID: "good", Claimed: remoteMetadata(remote), Latency: millis(2)},
	})

	event := s.NextEvent(context.Background())

	synced, ok := event.(EventSynced)
	if !ok {
		t.Fatalf("got %T, want EventSynced", event)
	}
	if synced.Peer.ID != "good" {
		t.Fatalf("synced with %s, want good", synced.Peer.ID)
	}

	meta := store.Metadata()
	if meta.Height != 120 {
		t.Fatalf("height %d, want 120", meta.Height)
	}
	if meta.BestBlock != remote[len(remote)-1].Hash() {
		t.Fatalf("tip is not the remote tip")
	}

	// The lower-latency peer was tried first and failed.
	if len(dialer.dials) != 2 || dialer.dials[0] != "flaky" || dialer.dials[1] != "good" {
		t.Fatalf("dial order %v, want [flaky good]", dialer.dials)
	}

	// The winner moves to the front for the next round.
	if peers := s.Peers(); peers[0].ID != "good" || peers[1].ID != "flaky" {
		t.Fatalf("promotion order wrong: %s, %s", peers[0].ID, peers[1].ID)
	}
	if !s.IsSynced() {
		t.Fatalf("node must be synced after success")
	}
}

// TestNextEventRewind tests abandoning a local branch when the remote
// chain forks below the local tip with more work.
func TestNextEventRewind(t *testing.T) {
	store := newTestStore(t)
	genesis := genesisHeader()

	// A local stub header the remote chain does not contain.
	stale := &chain.BlockHeader{
		Version:         chain.HeaderVersion,
		Height:          1,
		PrevHash:        genesis.Hash(),
		Timestamp:       genesis.Timestamp + 1,
		TotalDifficulty: new(big.Int).Add(genesis.TotalDifficulty, big.NewInt(1)),
		PowAlgo:         chain.PowAlgoBlake3,
	}
	if err := store.PutHeaders([]*chain.BlockHeader{stale}); err != nil {
		t.Fatalf("put stale header: %v", err)
	}

	remote := mineRemoteChain(t, 5)
	dialer := &fakeDialer{conns: map[string]PeerConn{"fork": newFakeConn(remote)}}

	s := NewHeaderSync(store, dialer)
	s.UpdatePeers([]SyncPeer{{ID: "fork", Claimed: remoteMetadata(remote)}})

	event := s.NextEvent(context.Background())
	if _, ok := event.(EventSynced); !ok {
		t.Fatalf("got %T, want EventSynced", event)
	}

	select {
	case abandoned := <-s.Rewinds():
		if len(abandoned) != 1 {
			t.Fatalf("abandoned %d headers, want 1", len(abandoned))
		}
		if abandoned[0].Hash() != stale.Hash() {
			t.Fatalf("abandoned header is not the stale branch tip")
		}
	default:
		t.Fatalf("rewind must publish the abandoned headers")
	}

	meta := store.Metadata()
	if meta.Height != 5 {
		t.Fatalf("height %d, want 5", meta.Height)
	}
	if meta.BestBlock != remote[len(remote)-1].Hash() {
		t.Fatalf("tip is not the remote tip after the rewind")
	}
}

// TestNextEventNoRewindOnBadChain tests that a peer claiming a fork
// with more work cannot trigger a rewind before its headers validate.
func TestNextEventNoRewindOnBadChain(t *testing.T) {
	store := newTestStore(t)

	local := mineRemoteChain(t, 5)
	if err := store.PutHeaders(local); err != nil {
		t.Fatalf("put headers: %v", err)
	}

	genesis := genesisHeader()

	// One header forking at genesis, with a wildly inflated work claim
	// and no proof behind it.
	junk := &chain.BlockHeader{
		Version:         chain.HeaderVersion,
		Height:          1,
		PrevHash:        genesis.Hash(),
		Timestamp:       genesis.Timestamp + 1,
		TotalDifficulty: new(big.Int).Lsh(big.NewInt(1), 40),
		PowAlgo:         chain.PowAlgoBlake3,
	}

	conn := &fakeConn{
		meta:    chain.NewChainMetadata(1, junk.Hash(), 0, junk.TotalDifficulty, junk.Timestamp),
		headers: []*chain.BlockHeader{junk},
		known:   map[[32]byte]uint64{genesis.Hash(): 0},
	}

	dialer := &fakeDialer{conns: map[string]PeerConn{"liar": conn}}

	s := NewHeaderSync(store, dialer)
	s.UpdatePeers([]SyncPeer{{ID: "liar", Claimed: conn.meta.Clone()}})

	var banned []string
	s.SetBanHook(func(peerID string, _ error) { banned = append(banned, peerID) })

	event := s.NextEvent(context.Background())
	if _, ok := event.(EventContinue); !ok {
		t.Fatalf("got %T, want EventContinue", event)
	}
	if len(banned) != 1 || banned[0] != "liar" {
		t.Fatalf("banned %v, want [liar]", banned)
	}

	meta := store.Metadata()
	if meta.Height != 5 || meta.BestBlock != local[len(local)-1].Hash() {
		t.Fatalf("local chain must survive the failed sync untouched")
	}

	select {
	case <-s.Rewinds():
		t.Fatalf("no rewind may happen for an unproven chain")
	default:
	}
}

// TestNextEventBadHeaderBans tests that a peer serving headers which
// fail validation is reported to the ban hook and the round moves on.
func TestNextEventBadHeaderBans(t *testing.T) {
	store := newTestStore(t)
	remote := mineRemoteChain(t, 5)

	// Claim more work than was actually done.
	forged := *remote[0]
	forged.TotalDifficulty = new(big.Int).Add(remote[0].TotalDifficulty, big.NewInt(1))
	tampered := append([]*chain.BlockHeader{&forged}, remote[1:]...)

	dialer := &fakeDialer{conns: map[string]PeerConn{"liar": newFakeConn(tampered)}}

	s := NewHeaderSync(store, dialer)
	s.UpdatePeers([]SyncPeer{{ID: "liar", Claimed: remoteMetadata(remote)}})

	var banned []string
	s.SetBanHook(func(peerID string, reason error) {
		banned = append(banned, peerID)

		if reason == nil {
			t.Fatalf("ban reason must not be nil")
		}
	})

	event := s.NextEvent(context.Background())
	if _, ok := event.(EventContinue); !ok {
		t.Fatalf("got %T, want EventContinue", event)
	}

	if len(banned) != 1 || banned[0] != "liar" {
		t.Fatalf("banned %v, want [liar]", banned)
	}
	if store.Metadata().Height != 0 {
		t.Fatalf("no header from the tampered batch may land")
	}
}

// TestNextEventCancelled tests that cancellation aborts the round
// with a failure event.
func TestNextEventCancelled(t *testing.T) {
	store := newTestStore(t)
	remote := mineRemoteChain(t, 3)

	dialer := &fakeDialer{errs: map[string]error{"peer": errors.New("dial timeout")}}

	s := NewHeaderSync(store, dialer)
	s.UpdatePeers([]SyncPeer{{ID: "peer", Claimed: remoteMetadata(remote)}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	event := s.NextEvent(ctx)

	failed, ok := event.(EventFailed)
	if !ok {
		t.Fatalf("got %T, want EventFailed", event)
	}
	if !errors.Is(failed.Reason, context.Canceled) {
		t.Fatalf("reason %v, want context.Canceled", failed.Reason)
	}
}

// TestStatusSnapshots tests that state transitions publish
// non-blocking status snapshots.
func TestStatusSnapshots(t *testing.T) {
	store := newTestStore(t)
	s := NewHeaderSync(store, failDialer{t: t})

	s.NextEvent(context.Background())

	var states []State
	for {
		select {
		case info := <-s.Status():
			states = append(states, info.State)
		default:
			if len(states) != 2 || states[0] != StateFiltering || states[1] != StateContinue {
				t.Fatalf("states %v, want [Filtering Continue]", states)
			}

			return
		}
	}
}

// TestSplitProbes tests the exponential back-walk over local hashes.
func TestSplitProbes(t *testing.T) {
	store := newTestStore(t)

	if err := store.PutHeaders(mineRemoteChain(t, 100)); err != nil {
		t.Fatalf("put headers: %v", err)
	}

	s := NewHeaderSync(store, nil)

	probes, err := s.splitProbes(100)
	if err != nil {
		t.Fatalf("split probes: %v", err)
	}

	meta := store.Metadata()
	if probes[0] != meta.BestBlock {
		t.Fatalf("first probe must be the tip")
	}
	if probes[len(probes)-1] != genesisHeader().Hash() {
		t.Fatalf("last probe must be genesis")
	}

	// Dense near the tip, exponential gaps further back.
	prev := uint64(101)
	for i, probe := range probes {
		header, err := store.HeaderByHash(probe)
		if err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
		if header.Height >= prev {
			t.Fatalf("probe heights must strictly decrease")
		}

		prev = header.Height
	}

	if len(probes) != 18 {
		t.Fatalf("probe count %d, want 18", len(probes))
	}
}
