package sync

import (
	"context"
	"errors"
	"fmt"

	"veilchain/internal/chain"
	"veilchain/internal/logger"
)

const (
	// headerBatchSize is the number of headers requested per round
	// trip during sync.
	headerBatchSize = 100

	// statusBuffer is the status channel capacity; snapshots beyond
	// it are dropped rather than blocking the machine.
	statusBuffer = 16
)

// errBadHeader marks validation failures attributable to the remote
// peer. They trigger the ban hook.
var errBadHeader = errors.New("sync: header validation failed")

// errLocal marks failures of the local chain store. They abort the
// run instead of moving to the next peer.
var errLocal = errors.New("sync: local chain error")

// BanFunc is called when a peer serves headers that fail validation.
type BanFunc func(peerID string, reason error)

// HeaderSync drives header synchronization against a set of candidate
// peers. It is owned by a single goroutine: NextEvent, UpdatePeers and
// the setters must not be called concurrently.
type HeaderSync struct {
	store  *chain.Store
	dialer Dialer
	peers  []SyncPeer

	status  chan StatusInfo
	rewinds chan []*chain.BlockHeader

	ban      BanFunc
	isSynced bool
	state    State
}

// NewHeaderSync creates a sync machine over the given chain store and
// dialer.
func NewHeaderSync(store *chain.Store, dialer Dialer) *HeaderSync {
	return &HeaderSync{
		store:   store,
		dialer:  dialer,
		status:  make(chan StatusInfo, statusBuffer),
		rewinds: make(chan []*chain.BlockHeader, 1),
		state:   StateReady,
	}
}

// SetBanHook installs the callback invoked when a peer fails
// validation.
func (s *HeaderSync) SetBanHook(fn BanFunc) {
	s.ban = fn
}

// UpdatePeers replaces the candidate set. Peer order is preserved so
// a previously promoted peer keeps its front position when the caller
// passes the same slice back.
func (s *HeaderSync) UpdatePeers(peers []SyncPeer) {
	s.peers = peers
}

// Peers returns the current candidate set.
func (s *HeaderSync) Peers() []SyncPeer {
	return s.peers
}

// Status returns the channel of state transition snapshots.
func (s *HeaderSync) Status() <-chan StatusInfo {
	return s.status
}

// Rewinds returns the channel carrying abandoned headers whenever the
// local chain is rewound to a fork point. Consumers use it to roll
// back height-indexed state.
func (s *HeaderSync) Rewinds() <-chan []*chain.BlockHeader {
	return s.rewinds
}

// IsSynced reports whether the machine has reached the network tip at
// least once.
func (s *HeaderSync) IsSynced() bool {
	return s.isSynced
}

// NextEvent runs one sync round: filter candidates, then attempt each
// in rank order until one succeeds or all are exhausted.
func (s *HeaderSync) NextEvent(ctx context.Context) Event {
	s.transition(StateFiltering)

	local := s.store.Metadata()

	var candidates []SyncPeer
	for _, p := range s.peers {
		if p.Claimed == nil {
			continue
		}
		if p.Claimed.Compare(local) > 0 {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		// Nobody claims more work than we have; we are at the tip as
		// far as the network knows.
		s.isSynced = true
		s.transition(StateContinue)

		return EventContinue{}
	}

	SortPeers(candidates)
	s.transition(StateSyncing)

	for _, candidate := range candidates {
		err := s.syncWithPeer(ctx, candidate)
		if err == nil {
			s.promote(candidate.ID)
			s.isSynced = true
			s.transition(StateSynced)

			return EventSynced{Peer: candidate}
		}

		if ctx.Err() != nil {
			s.transition(StateFailed)
			return EventFailed{Reason: ctx.Err()}
		}
		if errors.Is(err, errLocal) {
			s.transition(StateFailed)
			return EventFailed{Reason: err}
		}

		if errors.Is(err, errBadHeader) && s.ban != nil {
			s.ban(candidate.ID, err)
		}

		logger.Warn("sync attempt failed", "peer", candidate.ID, "error", err)
	}

	s.transition(StateContinue)

	return EventContinue{}
}

// syncWithPeer pulls and validates headers from one peer, committing
// them only once the whole validated chain carries more work than the
// local one. The local chain is never rewound on an unproven claim.
func (s *HeaderSync) syncWithPeer(ctx context.Context, candidate SyncPeer) error {
	conn, err := s.dialer.Dial(ctx, candidate.ID)
	if err != nil {
		return fmt.Errorf("dial %s:\n%w", candidate.ID, err)
	}
	defer conn.Close()

	remote, err := conn.FetchChainMetadata(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote metadata:\n%w", err)
	}

	start := s.store.Metadata()
	if remote.Compare(start) <= 0 {
		return fmt.Errorf("peer %s no longer ahead", candidate.ID)
	}

	probes, err := s.splitProbes(start.Height)
	if err != nil {
		return fmt.Errorf("%w:\n%v", errLocal, err)
	}

	splitHeight, headers, err := conn.FindChainSplit(ctx, probes, headerBatchSize)
	if err != nil {
		return fmt.Errorf("find chain split:\n%w", err)
	}
	if splitHeight > start.Height {
		return fmt.Errorf("%w: split height %d above local tip %d",
			errBadHeader, splitHeight, start.Height)
	}

	validator, err := newHeaderValidator(s.store, splitHeight)
	if err != nil {
		return fmt.Errorf("%w:\n%v", errLocal, err)
	}

	var pending []*chain.BlockHeader
	height := splitHeight

	for {
		if len(headers) == 0 {
			if height >= remote.Height {
				break
			}

			headers, err = conn.FetchHeaders(ctx, height+1, headerBatchSize)
			if err != nil {
				return fmt.Errorf("fetch headers from %d:\n%w", height+1, err)
			}
			if len(headers) == 0 {
				break
			}
		}

		for _, h := range headers {
			if err := validator.validate(h); err != nil {
				return fmt.Errorf("%w:\n%v", errBadHeader, err)
			}
		}

		pending = append(pending, headers...)
		height = headers[len(headers)-1].Height
		headers = nil
	}

	if len(pending) == 0 {
		return fmt.Errorf("%w: peer %s served no headers past the split",
			errBadHeader, candidate.ID)
	}

	tip := pending[len(pending)-1]
	if tip.TotalDifficulty.Cmp(start.AccumulatedDifficulty) <= 0 {
		return fmt.Errorf("%w: validated chain from peer %s carries no more work than ours",
			errBadHeader, candidate.ID)
	}

	// Only now, with the whole remote chain validated and proven
	// stronger, may the local branch above the split be abandoned.
	if splitHeight < start.Height {
		abandoned, err := s.store.Rewind(splitHeight)
		if err != nil {
			return fmt.Errorf("%w:\n%v", errLocal, err)
		}

		if len(abandoned) > 0 {
			logger.Info("rewinding to fork point",
				"splitHeight", splitHeight,
				"abandoned", len(abandoned),
			)

			select {
			case s.rewinds <- abandoned:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := s.store.PutHeaders(pending); err != nil {
		return fmt.Errorf("%w:\n%v", errLocal, err)
	}

	logger.Info("header sync complete",
		"peer", candidate.ID,
		"height", tip.Height,
		"difficulty", tip.TotalDifficulty,
	)

	return nil
}

// splitProbes collects local block hashes walking back from the tip
// with exponentially growing gaps, always ending at genesis, so the
// remote can locate the fork point in one round trip.
func (s *HeaderSync) splitProbes(tip uint64) ([][32]byte, error) {
	var heights []uint64

	step := uint64(1)
	for h := tip; ; {
		heights = append(heights, h)
		if h == 0 {
			break
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
		if len(heights) > 10 {
			step *= 2
		}
	}

	probes := make([][32]byte, 0, len(heights))
	for _, h := range heights {
		header, err := s.store.HeaderByHeight(h)
		if err != nil {
			return nil, err
		}
		probes = append(probes, header.Hash())
	}

	return probes, nil
}

// promote moves the peer with the given id to the front of the
// candidate set so it is tried first next round.
func (s *HeaderSync) promote(id string) {
	for i, p := range s.peers {
		if p.ID != id || i == 0 {
			continue
		}

		promoted := s.peers[i]
		copy(s.peers[1:i+1], s.peers[:i])
		s.peers[0] = promoted

		return
	}
}

// transition records the new state and pushes a status snapshot
// without ever blocking.
func (s *HeaderSync) transition(state State) {
	s.state = state

	meta := s.store.Metadata()
	info := StatusInfo{
		Bootstrapped:          s.isSynced,
		State:                 state,
		Height:                meta.Height,
		AccumulatedDifficulty: meta.AccumulatedDifficulty.String(),
	}

	select {
	case s.status <- info:
	default:
	}
}
