package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"veilchain/internal/chain"
	"veilchain/internal/mmr"
)

// defaultRequestTimeout bounds requests whose context carries no
// deadline.
const defaultRequestTimeout = 30 * time.Second

// latencySmoothing is the EWMA weight of a new round-trip sample.
const latencySmoothing = 0.2

// Peer is a connection to a remote node. It serves the remote's
// inbound requests and exposes typed fetchers for the sync machine.
type Peer struct {
	publicKey ed25519.PublicKey
	address   string
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool

	latencyMu sync.Mutex
	latency   time.Duration
	measured  bool
}

// PublicKey returns the remote node's identity key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Latency returns the smoothed request round-trip time, or nil before
// the first completed request.
func (p *Peer) Latency() *time.Duration {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()

	if !p.measured {
		return nil
	}

	latency := p.latency

	return &latency
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.node.dropPeer(p)

	return p.conn.CloseWithError(0, "closed")
}

// FetchChainMetadata returns the remote's current chain metadata.
func (p *Peer) FetchChainMetadata(ctx context.Context) (*chain.ChainMetadata, error) {
	body, err := p.request(ctx, kindMetadataReq, nil, kindMetadataResp)
	if err != nil {
		return nil, err
	}

	return chain.DecodeMetadata(body)
}

// FindChainSplit asks the remote for the highest probe hash it
// recognizes and the headers following it.
func (p *Peer) FindChainSplit(ctx context.Context, probes [][32]byte, count int) (uint64, []*chain.BlockHeader, error) {
	body, err := p.request(ctx, kindSplitReq, encodeSplitReq(probes, count), kindSplitResp)
	if err != nil {
		return 0, nil, err
	}

	return decodeSplitResp(body)
}

// FetchHeaders returns up to count headers starting at the given
// height on the remote chain.
func (p *Peer) FetchHeaders(ctx context.Context, start uint64, count int) ([]*chain.BlockHeader, error) {
	body, err := p.request(ctx, kindHeadersReq, encodeHeadersReq(start, count), kindHeadersResp)
	if err != nil {
		return nil, err
	}

	return decodeHeaders(body)
}

// FetchBlock returns the full block with the given header hash.
func (p *Peer) FetchBlock(ctx context.Context, hash [32]byte) (*chain.Block, error) {
	body, err := p.request(ctx, kindBlockReq, hash[:], kindBlockResp)
	if err != nil {
		return nil, err
	}

	return chain.DecodeBlock(body)
}

// FetchOutputProof requests an inclusion proof for the live output
// leaf at the given index. The proof verifies the returned leaf hash
// against the returned accumulator root.
func (p *Peer) FetchOutputProof(ctx context.Context, leafIndex uint32) ([]byte, []byte, *mmr.Proof, error) {
	body, err := p.request(ctx, kindProofReq, encodeProofReq(leafIndex), kindProofResp)
	if err != nil {
		return nil, nil, nil, err
	}

	return decodeProofResp(body)
}

// request performs one round trip on a fresh bidirectional stream and
// records the latency sample.
func (p *Peer) request(ctx context.Context, kind uint8, body []byte, wantKind uint8) ([]byte, error) {
	if p.closed.Load() {
		return nil, errors.New("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	_ = stream.SetDeadline(deadline)

	started := time.Now()

	if err := writeFrame(stream, kind, body); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	respKind, respBody, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	p.recordLatency(time.Since(started))

	if respKind == kindError {
		return nil, fmt.Errorf("remote error: %s", respBody)
	}
	if respKind != wantKind {
		return nil, fmt.Errorf("unexpected response kind %d", respKind)
	}

	return respBody, nil
}

// recordLatency folds a round-trip sample into the EWMA.
func (p *Peer) recordLatency(sample time.Duration) {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()

	if !p.measured {
		p.latency = sample
		p.measured = true

		return
	}

	p.latency = time.Duration(float64(p.latency)*(1-latencySmoothing) + float64(sample)*latencySmoothing)
}

// serveLoop answers the remote's requests until the connection drops.
func (p *Peer) serveLoop(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			break
		}

		go p.handleStream(stream)
	}

	if !p.closed.Swap(true) {
		p.node.dropPeer(p)
	}
}

// handleStream serves one request/response exchange.
func (p *Peer) handleStream(stream *quic.Stream) {
	defer stream.Close()

	kind, body, err := readFrame(stream)
	if err != nil {
		return
	}

	respKind, respBody := p.node.handleRequest(kind, body)

	_ = writeFrame(stream, respKind, respBody)
}
