// Package network is the QUIC transport between nodes: a listener that
// answers chain sync requests from the local chain store, and outbound
// peer handles used by the sync machine to pull metadata, headers and
// blocks. Peers authenticate with ed25519 keys embedded in self-signed
// certificates.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"veilchain/internal/chain"
	"veilchain/internal/logger"
	vsync "veilchain/internal/sync"
)

// alpnProtocol is the ALPN protocol identifier.
const alpnProtocol = "veilchain/1"

// Config holds the configuration for a Node.
type Config struct {
	// PrivateKey is the node's ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// ListenAddr is the address to listen on (e.g. ":19000").
	ListenAddr string
}

// Node accepts inbound sync connections and dials outbound peers. It
// implements the sync dialer over peer addresses.
type Node struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	store    *chain.Store
	listener *quic.Listener

	peersMu sync.RWMutex
	peers   map[string]*Peer

	banMu  sync.RWMutex
	banned map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// banDuration is how long a misbehaving peer stays banned.
const banDuration = 30 * time.Minute

// NewNode creates a network node serving the given chain store.
func NewNode(cfg Config, store *chain.Store) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := selfSignedCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the embedded ed25519 key
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		store:      store,
		peers:      make(map[string]*Peer),
		banned:     make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the node's identity key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address, or empty before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("network listening", "addr", listener.Addr().String())

	return nil
}

// Dial returns a connection to the peer at the given address, reusing
// an open one when available. It satisfies the sync dialer.
func (n *Node) Dial(ctx context.Context, addr string) (vsync.PeerConn, error) {
	if n.isBanned(addr) {
		return nil, fmt.Errorf("peer %s is banned", addr)
	}

	n.peersMu.RLock()
	peer, ok := n.peers[addr]
	n.peersMu.RUnlock()

	if ok && !peer.closed.Load() {
		return peer, nil
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err = n.setupPeer(conn, addr)
	if err != nil {
		_ = conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Ban records a misbehaving peer and drops its connection. It is the
// sync machine's ban hook.
func (n *Node) Ban(addr string, reason error) {
	n.banMu.Lock()
	n.banned[addr] = time.Now().Add(banDuration)
	n.banMu.Unlock()

	logger.Warn("peer banned", "addr", addr, "reason", reason)

	n.peersMu.Lock()
	peer, ok := n.peers[addr]
	delete(n.peers, addr)
	n.peersMu.Unlock()

	if ok {
		_ = peer.Close()
	}
}

func (n *Node) isBanned(addr string) bool {
	n.banMu.RLock()
	until, ok := n.banned[addr]
	n.banMu.RUnlock()

	return ok && time.Now().Before(until)
}

// Peers returns the open peer handles.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		_ = n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		_ = p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts inbound connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go func() {
			addr := conn.RemoteAddr().String()

			if _, err := n.setupPeer(conn, addr); err != nil {
				logger.Debug("inbound setup failed", "addr", addr, "error", err)
				_ = conn.CloseWithError(1, "setup failed")
			}
		}()
	}
}

// setupPeer registers a connection and starts serving its streams.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := remotePublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[addr] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serveLoop(n.ctx)
	}()

	logger.Debug("peer connected", "addr", addr, "key", fmt.Sprintf("%x", pubKey[:8]))

	return peer, nil
}

// dropPeer removes a closed peer from the registry.
func (n *Node) dropPeer(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.address] == p {
		delete(n.peers, p.address)
	}
	n.peersMu.Unlock()
}
