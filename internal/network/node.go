package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"ShareLink/internal/logger"
	"ShareLink/internal/wire"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "sharelink/1"
)

// Handler consumes envelopes received on one channel.
type Handler func(*Peer, *wire.Envelope)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey        ed25519.PrivateKey  // PrivateKey is the node's ed25519 private key
	ListenAddr        string              // ListenAddr is the address to listen on; dial-only if empty
	ReconnectDelay    time.Duration       // ReconnectDelay is the initial delay between reconnection attempts
	PinnedKeys        []ed25519.PublicKey // PinnedKeys restricts peers to these keys when non-empty
	CompressThreshold int                 // CompressThreshold is the payload size from which envelopes are compressed
}

// Node accepts and initiates QUIC connections and routes inbound envelopes
// to per-channel handlers. It does not deduplicate: every envelope that
// arrives is delivered.
type Node struct {
	privateKey ed25519.PrivateKey  // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey   // publicKey is the node's ed25519 public key
	listenAddr string              // listenAddr is the address to listen on
	tlsConfig  *tls.Config         // tlsConfig is the TLS configuration
	quicConfig *quic.Config        // quicConfig is the QUIC configuration
	pinned     []ed25519.PublicKey // pinned lists the accepted peer keys, any if empty
	compress   int                 // compress is the envelope compression threshold

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	knownAddrs   map[string]string // knownAddrs maps public key hex to address (for reconnection)
	knownAddrsMu sync.RWMutex      // knownAddrsMu protects knownAddrs map

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	channels     map[string]Handler // channels maps channel names to handlers
	onConnect    func(*Peer)        // onConnect is called when a peer connects
	onDisconnect func(*Peer)        // onDisconnect is called when a peer disconnects
	handlersMu   sync.RWMutex       // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	compress := cfg.CompressThreshold
	if compress == 0 {
		compress = wire.DefaultCompressThreshold
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // peer keys are checked in setupPeer
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		pinned:         cfg.PinnedKeys,
		compress:       compress,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		channels:       make(map[string]Handler),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect connects to a remote node at the given address.
func (n *Node) Connect(addr string) (*Peer, error) {
	return n.ConnectContext(n.ctx, addr)
}

// ConnectContext connects to a remote node, giving up when ctx is done.
func (n *Node) ConnectContext(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for the given public key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex]
}

// Handle routes envelopes received on channel to fn, replacing any
// previous handler for that channel.
func (n *Node) Handle(channel string, fn Handler) {
	n.handlersMu.Lock()
	n.channels[channel] = fn
	n.handlersMu.Unlock()
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), false)
	if err != nil {
		logger.Warn("rejected incoming connection", "addr", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection. Only dialed peers are
// remembered for reconnection.
func (n *Node) setupPeer(conn *quic.Conn, addr string, dialed bool) (*Peer, error) {
	tlsState := conn.ConnectionState().TLS

	pubKey, err := extractPublicKey(tlsState)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	if !n.trusted(pubKey) {
		return nil, fmt.Errorf("peer key %x is not pinned", pubKey[:8])
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	if dialed {
		n.knownAddrsMu.Lock()
		n.knownAddrs[keyHex] = addr
		n.knownAddrsMu.Unlock()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// trusted reports whether key may connect.
func (n *Node) trusted(key ed25519.PublicKey) bool {
	if len(n.pinned) == 0 {
		return true
	}

	for _, k := range n.pinned {
		if bytes.Equal(k, key) {
			return true
		}
	}

	return false
}

// handlePeerDisconnect handles a peer disconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return // Peer removed from known addresses
		}

		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return // Already reconnected
		}

		peer, err := n.Connect(addr)
		if err == nil {
			logger.Info("reconnected", "peer", addr)
			n.callOnConnect(peer)
			return
		}

		logger.Debug("reconnect failed", "peer", addr, "delay", delay, "error", err)

		delay = delay * 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// dispatch routes an inbound envelope to its channel handler.
func (n *Node) dispatch(p *Peer, env *wire.Envelope) {
	n.handlersMu.RLock()
	fn := n.channels[env.Channel]
	n.handlersMu.RUnlock()

	if fn == nil {
		logger.Warn("no handler for channel", "peer", p.address, "channel", env.Channel, "op_id", env.OpID)
		return
	}

	fn(p, env)
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}
