package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"ShareLink/internal/logger"
	"ShareLink/internal/wire"
)

// Peer represents a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address (for reconnection)
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed indicates if the peer is closed
	mu        sync.Mutex        // mu protects send operations
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes one frame to the peer on a new unidirectional stream.
func (p *Peer) Send(ctx context.Context, data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetWriteDeadline(deadline)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write frame:\n%w", err)
	}

	return stream.Close()
}

// SendEnvelope encodes env with the node's compression threshold and sends it.
func (p *Peer) SendEnvelope(ctx context.Context, env *wire.Envelope) error {
	data, err := wire.EncodeEnvelope(env, p.node.compress)
	if err != nil {
		return err
	}

	return p.Send(ctx, data)
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams and processes messages.
func (p *Peer) receiveLoop() {
	uniCount := 0
	for {
		// Use timeout to detect stuck connections
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stream, err := p.conn.AcceptUniStream(ctx)
		cancel()

		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				logger.Debug("no uni streams received", "peer", p.address, "total", uniCount)
				continue
			}
			logger.Debug("receiveLoop ended", "peer", p.address, "error", err, "uniStreams", uniCount)
			break
		}

		uniCount++
		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// handleUniStream reads one envelope from a unidirectional stream.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		logger.Warn("undecodable envelope", "peer", p.address, "bytes", len(data), "error", err)
		return
	}

	logger.Debug("envelope received", "peer", p.address, "channel", env.Channel, "op_id", env.OpID, "bytes", len(data))

	p.node.dispatch(p, env)
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	p.node.handlePeerDisconnect(p)
}
