package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"ShareLink/internal/wire"
)

// Uplink sends envelopes to one pinned remote node, dialing on demand.
// The node's reconnect loop restores a dropped connection in the background.
type Uplink struct {
	node *Node             // node owns the connection
	addr string            // addr is the remote address
	key  ed25519.PublicKey // key is the remote node's pinned public key
	mu   sync.Mutex        // mu serializes dials
}

// NewUplink creates an uplink from node to the peer at addr holding key.
func NewUplink(node *Node, addr string, key ed25519.PublicKey) *Uplink {
	return &Uplink{node: node, addr: addr, key: key}
}

// Send delivers env to the remote node, dialing first if not connected.
func (u *Uplink) Send(ctx context.Context, env *wire.Envelope) error {
	peer, err := u.peer(ctx)
	if err != nil {
		return err
	}

	return peer.SendEnvelope(ctx, env)
}

// Connected reports whether the remote node is currently connected.
func (u *Uplink) Connected() bool {
	return u.node.GetPeer(u.key) != nil
}

// peer returns the live connection, dialing if needed.
func (u *Uplink) peer(ctx context.Context) (*Peer, error) {
	if p := u.node.GetPeer(u.key); p != nil {
		return p, nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if p := u.node.GetPeer(u.key); p != nil {
		return p, nil
	}

	p, err := u.node.ConnectContext(ctx, u.addr)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(p.PublicKey(), u.key) {
		p.Close()
		return nil, fmt.Errorf("peer at %s presented key %x, want %x", u.addr, p.PublicKey()[:8], u.key[:8])
	}

	return p, nil
}
