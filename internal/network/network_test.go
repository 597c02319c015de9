package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ShareLink/internal/attest"
	"ShareLink/internal/pending"
	"ShareLink/internal/provider"
	"ShareLink/internal/wire"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startServer creates and starts a listening node closed at test end.
func startServer(t *testing.T, key ed25519.PrivateKey) *Node {
	t.Helper()

	server, err := NewNode(Config{PrivateKey: key, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	t.Cleanup(func() { server.Close() })

	return server
}

// newDialer creates a dial-only node closed at test end.
func newDialer(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}

	client, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	t.Cleanup(func() { client.Close() })

	return client
}

// waitFor fails the test if ch is not closed in time.
func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Error("no listen address after start")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestStartRequiresListenAddr tests that a dial-only node cannot listen.
func TestStartRequiresListenAddr(t *testing.T) {
	node := newDialer(t, Config{})

	if err := node.Start(); err == nil {
		t.Error("expected error starting without listen address")
	}

	if node.Addr() != "" {
		t.Errorf("dial-only node has address %q", node.Addr())
	}
}

// TestNodeConnect tests connecting a dialer to a server.
func TestNodeConnect(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startServer(t, serverKey)

	connected := make(chan struct{})
	server.OnConnect(func(p *Peer) { close(connected) })

	client := newDialer(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), serverKey.Public().(ed25519.PublicKey)) {
		t.Error("peer public key mismatch")
	}

	waitFor(t, connected, "server connect callback")

	if client.GetPeer(serverKey.Public().(ed25519.PublicKey)) != peer {
		t.Error("GetPeer did not return the connected peer")
	}

	if len(server.Peers()) != 1 {
		t.Errorf("server peer count: got %d, want 1", len(server.Peers()))
	}
}

// TestEnvelopeRoutedByChannel tests that envelopes reach their channel's
// handler and unknown channels are dropped.
func TestEnvelopeRoutedByChannel(t *testing.T) {
	server := startServer(t, generateTestKey(t))

	var (
		mu       sync.Mutex
		received []*wire.Envelope
	)

	done := make(chan struct{})

	server.Handle(wire.ChannelCryptoProvider, func(p *Peer, env *wire.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		close(done)
	})

	client := newDialer(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx := context.Background()

	if err := peer.SendEnvelope(ctx, &wire.Envelope{Channel: "unrouted", OpID: "x", Payload: []byte("ignored")}); err != nil {
		t.Fatalf("send unrouted: %v", err)
	}

	want := &wire.Envelope{Channel: wire.ChannelCryptoProvider, OpID: "triplet:1,2,3:0", Payload: []byte(`{"label":"triplet"}`)}
	if err := peer.SendEnvelope(ctx, want); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, done, "routed envelope")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("received %d envelopes, want 1", len(received))
	}

	if received[0].OpID != want.OpID || !bytes.Equal(received[0].Payload, want.Payload) {
		t.Errorf("received %+v", received[0])
	}
}

// TestDuplicateEnvelopesDelivered tests that identical envelopes are all delivered.
func TestDuplicateEnvelopesDelivered(t *testing.T) {
	server := startServer(t, generateTestKey(t))

	var count atomic.Int32
	server.Handle(wire.ChannelCryptoProvider, func(p *Peer, env *wire.Envelope) {
		count.Add(1)
	})

	client := newDialer(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	env := &wire.Envelope{Channel: wire.ChannelCryptoProvider, OpID: "dup:1:0", Payload: []byte(`{}`)}

	for range 3 {
		if err := peer.SendEnvelope(context.Background(), env); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := count.Load(); got != 3 {
		t.Errorf("delivered %d, want 3", got)
	}
}

// TestLargeEnvelope tests sending a large, compressible payload.
func TestLargeEnvelope(t *testing.T) {
	server := startServer(t, generateTestKey(t))

	var received *wire.Envelope
	done := make(chan struct{})

	server.Handle(wire.ChannelCryptoProvider, func(p *Peer, env *wire.Envelope) {
		received = env
		close(done)
	})

	client := newDialer(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	payload := make([]byte, 1<<20) // 1 MB
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	if err := peer.SendEnvelope(context.Background(), &wire.Envelope{Channel: wire.ChannelCryptoProvider, OpID: "big:1:0", Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, done, "large envelope")

	if !bytes.Equal(received.Payload, payload) {
		t.Error("large payload mismatch")
	}
}

// TestConcurrentSend tests sending multiple envelopes concurrently.
func TestConcurrentSend(t *testing.T) {
	server := startServer(t, generateTestKey(t))

	const numMessages = 100
	var receivedCount atomic.Int32

	server.Handle(wire.ChannelCryptoProvider, func(p *Peer, env *wire.Envelope) {
		receivedCount.Add(1)
	})

	client := newDialer(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(numMessages)

	for i := 0; i < numMessages; i++ {
		go func(i int) {
			defer wg.Done()

			env := &wire.Envelope{Channel: wire.ChannelCryptoProvider, OpID: "c", Payload: []byte{byte(i)}}
			if err := peer.SendEnvelope(context.Background(), env); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}

	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for receivedCount.Load() < numMessages && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if receivedCount.Load() != numMessages {
		t.Errorf("received count: got %d, want %d", receivedCount.Load(), numMessages)
	}
}

// TestPinnedKeyRejectsOtherServer tests that a pinned dialer refuses an unknown server.
func TestPinnedKeyRejectsOtherServer(t *testing.T) {
	server := startServer(t, generateTestKey(t))

	other := generateTestKey(t).Public().(ed25519.PublicKey)
	client := newDialer(t, Config{PinnedKeys: []ed25519.PublicKey{other}})

	if _, err := client.Connect(server.Addr()); err == nil {
		t.Fatal("expected connect to unpinned server to fail")
	}

	if len(client.Peers()) != 0 {
		t.Error("unpinned server registered as peer")
	}
}

// TestUplinkRejectsWrongKey tests that an uplink checks the remote key.
func TestUplinkRejectsWrongKey(t *testing.T) {
	server := startServer(t, generateTestKey(t))
	client := newDialer(t, Config{})

	other := generateTestKey(t).Public().(ed25519.PublicKey)
	up := NewUplink(client, server.Addr(), other)

	err := up.Send(context.Background(), &wire.Envelope{Channel: wire.ChannelCryptoProvider, OpID: "x"})
	if err == nil {
		t.Fatal("expected key mismatch error")
	}

	if up.Connected() {
		t.Error("uplink reports connected to the wrong key")
	}
}

// TestNodeDisconnect tests disconnect handling.
func TestNodeDisconnect(t *testing.T) {
	server := startServer(t, generateTestKey(t))

	disconnected := make(chan struct{})
	server.OnDisconnect(func(p *Peer) {
		close(disconnected)
	})

	client, err := NewNode(Config{PrivateKey: generateTestKey(t)})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	client.Close()

	waitFor(t, disconnected, "disconnect")

	time.Sleep(100 * time.Millisecond)

	if len(server.Peers()) != 0 {
		t.Errorf("server peer count: got %d, want 0", len(server.Peers()))
	}
}

// TestNodeReconnect tests automatic reconnection of a dialed peer.
func TestNodeReconnect(t *testing.T) {
	serverKey := generateTestKey(t)

	server, err := NewNode(Config{PrivateKey: serverKey, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	client := newDialer(t, Config{ReconnectDelay: 200 * time.Millisecond})

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	server.Close()

	// Restart on a different port, simulating a provider restart.
	server2 := startServer(t, serverKey)

	reconnected := make(chan struct{})
	server2.OnConnect(func(p *Peer) {
		close(reconnected)
	})

	client.knownAddrsMu.Lock()
	for k := range client.knownAddrs {
		client.knownAddrs[k] = server2.Addr()
	}
	client.knownAddrsMu.Unlock()

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}
}

// TestAcceptedPeersNotRedialed tests that a listener does not redial
// peers that connected to it.
func TestAcceptedPeersNotRedialed(t *testing.T) {
	server := startServer(t, generateTestKey(t))
	client := newDialer(t, Config{})

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	server.knownAddrsMu.RLock()
	n := len(server.knownAddrs)
	server.knownAddrsMu.RUnlock()

	if n != 0 {
		t.Errorf("server remembers %d accepted addresses", n)
	}
}

// TestFrameLimits tests the frame size limit.
func TestFrameLimits(t *testing.T) {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)

	if _, err := readFrame(bytes.NewReader(header[:])); err == nil {
		t.Error("expected oversized frame to be rejected")
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, []byte("frame")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readFrame(&buf)
	if err != nil || string(got) != "frame" {
		t.Errorf("round trip = %q, %v", got, err)
	}
}

// fakeProvider answers crypto provider requests with signed responses.
func fakeProvider(t *testing.T, server *Node, signer *attest.Signer) {
	t.Helper()

	server.Handle(wire.ChannelCryptoProvider, func(p *Peer, env *wire.Envelope) {
		req, err := wire.DecodeRequest(env.Payload)
		if err != nil {
			t.Errorf("provider decode: %v", err)
			return
		}

		resp := &wire.Response{OpID: req.OpID}
		for range req.Receivers {
			resp.Shares = append(resp.Shares, wire.Share{Value: "5", Holders: req.Receivers, Threshold: req.Threshold, Zp: req.Zp})
		}

		payload, err := wire.EncodeResponse(resp)
		if err != nil {
			t.Errorf("provider encode: %v", err)
			return
		}

		out := &wire.Envelope{Channel: wire.ChannelCryptoProvider, OpID: req.OpID, Payload: payload}
		signer.Sign(out)

		if err := p.SendEnvelope(context.Background(), out); err != nil {
			t.Errorf("provider send: %v", err)
		}
	})
}

// TestUplinkEndToEnd tests a provider round trip over QUIC.
func TestUplinkEndToEnd(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startServer(t, serverKey)

	signer, err := attest.NewSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	fakeProvider(t, server, signer)

	verifier, err := attest.NewVerifier(signer.PublicKey())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	pub := serverKey.Public().(ed25519.PublicKey)
	node := newDialer(t, Config{PinnedKeys: []ed25519.PublicKey{pub}})

	c, err := provider.NewClient(provider.Config{
		PartyCount: 3,
		Modulus:    16777729,
		Transport:  NewUplink(node, server.Addr(), pub),
		Verifier:   verifier,
		Pending:    pending.Config{SweepInterval: -1},
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer c.Close()

	node.Handle(wire.ChannelCryptoProvider, func(_ *Peer, env *wire.Envelope) {
		c.HandleEnvelope(env)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := c.Request(ctx, "triplet")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	second, err := c.Request(ctx, "triplet", provider.WithReceivers([]int{3, 1}))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	res, err := first.Wait(ctx)
	if err != nil {
		t.Fatalf("wait first: %v", err)
	}

	if len(res.Shares) != 3 {
		t.Errorf("first shares = %d, want 3", len(res.Shares))
	}

	res, err = second.Wait(ctx)
	if err != nil {
		t.Fatalf("wait second: %v", err)
	}

	if second.ID() != "triplet:1,3:0" || len(res.Shares) != 2 {
		t.Errorf("second = %s with %d shares", second.ID(), len(res.Shares))
	}
}

// TestUplinkSendFailure tests that an unreachable provider fails the request.
func TestUplinkSendFailure(t *testing.T) {
	pub := generateTestKey(t).Public().(ed25519.PublicKey)
	node := newDialer(t, Config{})

	c, err := provider.NewClient(provider.Config{
		PartyCount: 2,
		Modulus:    101,
		Transport:  NewUplink(node, "127.0.0.1:1", pub),
		Pending:    pending.Config{SweepInterval: -1},
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := c.Request(ctx, "triplet"); !errors.Is(err, provider.ErrSendFailed) {
		t.Errorf("err = %v, want ErrSendFailed", err)
	}

	if st := c.Status(0); st.Pending != 0 {
		t.Errorf("pending = %d after failed send", st.Pending)
	}
}
