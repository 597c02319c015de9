package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"ShareLink/internal/api"
	"ShareLink/internal/attest"
	"ShareLink/internal/hooks"
	"ShareLink/internal/journal"
	"ShareLink/internal/logger"
	"ShareLink/internal/metrics"
	"ShareLink/internal/network"
	"ShareLink/internal/pending"
	"ShareLink/internal/provider"
	"ShareLink/internal/wire"
)

// Party is one running protocol party talking to the crypto provider.
type Party struct {
	cfg         *Config              // cfg is the party configuration
	providerKey ed25519.PublicKey    // providerKey is the pinned provider transport key
	out         io.Writer            // out receives one JSON line per result
	journal     *journal.Journal     // journal is nil when disabled
	registry    *prometheus.Registry // registry holds the party's metrics
	metrics     *metrics.Metrics     // metrics counts request outcomes
	network     *network.Node        // network carries provider traffic
	client      *provider.Client     // client correlates requests and responses
	api         *api.Server          // api is nil when disabled
	signals     chan os.Signal       // signals stops a serving party
}

// Outcome is the printed result of one request.
type Outcome struct {
	OpID   string          `json:"op_id"`            // OpID is the request identifier
	Label  string          `json:"label"`            // Label is the requested material
	Values json.RawMessage `json:"values,omitempty"` // Values is the provider metadata
	Shares []wire.Share    `json:"shares,omitempty"` // Shares are this party's shares
	Error  string          `json:"error,omitempty"`  // Error is set when the request failed
}

// NewParty creates and initializes a party.
func NewParty(cfg *Config, out io.Writer) (*Party, error) {
	p := &Party{cfg: cfg, out: out, signals: make(chan os.Signal, 1)}

	if err := p.initJournal(); err != nil {
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		p.Close()
		return nil, err
	}

	if err := p.initNetwork(); err != nil {
		p.Close()
		return nil, err
	}

	if err := p.initClient(); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

// initJournal opens the Pebble journal if configured.
func (p *Party) initJournal() error {
	if p.cfg.JournalPath == "" {
		return nil
	}

	if err := os.MkdirAll(p.cfg.JournalPath, 0755); err != nil {
		return fmt.Errorf("create journal directory:\n%w", err)
	}

	j, err := journal.Open(p.cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("init journal:\n%w", err)
	}

	p.journal = j

	return nil
}

// initMetrics registers the party's instruments.
func (p *Party) initMetrics() error {
	p.registry = prometheus.NewRegistry()

	m, err := metrics.New(p.registry, strconv.Itoa(p.cfg.PartyID))
	if err != nil {
		return fmt.Errorf("init metrics:\n%w", err)
	}

	p.metrics = m

	return nil
}

// initNetwork creates the dial-only QUIC node pinned to the provider.
func (p *Party) initNetwork() error {
	key, err := network.PrivateKeyFromSeedHex(p.cfg.KeySeed)
	if err != nil {
		return fmt.Errorf("party key:\n%w", err)
	}

	p.providerKey, err = network.ParsePublicKeyHex(p.cfg.ProviderKey)
	if err != nil {
		return fmt.Errorf("provider key:\n%w", err)
	}

	node, err := network.NewNode(network.Config{
		PrivateKey:        key,
		PinnedKeys:        []ed25519.PublicKey{p.providerKey},
		CompressThreshold: p.cfg.CompressThreshold,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	p.network = node

	return nil
}

// initClient builds the provider client and routes provider traffic to it.
func (p *Party) initClient() error {
	pipeline := hooks.New()

	if len(p.cfg.AllowedLabels) > 0 {
		pipeline.Register(hooks.BeforeOperation, "allowed-labels", hooks.AllowLabels(p.cfg.AllowedLabels...))
	}

	if len(p.cfg.Params) > 0 {
		pipeline.Register(hooks.BeforeOperation, "default-params", hooks.DefaultParams(p.cfg.Params))
	}

	cfg := provider.Config{
		PartyCount: p.cfg.PartyCount,
		Modulus:    p.cfg.Modulus,
		Transport:  network.NewUplink(p.network, p.cfg.ProviderAddr, p.providerKey),
		Hooks:      pipeline,
		Metrics:    p.metrics,
		Pending:    pending.Config{TombstoneTTL: p.cfg.TombstoneTTL},
	}

	if p.journal != nil {
		cfg.Journal = p.journal
	}

	if p.cfg.ProviderBLSKey != "" {
		v, err := attest.NewVerifierHex(p.cfg.ProviderBLSKey)
		if err != nil {
			return fmt.Errorf("provider BLS key:\n%w", err)
		}

		cfg.Verifier = v
	}

	client, err := provider.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("init client:\n%w", err)
	}

	p.client = client

	handle := client.Handler()
	p.network.Handle(wire.ChannelCryptoProvider, func(_ *network.Peer, env *wire.Envelope) {
		handle(env)
	})

	return nil
}

// initAPI starts the status server if configured.
func (p *Party) initAPI() error {
	if p.cfg.StatusAddr == "" {
		return nil
	}

	var reader api.JournalReader
	if p.journal != nil {
		reader = p.journal
	}

	p.api = api.New(p.cfg.StatusAddr, p.client, reader, p.registry)

	if err := p.api.Start(); err != nil {
		p.api = nil
		return fmt.Errorf("start status server:\n%w", err)
	}

	return nil
}

// Run issues the configured batch, prints the results, and then either
// returns or serves until a shutdown signal.
func (p *Party) Run(ctx context.Context) error {
	if err := p.initAPI(); err != nil {
		return err
	}

	logger.Info("party started",
		"party", p.cfg.PartyID,
		"parties", p.cfg.PartyCount,
		"provider", p.cfg.ProviderAddr,
		"session", p.client.Session(),
	)

	failed, err := p.runBatch(ctx)
	if err != nil {
		return err
	}

	if p.cfg.Serve {
		return p.waitForShutdown(ctx)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(p.cfg.Labels)*p.cfg.Count)
	}

	return nil
}

// runBatch requests every label Count times and waits for all responses.
// Requests are issued one after another since identifiers depend on call
// order; only the waits run concurrently.
func (p *Party) runBatch(ctx context.Context) (int, error) {
	start := time.Now()

	var (
		outcomes []Outcome
		futures  []*pending.Future[wire.Result]
	)

	for _, label := range p.cfg.Labels {
		for range p.cfg.Count {
			f, err := p.client.Request(ctx, label)

			o := Outcome{Label: label}
			if err != nil {
				o.Error = err.Error()
			} else {
				o.OpID = f.ID()
			}

			outcomes = append(outcomes, o)
			futures = append(futures, f)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for i, f := range futures {
		if f == nil {
			continue
		}

		g.Go(func() error {
			wctx, cancel := context.WithTimeout(gctx, p.cfg.Timeout)
			defer cancel()

			res, err := f.Wait(wctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				outcomes[i].Error = err.Error()
				return nil
			}

			outcomes[i].Values = res.Values
			outcomes[i].Shares = res.Shares

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	failed := 0
	enc := json.NewEncoder(p.out)

	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}

		if err := enc.Encode(o); err != nil {
			return failed, fmt.Errorf("write result:\n%w", err)
		}
	}

	logger.Info("batch complete", "requests", len(outcomes), "failed", failed, logger.Timed(start))

	return failed, nil
}

// waitForShutdown blocks until SIGINT, SIGTERM or ctx is done.
func (p *Party) waitForShutdown(ctx context.Context) error {
	signal.Notify(p.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(p.signals)

	select {
	case sig := <-p.signals:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	return nil
}

// Close shuts down all party components gracefully.
func (p *Party) Close() error {
	if p.api != nil {
		p.api.Stop()
	}

	if p.client != nil {
		p.client.Close()
	}

	if p.network != nil {
		p.network.Close()
	}

	if p.journal != nil {
		return p.journal.Close()
	}

	return nil
}
