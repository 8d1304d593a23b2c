// Package node wires the connector's components together and owns their
// lifecycle: startup ordering, the health state machine, and reverse-order
// graceful shutdown.
package node

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentfabric/agent-fabric/internal/admin"
	"github.com/agentfabric/agent-fabric/internal/chainadapter"
	"github.com/agentfabric/agent-fabric/internal/claim"
	"github.com/agentfabric/agent-fabric/internal/config"
	"github.com/agentfabric/agent-fabric/internal/forwarder"
	"github.com/agentfabric/agent-fabric/internal/handler"
	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
	"github.com/agentfabric/agent-fabric/internal/ledger"
	"github.com/agentfabric/agent-fabric/internal/metrics"
	"github.com/agentfabric/agent-fabric/internal/peer"
	"github.com/agentfabric/agent-fabric/internal/routing"
	"github.com/agentfabric/agent-fabric/internal/settle"
	"github.com/agentfabric/agent-fabric/internal/wire"
)

// Options carries the pieces the binary assembles before handing control to
// the node: parsed config, the claim schemes, and the chain adapters.
type Options struct {
	Config   *config.Config
	Version  string
	Logger   *zap.Logger
	Redis    *redis.Client
	Schemes  []claim.Scheme // one claim scheme per chain family
	Adapters []chainadapter.Adapter
}

// Node is the running connector.
type Node struct {
	cfg     *config.Config
	log     *zap.Logger
	version string

	table    *routing.Table
	ledger   *ledger.Ledger
	store    ledger.Store
	settle   *settle.Manager
	peers    *peer.Manager
	fwd      *forwarder.Forwarder
	adm      *admin.Server
	met      *metrics.Metrics
	registry *prometheus.Registry
	adapters []chainadapter.Adapter

	startedAt time.Time
	started   atomic.Bool
}

func New(opts Options) (*Node, error) {
	cfg := opts.Config
	log := opts.Logger

	localPrefix, err := ilpaddr.Parse(cfg.ILPAddress)
	if err != nil {
		return nil, fmt.Errorf("node: ilp address: %w", err)
	}

	registry := prometheus.NewRegistry()
	met := metrics.New(registry)

	table := routing.NewTable()
	for _, r := range cfg.Routes {
		table.Insert(ilpaddr.MustParse(r.Prefix), r.NextHop, r.Priority)
	}

	chainByPeer := make(map[string]string, len(cfg.Peers))
	peerConfigs := make([]peer.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.ChainTag != "" {
			chainByPeer[p.ID] = p.ChainTag
		}
		peerConfigs = append(peerConfigs, peer.PeerConfig{
			ID:        p.ID,
			Endpoint:  p.Endpoint,
			AuthToken: p.AuthToken,
		})
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		version:  opts.Version,
		table:    table,
		met:      met,
		registry: registry,
		adapters: opts.Adapters,
	}

	threshold, ok := cfg.Threshold()
	if !ok {
		threshold = big.NewInt(1_000_000)
	}
	signer := claim.NewSigner(opts.Schemes...)
	verifier := claim.NewVerifier(opts.Schemes...)
	n.store = ledger.NewRedisStore(opts.Redis)
	n.ledger = ledger.New(threshold, signer, verifier, n.store, func(t ledger.Task) {
		if cfg.Settlement.Enabled {
			n.settle.Enqueue(t)
		}
	}, log)
	n.settle = settle.NewManager(settle.Config{
		SubmitTimeout: time.Duration(cfg.Settlement.TimeoutSecs) * time.Second,
		RetryDelay:    time.Duration(cfg.Settlement.PollingIntervalMs) * time.Millisecond,
	}, n.ledger, opts.Adapters, n.store, log)

	n.peers = peer.NewManager(peer.Config{
		NodeID:     cfg.NodeID,
		ListenPort: cfg.ListenPort,
		Peers:      peerConfigs,
	}, log)

	var localHandler forwarder.LocalHandler
	if cfg.LocalDelivery.Enabled {
		localHandler = handler.NewClient(
			cfg.LocalDelivery.HandlerURL,
			time.Duration(cfg.LocalDelivery.TimeoutMs)*time.Millisecond,
		)
	}
	n.fwd = forwarder.New(forwarder.Config{
		LocalPrefix: localPrefix,
		ChainTag: func(peerID string) (string, bool) {
			tag, ok := chainByPeer[peerID]
			return tag, ok
		},
	}, n.peers, table, n.ledger, localHandler, met, log)

	n.peers.OnFrame(n.fwd.HandleFrame)
	n.peers.OnDisconnect(n.fwd.OnPeerDisconnected)

	n.adm = admin.NewServer(cfg.AdminAPI, n, n.fwd, n.peers, table, n.ledger, registry, log)
	return n, nil
}

// Start brings the node up: ledger recovery and adapter probes run in
// parallel, then the peer listener, settlement workers, and admin server.
// Failed peer dials do not abort startup; the dial loops keep retrying.
func (n *Node) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.ledger.Restore(gctx); err != nil {
			return fmt.Errorf("ledger restore: %w", err)
		}
		return nil
	})
	for _, a := range n.adapters {
		a := a
		g.Go(func() error {
			if !a.Health(gctx) {
				n.log.Warn("chain adapter unhealthy at startup", zap.String("chain", a.ChainTag()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	n.settle.Start(ctx)
	if err := n.peers.Start(ctx); err != nil {
		return fmt.Errorf("peer manager: %w", err)
	}
	n.adm.Start(n.cfg.HealthPort)

	n.startedAt = time.Now()
	n.started.Store(true)
	n.log.Info("node started",
		zap.String("node", n.cfg.NodeID),
		zap.String("address", n.cfg.ILPAddress),
		zap.String("peer_listener", n.peers.ListenAddr()))
	return nil
}

// Shutdown tears the node down in reverse order: drain in-flight transfers,
// close peer sessions, stop settlement, flush the ledger, stop the admin
// server.
func (n *Node) Shutdown(ctx context.Context) {
	n.log.Info("node shutting down")
	n.started.Store(false)
	n.fwd.Shutdown(ctx)
	n.peers.Stop()
	n.settle.Stop()
	n.ledger.PersistAll(ctx)
	if err := n.adm.Stop(ctx); err != nil {
		n.log.Warn("admin server shutdown", zap.Error(err))
	}
	n.log.Info("shutdown complete")
}

// OpenChannel seeds a payment channel for a configured peer. Exposed for the
// binary's bootstrap and for tests.
func (n *Node) OpenChannel(peerID, chainTag string, owner [32]byte, deposit *big.Int) {
	n.ledger.OpenChannel(ledger.Key{PeerID: peerID, ChainTag: chainTag}, owner, deposit)
}

// Ledger exposes the channel ledger.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// InjectPacket runs a Prepare as if it arrived from a local source.
func (n *Node) InjectPacket(ctx context.Context, p *wire.Prepare) wire.Frame {
	return n.fwd.HandlePrepareSync(ctx, p)
}

// ListenAddr reports the peer listener address.
func (n *Node) ListenAddr() string { return n.peers.ListenAddr() }

// Health implements the health state machine: starting until the listener is
// up, healthy while at least half the configured peers hold open sessions
// (or none are configured), unhealthy below that.
func (n *Node) Health() admin.HealthView {
	view := admin.HealthView{
		NodeID:  n.cfg.NodeID,
		Version: n.version,
	}
	if !n.started.Load() {
		view.Status = "starting"
		return view
	}
	open, total := n.peers.OpenCount()
	view.Uptime = int64(time.Since(n.startedAt).Seconds())
	view.PeersConnected = open
	view.TotalPeers = total
	n.met.SetPeerSessions(float64(open))

	if total == 0 || open*2 >= total {
		view.Status = "healthy"
	} else {
		view.Status = "unhealthy"
	}
	return view
}

// Ready reports whether startup completed.
func (n *Node) Ready() bool { return n.started.Load() }
