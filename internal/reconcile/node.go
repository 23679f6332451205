package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FairForge/replisync/internal/config"
	"github.com/FairForge/replisync/internal/conflict"
	"github.com/FairForge/replisync/internal/delta"
	"github.com/FairForge/replisync/internal/flags"
	"github.com/FairForge/replisync/internal/health"
	"github.com/FairForge/replisync/internal/metrics"
	"github.com/FairForge/replisync/internal/snapshot"
)

// NodeHealth combines the health of the node's components.
type NodeHealth struct {
	Healthy  bool                   `json:"overall_healthy"`
	Conflict health.ComponentHealth `json:"conflict_resolver"`
	Diff     health.ComponentHealth `json:"diff_engine"`
}

// NodeMetrics combines the counters of the node's components.
type NodeMetrics struct {
	Conflict conflict.ConflictMetrics `json:"conflict_metrics"`
	Diff     delta.DiffMetrics        `json:"diff_metrics"`
}

// Node owns everything built from one configuration: the logger, the flag
// provider, the resolver, the diff engine, the replica stores and the
// coordinator over them.
type Node struct {
	cfg         config.Config
	logger      *zap.Logger
	flags       flags.Provider
	resolver    *conflict.Resolver
	engine      *delta.Engine
	stores      []snapshot.Store
	coordinator *Coordinator

	stopWatch context.CancelFunc
	watchDone chan struct{}
	closeOnce sync.Once
}

// NewNodeFromFile loads the configuration at path, applies environment
// overrides and builds a Node from it.
func NewNodeFromFile(ctx context.Context, path string, reg prometheus.Registerer) (*Node, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewNode(ctx, cfg, reg)
}

// NewNode builds a Node from cfg. Instruments are registered with reg; a nil
// reg leaves them unregistered. When cfg names a flags file it is watched
// until ctx is done or the node is closed.
func NewNode(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	provider, err := cfg.FlagProvider(logger)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	recorder := metrics.NewRecorder(reg)

	resolver, err := conflict.NewResolver(cfg.Conflict,
		conflict.WithLogger(logger),
		conflict.WithFlags(provider),
		conflict.WithRecorder(recorder))
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	engine, err := delta.NewEngine(cfg.Diff,
		delta.WithLogger(logger),
		delta.WithRecorder(recorder))
	if err != nil {
		return nil, fmt.Errorf("build diff engine: %w", err)
	}

	stores, err := snapshot.OpenAll(ctx, cfg.Replicas)
	if err != nil {
		return nil, fmt.Errorf("open replicas: %w", err)
	}

	sources := make([]snapshot.Source, len(stores))
	for i, s := range stores {
		sources[i] = s
	}
	coordinator, err := NewCoordinator(cfg.NodeID, sources, resolver, engine, WithLogger(logger))
	if err != nil {
		_ = snapshot.CloseAll(stores)
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		flags:       provider,
		resolver:    resolver,
		engine:      engine,
		stores:      stores,
		coordinator: coordinator,
	}

	if fp, ok := provider.(*flags.FileProvider); ok {
		watchCtx, cancel := context.WithCancel(ctx)
		n.stopWatch = cancel
		n.watchDone = make(chan struct{})
		go n.watchFlags(watchCtx, fp)
	}

	logger.Info("node started",
		zap.Int("replicas", len(stores)),
		zap.Bool("flags_file", n.watchDone != nil))
	return n, nil
}

func (n *Node) watchFlags(ctx context.Context, fp *flags.FileProvider) {
	defer close(n.watchDone)
	if err := fp.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Error("flag watcher stopped", zap.String("path", n.cfg.FlagsFile), zap.Error(err))
	}
}

func (n *Node) Coordinator() *Coordinator { return n.coordinator }

func (n *Node) Resolver() *conflict.Resolver { return n.resolver }

func (n *Node) Engine() *delta.Engine { return n.engine }

func (n *Node) Flags() flags.Provider { return n.flags }

// HealthCheck reports the node healthy only while every component is.
func (n *Node) HealthCheck() NodeHealth {
	h := NodeHealth{
		Conflict: n.resolver.HealthCheck(),
		Diff:     n.engine.HealthCheck(),
	}
	h.Healthy = h.Conflict.IsHealthy && h.Diff.IsHealthy
	return h
}

func (n *Node) GetMetrics() NodeMetrics {
	return NodeMetrics{
		Conflict: n.resolver.GetMetrics(),
		Diff:     n.engine.GetMetrics(),
	}
}

// Close stops the flag watcher and closes every replica store. It is safe
// to call more than once.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.stopWatch != nil {
			n.stopWatch()
			<-n.watchDone
		}
		err = snapshot.CloseAll(n.stores)
		_ = n.logger.Sync()
	})
	return err
}
