// Package reconcile brings the replicas of a key back to one canonical copy.
// The Coordinator reads every replica, settles divergent versions with the
// conflict resolver, and plans a delta payload for each replica that lags.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/conflict"
	"github.com/FairForge/replisync/internal/delta"
	"github.com/FairForge/replisync/internal/logging"
	"github.com/FairForge/replisync/internal/snapshot"
	"github.com/FairForge/replisync/internal/vclock"
)

// Writer is a replica that accepts write-back.
type Writer interface {
	Put(ctx context.Context, key string, rec snapshot.Record) error
}

// ReplicaState is what one replica held when the plan was built.
type ReplicaState struct {
	Name        string
	Present     bool
	Version     conflict.ConflictVersion
	Fingerprint string
}

// ReplicaSync carries the payload that turns a replica's content into the
// canonical content.
type ReplicaSync struct {
	Replica string
	Payload *delta.SyncPayload
}

// Plan is the outcome of reconciling one key.
type Plan struct {
	Key        string
	Resolution *conflict.ConflictResolutionResult
	Canonical  snapshot.Record
	// CanonicalFingerprint is the merkle root of Canonical.Content.
	CanonicalFingerprint string
	Replicas             []ReplicaState
	// Syncs lists replicas whose content differs from the canonical copy.
	Syncs []ReplicaSync
	// Stale lists replicas with canonical content but an outdated version.
	Stale []string
}

// Converged reports whether every replica already holds the canonical copy.
func (p *Plan) Converged() bool {
	return len(p.Syncs) == 0 && len(p.Stale) == 0
}

// Coordinator reconciles keys across a fixed set of replicas.
type Coordinator struct {
	nodeID   string
	sources  []snapshot.Source
	resolver *conflict.Resolver
	engine   *delta.Engine
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator. nodeID is the clock entry advanced
// when a resolved conflict produces a new canonical version.
func NewCoordinator(nodeID string, sources []snapshot.Source, resolver *conflict.Resolver, engine *delta.Engine, opts ...Option) (*Coordinator, error) {
	if nodeID == "" {
		return nil, common.ErrValidation("node_id", "required")
	}
	if len(sources) == 0 {
		return nil, common.ErrValidation("replicas", "at least one replica is required")
	}
	if resolver == nil || engine == nil {
		return nil, common.ErrValidation("coordinator", "resolver and engine are required")
	}

	c := &Coordinator{
		nodeID:   nodeID,
		sources:  sources,
		resolver: resolver,
		engine:   engine,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Reconcile reads key from every replica, resolves divergent versions and
// returns the plan that converges them. It returns a NotFoundError when no
// replica has the key. Errors from the resolver, including exhausted
// strategies, are returned as is so the caller can resolve manually and
// retry with ReconcileResolved.
func (c *Coordinator) Reconcile(ctx context.Context, key string) (*Plan, error) {
	states, err := c.read(ctx, key)
	if err != nil {
		return nil, err
	}

	versions := presentVersions(states)
	if len(versions) == 0 {
		return nil, common.ErrNotFound(key, "")
	}

	resolution, err := c.resolver.ResolveConflict(ctx, key, versions)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	return c.plan(ctx, key, states, resolution)
}

// ReconcileResolved plans convergence to an outcome decided elsewhere,
// typically by Resolver.ResolveManually.
func (c *Coordinator) ReconcileResolved(ctx context.Context, key string, resolution *conflict.ConflictResolutionResult) (*Plan, error) {
	if resolution == nil {
		return nil, common.ErrValidation("resolution", "required")
	}
	states, err := c.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(presentVersions(states)) == 0 {
		return nil, common.ErrNotFound(key, "")
	}
	return c.plan(ctx, key, states, resolution)
}

func (c *Coordinator) read(ctx context.Context, key string) ([]ReplicaState, error) {
	states := make([]ReplicaState, len(c.sources))
	g, gctx := errgroup.WithContext(ctx)

	for i, src := range c.sources {
		i, src := i, src
		g.Go(func() error {
			state := ReplicaState{Name: src.Name()}
			v, err := src.Snapshot(gctx, key)
			switch {
			case common.IsNotFound(err):
				state.Version = conflict.ConflictVersion{Source: src.Name(), VectorClock: vclock.New()}
			case err != nil:
				return fmt.Errorf("snapshot %s from %s: %w", key, src.Name(), err)
			default:
				state.Present = true
				state.Version = v
			}

			fp, err := c.engine.Fingerprint(state.Version.Content)
			if err != nil {
				return err
			}
			state.Fingerprint = fp
			states[i] = state
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

func (c *Coordinator) plan(ctx context.Context, key string, states []ReplicaState, resolution *conflict.ConflictResolutionResult) (*Plan, error) {
	canonical, err := c.canonical(states, resolution)
	if err != nil {
		return nil, err
	}
	fp, err := c.engine.Fingerprint(canonical.Content)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Key:                  key,
		Resolution:           resolution,
		Canonical:            canonical,
		CanonicalFingerprint: fp,
		Replicas:             states,
	}

	for _, s := range states {
		if s.Present && s.Fingerprint == fp {
			if s.Version.VersionID != canonical.VersionID || !s.Version.VectorClock.Equal(canonical.Clock) {
				plan.Stale = append(plan.Stale, s.Name)
			}
			continue
		}

		payload, err := c.engine.CreateDiffPayload(ctx, s.Version.Content, canonical.Content)
		if err != nil {
			return nil, fmt.Errorf("diff %s for %s: %w", key, s.Name, err)
		}
		plan.Syncs = append(plan.Syncs, ReplicaSync{Replica: s.Name, Payload: payload})
	}

	logging.FromContext(ctx, c.logger).Info("reconcile plan built",
		zap.String("key", key),
		zap.Bool("conflicted", resolution.Conflicted),
		zap.String("strategy", resolution.StrategyUsed),
		zap.String("version_id", canonical.VersionID),
		zap.Int("syncs", len(plan.Syncs)),
		zap.Int("stale", len(plan.Stale)))

	return plan, nil
}

// canonical picks the content the replicas converge on. A causal winner whose
// clock already covers every replica keeps its identity. Anything else is a
// new write at this node: it gets a fresh version id and advances the node's
// clock entry, so no two distinct clocks share a version id.
func (c *Coordinator) canonical(states []ReplicaState, resolution *conflict.ConflictResolutionResult) (snapshot.Record, error) {
	clock := vclock.New()
	for _, s := range states {
		if s.Present {
			clock = clock.Merge(s.Version.VectorClock)
		}
	}

	if resolution.MergedResult == nil {
		winner, ok := findVersion(states, resolution.WinningVersion)
		if !ok {
			return snapshot.Record{}, common.ErrData("reconcile",
				fmt.Sprintf("winning version %s is not held by any replica", resolution.WinningVersion))
		}
		if !resolution.Conflicted && clock.Equal(winner.VectorClock) {
			return snapshot.Record{
				VersionID:    winner.VersionID,
				Clock:        clock,
				LastModified: winner.LastModified,
				Content:      winner.Content,
			}, nil
		}
		clock.Increment(c.nodeID)
		return snapshot.Record{
			VersionID:    uuid.NewString(),
			Clock:        clock,
			LastModified: c.now(),
			Content:      winner.Content,
		}, nil
	}

	clock.Increment(c.nodeID)
	return snapshot.Record{
		VersionID:    uuid.NewString(),
		Clock:        clock,
		LastModified: c.now(),
		Content:      resolution.MergedResult,
	}, nil
}

// Commit applies plan to the replicas. Each replica is re-read first and
// skipped with an error if it changed since the plan was built. Replicas
// that cannot be written are reported as errors too.
func (c *Coordinator) Commit(ctx context.Context, plan *Plan) error {
	states := make(map[string]ReplicaState, len(plan.Replicas))
	for _, s := range plan.Replicas {
		states[s.Name] = s
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		src := src
		name := src.Name()
		sync, hasSync := findSync(plan.Syncs, name)
		if !hasSync && !slices.Contains(plan.Stale, name) {
			continue
		}

		g.Go(func() error {
			w, ok := src.(Writer)
			if !ok {
				return common.ErrValidation("replicas."+name, "replica is read-only")
			}
			if err := c.checkUnchanged(gctx, src, plan.Key, states[name]); err != nil {
				return err
			}

			content := plan.Canonical.Content
			if hasSync {
				out, err := c.engine.ApplyDiffPayload(gctx, sync.Payload, states[name].Version.Content)
				if err != nil {
					return fmt.Errorf("apply payload to %s: %w", name, err)
				}
				content = out
			}

			rec := plan.Canonical
			rec.Clock = plan.Canonical.Clock.Copy()
			rec.Content = content
			if err := w.Put(gctx, plan.Key, rec); err != nil {
				return fmt.Errorf("write back %s to %s: %w", plan.Key, name, err)
			}
			logCtx := context.WithValue(gctx, common.ReplicaKey, name)
			logging.FromContext(logCtx, c.logger).Debug("replica converged",
				zap.String("key", plan.Key),
				zap.Bool("payload", hasSync))
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) checkUnchanged(ctx context.Context, src snapshot.Source, key string, planned ReplicaState) error {
	v, err := src.Snapshot(ctx, key)
	switch {
	case common.IsNotFound(err):
		if !planned.Present {
			return nil
		}
	case err != nil:
		return fmt.Errorf("snapshot %s from %s: %w", key, src.Name(), err)
	default:
		if planned.Present && v.VersionID == planned.Version.VersionID && v.ContentHash == planned.Version.ContentHash {
			return nil
		}
	}
	return common.ErrData("commit", fmt.Sprintf("replica %s changed since the plan for %s", src.Name(), key))
}

func presentVersions(states []ReplicaState) []conflict.ConflictVersion {
	var out []conflict.ConflictVersion
	for _, s := range states {
		if s.Present {
			out = append(out, s.Version)
		}
	}
	return out
}

func findVersion(states []ReplicaState, id string) (conflict.ConflictVersion, bool) {
	for _, s := range states {
		if s.Present && s.Version.VersionID == id {
			return s.Version, true
		}
	}
	return conflict.ConflictVersion{}, false
}

func findSync(syncs []ReplicaSync, name string) (ReplicaSync, bool) {
	for _, s := range syncs {
		if s.Replica == name {
			return s, true
		}
	}
	return ReplicaSync{}, false
}
