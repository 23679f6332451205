package conflict

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/flags"
	"github.com/FairForge/replisync/internal/health"
	"github.com/FairForge/replisync/internal/metrics"
)

// Config configures a Resolver.
type Config struct {
	EnableVectorClocks  bool               `yaml:"enable_vector_clocks"`
	MaxTrackedConflicts int                `yaml:"max_tracked_conflicts"`
	MaxAuditEntries     int                `yaml:"max_audit_entries"`
	Strategies          []string           `yaml:"resolution_strategies"`
	Policies            []ResolutionPolicy `yaml:"policies"`
	Detectors           []string           `yaml:"detectors"`
	// SerializePerKey makes concurrent resolves of one key run one at a time.
	SerializePerKey bool `yaml:"serialize_per_key"`
}

// DefaultConfig returns vector clock detection with last-write-wins then
// a union merge.
func DefaultConfig() Config {
	return Config{
		EnableVectorClocks:  true,
		MaxTrackedConflicts: 1000,
		MaxAuditEntries:     1000,
		Strategies:          []string{"last_write_wins", "semantic_merge:union"},
		Detectors:           []string{DetectorVectorClock},
	}
}

// Validate checks the configuration, including every policy.
func (c Config) Validate() error {
	if c.MaxTrackedConflicts <= 0 {
		return common.ErrValidation("max_tracked_conflicts", "must be positive")
	}
	if c.MaxAuditEntries <= 0 {
		return common.ErrValidation("max_audit_entries", "must be positive")
	}
	for _, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if _, err := BuildStrategies(c.Strategies, c.Policies); err != nil {
		return err
	}
	if _, err := buildDetectors(c.Detectors, c.EnableVectorClocks, nil); err != nil {
		return common.ErrValidation("detectors", err.Error())
	}
	return nil
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithFlags sets the feature flag provider consulted by detection.
func WithFlags(p flags.Provider) Option {
	return func(r *Resolver) { r.flags = p }
}

// WithRecorder sets the Prometheus recorder.
func WithRecorder(rec *metrics.Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// WithDetectors replaces the configured detectors.
func WithDetectors(d ...Detector) Option {
	return func(r *Resolver) { r.detectors = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithNotifier registers a callback invoked synchronously each time a
// conflict is registered. It must not call back into the Resolver.
func WithNotifier(fn func(Notification)) Option {
	return func(r *Resolver) { r.notify = fn }
}

// Resolver detects conflicts and runs the strategy chain. It is safe for
// concurrent use; resolutions of different keys never block each other.
type Resolver struct {
	config     Config
	strategies []Strategy
	detectors  []Detector
	flags      flags.Provider
	logger     *zap.Logger
	recorder   *metrics.Recorder
	health     *health.Tracker
	notify     func(Notification)
	now        func() time.Time

	activeMu sync.RWMutex
	active   map[string]*ConflictEvent

	metricsMu sync.RWMutex
	metrics   ConflictMetrics

	audit *auditLog
	keys  *keyLocks
}

// NewResolver builds a resolver. The strategy list is fixed at construction.
func NewResolver(cfg Config, opts ...Option) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategies, err := BuildStrategies(cfg.Strategies, cfg.Policies)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		config:     cfg,
		strategies: strategies,
		logger:     zap.NewNop(),
		health:     health.NewTracker(50 * time.Millisecond),
		now:        time.Now,
		active:     make(map[string]*ConflictEvent),
		metrics:    ConflictMetrics{StrategyUsage: make(map[string]uint64)},
		audit:      newAuditLog(cfg.MaxAuditEntries),
		keys:       newKeyLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.detectors == nil {
		r.detectors, err = buildDetectors(cfg.Detectors, cfg.EnableVectorClocks, r.flags)
		if err != nil {
			return nil, common.ErrValidation("detectors", err.Error())
		}
	}
	return r, nil
}

// Strategies returns the names of the strategy chain, in order.
func (r *Resolver) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// ResolveConflict detects whether versions of key conflict and, if so,
// settles the conflict with the first strategy that succeeds.
//
// Causally ordered versions yield a result with Conflicted false and the
// dominating version as winner, without touching metrics or the registry.
// When every strategy fails the conflict stays registered as Failed and a
// DataError wrapping common.ErrStrategiesExhausted is returned.
func (r *Resolver) ResolveConflict(ctx context.Context, key string, versions []ConflictVersion) (*ConflictResolutionResult, error) {
	if len(versions) == 0 {
		return nil, common.ErrNotFound(key, "")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.config.SerializePerKey {
		unlock := r.keys.lock(key)
		defer unlock()
	}

	start := r.now()
	event, err := r.detect(ctx, key, versions)
	if err != nil {
		return nil, fmt.Errorf("detect conflict for %s: %w", key, err)
	}
	if event == nil {
		return r.causalResult(key, versions, start), nil
	}

	event.DetectedAt = start
	event.Status = StatusResolving
	r.register(event)

	r.logger.Info("conflict detected",
		zap.String("key", key),
		zap.String("conflict_id", event.ConflictID),
		zap.Int("versions", len(event.Versions)))

	strategy, outcome, err := r.runStrategies(ctx, event)
	end := r.now()
	duration := end.Sub(start)

	if err != nil {
		r.fail(event, duration, err)
		if errors.Is(err, common.ErrStrategiesExhausted) {
			return nil, common.WrapData("resolve_conflict", "key "+key, err)
		}
		return nil, err
	}

	result := &ConflictResolutionResult{
		ConflictID:     event.ConflictID,
		Key:            key,
		Conflicted:     true,
		StrategyUsed:   strategy,
		WinningVersion: outcome.WinningVersion,
		MergedResult:   outcome.MergedResult,
		ResolvedAt:     end,
		Duration:       duration,
	}
	r.succeed(event, result)
	return result, nil
}

func (r *Resolver) detect(ctx context.Context, key string, versions []ConflictVersion) (*ConflictEvent, error) {
	for _, d := range r.detectors {
		event, err := d.Detect(ctx, key, versions)
		if err != nil {
			return nil, fmt.Errorf("%s detector: %w", d.Name(), err)
		}
		if event != nil {
			return event, nil
		}
	}
	return nil, nil
}

// causalResult picks the version no other version happens after. Among
// several such versions the newest wins.
func (r *Resolver) causalResult(key string, versions []ConflictVersion, start time.Time) *ConflictResolutionResult {
	var maximal []ConflictVersion
	for i, v := range versions {
		dominated := false
		for j, w := range versions {
			if i != j && v.VectorClock.HappensBefore(w.VectorClock) {
				dominated = true
				break
			}
		}
		if !dominated {
			maximal = append(maximal, v)
		}
	}
	winner, _ := latest(maximal)

	end := r.now()
	r.health.RecordSuccess(end.Sub(start))
	return &ConflictResolutionResult{
		Key:            key,
		StrategyUsed:   StrategyCausalOrder,
		WinningVersion: winner.VersionID,
		ResolvedAt:     end,
		Duration:       end.Sub(start),
	}
}

func (r *Resolver) runStrategies(ctx context.Context, event *ConflictEvent) (string, Outcome, error) {
	var errs []error
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return "", Outcome{}, err
		}
		outcome, err := s.Resolve(ctx, event)
		if err == nil {
			return s.Name(), outcome, nil
		}
		r.logger.Debug("strategy failed",
			zap.String("key", event.Key),
			zap.String("strategy", s.Name()),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return "", Outcome{}, errors.Join(append([]error{common.ErrStrategiesExhausted}, errs...)...)
}

// register inserts event into the active registry, evicting the oldest
// entries beyond max_tracked_conflicts.
func (r *Resolver) register(event *ConflictEvent) {
	var evicted []ConflictEvent

	r.activeMu.Lock()
	r.active[event.Key] = event
	for len(r.active) > r.config.MaxTrackedConflicts {
		var oldest *ConflictEvent
		for _, e := range r.active {
			if e != event && (oldest == nil || e.DetectedAt.Before(oldest.DetectedAt)) {
				oldest = e
			}
		}
		if oldest == nil {
			break
		}
		delete(r.active, oldest.Key)
		evicted = append(evicted, oldest.clone())
	}
	n := len(r.active)
	snapshot := event.clone()
	r.activeMu.Unlock()

	r.recorder.SetActiveConflicts(n)
	for _, e := range evicted {
		r.appendAudit(e.ConflictID, e.Key, ActionEvicted, map[string]string{"status": e.Status.String()})
	}
	if r.notify != nil {
		r.notify(Notification{
			NotificationID: uuid.New().String(),
			Conflicts:      []ConflictEvent{snapshot},
			Timestamp:      r.now(),
		})
	}
}

// setStatus updates the registered event if it is still this one. With
// remove set the entry is dropped instead.
func (r *Resolver) setStatus(event *ConflictEvent, status ResolutionStatus, remove bool) int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	event.Status = status
	if cur, ok := r.active[event.Key]; ok && cur.ConflictID == event.ConflictID && remove {
		delete(r.active, event.Key)
	}
	return len(r.active)
}

func (r *Resolver) succeed(event *ConflictEvent, result *ConflictResolutionResult) {
	n := r.setStatus(event, StatusResolvedAuto, true)

	r.metricsMu.Lock()
	r.metrics.TotalConflicts++
	r.metrics.AutoResolved++
	r.metrics.StrategyUsage[result.StrategyUsed]++
	r.foldDuration(result.Duration)
	r.metrics.LastConflictTime = event.DetectedAt
	r.metricsMu.Unlock()

	details := map[string]string{
		"strategy": result.StrategyUsed,
		"versions": strconv.Itoa(len(event.Versions)),
	}
	if result.WinningVersion != "" {
		details["winning_version"] = result.WinningVersion
	} else {
		details["merged_bytes"] = strconv.Itoa(len(result.MergedResult))
	}
	r.appendAudit(event.ConflictID, event.Key, ActionResolvedAuto, details)

	r.recorder.RecordResolution(metrics.OutcomeResolvedAuto, result.StrategyUsed, result.Duration)
	r.recorder.SetActiveConflicts(n)
	r.health.RecordSuccess(result.Duration)

	r.logger.Info("conflict resolved",
		zap.String("key", event.Key),
		zap.String("conflict_id", event.ConflictID),
		zap.String("strategy", result.StrategyUsed),
		zap.Duration("duration", result.Duration))
}

func (r *Resolver) fail(event *ConflictEvent, duration time.Duration, err error) {
	r.setStatus(event, StatusFailed, false)

	r.metricsMu.Lock()
	r.metrics.TotalConflicts++
	r.metrics.FailedResolutions++
	r.foldDuration(duration)
	r.metrics.LastConflictTime = event.DetectedAt
	r.metricsMu.Unlock()

	r.appendAudit(event.ConflictID, event.Key, ActionFailed, map[string]string{
		"error":    err.Error(),
		"versions": strconv.Itoa(len(event.Versions)),
	})

	r.recorder.RecordResolution(metrics.OutcomeFailed, "", duration)
	r.health.RecordError(duration, err)

	r.logger.Warn("conflict resolution failed",
		zap.String("key", event.Key),
		zap.String("conflict_id", event.ConflictID),
		zap.Error(err))
}

// foldDuration must be called with metricsMu held and TotalConflicts
// already incremented.
func (r *Resolver) foldDuration(d time.Duration) {
	n := float64(r.metrics.TotalConflicts)
	avg := float64(r.metrics.AvgResolutionTime)
	r.metrics.AvgResolutionTime = time.Duration(avg + (float64(d)-avg)/n)
}

func (r *Resolver) appendAudit(conflictID, key, action string, details map[string]string) {
	r.audit.append(AuditEntry{
		EntryID:    uuid.New().String(),
		ConflictID: conflictID,
		Key:        key,
		Action:     action,
		Timestamp:  r.now(),
		Details:    details,
	})
}

// ResolveManually settles a registered conflict that the strategy chain
// could not. Exactly one of winningVersion and merged must be given, and
// winningVersion must name one of the conflicting versions.
func (r *Resolver) ResolveManually(ctx context.Context, key, winningVersion string, merged []byte) (*ConflictResolutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if (winningVersion == "") == (merged == nil) {
		return nil, common.ErrValidation("resolution", "exactly one of winning version and merged result is required")
	}

	r.activeMu.Lock()
	event, ok := r.active[key]
	if !ok {
		r.activeMu.Unlock()
		return nil, common.ErrNotFound(key, "active conflicts")
	}
	if event.Status == StatusResolving {
		r.activeMu.Unlock()
		return nil, common.ErrValidation("status", "conflict for "+key+" is still being resolved")
	}
	if winningVersion != "" {
		if _, ok := event.version(winningVersion); !ok {
			r.activeMu.Unlock()
			return nil, common.ErrValidation("winning_version", fmt.Sprintf("%s is not a version of %s", winningVersion, key))
		}
	}
	event.Status = StatusResolvedManual
	delete(r.active, key)
	n := len(r.active)
	r.activeMu.Unlock()

	now := r.now()
	result := &ConflictResolutionResult{
		ConflictID:     event.ConflictID,
		Key:            key,
		Conflicted:     true,
		StrategyUsed:   Manual{}.Name(),
		WinningVersion: winningVersion,
		MergedResult:   merged,
		ResolvedAt:     now,
		Duration:       now.Sub(event.DetectedAt),
	}

	r.metricsMu.Lock()
	r.metrics.ManualResolved++
	r.metrics.StrategyUsage[result.StrategyUsed]++
	r.metricsMu.Unlock()

	details := map[string]string{"strategy": result.StrategyUsed}
	if winningVersion != "" {
		details["winning_version"] = winningVersion
	}
	r.appendAudit(event.ConflictID, key, ActionResolvedManual, details)
	r.recorder.RecordResolution(metrics.OutcomeResolvedManual, result.StrategyUsed, result.Duration)
	r.recorder.SetActiveConflicts(n)

	r.logger.Info("conflict resolved manually",
		zap.String("key", key),
		zap.String("conflict_id", event.ConflictID))
	return result, nil
}

// ActiveConflicts returns a copy of every registered conflict.
func (r *Resolver) ActiveConflicts() []ConflictEvent {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()

	out := make([]ConflictEvent, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.clone())
	}
	return out
}

// ActiveConflict returns the registered conflict for key.
func (r *Resolver) ActiveConflict(key string) (ConflictEvent, bool) {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()

	e, ok := r.active[key]
	if !ok {
		return ConflictEvent{}, false
	}
	return e.clone(), true
}

// AuditLog returns the retained audit entries, oldest first.
func (r *Resolver) AuditLog() []AuditEntry {
	return r.audit.snapshot()
}

// GetMetrics returns a snapshot of the conflict metrics.
func (r *Resolver) GetMetrics() ConflictMetrics {
	r.metricsMu.RLock()
	defer r.metricsMu.RUnlock()
	return r.metrics.clone()
}

// HealthCheck returns the resolver's health.
func (r *Resolver) HealthCheck() health.ComponentHealth {
	return r.health.Check()
}
