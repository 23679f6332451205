// Package conflict detects concurrent writes to the same key across
// replicas and settles them with an ordered chain of strategies.
package conflict

import (
	"time"

	"github.com/FairForge/replisync/internal/vclock"
)

// ConflictVersion is one replica's copy of a key. Treat it as immutable.
type ConflictVersion struct {
	VersionID    string             `json:"version_id"`
	VectorClock  vclock.VectorClock `json:"vector_clock"`
	ContentHash  string             `json:"content_hash"`
	Size         int64              `json:"size"`
	Source       string             `json:"source"`
	LastModified time.Time          `json:"last_modified"`
	// Content is only needed by merge strategies.
	Content []byte `json:"-"`
}

// ResolutionStatus tracks a conflict through its lifecycle:
// Pending -> Resolving -> ResolvedAuto | ResolvedManual | Failed.
type ResolutionStatus int

const (
	StatusPending ResolutionStatus = iota
	StatusResolving
	StatusResolvedAuto
	StatusResolvedManual
	StatusFailed
)

func (s ResolutionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolving:
		return "resolving"
	case StatusResolvedAuto:
		return "resolved_auto"
	case StatusResolvedManual:
		return "resolved_manual"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConflictEvent groups every version of a key once any pair of them is
// found concurrent. The set is never split.
type ConflictEvent struct {
	ConflictID string            `json:"conflict_id"`
	Key        string            `json:"key"`
	Versions   []ConflictVersion `json:"versions"`
	DetectedAt time.Time         `json:"detected_at"`
	Status     ResolutionStatus  `json:"status"`
}

func (e *ConflictEvent) clone() ConflictEvent {
	out := *e
	out.Versions = append([]ConflictVersion(nil), e.Versions...)
	return out
}

// version returns the version with the given id.
func (e *ConflictEvent) version(id string) (ConflictVersion, bool) {
	for _, v := range e.Versions {
		if v.VersionID == id {
			return v, true
		}
	}
	return ConflictVersion{}, false
}

// StrategyCausalOrder is reported when the versions were not concurrent and
// the dominating version was taken without running any strategy.
const StrategyCausalOrder = "CausalOrder"

// ConflictResolutionResult is the settled outcome of a resolve call.
// Exactly one of WinningVersion and MergedResult is set.
type ConflictResolutionResult struct {
	ConflictID     string        `json:"conflict_id,omitempty"`
	Key            string        `json:"key"`
	Conflicted     bool          `json:"conflicted"`
	StrategyUsed   string        `json:"strategy_used"`
	WinningVersion string        `json:"winning_version,omitempty"`
	MergedResult   []byte        `json:"merged_result,omitempty"`
	ResolvedAt     time.Time     `json:"resolved_at"`
	Duration       time.Duration `json:"duration"`
}

// ConflictMetrics counts conflicting resolve calls. Each call is folded in
// exactly once.
type ConflictMetrics struct {
	TotalConflicts    uint64            `json:"total_conflicts"`
	AutoResolved      uint64            `json:"auto_resolved"`
	ManualResolved    uint64            `json:"manual_resolved"`
	FailedResolutions uint64            `json:"failed_resolutions"`
	AvgResolutionTime time.Duration     `json:"avg_resolution_time"`
	StrategyUsage     map[string]uint64 `json:"strategy_usage"`
	LastConflictTime  time.Time         `json:"last_conflict_time"`
}

func (m ConflictMetrics) clone() ConflictMetrics {
	usage := make(map[string]uint64, len(m.StrategyUsage))
	for k, v := range m.StrategyUsage {
		usage[k] = v
	}
	m.StrategyUsage = usage
	return m
}

// Audit actions.
const (
	ActionResolvedAuto   = "resolved_auto"
	ActionResolvedManual = "resolved_manual"
	ActionFailed         = "resolution_failed"
	ActionEvicted        = "evicted"
)

// AuditEntry records one action taken on a conflict.
type AuditEntry struct {
	EntryID    string            `json:"entry_id"`
	ConflictID string            `json:"conflict_id"`
	Key        string            `json:"key"`
	Action     string            `json:"action"`
	Timestamp  time.Time         `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
}

// Notification is delivered to the configured notifier whenever conflicts
// are registered.
type Notification struct {
	NotificationID string          `json:"notification_id"`
	Conflicts      []ConflictEvent `json:"conflicts"`
	Timestamp      time.Time       `json:"timestamp"`
}
