package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/replisync/internal/flags"
)

// Detector decides whether a set of versions of one key conflicts. It
// returns nil when they do not.
type Detector interface {
	Name() string
	Detect(ctx context.Context, key string, versions []ConflictVersion) (*ConflictEvent, error)
}

// Detector names accepted in configuration.
const (
	DetectorVectorClock = "vector_clock"
	DetectorChecksum    = "checksum"
)

var (
	_ Detector = (*VectorClockDetector)(nil)
	_ Detector = (*ChecksumDetector)(nil)
)

func newEvent(key string, versions []ConflictVersion) *ConflictEvent {
	return &ConflictEvent{
		ConflictID: uuid.New().String(),
		Key:        key,
		Versions:   append([]ConflictVersion(nil), versions...),
		DetectedAt: time.Now(),
		Status:     StatusPending,
	}
}

// VectorClockDetector flags the whole version set when any pair of clocks
// is concurrent. It is active only when enabled in config and the
// flags.VectorClocks flag is on; otherwise it never reports a conflict.
type VectorClockDetector struct {
	enabled bool
	flags   flags.Provider
}

// NewVectorClockDetector creates a detector gated by enabled and provider.
func NewVectorClockDetector(enabled bool, provider flags.Provider) *VectorClockDetector {
	return &VectorClockDetector{enabled: enabled, flags: provider}
}

func (d *VectorClockDetector) Name() string { return DetectorVectorClock }

// Active reports whether detection currently runs.
func (d *VectorClockDetector) Active() bool {
	return d.enabled && flags.IsEnabled(d.flags, flags.VectorClocks)
}

func (d *VectorClockDetector) Detect(ctx context.Context, key string, versions []ConflictVersion) (*ConflictEvent, error) {
	if len(versions) < 2 || !d.Active() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < len(versions); i++ {
		for j := i + 1; j < len(versions); j++ {
			if concurrentWrites(versions[i], versions[j]) {
				return newEvent(key, versions), nil
			}
		}
	}
	return nil, nil
}

// concurrentWrites reports whether a and b are concurrent writes. Identical
// clocks with identical content are copies of one write, not a conflict.
func concurrentWrites(a, b ConflictVersion) bool {
	if !a.VectorClock.IsConcurrent(b.VectorClock) {
		return false
	}
	if a.VectorClock.Equal(b.VectorClock) && a.ContentHash == b.ContentHash {
		return false
	}
	return true
}

// ChecksumDetector flags a conflict whenever content hashes differ,
// regardless of causality.
type ChecksumDetector struct{}

// NewChecksumDetector creates a checksum detector
func NewChecksumDetector() *ChecksumDetector {
	return &ChecksumDetector{}
}

func (d *ChecksumDetector) Name() string { return DetectorChecksum }

// CheckConflict compares two versions by checksum.
func (d *ChecksumDetector) CheckConflict(v1, v2 ConflictVersion) bool {
	return v1.ContentHash != v2.ContentHash
}

func (d *ChecksumDetector) Detect(ctx context.Context, key string, versions []ConflictVersion) (*ConflictEvent, error) {
	if len(versions) < 2 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, v := range versions[1:] {
		if d.CheckConflict(versions[0], v) {
			return newEvent(key, versions), nil
		}
	}
	return nil, nil
}

// buildDetectors maps configured names to detectors.
func buildDetectors(names []string, vectorClocks bool, provider flags.Provider) ([]Detector, error) {
	if len(names) == 0 {
		names = []string{DetectorVectorClock}
	}
	out := make([]Detector, 0, len(names))
	for _, name := range names {
		switch name {
		case DetectorVectorClock:
			out = append(out, NewVectorClockDetector(vectorClocks, provider))
		case DetectorChecksum:
			out = append(out, NewChecksumDetector())
		default:
			return nil, fmt.Errorf("unknown detector %q", name)
		}
	}
	return out, nil
}
