package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// VectorClock maps a node ID to its logical counter.
// Thread-safe operations should be handled by the caller.
type VectorClock map[string]uint64

// New creates an empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Parse decodes a clock previously produced by Bytes. Empty input yields an
// empty clock.
func Parse(data []byte) (VectorClock, error) {
	vc := New()
	if len(data) == 0 {
		return vc, nil
	}
	if err := json.Unmarshal(data, &vc); err != nil {
		return nil, fmt.Errorf("parse vector clock: %w", err)
	}
	return vc, nil
}

// Bytes encodes the clock as JSON.
func (vc VectorClock) Bytes() []byte {
	data, _ := json.Marshal(map[string]uint64(vc))
	return data
}

// Increment advances the counter for nodeID. A node must only increment its
// own entry.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Get returns the counter for nodeID, or 0 if absent.
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc[nodeID]
}

// Copy returns a deep copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge returns a new clock holding the entry-wise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for k, v := range other {
		if v > merged[k] {
			merged[k] = v
		}
	}
	return merged
}

// HappensBefore reports whether vc causally precedes other: every entry of
// vc is <= the matching entry of other and at least one is strictly smaller.
// Missing entries count as zero.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	smaller := false
	for node, v := range vc {
		o := other[node]
		if v > o {
			return false
		}
		if v < o {
			smaller = true
		}
	}
	if smaller {
		return true
	}
	for node, o := range other {
		if _, ok := vc[node]; !ok && o > 0 {
			return true
		}
	}
	return false
}

// IsConcurrent reports whether neither clock happens before the other.
// Entry-wise identical clocks are reported as concurrent.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}

// Equal reports whether both clocks hold the same counters, treating missing
// entries as zero.
func (vc VectorClock) Equal(other VectorClock) bool {
	for k, v := range vc {
		if other[k] != v {
			return false
		}
	}
	for k, v := range other {
		if vc[k] != v {
			return false
		}
	}
	return true
}

// Ordering is the causal relationship between two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Compare returns the relationship of vc relative to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	switch {
	case vc.Equal(other):
		return Equal
	case vc.HappensBefore(other):
		return Before
	case other.HappensBefore(vc):
		return After
	default:
		return Concurrent
	}
}

// Nodes returns the node IDs in sorted order.
func (vc VectorClock) Nodes() []string {
	nodes := make([]string, 0, len(vc))
	for k := range vc {
		nodes = append(nodes, k)
	}
	sort.Strings(nodes)
	return nodes
}

// String renders the clock deterministically, e.g. {n1:2, n2:1}.
func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(vc))
	for _, k := range vc.Nodes() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
