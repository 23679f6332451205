// Package flags supplies feature toggles to the reconciliation components.
// An absent flag always reads as disabled.
package flags

import (
	"sync"
)

// Known flags.
const (
	VectorClocks = "enable_vector_clocks"
)

// Provider answers whether a named feature is enabled.
type Provider interface {
	Enabled(name string) bool
}

// Static is an in-memory provider. The zero value has every flag disabled.
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewStatic creates a provider seeded with the given flags.
func NewStatic(initial map[string]bool) *Static {
	s := &Static{flags: make(map[string]bool, len(initial))}
	for k, v := range initial {
		s.flags[k] = v
	}
	return s
}

// Enabled implements Provider.
func (s *Static) Enabled(name string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}

// Set toggles a flag.
func (s *Static) Set(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags == nil {
		s.flags = make(map[string]bool)
	}
	s.flags[name] = enabled
}

// Snapshot returns a copy of all flags.
func (s *Static) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

func (s *Static) replace(next map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = next
}

// IsEnabled is a nil-safe lookup.
func IsEnabled(p Provider, name string) bool {
	if p == nil {
		return false
	}
	return p.Enabled(name)
}
