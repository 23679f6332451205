package delta

import (
	"bytes"
	"context"
	"sort"

	"github.com/FairForge/replisync/internal/diff"
)

// DataDiff compares two keyed collections entry by entry.
type DataDiff struct {
	Added    map[string][]byte
	Modified map[string]*diff.Result
	Removed  []string
}

// Empty reports whether the collections were equal.
func (d *DataDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// DiffEntries diffs every key present in both maps and lists keys only in
// one of them. Removed is sorted.
func (e *Engine) DiffEntries(ctx context.Context, old, new map[string][]byte) (*DataDiff, error) {
	out := &DataDiff{
		Added:    map[string][]byte{},
		Modified: map[string]*diff.Result{},
	}

	for key, value := range new {
		prev, ok := old[key]
		if !ok {
			out.Added[key] = value
			continue
		}
		if bytes.Equal(prev, value) {
			continue
		}
		res, err := e.CalculateDiff(ctx, prev, value)
		if err != nil {
			return nil, err
		}
		out.Modified[key] = res
	}

	for key := range old {
		if _, ok := new[key]; !ok {
			out.Removed = append(out.Removed, key)
		}
	}
	sort.Strings(out.Removed)
	return out, nil
}
