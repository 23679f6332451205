package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/FairForge/replisync/internal/common"
)

// Outcome is what a successful strategy produced: a winning version id or
// merged bytes.
type Outcome struct {
	WinningVersion string
	MergedResult   []byte
}

// Strategy settles a conflict or returns an error so the next strategy in
// the chain is tried.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, event *ConflictEvent) (Outcome, error)
}

// ErrManualResolution is returned by the Manual strategy.
var ErrManualResolution = errors.New("manual resolution required")

var (
	_ Strategy = LastWriteWins{}
	_ Strategy = FirstWriteWins{}
	_ Strategy = Manual{}
	_ Strategy = (*SemanticMerge)(nil)
	_ Strategy = (*UserDefined)(nil)
)

// newer reports whether a sorts after b: later LastModified, ties broken by
// the lexicographically greater VersionID.
func newer(a, b ConflictVersion) bool {
	if !a.LastModified.Equal(b.LastModified) {
		return a.LastModified.After(b.LastModified)
	}
	return a.VersionID > b.VersionID
}

func latest(versions []ConflictVersion) (ConflictVersion, bool) {
	if len(versions) == 0 {
		return ConflictVersion{}, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if newer(v, best) {
			best = v
		}
	}
	return best, true
}

func earliest(versions []ConflictVersion) (ConflictVersion, bool) {
	if len(versions) == 0 {
		return ConflictVersion{}, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if newer(best, v) {
			best = v
		}
	}
	return best, true
}

// chronological returns versions ordered oldest first.
func chronological(versions []ConflictVersion) []ConflictVersion {
	out := append([]ConflictVersion(nil), versions...)
	sort.SliceStable(out, func(i, j int) bool { return newer(out[j], out[i]) })
	return out
}

// LastWriteWins picks the most recently modified version.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "LastWriteWins" }

func (LastWriteWins) Resolve(_ context.Context, event *ConflictEvent) (Outcome, error) {
	v, ok := latest(event.Versions)
	if !ok {
		return Outcome{}, errors.New("no versions found")
	}
	return Outcome{WinningVersion: v.VersionID}, nil
}

// FirstWriteWins picks the least recently modified version.
type FirstWriteWins struct{}

func (FirstWriteWins) Name() string { return "FirstWriteWins" }

func (FirstWriteWins) Resolve(_ context.Context, event *ConflictEvent) (Outcome, error) {
	v, ok := earliest(event.Versions)
	if !ok {
		return Outcome{}, errors.New("no versions found")
	}
	return Outcome{WinningVersion: v.VersionID}, nil
}

// Manual never resolves; it marks the point where a human must step in.
type Manual struct{}

func (Manual) Name() string { return "Manual" }

func (Manual) Resolve(context.Context, *ConflictEvent) (Outcome, error) {
	return Outcome{}, ErrManualResolution
}

// normalizeName folds "LastWriteWins", "last_write_wins" and
// "last-write-wins" to the same key.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

type strategyFactory func(arg string, policies map[string]ResolutionPolicy) (Strategy, error)

var strategyRegistry = map[string]strategyFactory{
	"lastwritewins": func(string, map[string]ResolutionPolicy) (Strategy, error) {
		return LastWriteWins{}, nil
	},
	"firstwritewins": func(string, map[string]ResolutionPolicy) (Strategy, error) {
		return FirstWriteWins{}, nil
	},
	"manual": func(string, map[string]ResolutionPolicy) (Strategy, error) {
		return Manual{}, nil
	},
	"semanticmerge": func(arg string, _ map[string]ResolutionPolicy) (Strategy, error) {
		if arg == "" {
			arg = string(MergeUnion)
		}
		mode, err := ParseMergeStrategy(arg)
		if err != nil {
			return nil, err
		}
		return NewSemanticMerge(mode), nil
	},
	"userdefined": func(arg string, policies map[string]ResolutionPolicy) (Strategy, error) {
		policy, ok := policies[arg]
		if !ok {
			return nil, fmt.Errorf("unknown policy %q", arg)
		}
		return NewUserDefined(policy)
	},
}

// BuildStrategies parses strategy specs of the form "name" or "name:arg",
// e.g. "last_write_wins", "semantic_merge:union" or "user_defined:<policy>".
// The result is in the given order and must not be empty.
func BuildStrategies(specs []string, policies []ResolutionPolicy) ([]Strategy, error) {
	if len(specs) == 0 {
		return nil, common.ErrValidation("resolution_strategies", "at least one strategy is required")
	}

	byName := make(map[string]ResolutionPolicy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}

	out := make([]Strategy, 0, len(specs))
	for _, spec := range specs {
		name, arg, _ := strings.Cut(spec, ":")
		factory, ok := strategyRegistry[normalizeName(name)]
		if !ok {
			return nil, common.ErrValidation("resolution_strategies", fmt.Sprintf("unknown strategy %q", spec))
		}
		s, err := factory(strings.TrimSpace(arg), byName)
		if err != nil {
			if common.IsValidation(err) {
				return nil, err
			}
			return nil, common.ErrValidation("resolution_strategies", fmt.Sprintf("%s: %v", spec, err))
		}
		out = append(out, s)
	}
	return out, nil
}
