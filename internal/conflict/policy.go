package conflict

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/FairForge/replisync/internal/common"
)

// Policy actions.
const (
	ActionLastWriteWins  = "last_write_wins"
	ActionFirstWriteWins = "first_write_wins"
	ActionLargest        = "largest"
	ActionSmallest       = "smallest"
	ActionPreferSource   = "prefer_source" // prefer_source:<source>
	ActionMerge          = "merge"         // merge:<mode>
	ActionManual         = "manual"
)

// Rule selects an action for conflicts matching all of its criteria. Empty
// criteria match everything.
type Rule struct {
	Name       string `yaml:"name"`
	KeyPrefix  string `yaml:"key_prefix"`
	KeyPattern string `yaml:"key_pattern"` // path.Match glob
	// Sources matches when any version comes from one of them.
	Sources []string `yaml:"sources"`
	// MaxSize matches when every version is at most this many bytes.
	MaxSize int64  `yaml:"max_size"`
	Action  string `yaml:"action"`
}

func (r Rule) matches(event *ConflictEvent) bool {
	if r.KeyPrefix != "" && !strings.HasPrefix(event.Key, r.KeyPrefix) {
		return false
	}
	if r.KeyPattern != "" {
		if ok, _ := path.Match(r.KeyPattern, event.Key); !ok {
			return false
		}
	}
	if len(r.Sources) > 0 && !anySource(event.Versions, r.Sources) {
		return false
	}
	if r.MaxSize > 0 {
		for _, v := range event.Versions {
			if v.Size > r.MaxSize {
				return false
			}
		}
	}
	return true
}

func anySource(versions []ConflictVersion, sources []string) bool {
	for _, v := range versions {
		for _, s := range sources {
			if v.Source == s {
				return true
			}
		}
	}
	return false
}

// ResolutionPolicy is an ordered rule list with a fallback action.
type ResolutionPolicy struct {
	Name          string `yaml:"name"`
	Rules         []Rule `yaml:"rules"`
	DefaultAction string `yaml:"default_action"`
}

// Validate checks that the policy has rules and that every action parses.
func (p ResolutionPolicy) Validate() error {
	field := "policies." + p.Name
	if len(p.Rules) == 0 {
		return common.ErrValidation(field, "policy has no rules")
	}
	for i, r := range p.Rules {
		if _, err := parseAction(r.Action); err != nil {
			return common.ErrValidation(fmt.Sprintf("%s.rules[%d].action", field, i), err.Error())
		}
		if r.KeyPattern != "" {
			if _, err := path.Match(r.KeyPattern, ""); err != nil {
				return common.ErrValidation(fmt.Sprintf("%s.rules[%d].key_pattern", field, i), err.Error())
			}
		}
		if r.MaxSize < 0 {
			return common.ErrValidation(fmt.Sprintf("%s.rules[%d].max_size", field, i), "must not be negative")
		}
	}
	if p.DefaultAction != "" {
		if _, err := parseAction(p.DefaultAction); err != nil {
			return common.ErrValidation(field+".default_action", err.Error())
		}
	}
	return nil
}

type action func(ctx context.Context, event *ConflictEvent) (Outcome, error)

func pick(choose func([]ConflictVersion) (ConflictVersion, bool)) action {
	return func(_ context.Context, event *ConflictEvent) (Outcome, error) {
		v, ok := choose(event.Versions)
		if !ok {
			return Outcome{}, fmt.Errorf("no candidate version")
		}
		return Outcome{WinningVersion: v.VersionID}, nil
	}
}

// bySize picks the largest (or smallest) version, ties going to the newest.
func bySize(largest bool) func([]ConflictVersion) (ConflictVersion, bool) {
	return func(versions []ConflictVersion) (ConflictVersion, bool) {
		if len(versions) == 0 {
			return ConflictVersion{}, false
		}
		best := versions[0]
		for _, v := range versions[1:] {
			switch {
			case v.Size == best.Size:
				if newer(v, best) {
					best = v
				}
			case (v.Size > best.Size) == largest:
				best = v
			}
		}
		return best, true
	}
}

func parseAction(spec string) (action, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch name {
	case ActionLastWriteWins:
		return pick(latest), nil
	case ActionFirstWriteWins:
		return pick(earliest), nil
	case ActionLargest:
		return pick(bySize(true)), nil
	case ActionSmallest:
		return pick(bySize(false)), nil
	case ActionPreferSource:
		if arg == "" {
			return nil, fmt.Errorf("prefer_source needs a source name")
		}
		return pick(func(versions []ConflictVersion) (ConflictVersion, bool) {
			var matching []ConflictVersion
			for _, v := range versions {
				if v.Source == arg {
					matching = append(matching, v)
				}
			}
			return latest(matching)
		}), nil
	case ActionMerge:
		if arg == "" {
			arg = string(MergeUnion)
		}
		mode, err := ParseMergeStrategy(arg)
		if err != nil {
			return nil, err
		}
		return NewSemanticMerge(mode).Resolve, nil
	case ActionManual:
		return func(context.Context, *ConflictEvent) (Outcome, error) {
			return Outcome{}, ErrManualResolution
		}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", spec)
	}
}

type compiledRule struct {
	Rule
	act action
}

// UserDefined applies the first rule of a ResolutionPolicy whose criteria
// match, falling back to the default action.
type UserDefined struct {
	policy   ResolutionPolicy
	rules    []compiledRule
	fallback action
}

// NewUserDefined validates and compiles policy.
func NewUserDefined(policy ResolutionPolicy) (*UserDefined, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	u := &UserDefined{policy: policy}
	for _, r := range policy.Rules {
		act, _ := parseAction(r.Action)
		u.rules = append(u.rules, compiledRule{Rule: r, act: act})
	}
	if policy.DefaultAction != "" {
		u.fallback, _ = parseAction(policy.DefaultAction)
	}
	return u, nil
}

func (u *UserDefined) Name() string { return "UserDefined" }

// Policy returns the policy name.
func (u *UserDefined) Policy() string { return u.policy.Name }

func (u *UserDefined) Resolve(ctx context.Context, event *ConflictEvent) (Outcome, error) {
	for _, r := range u.rules {
		if r.matches(event) {
			out, err := r.act(ctx, event)
			if err != nil {
				return Outcome{}, fmt.Errorf("policy %s rule %s: %w", u.policy.Name, r.Name, err)
			}
			return out, nil
		}
	}
	if u.fallback == nil {
		return Outcome{}, fmt.Errorf("policy %s: no rule matched key %s", u.policy.Name, event.Key)
	}
	return u.fallback(ctx, event)
}
