package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// MergeStrategy selects how SemanticMerge combines values.
type MergeStrategy string

const (
	MergeUnion        MergeStrategy = "union"
	MergeIntersection MergeStrategy = "intersection"
	MergeAddition     MergeStrategy = "addition"
	MergeMaximum      MergeStrategy = "maximum"
	MergeMinimum      MergeStrategy = "minimum"
)

// ParseMergeStrategy accepts any casing of a merge mode.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(normalizeName(s)) {
	case MergeUnion:
		return MergeUnion, nil
	case MergeIntersection:
		return MergeIntersection, nil
	case MergeAddition:
		return MergeAddition, nil
	case MergeMaximum:
		return MergeMaximum, nil
	case MergeMinimum:
		return MergeMinimum, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q", s)
	}
}

// ErrNotMergeable is returned when versions lack content or their shapes
// cannot be combined.
var ErrNotMergeable = errors.New("versions are not mergeable")

// SemanticMerge merges JSON content of every version, oldest first.
//
// Arrays are combined as an order-preserving deduplicated union, or as an
// intersection in MergeIntersection mode. Objects merge key by key; in
// MergeIntersection mode only keys present on both sides survive. Numbers
// are summed, or the maximum or minimum kept, in the numeric modes. Any
// other differing scalar takes the newer value. Values of different JSON
// kinds at the same path cannot be merged.
type SemanticMerge struct {
	mode MergeStrategy
}

// NewSemanticMerge creates a merge strategy for mode.
func NewSemanticMerge(mode MergeStrategy) *SemanticMerge {
	return &SemanticMerge{mode: mode}
}

func (s *SemanticMerge) Name() string { return "SemanticMerge" }

// Mode returns the merge mode.
func (s *SemanticMerge) Mode() MergeStrategy { return s.mode }

func (s *SemanticMerge) Resolve(ctx context.Context, event *ConflictEvent) (Outcome, error) {
	merged, err := s.Merge(ctx, event.Versions)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{MergedResult: merged}, nil
}

// Merge folds the content of versions into one JSON document.
func (s *SemanticMerge) Merge(ctx context.Context, versions []ConflictVersion) ([]byte, error) {
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no versions", ErrNotMergeable)
	}

	var acc any
	for i, v := range chronological(versions) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v.Content == nil {
			return nil, fmt.Errorf("%w: version %s has no content", ErrNotMergeable, v.VersionID)
		}
		doc, err := decodeJSON(v.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: version %s: %v", ErrNotMergeable, v.VersionID, err)
		}
		if i == 0 {
			acc = doc
			continue
		}
		acc, err = s.mergeValues(acc, doc, "$")
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(acc)
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON document")
	}
	return v, nil
}

func (s *SemanticMerge) mergeValues(a, b any, path string) (any, error) {
	// equal numbers still add up in MergeAddition
	if s.mode != MergeAddition && reflect.DeepEqual(a, b) {
		return a, nil
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return nil, shapeError(path, a, b)
		}
		return s.mergeObjects(av, bv, path)
	case []any:
		bv, ok := b.([]any)
		if !ok {
			return nil, shapeError(path, a, b)
		}
		if s.mode == MergeIntersection {
			return intersectArrays(av, bv), nil
		}
		return unionArrays(av, bv), nil
	case json.Number:
		bv, ok := b.(json.Number)
		if !ok {
			return nil, shapeError(path, a, b)
		}
		return s.mergeNumbers(av, bv, path)
	default:
		if kind(a) != kind(b) {
			return nil, shapeError(path, a, b)
		}
		return b, nil
	}
}

func (s *SemanticMerge) mergeObjects(a, b map[string]any, path string) (any, error) {
	out := make(map[string]any, len(a)+len(b))
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			if s.mode != MergeIntersection {
				out[k] = av
			}
			continue
		}
		merged, err := s.mergeValues(av, bv, path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = merged
	}
	if s.mode != MergeIntersection {
		for k, bv := range b {
			if _, ok := a[k]; !ok {
				out[k] = bv
			}
		}
	}
	return out, nil
}

func (s *SemanticMerge) mergeNumbers(a, b json.Number, path string) (any, error) {
	ai, aErr := a.Int64()
	bi, bErr := b.Int64()
	integers := aErr == nil && bErr == nil

	switch s.mode {
	case MergeAddition:
		if integers {
			sum := ai + bi
			// overflow when both operands share a sign the sum does not
			if (ai >= 0) == (bi >= 0) && (sum >= 0) != (ai >= 0) {
				return nil, fmt.Errorf("%w: integer overflow at %s", ErrNotMergeable, path)
			}
			return json.Number(strconv.FormatInt(sum, 10)), nil
		}
		af, bf, err := floats(a, b)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotMergeable, path, err)
		}
		sum := af + bf
		if math.IsInf(sum, 0) {
			return nil, fmt.Errorf("%w: overflow at %s", ErrNotMergeable, path)
		}
		return json.Number(strconv.FormatFloat(sum, 'g', -1, 64)), nil
	case MergeMaximum, MergeMinimum:
		var aLess bool
		if integers {
			aLess = ai < bi
		} else {
			af, bf, err := floats(a, b)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrNotMergeable, path, err)
			}
			aLess = af < bf
		}
		if aLess == (s.mode == MergeMaximum) {
			return b, nil
		}
		return a, nil
	default:
		return b, nil
	}
}

func floats(a, b json.Number) (float64, float64, error) {
	af, err := a.Float64()
	if err != nil {
		return 0, 0, err
	}
	bf, err := b.Float64()
	if err != nil {
		return 0, 0, err
	}
	return af, bf, nil
}

// canonical renders v so equal values compare equal as strings.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}

func unionArrays(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, v := range list {
			k := canonical(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func intersectArrays(a, b []any) []any {
	inB := make(map[string]bool, len(b))
	for _, v := range b {
		inB[canonical(v)] = true
	}
	seen := make(map[string]bool, len(a))
	out := make([]any, 0)
	for _, v := range a {
		k := canonical(v)
		if !inB[k] || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func shapeError(path string, a, b any) error {
	return fmt.Errorf("%w: %s is %s in one version and %s in another", ErrNotMergeable, path, kind(a), kind(b))
}
