package diff

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/FairForge/replisync/internal/chunking"
	"github.com/FairForge/replisync/internal/common"
)

// Calculator computes diffs using content-defined chunking over the region
// between the common prefix and suffix.
type Calculator struct {
	chunker chunking.Chunker
}

// NewCalculator creates a calculator. A nil chunker uses chunking.DefaultConfig.
func NewCalculator(chunker chunking.Chunker) (*Calculator, error) {
	if chunker == nil {
		c, err := chunking.New(chunking.DefaultConfig())
		if err != nil {
			return nil, err
		}
		chunker = c
	}
	return &Calculator{chunker: chunker}, nil
}

// Chunker returns the chunker used for the middle region.
func (c *Calculator) Chunker() chunking.Chunker {
	return c.chunker
}

// CalculateDiff returns operations that turn old into new under Apply.
func (c *Calculator) CalculateDiff(old, new []byte) (*Result, error) {
	b := &builder{}

	if bytes.Equal(old, new) {
		if len(new) > 0 {
			b.copy(0, len(new))
		}
		return b.result(new), nil
	}

	prefix := commonPrefix(old, new)
	suffix := commonSuffix(old[prefix:], new[prefix:])
	oldMid := old[prefix : len(old)-suffix]
	newMid := new[prefix : len(new)-suffix]

	b.copy(0, prefix)

	if len(newMid) > 0 {
		index := map[string]int{}
		if len(oldMid) > 0 {
			oldChunks, err := c.chunker.Split(oldMid)
			if err != nil {
				return nil, fmt.Errorf("chunk old: %w", err)
			}
			for _, ch := range oldChunks {
				if _, ok := index[ch.Hash]; !ok {
					index[ch.Hash] = prefix + ch.Offset
				}
			}
		}

		newChunks, err := c.chunker.Split(newMid)
		if err != nil {
			return nil, fmt.Errorf("chunk new: %w", err)
		}
		for _, ch := range newChunks {
			if src, ok := index[ch.Hash]; ok {
				b.copy(src, ch.Size)
			} else {
				b.insert(ch.Data)
			}
		}
	}

	b.copy(len(old)-suffix, suffix)
	b.deletes(len(old))

	if b.dst != len(new) {
		return nil, common.ErrData("calculate_diff",
			fmt.Sprintf("operations produce %d bytes, want %d", b.dst, len(new)))
	}
	return b.result(new), nil
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffix(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

type span struct{ start, end int }

// builder accumulates coalesced operations and tracks which base bytes
// were reused.
type builder struct {
	ops     []Operation
	dst     int
	literal int64
	covered []span
}

func (b *builder) copy(src, length int) {
	if length == 0 {
		return
	}
	b.covered = append(b.covered, span{src, src + length})
	if n := len(b.ops); n > 0 {
		if last, ok := b.ops[n-1].(Copy); ok && last.SrcOffset+last.Length == src {
			last.Length += length
			b.ops[n-1] = last
			b.dst += length
			return
		}
	}
	b.ops = append(b.ops, Copy{SrcOffset: src, DstOffset: b.dst, Length: length})
	b.dst += length
}

func (b *builder) insert(data []byte) {
	if len(data) == 0 {
		return
	}
	b.literal += int64(len(data))
	if n := len(b.ops); n > 0 {
		if last, ok := b.ops[n-1].(Insert); ok {
			last.Data = append(last.Data, data...)
			b.ops[n-1] = last
			b.dst += len(data)
			return
		}
	}
	b.ops = append(b.ops, Insert{Offset: b.dst, Data: append([]byte(nil), data...)})
	b.dst += len(data)
}

// deletes appends a Delete for every base range no Copy reused.
func (b *builder) deletes(baseLen int) {
	spans := append([]span(nil), b.covered...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	pos := 0
	for _, s := range spans {
		if s.start > pos {
			b.ops = append(b.ops, Delete{Offset: pos, Length: s.start - pos})
		}
		pos = max(pos, s.end)
	}
	if pos < baseLen {
		b.ops = append(b.ops, Delete{Offset: pos, Length: baseLen - pos})
	}
}

func (b *builder) result(new []byte) *Result {
	ratio := 1.0
	if len(new) > 0 {
		ratio = 1 - float64(b.literal)/float64(len(new))
	}
	return &Result{
		Operations:       b.ops,
		DiffSize:         b.literal,
		CompressionRatio: ratio,
		Type:             DetectType(new),
		TargetSize:       len(new),
	}
}
