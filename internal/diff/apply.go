package diff

import (
	"fmt"

	"github.com/FairForge/replisync/internal/common"
)

// Apply replays ops against base and returns the reconstructed output.
//
// The output is built front to back: a Copy must land at DstOffset ==
// len(out) and an Insert at Offset == len(out). Delete only names a base
// range that is dropped. Any offset outside base or out of sequence yields
// a DataError wrapping common.ErrOutOfBounds; nothing is clamped.
func Apply(base []byte, ops []Operation) ([]byte, error) {
	// Validate every op before allocating: lengths come from the wire and
	// must be checked against base before they size anything.
	size := 0
	for i, op := range ops {
		switch o := op.(type) {
		case Copy:
			if o.SrcOffset < 0 || o.Length < 0 || o.SrcOffset > len(base)-o.Length {
				return nil, outOfBounds(i, fmt.Sprintf("copy source [%d,+%d) outside base of %d bytes",
					o.SrcOffset, o.Length, len(base)))
			}
			if o.DstOffset != size {
				return nil, outOfBounds(i, fmt.Sprintf("copy destination %d, output is at %d",
					o.DstOffset, size))
			}
			size += o.Length
		case Insert:
			if o.Offset != size {
				return nil, outOfBounds(i, fmt.Sprintf("insert at %d, output is at %d",
					o.Offset, size))
			}
			size += len(o.Data)
		case Delete:
			if o.Offset < 0 || o.Length < 0 || o.Offset > len(base)-o.Length {
				return nil, outOfBounds(i, fmt.Sprintf("delete [%d,+%d) outside base of %d bytes",
					o.Offset, o.Length, len(base)))
			}
		case nil:
			return nil, common.ErrData("apply", fmt.Sprintf("operation %d is nil", i))
		default:
			return nil, common.ErrData("apply", fmt.Sprintf("operation %d has unknown type %T", i, op))
		}
	}

	out := make([]byte, 0, size)
	for _, op := range ops {
		switch o := op.(type) {
		case Copy:
			out = append(out, base[o.SrcOffset:o.SrcOffset+o.Length]...)
		case Insert:
			out = append(out, o.Data...)
		}
	}
	return out, nil
}

func outOfBounds(index int, reason string) error {
	return common.WrapData("apply", fmt.Sprintf("operation %d: %s", index, reason), common.ErrOutOfBounds)
}
