// Package diff computes and replays byte-level differences between two
// versions of a record.
package diff

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Operation is one step of a diff. The set of implementations is closed:
// Insert, Delete and Copy.
type Operation interface {
	fmt.Stringer
	isOperation()
}

// Insert appends literal bytes. Offset is the position in the output.
type Insert struct {
	Offset int
	Data   []byte
}

// Delete marks a range of the base that does not survive into the output.
type Delete struct {
	Offset int
	Length int
}

// Copy appends base[SrcOffset:SrcOffset+Length] at DstOffset in the output.
type Copy struct {
	SrcOffset int
	DstOffset int
	Length    int
}

func (Insert) isOperation() {}
func (Delete) isOperation() {}
func (Copy) isOperation()   {}

func (o Insert) String() string {
	return fmt.Sprintf("insert(@%d, %d bytes)", o.Offset, len(o.Data))
}

func (o Delete) String() string {
	return fmt.Sprintf("delete(@%d, %d bytes)", o.Offset, o.Length)
}

func (o Copy) String() string {
	return fmt.Sprintf("copy(%d->%d, %d bytes)", o.SrcOffset, o.DstOffset, o.Length)
}

// Type classifies the content a diff was computed over.
type Type string

const (
	TypeBinary Type = "binary"
	TypeText   Type = "text"
	TypeJSON   Type = "json"
)

// DetectType classifies data as JSON, text or binary.
func DetectType(data []byte) Type {
	switch {
	case len(data) > 0 && json.Valid(data):
		return TypeJSON
	case utf8.Valid(data):
		return TypeText
	default:
		return TypeBinary
	}
}

// Result is the outcome of one CalculateDiff call.
type Result struct {
	Operations []Operation
	// DiffSize counts literal bytes carried by Insert operations.
	DiffSize int64
	// CompressionRatio is 1 - DiffSize/len(new); 1 when new is empty.
	CompressionRatio float64
	Type             Type
	// TargetSize is len(new).
	TargetSize int
}

// Stats summarizes the operations in a result.
type Stats struct {
	Inserts, Deletes, Copies int
	CopiedBytes              int64
	DeletedBytes             int64
}

// Stats counts operations by kind.
func (r *Result) Stats() Stats {
	var s Stats
	for _, op := range r.Operations {
		switch o := op.(type) {
		case Insert:
			s.Inserts++
		case Delete:
			s.Deletes++
			s.DeletedBytes += int64(o.Length)
		case Copy:
			s.Copies++
			s.CopiedBytes += int64(o.Length)
		}
	}
	return s
}
