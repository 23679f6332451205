package diff

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/wire"
)

// Wire layout (protobuf encoding, no generated code):
//
//	message OpStream  { repeated Op ops = 1; }
//	message Op        { oneof kind { InsertOp insert = 1; DeleteOp delete = 2; CopyOp copy = 3; } }
//	message InsertOp  { uint64 offset = 1; bytes data = 2; }
//	message DeleteOp  { uint64 offset = 1; uint64 length = 2; }
//	message CopyOp    { uint64 src = 1; uint64 dst = 2; uint64 length = 3; }
const (
	fieldStreamOp protowire.Number = 1

	fieldOpInsert protowire.Number = 1
	fieldOpDelete protowire.Number = 2
	fieldOpCopy   protowire.Number = 3
)

// EncodeOperations serializes ops. The encoding is deterministic, so equal
// operation lists always produce equal bytes.
func EncodeOperations(ops []Operation) ([]byte, error) {
	var out []byte
	for i, op := range ops {
		if hasNegative(op) {
			return nil, common.ErrValidation("operations", fmt.Sprintf("operation %d has a negative field", i))
		}

		var (
			kind protowire.Number
			body []byte
		)
		switch o := op.(type) {
		case Insert:
			kind = fieldOpInsert
			body = wire.AppendVarint(body, 1, uint64(o.Offset))
			body = wire.AppendBytes(body, 2, o.Data)
		case Delete:
			kind = fieldOpDelete
			body = wire.AppendVarint(body, 1, uint64(o.Offset))
			body = wire.AppendVarint(body, 2, uint64(o.Length))
		case Copy:
			kind = fieldOpCopy
			body = wire.AppendVarint(body, 1, uint64(o.SrcOffset))
			body = wire.AppendVarint(body, 2, uint64(o.DstOffset))
			body = wire.AppendVarint(body, 3, uint64(o.Length))
		default:
			return nil, fmt.Errorf("encode operation %d: unsupported type %T", i, op)
		}

		out = wire.AppendBytes(out, fieldStreamOp, wire.AppendBytes(nil, kind, body))
	}
	return out, nil
}

func hasNegative(op Operation) bool {
	switch o := op.(type) {
	case Insert:
		return o.Offset < 0
	case Delete:
		return o.Offset < 0 || o.Length < 0
	case Copy:
		return o.SrcOffset < 0 || o.DstOffset < 0 || o.Length < 0
	}
	return false
}

// DecodeOperations parses a stream written by EncodeOperations. Unknown
// fields are skipped.
func DecodeOperations(data []byte) ([]Operation, error) {
	var ops []Operation
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num != fieldStreamOp || f.Type != protowire.BytesType {
			return nil
		}
		op, err := decodeOperation(f.Bytes)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, common.WrapData("decode_operations", "malformed operation stream", err)
	}
	return ops, nil
}

func decodeOperation(data []byte) (Operation, error) {
	var op Operation
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		var err error
		switch f.Num {
		case fieldOpInsert:
			op, err = decodeInsert(f.Bytes)
		case fieldOpDelete:
			op, err = decodeDelete(f.Bytes)
		case fieldOpCopy:
			op, err = decodeCopy(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("operation without kind")
	}
	return op, nil
}

// decodeVarints assigns varint fields 1..len(dst) into dst.
func decodeVarints(data []byte, dst ...*int) error {
	return wire.Walk(data, func(f wire.Field) error {
		if f.Type != protowire.VarintType || f.Num < 1 || int(f.Num) > len(dst) {
			return nil
		}
		v, err := wire.Int(f.Varint)
		if err != nil {
			return err
		}
		*dst[f.Num-1] = v
		return nil
	})
}

func decodeInsert(data []byte) (Operation, error) {
	ins := Insert{Data: []byte{}}
	if err := decodeVarints(data, &ins.Offset); err != nil {
		return nil, err
	}
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num == 2 && f.Type == protowire.BytesType {
			ins.Data = append([]byte{}, f.Bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ins, nil
}

func decodeDelete(data []byte) (Operation, error) {
	var del Delete
	if err := decodeVarints(data, &del.Offset, &del.Length); err != nil {
		return nil, err
	}
	return del, nil
}

func decodeCopy(data []byte) (Operation, error) {
	var cp Copy
	if err := decodeVarints(data, &cp.SrcOffset, &cp.DstOffset, &cp.Length); err != nil {
		return nil, err
	}
	return cp, nil
}
