package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWalk(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 42)
	b = AppendBytes(b, 2, []byte("hello"))
	b = AppendString(b, 3, "")
	b = AppendString(b, 4, "id")
	b = protowire.AppendTag(b, 5, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	var fields []Field
	require.NoError(t, Walk(b, func(f Field) error {
		fields = append(fields, f)
		return nil
	}))

	require.Len(t, fields, 4)
	assert.Equal(t, uint64(42), fields[0].Varint)
	assert.Equal(t, []byte("hello"), fields[1].Bytes)
	assert.Equal(t, protowire.Number(4), fields[2].Num)
	assert.Equal(t, "id", string(fields[2].Bytes))
	assert.Equal(t, protowire.Fixed32Type, fields[3].Type)
}

func TestWalk_Truncated(t *testing.T) {
	b := AppendBytes(nil, 1, []byte("hello"))
	err := Walk(b[:len(b)-2], func(Field) error { return nil })
	assert.Error(t, err)
}

func TestInt(t *testing.T) {
	v, err := Int(12)
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	_, err = Int(math.MaxUint64)
	assert.Error(t, err)
}
