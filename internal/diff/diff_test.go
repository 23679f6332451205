package diff

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/FairForge/replisync/internal/chunking"
	"github.com/FairForge/replisync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(nil)
	require.NoError(t, err)
	return c
}

func TestCalculateDiff_RoundTrip(t *testing.T) {
	base := randomBytes(8192, 1)

	edited := append([]byte(nil), base[:3000]...)
	edited = append(edited, []byte("a brand new paragraph in the middle")...)
	edited = append(edited, base[3000:]...)

	truncated := append([]byte(nil), base[:5000]...)
	moved := append(append([]byte(nil), base[4096:]...), base[:4096]...)

	tests := []struct {
		name string
		old  []byte
		new  []byte
	}{
		{"both empty", nil, nil},
		{"old empty", nil, []byte("hello")},
		{"new empty", []byte("hello"), []byte{}},
		{"identical", base, base},
		{"insertion", base, edited},
		{"truncation", base, truncated},
		{"rotation", base, moved},
		{"unrelated", randomBytes(2000, 2), randomBytes(3000, 3)},
		{"single byte change", []byte("abcdef"), []byte("abXdef")},
		{"json", []byte(`{"a":1,"b":[1,2]}`), []byte(`{"a":2,"b":[1,2,3]}`)},
	}

	c := newTestCalculator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.CalculateDiff(tt.old, tt.new)
			require.NoError(t, err)

			out, err := Apply(tt.old, res.Operations)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.new, out), "reconstructed output differs")

			assert.LessOrEqual(t, res.DiffSize, int64(len(tt.new)))
			assert.Equal(t, len(tt.new), res.TargetSize)

			// Replay is idempotent
			again, err := Apply(tt.old, res.Operations)
			require.NoError(t, err)
			assert.Equal(t, out, again)
		})
	}
}

func TestCalculateDiff_Identical(t *testing.T) {
	c := newTestCalculator(t)

	res, err := c.CalculateDiff([]byte("same"), []byte("same"))
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, Copy{SrcOffset: 0, DstOffset: 0, Length: 4}, res.Operations[0])
	assert.Zero(t, res.DiffSize)
	assert.Equal(t, 1.0, res.CompressionRatio)

	res, err = c.CalculateDiff(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Operations)
	assert.Equal(t, 1.0, res.CompressionRatio)
}

func TestCalculateDiff_SmallEditIsSmall(t *testing.T) {
	c := newTestCalculator(t)
	base := randomBytes(16*1024, 7)

	edited := append([]byte(nil), base...)
	edited[8000] ^= 0xff

	res, err := c.CalculateDiff(base, edited)
	require.NoError(t, err)

	assert.Less(t, res.DiffSize, int64(len(edited)/4))
	assert.Greater(t, res.CompressionRatio, 0.75)
	assert.Equal(t, TypeBinary, res.Type)

	stats := res.Stats()
	assert.GreaterOrEqual(t, stats.Copies, 1)
	assert.Equal(t, stats.CopiedBytes+res.DiffSize, int64(len(edited)))
}

func TestCalculateDiff_DeletesCoverDroppedRanges(t *testing.T) {
	c := newTestCalculator(t)

	res, err := c.CalculateDiff([]byte("keep-DROPPED-keep"), []byte("keep--keep"))
	require.NoError(t, err)

	var deleted int64
	for _, op := range res.Operations {
		if d, ok := op.(Delete); ok {
			deleted += int64(d.Length)
		}
	}
	assert.Equal(t, int64(len("DROPPED")), deleted)
}

func TestCalculateDiff_RabinChunker(t *testing.T) {
	chunker, err := chunking.New(chunking.Config{
		Algorithm: chunking.AlgorithmRabin,
		MinSize:   512,
		AvgSize:   1024,
		MaxSize:   8192,
	})
	require.NoError(t, err)
	c, err := NewCalculator(chunker)
	require.NoError(t, err)

	old := randomBytes(32*1024, 11)
	new := append(append([]byte("header"), old[:10000]...), old[12000:]...)

	res, err := c.CalculateDiff(old, new)
	require.NoError(t, err)
	out, err := Apply(old, res.Operations)
	require.NoError(t, err)
	assert.Equal(t, new, out)
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, TypeJSON, DetectType([]byte(`{"k":"v"}`)))
	assert.Equal(t, TypeText, DetectType([]byte("plain text")))
	assert.Equal(t, TypeBinary, DetectType([]byte{0xff, 0xfe, 0x00}))
}

func TestApply_Bounds(t *testing.T) {
	base := []byte("0123456789")

	tests := []struct {
		name string
		ops  []Operation
	}{
		{"copy past end", []Operation{Copy{SrcOffset: 5, DstOffset: 0, Length: 6}}},
		{"copy negative", []Operation{Copy{SrcOffset: -1, DstOffset: 0, Length: 2}}},
		{"copy gap", []Operation{Copy{SrcOffset: 0, DstOffset: 3, Length: 2}}},
		{"insert gap", []Operation{Insert{Offset: 1, Data: []byte("x")}}},
		{"insert overlap", []Operation{
			Copy{SrcOffset: 0, DstOffset: 0, Length: 4},
			Insert{Offset: 2, Data: []byte("x")},
		}},
		{"delete past end", []Operation{Delete{Offset: 8, Length: 3}}},
		{"huge copy length", []Operation{Copy{SrcOffset: 0, DstOffset: 0, Length: 1 << 62}}},
		{"huge copy after valid copy", []Operation{
			Copy{SrcOffset: 0, DstOffset: 0, Length: 4},
			Copy{SrcOffset: 0, DstOffset: 4, Length: 1 << 40},
		}},
		{"max int copy", []Operation{Copy{SrcOffset: 1, DstOffset: 0, Length: math.MaxInt}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(base, tt.ops)
			require.Error(t, err)
			assert.True(t, common.IsData(err))
			assert.ErrorIs(t, err, common.ErrOutOfBounds)
		})
	}

	t.Run("nil operation", func(t *testing.T) {
		_, err := Apply(base, []Operation{nil})
		assert.True(t, common.IsData(err))
	})
}

func TestApply_Sequence(t *testing.T) {
	base := []byte("hello world")
	ops := []Operation{
		Copy{SrcOffset: 0, DstOffset: 0, Length: 6},
		Insert{Offset: 6, Data: []byte("there ")},
		Copy{SrcOffset: 6, DstOffset: 12, Length: 5},
		Delete{Offset: 0, Length: 0},
	}

	out, err := Apply(base, ops)
	require.NoError(t, err)
	assert.Equal(t, "hello there world", string(out))
}

func TestCodec(t *testing.T) {
	ops := []Operation{
		Copy{SrcOffset: 0, DstOffset: 0, Length: 6},
		Insert{Offset: 6, Data: []byte("there ")},
		Delete{Offset: 6, Length: 300000},
		Copy{SrcOffset: 1 << 40, DstOffset: 12, Length: 5},
	}

	encoded, err := EncodeOperations(ops)
	require.NoError(t, err)

	decoded, err := DecodeOperations(encoded)
	require.NoError(t, err)
	assert.Equal(t, ops, decoded)

	again, err := EncodeOperations(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)

	t.Run("empty stream", func(t *testing.T) {
		decoded, err := DecodeOperations(nil)
		require.NoError(t, err)
		assert.Empty(t, decoded)
	})

	t.Run("negative field rejected", func(t *testing.T) {
		_, err := EncodeOperations([]Operation{Delete{Offset: -1, Length: 1}})
		assert.True(t, common.IsValidation(err))
	})

	t.Run("truncated stream", func(t *testing.T) {
		_, err := DecodeOperations(encoded[:len(encoded)-3])
		assert.True(t, common.IsData(err))
	})
}
