package delta

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/compression"
	"github.com/FairForge/replisync/internal/diff"
	"github.com/FairForge/replisync/internal/merkle"
	"github.com/FairForge/replisync/internal/metrics"
)

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func newTestEngine(t *testing.T, mutate func(*Config), opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := NewEngine(cfg, opts...)
	require.NoError(t, err)
	return e
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	old := randomBytes(9000, 3)
	new := append([]byte(nil), old...)
	copy(new[4000:], "THE QUICK BROWN FOX")
	new = append(new, []byte("and one more sentence")...)

	payload, err := e.CreateDiffPayload(ctx, old, new)
	require.NoError(t, err)
	assert.NotEmpty(t, payload.PayloadID)
	assert.Len(t, payload.Checksum, 64)

	out, err := e.ApplyDiffPayload(ctx, payload, old)
	require.NoError(t, err)
	assert.Equal(t, new, out)

	// Applying twice yields the same result
	again, err := e.ApplyDiffPayload(ctx, payload, old)
	require.NoError(t, err)
	assert.Equal(t, out, again)

	m := e.GetMetrics()
	assert.Equal(t, uint64(1), m.TotalDiffs)
	assert.Equal(t, uint64(len(new)), m.TotalBytesProcessed)
	assert.Equal(t, uint64(2), m.PayloadsApplied)
	assert.Greater(t, m.AvgCompressionRatio, 0.5)
}

func TestEngine_CompressionGating(t *testing.T) {
	ctx := context.Background()

	t.Run("small payload stays uncompressed", func(t *testing.T) {
		e := newTestEngine(t, nil)
		payload, err := e.CreateDiffPayload(ctx, []byte("abc"), []byte("abd"))
		require.NoError(t, err)
		assert.False(t, payload.Compressed())
		assert.IsType(t, Disabled{}, payload.Compression)
	})

	t.Run("large payload is compressed", func(t *testing.T) {
		e := newTestEngine(t, nil)
		new := []byte(strings.Repeat("compressible ", 1000))
		payload, err := e.CreateDiffPayload(ctx, nil, new)
		require.NoError(t, err)
		require.True(t, payload.Compressed())

		enabled := payload.Compression.(Enabled)
		assert.Equal(t, compression.AlgorithmZstd, enabled.Algorithm)
		assert.Greater(t, enabled.OriginalSize, len(new))
		assert.Less(t, len(enabled.Data), len(new))

		out, err := e.ApplyDiffPayload(ctx, payload, nil)
		require.NoError(t, err)
		assert.Equal(t, new, out)
	})

	t.Run("disabled", func(t *testing.T) {
		e := newTestEngine(t, func(c *Config) { c.Compression.Enabled = false })
		payload, err := e.CreateDiffPayload(ctx, nil, []byte(strings.Repeat("x", 4096)))
		require.NoError(t, err)
		assert.False(t, payload.Compressed())
	})

	t.Run("threshold boundary", func(t *testing.T) {
		e := newTestEngine(t, func(c *Config) {
			c.Compression.Algorithm = compression.AlgorithmS2
			c.Compression.ThresholdBytes = 0
		})
		payload, err := e.CreateDiffPayload(ctx, []byte("a"), []byte("b"))
		require.NoError(t, err)
		assert.True(t, payload.Compressed())
		assert.Equal(t, compression.AlgorithmS2, payload.Compression.(Enabled).Algorithm)
	})
}

func TestEngine_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	e := newTestEngine(t, nil, WithRecorder(rec))

	payload, err := e.CreateDiffPayload(ctx, []byte("hello world"), []byte("hello there world"))
	require.NoError(t, err)

	tampered := *payload
	tampered.Checksum = strings.Repeat("0", 64)

	_, err = e.ApplyDiffPayload(ctx, &tampered, []byte("hello world"))
	require.Error(t, err)
	assert.True(t, common.IsData(err))
	assert.True(t, IsChecksumMismatch(err))

	assert.Equal(t, uint64(1), e.GetMetrics().ChecksumFailures)
	assert.Equal(t, 1.0, counterValue(t, reg, "replisync_payloads_applied_total"))

	count, err := testutil.GatherAndCount(reg, "replisync_payloads_applied_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_CorruptBody(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	payload, err := e.CreateDiffPayload(ctx, []byte("hello world"), []byte("hello there world"))
	require.NoError(t, err)

	body := payload.Compression.(Disabled)
	corrupt := append([]byte(nil), body.Data...)
	corrupt[len(corrupt)-1] ^= 0x01
	tampered := *payload
	tampered.Compression = Disabled{Data: corrupt}

	_, err = e.ApplyDiffPayload(ctx, &tampered, []byte("hello world"))
	assert.True(t, IsChecksumMismatch(err))
}

func TestEngine_OversizedCopyFromPeer(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	// A well-formed payload with a valid checksum whose copy length
	// exceeds any base.
	stream, err := diff.EncodeOperations([]diff.Operation{
		diff.Copy{SrcOffset: 0, DstOffset: 0, Length: 1 << 62},
	})
	require.NoError(t, err)
	payload := &SyncPayload{
		PayloadID:   "peer-1",
		Compression: Disabled{Data: stream},
		Checksum:    checksum(stream),
		CreatedAt:   time.Now().UTC(),
	}

	var out []byte
	require.NotPanics(t, func() {
		out, err = e.ApplyDiffPayload(ctx, payload, []byte("base"))
	})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, common.IsData(err))
	assert.ErrorIs(t, err, common.ErrOutOfBounds)
	assert.False(t, IsChecksumMismatch(err))
	assert.Equal(t, uint64(0), e.GetMetrics().PayloadsApplied)
}

func TestEngine_WrongBase(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	payload, err := e.CreateDiffPayload(ctx, randomBytes(4096, 1), randomBytes(4096, 2))
	require.NoError(t, err)

	_, err = e.ApplyDiffPayload(ctx, payload, []byte("short"))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrOutOfBounds)
	assert.False(t, IsChecksumMismatch(err))
}

func TestEngine_MerkleShortCircuit(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, nil, WithRecorder(metrics.NewRecorder(reg)))

	data := randomBytes(8192, 5)
	payload, err := e.CreateDiffPayload(ctx, data, append([]byte(nil), data...))
	require.NoError(t, err)

	stream := payload.Compression.(Disabled).Data
	ops, err := diff.DecodeOperations(stream)
	require.NoError(t, err)
	assert.Equal(t, []diff.Operation{diff.Copy{SrcOffset: 0, DstOffset: 0, Length: len(data)}}, ops)

	m := e.GetMetrics()
	assert.Equal(t, uint64(1), m.MerkleShortCircuits)
	assert.Equal(t, 1.0, m.AvgCompressionRatio)
	assert.Equal(t, 1.0, counterValue(t, reg, "replisync_merkle_short_circuits_total"))
}

// counterValue sums every series of the named counter in reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestEngine_Fingerprint(t *testing.T) {
	data := randomBytes(10000, 9)

	for _, algo := range []merkle.HashAlgorithm{merkle.SHA256, merkle.BLAKE2b} {
		t.Run(string(algo), func(t *testing.T) {
			e := newTestEngine(t, func(c *Config) { c.MerkleHash = algo })

			a, err := e.Fingerprint(data)
			require.NoError(t, err)
			b, err := e.Fingerprint(append([]byte(nil), data...))
			require.NoError(t, err)
			assert.Equal(t, a, b)

			changed := append([]byte(nil), data...)
			changed[5000]++
			c, err := e.Fingerprint(changed)
			require.NoError(t, err)
			assert.NotEqual(t, a, c)
		})
	}
}

func TestEngine_ContextCancelled(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.CreateDiffPayload(ctx, []byte("a"), []byte("b"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.ApplyDiffPayload(ctx, &SyncPayload{Compression: Disabled{}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RunningMeans(t *testing.T) {
	ctx := context.Background()
	tick := time.Unix(0, 0)
	e := newTestEngine(t, nil, WithClock(func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}))

	// identical (ratio 1) then fully literal (ratio 0)
	_, err := e.CreateDiffPayload(ctx, []byte("same"), []byte("same"))
	require.NoError(t, err)
	_, err = e.CreateDiffPayload(ctx, nil, []byte("fresh"))
	require.NoError(t, err)

	m := e.GetMetrics()
	assert.Equal(t, uint64(2), m.TotalDiffs)
	assert.InDelta(t, 0.5, m.AvgCompressionRatio, 1e-9)
	assert.Positive(t, m.AvgProcessingTime)
	assert.Equal(t, uint64(len("fresh")), m.TotalLiteralBytes)
}

func TestEngine_HealthCheck(t *testing.T) {
	e := newTestEngine(t, nil)
	h := e.HealthCheck()
	assert.True(t, h.IsHealthy)
	assert.Equal(t, 1.0, h.PerformanceScore)
}

func TestEngine_DiffEntries(t *testing.T) {
	e := newTestEngine(t, nil)

	old := map[string][]byte{"a": []byte("1"), "b": []byte("two"), "c": []byte("3")}
	new := map[string][]byte{"a": []byte("1"), "b": []byte("TWO"), "d": []byte("4")}

	d, err := e.DiffEntries(context.Background(), old, new)
	require.NoError(t, err)
	assert.False(t, d.Empty())
	assert.Equal(t, map[string][]byte{"d": []byte("4")}, d.Added)
	assert.Contains(t, d.Modified, "b")
	assert.Equal(t, []string{"c"}, d.Removed)

	same, err := e.DiffEntries(context.Background(), old, old)
	require.NoError(t, err)
	assert.True(t, same.Empty())
}

func TestNewEngine_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MerkleHash = "md5"
	_, err := NewEngine(cfg)
	assert.True(t, common.IsValidation(err))

	cfg = DefaultConfig()
	cfg.Chunking.MinSize = 0
	_, err = NewEngine(cfg)
	assert.True(t, common.IsValidation(err))
}

func TestPayloadCodec(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload *SyncPayload
	}{
		{"disabled", &SyncPayload{
			PayloadID:   "p-1",
			Compression: Disabled{Data: []byte{1, 2, 3}},
			Checksum:    "abc",
			CreatedAt:   created,
		}},
		{"enabled", &SyncPayload{
			PayloadID:   "p-2",
			Compression: Enabled{Algorithm: compression.AlgorithmZstd, OriginalSize: 4096, Data: []byte{9, 9}},
			Checksum:    "def",
			CreatedAt:   created,
		}},
		{"empty body", &SyncPayload{
			PayloadID:   "p-3",
			Compression: Disabled{Data: []byte{}},
			CreatedAt:   created,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := MarshalPayload(tt.payload)
			require.NoError(t, err)

			got, err := UnmarshalPayload(b)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}

	t.Run("missing body", func(t *testing.T) {
		_, err := UnmarshalPayload(nil)
		assert.True(t, common.IsData(err))
	})

	t.Run("nil compression", func(t *testing.T) {
		_, err := MarshalPayload(&SyncPayload{PayloadID: "x"})
		assert.True(t, common.IsValidation(err))
	})
}

func TestPayload_SurvivesTransport(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	old := []byte(strings.Repeat("row,", 1000))
	new := append([]byte("header\n"), old...)

	payload, err := e.CreateDiffPayload(ctx, old, new)
	require.NoError(t, err)

	wireBytes, err := MarshalPayload(payload)
	require.NoError(t, err)
	received, err := UnmarshalPayload(wireBytes)
	require.NoError(t, err)

	out, err := e.ApplyDiffPayload(ctx, received, old)
	require.NoError(t, err)
	assert.Equal(t, new, out)
}
