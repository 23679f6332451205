package flags

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStatic(t *testing.T) {
	var nilProvider *Static
	assert.False(t, nilProvider.Enabled(VectorClocks))
	assert.False(t, IsEnabled(nil, VectorClocks))

	s := NewStatic(map[string]bool{VectorClocks: true})
	assert.True(t, s.Enabled(VectorClocks))
	assert.False(t, s.Enabled("unknown"))

	s.Set(VectorClocks, false)
	assert.False(t, IsEnabled(s, VectorClocks))
	assert.Equal(t, map[string]bool{VectorClocks: false}, s.Snapshot())
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enable_vector_clocks: true\n"), 0o600))

	p, err := NewFileProvider(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, p.Enabled(VectorClocks))

	t.Run("reload picks up changes", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("enable_vector_clocks: false\n"), 0o600))
		require.NoError(t, p.Reload())
		assert.False(t, p.Enabled(VectorClocks))
	})

	t.Run("bad yaml keeps previous flags", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("enable_vector_clocks: [\n"), 0o600))
		assert.Error(t, p.Reload())
		assert.False(t, p.Enabled(VectorClocks))
	})

	t.Run("watch reloads on write", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("enable_vector_clocks: false\n"), 0o600))
		require.NoError(t, p.Reload())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- p.Watch(ctx) }()

		require.Eventually(t, func() bool {
			_ = os.WriteFile(path, []byte("enable_vector_clocks: true\n"), 0o600)
			return p.Enabled(VectorClocks)
		}, 5*time.Second, 50*time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFileProvider(filepath.Join(dir, "absent.yaml"), nil)
		assert.Error(t, err)
	})
}
