package flags

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileProvider serves flags from a YAML file of the form
//
//	enable_vector_clocks: true
//
// and reloads it when Watch is running.
type FileProvider struct {
	*Static
	path   string
	logger *zap.Logger
}

// NewFileProvider loads path once. A missing file is an error.
func NewFileProvider(path string, logger *zap.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &FileProvider{Static: NewStatic(nil), path: path, logger: logger}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file and swaps the flag set atomically.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read flags file: %w", err)
	}
	next := make(map[string]bool)
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse flags file %s: %w", p.path, err)
	}
	p.replace(next)
	return nil
}

// Watch reloads the file on every write until ctx is done. It blocks, so
// callers run it in their own goroutine. A reload that fails to parse keeps
// the previous flag set.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("flag reload failed", zap.String("path", p.path), zap.Error(err))
				continue
			}
			p.logger.Info("flags reloaded", zap.String("path", p.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("flag watcher error", zap.Error(err))
		}
	}
}
