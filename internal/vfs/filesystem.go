package vfs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/watcher"
	"github.com/spf13/afero"
)

// FileSystemReader reads entries from the real filesystem.
type FileSystemReader struct {
	fs        afero.Fs
	listeners listeners
	logger    logging.Logger

	mu      sync.Mutex
	watcher *watcher.FileWatcher
}

// WatchOptions configures FileSystemReader.Watch.
type WatchOptions struct {
	Debounce time.Duration
	Ignore   []string
}

// NewFileSystemReader creates a reader over the host filesystem.
func NewFileSystemReader(logger logging.Logger) *FileSystemReader {
	return NewFsReader(afero.NewOsFs(), logger)
}

// NewFsReader creates a reader over an arbitrary afero filesystem. Watch only
// observes changes on the host filesystem.
func NewFsReader(fs afero.Fs, logger logging.Logger) *FileSystemReader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileSystemReader{fs: fs, logger: logger.WithComponent("vfs")}
}

// Read implements Reader.
func (f *FileSystemReader) Read(absPath string) (Entry, bool) {
	return statEntry(f.fs, filepath.Clean(absPath))
}

// Listen implements Reader.
func (f *FileSystemReader) Listen(fn ChangeListener) func() {
	return f.listeners.add(fn)
}

// Watch starts forwarding changes below root to listeners until ctx is done
// or Close is called. Calling Watch twice is an error.
func (f *FileSystemReader) Watch(ctx context.Context, root string, opts WatchOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.watcher != nil {
		return fmt.Errorf("filesystem reader is already watching")
	}

	fw, err := watcher.NewFileWatcher(opts.Debounce, f.logger)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if len(opts.Ignore) > 0 {
		fw.AddFilter(watcher.IgnoreNames(opts.Ignore...))
	}
	fw.AddFilter(watcher.NoEditorTempFilter)
	fw.AddHandler(func(events []watcher.ChangeEvent) error {
		for _, event := range events {
			f.logger.Debug(ctx, "File changed on disk", "path", event.Path, "type", event.Type.String())
			f.listeners.notify(event.Path)
		}
		return nil
	})

	if err := fw.AddRecursive(root); err != nil {
		_ = fw.Stop()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	f.watcher = fw
	return nil
}

// Close stops watching. It is safe to call without Watch.
func (f *FileSystemReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Stop()
	f.watcher = nil
	return err
}
