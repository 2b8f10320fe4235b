// Package filemanager mutates project files on behalf of a preview session.
// Writes go either to disk, where the watcher picks them up, or to the
// in-memory overlay, which notifies the store immediately.
package filemanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/vfs"
	"github.com/spf13/afero"
)

// Content describes the new text of a file.
type Content interface {
	apply(existing func() (string, error)) (string, error)
}

// Edit replaces the first match of Search, which is a string or a
// *regexp.Regexp, with Replace.
type Edit struct {
	Search  interface{}
	Replace string
}

func (e Edit) apply(existing func() (string, error)) (string, error) {
	text, err := existing()
	if err != nil {
		return "", err
	}
	switch s := e.Search.(type) {
	case string:
		return strings.Replace(text, s, e.Replace, 1), nil
	case *regexp.Regexp:
		loc := s.FindStringSubmatchIndex(text)
		if loc == nil {
			return text, nil
		}
		out := s.ExpandString(nil, e.Replace, text, loc)
		return text[:loc[0]] + string(out) + text[loc[1]:], nil
	default:
		return "", fmt.Errorf("unsupported search type %T", e.Search)
	}
}

// Replace swaps the whole file content.
type Replace struct {
	Text string
}

func (r Replace) apply(func() (string, error)) (string, error) {
	return r.Text, nil
}

type UpdateOptions struct {
	// InMemoryOnly writes to the overlay and leaves the disk untouched.
	InMemoryOnly bool
}

// Hook runs before every mutation.
type Hook func(ctx context.Context) error

type Options struct {
	Root    string
	Overlay *vfs.MemoryReader
	// Store is read for the current content of edited files. Defaults to the
	// overlay stacked on the disk.
	Store        vfs.Reader
	Fs           afero.Fs
	WriteSpacing time.Duration
	Clock        clock.Clock
	Logger       logging.Logger
	// OnBeforeFileUpdated is typically used to arm a refresh expectation.
	OnBeforeFileUpdated Hook
}

// FileManager applies edits relative to a project root.
type FileManager struct {
	root    string
	overlay *vfs.MemoryReader
	store   vfs.Reader
	fs      afero.Fs
	spacing time.Duration
	clock   clock.Clock
	logger  logging.Logger
	before  Hook

	mu            sync.Mutex
	lastDiskWrite time.Time
}

func New(opts Options) *FileManager {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Overlay == nil {
		opts.Overlay = vfs.NewMemoryReader()
	}
	if opts.Store == nil {
		opts.Store = vfs.NewStackedReader(opts.Overlay, vfs.NewFsReader(opts.Fs, opts.Logger))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &FileManager{
		root:    opts.Root,
		overlay: opts.Overlay,
		store:   opts.Store,
		fs:      opts.Fs,
		spacing: opts.WriteSpacing,
		clock:   opts.Clock,
		logger:  opts.Logger.WithComponent("filemanager"),
		before:  opts.OnBeforeFileUpdated,
	}
}

// Root returns the project root all paths are relative to.
func (m *FileManager) Root() string { return m.root }

// Update writes content to the file at the root-relative path.
func (m *FileManager) Update(ctx context.Context, path string, content Content, opts UpdateOptions) error {
	if err := m.runHook(ctx); err != nil {
		return err
	}
	if !opts.InMemoryOnly {
		if err := m.spaceDiskWrite(ctx); err != nil {
			return err
		}
	}

	abs := m.abs(path)
	text, err := content.apply(func() (string, error) { return m.current(abs) })
	if err != nil {
		return err
	}

	if opts.InMemoryOnly {
		if err := m.overlay.UpdateFile(abs, text); err != nil {
			return perrors.NewIOError(perrors.ErrCodeInternal, "failed to update overlay", err).
				WithLocation(abs, 0, 0)
		}
		m.logger.Debug(ctx, "Updated overlay file", "path", path)
		return nil
	}

	if err := m.fs.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := afero.WriteFile(m.fs, abs, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	m.logger.Debug(ctx, "Wrote file", "path", path, "bytes", len(text))
	return nil
}

// Rename moves a file on disk.
func (m *FileManager) Rename(ctx context.Context, from, to string) error {
	if err := m.runHook(ctx); err != nil {
		return err
	}
	if err := m.fs.Rename(m.abs(from), m.abs(to)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	m.logger.Debug(ctx, "Renamed file", "from", from, "to", to)
	return nil
}

// Remove deletes a file from disk.
func (m *FileManager) Remove(ctx context.Context, path string) error {
	if err := m.runHook(ctx); err != nil {
		return err
	}
	if err := m.fs.Remove(m.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return perrors.NewIOError(perrors.ErrCodeFileNotFound, "no such file: "+path, err)
		}
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	m.logger.Debug(ctx, "Removed file", "path", path)
	return nil
}

func (m *FileManager) runHook(ctx context.Context) error {
	if m.before == nil {
		return nil
	}
	if err := m.before(ctx); err != nil {
		return fmt.Errorf("before file update: %w", err)
	}
	return nil
}

// spaceDiskWrite keeps consecutive disk writes at least the configured
// spacing apart so the watcher reports them as separate changes.
func (m *FileManager) spaceDiskWrite(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.spacing > 0 && !m.lastDiskWrite.IsZero() {
		if wait := m.lastDiskWrite.Add(m.spacing).Sub(m.clock.Now()); wait > 0 {
			t := m.clock.Timer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	m.lastDiskWrite = m.clock.Now()
	return nil
}

func (m *FileManager) current(abs string) (string, error) {
	text, ok, err := vfs.ReadFile(m.store, abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", abs, err)
	}
	if !ok {
		return "", perrors.NewIOError(perrors.ErrCodeFileNotFound, "Unable to read file from "+abs, nil)
	}
	return text, nil
}

func (m *FileManager) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(m.root, filepath.FromSlash(path))
}
