package vfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// MemoryReader is the in-memory overlay. Writes take effect immediately for
// subsequent reads. Entries are replaced, never removed.
type MemoryReader struct {
	fs        afero.Fs
	listeners listeners
}

// NewMemoryReader creates an empty overlay.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{fs: afero.NewMemMapFs()}
}

// UpdateFile stores text at absPath, creating parent directories, and
// notifies listeners.
func (m *MemoryReader) UpdateFile(absPath, text string) error {
	absPath = filepath.Clean(absPath)
	if !filepath.IsAbs(absPath) {
		return fmt.Errorf("overlay path must be absolute: %s", absPath)
	}
	if err := m.fs.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("failed to create overlay directory: %w", err)
	}
	if err := afero.WriteFile(m.fs, absPath, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write overlay file: %w", err)
	}

	m.listeners.notify(absPath)
	return nil
}

// Read implements Reader.
func (m *MemoryReader) Read(absPath string) (Entry, bool) {
	return statEntry(m.fs, filepath.Clean(absPath))
}

// Listen implements Reader.
func (m *MemoryReader) Listen(fn ChangeListener) func() {
	return m.listeners.add(fn)
}

// statEntry is shared by the afero-backed readers.
func statEntry(fs afero.Fs, absPath string) (Entry, bool) {
	info, err := fs.Stat(absPath)
	if err != nil {
		return nil, false
	}
	return entryFromInfo(fs, absPath, info), true
}

func entryFromInfo(fs afero.Fs, absPath string, info os.FileInfo) Entry {
	if info.IsDir() {
		return directoryEntry{path: absPath}
	}
	return fileEntry{
		path: absPath,
		read: func() (string, error) {
			data, err := afero.ReadFile(fs, absPath)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}
