// Package vfs implements the layered content store that backs a preview
// session. A StackedReader merges an ordered list of readers (typically an
// in-memory overlay followed by the real filesystem) so that edits held in
// memory transparently shadow what is on disk.
//
// Reads never fail: a path that cannot be found yields (nil, false). Only
// reading the content of a file entry can return an error.
package vfs

import (
	"sync"
)

// EntryKind distinguishes files from directories.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

// String returns the string representation of the EntryKind
func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Entry is a node of the logical store.
type Entry interface {
	Kind() EntryKind
	Path() string
}

// File is an Entry whose content can be read.
type File interface {
	Entry
	Read() (string, error)
}

// Reader resolves absolute logical paths to entries.
type Reader interface {
	// Read returns the entry at absPath, or false when there is none.
	Read(absPath string) (Entry, bool)
	// Listen registers fn to be called with the absolute path of every
	// change the reader observes. The returned func unregisters it.
	Listen(fn ChangeListener) (unsubscribe func())
}

// ChangeListener receives absolute paths of changed entries.
type ChangeListener func(absPath string)

// listeners is the small fan-out shared by every reader implementation.
type listeners struct {
	mu    sync.RWMutex
	next  int
	funcs map[int]ChangeListener
}

func (l *listeners) add(fn ChangeListener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[int]ChangeListener)
	}
	id := l.next
	l.next++
	l.funcs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.funcs, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) notify(absPath string) {
	l.mu.RLock()
	funcs := make([]ChangeListener, 0, len(l.funcs))
	for _, fn := range l.funcs {
		funcs = append(funcs, fn)
	}
	l.mu.RUnlock()

	for _, fn := range funcs {
		fn(absPath)
	}
}

type directoryEntry struct {
	path string
}

func (d directoryEntry) Kind() EntryKind { return KindDirectory }
func (d directoryEntry) Path() string    { return d.path }

type fileEntry struct {
	path string
	read func() (string, error)
}

func (f fileEntry) Kind() EntryKind        { return KindFile }
func (f fileEntry) Path() string           { return f.path }
func (f fileEntry) Read() (string, error) { return f.read() }

// ReadFile is a convenience returning the content of the file at absPath.
// ok is false when there is no entry or the entry is a directory.
func ReadFile(r Reader, absPath string) (content string, ok bool, err error) {
	entry, found := r.Read(absPath)
	if !found {
		return "", false, nil
	}
	file, isFile := entry.(File)
	if !isFile {
		return "", false, nil
	}
	content, err = file.Read()
	return content, true, err
}
