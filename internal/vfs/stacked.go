package vfs

import "path/filepath"

// StackedReader merges readers; the first reader holding a path wins.
// The order is fixed when the reader is created.
type StackedReader struct {
	readers []Reader
}

// NewStackedReader returns a reader consulting readers in order.
func NewStackedReader(readers ...Reader) *StackedReader {
	return &StackedReader{readers: append([]Reader(nil), readers...)}
}

// Read implements Reader.
func (s *StackedReader) Read(absPath string) (Entry, bool) {
	absPath = filepath.Clean(absPath)
	for _, r := range s.readers {
		if entry, ok := r.Read(absPath); ok {
			return entry, true
		}
	}
	return nil, false
}

// Listen registers fn with every layer.
func (s *StackedReader) Listen(fn ChangeListener) func() {
	unsubscribes := make([]func(), 0, len(s.readers))
	for _, r := range s.readers {
		unsubscribes = append(unsubscribes, r.Listen(fn))
	}
	return func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
}
