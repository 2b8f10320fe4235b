package instrument

import (
	"sync"

	"github.com/conneroisu/isolate/internal/protocol"
)

// Generations tracks mount generations and emits rendering-done exactly once
// for each.
type Generations struct {
	mu      sync.Mutex
	current uint64
	mounted bool
	emit    Emitter
}

// NewGenerations creates a tracker at generation zero.
func NewGenerations(emit Emitter) *Generations {
	return &Generations{emit: emit}
}

// Begin starts a new generation and returns its number.
func (g *Generations) Begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	g.mounted = false
	return g.current
}

// Current returns the current generation.
func (g *Generations) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Mounted signals a successful mount of generation gen. rendering-done is
// emitted on the first call for the current generation only; it reports
// whether it emitted.
func (g *Generations) Mounted(gen uint64) bool {
	g.mu.Lock()
	if gen != g.current || g.mounted {
		g.mu.Unlock()
		return false
	}
	g.mounted = true
	g.mu.Unlock()

	g.emit(protocol.RenderingDone{})
	return true
}
