package instrument

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/conneroisu/isolate/internal/protocol"
)

// ActionEntry is one visible, aggregated action notification.
type ActionEntry struct {
	Path      string
	Type      protocol.ActionType
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Label is the text shown to the developer, suffixed with the count when
// the action fired more than once.
func (e ActionEntry) Label() string {
	var label string
	switch e.Type {
	case protocol.ActionURL:
		label = "Navigation prevented: " + e.Path
	default:
		label = "Function prop invoked: " + e.Path
	}
	if e.Count > 1 {
		label += fmt.Sprintf(" (x%d)", e.Count)
	}
	return label
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	// Window is the longest gap between two invocations of the same path
	// that still counts as one burst.
	Window time.Duration
	// Display is how long an entry stays visible after its last invocation.
	Display time.Duration
	Clock   clock.Clock
}

// Aggregator collapses bursts of identical actions into counted entries.
type Aggregator struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	display time.Duration

	entries     map[string]*aggregate
	order       uint64
	subscribers listeners
}

type aggregate struct {
	ActionEntry
	order uint64
	token uint64
	timer *clock.Timer
}

// NewAggregator creates an aggregator. Zero durations fall back to a one
// second window and a three second display.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = time.Second
	}
	if opts.Display <= 0 {
		opts.Display = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Aggregator{
		clock:   opts.Clock,
		window:  opts.Window,
		display: opts.Display,
		entries: make(map[string]*aggregate),
	}
}

// Observe feeds one raw event. Non-action events are ignored.
func (a *Aggregator) Observe(ev protocol.Event) {
	action, ok := ev.(protocol.Action)
	if !ok {
		return
	}

	a.mu.Lock()
	now := a.clock.Now()
	entry, exists := a.entries[action.Path]
	switch {
	case !exists:
		a.order++
		entry = &aggregate{
			ActionEntry: ActionEntry{Path: action.Path, Type: action.Type, Count: 1, FirstSeen: now},
			order:       a.order,
		}
		a.entries[action.Path] = entry
	case now.Sub(entry.LastSeen) <= a.window:
		entry.Count++
	default:
		// Still visible but a new burst.
		entry.Count = 1
		entry.FirstSeen = now
	}
	entry.LastSeen = now

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.token++
	token := entry.token
	path := action.Path
	entry.timer = a.clock.AfterFunc(a.display, func() { a.expire(path, token) })

	snapshot := a.visibleLocked()
	a.mu.Unlock()

	a.publish(snapshot)
}

func (a *Aggregator) expire(path string, token uint64) {
	a.mu.Lock()
	entry, ok := a.entries[path]
	if !ok || entry.token != token {
		a.mu.Unlock()
		return
	}
	delete(a.entries, path)
	snapshot := a.visibleLocked()
	a.mu.Unlock()

	a.publish(snapshot)
}

// Visible returns the entries currently on display, oldest first.
func (a *Aggregator) Visible() []ActionEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visibleLocked()
}

// Labels returns the labels of the visible entries, oldest first.
func (a *Aggregator) Labels() []string {
	entries := a.Visible()
	labels := make([]string, len(entries))
	for i, e := range entries {
		labels[i] = e.Label()
	}
	return labels
}

// Subscribe calls fn with the visible entries whenever they change.
func (a *Aggregator) Subscribe(fn func([]ActionEntry)) func() {
	return a.subscribers.add(fn)
}

// Stop cancels every pending expiry. Entries stay as they are.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range a.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

func (a *Aggregator) visibleLocked() []ActionEntry {
	list := make([]*aggregate, 0, len(a.entries))
	for _, e := range a.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].order < list[j].order })

	out := make([]ActionEntry, len(list))
	for i, e := range list {
		out[i] = e.ActionEntry
	}
	return out
}

func (a *Aggregator) publish(entries []ActionEntry) {
	a.subscribers.notify(entries)
}

// listeners fans entry snapshots out to subscribers.
type listeners struct {
	mu    sync.RWMutex
	next  int
	funcs map[int]func([]ActionEntry)
}

func (l *listeners) add(fn func([]ActionEntry)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[int]func([]ActionEntry))
	}
	id := l.next
	l.next++
	l.funcs[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.funcs, id)
		l.mu.Unlock()
	}
}

func (l *listeners) notify(entries []ActionEntry) {
	l.mu.RLock()
	funcs := make([]func([]ActionEntry), 0, len(l.funcs))
	for _, fn := range l.funcs {
		funcs = append(funcs, fn)
	}
	l.mu.RUnlock()

	for _, fn := range funcs {
		fn(entries)
	}
}
