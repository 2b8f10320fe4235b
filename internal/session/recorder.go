package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/stretchr/testify/assert"
)

// Recorder keeps every preview event delivered to the session, in delivery
// order, until cleared.
type Recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

// Record appends ev.
func (r *Recorder) Record(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Clear forgets everything recorded so far.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Get returns a copy of the recorded events.
func (r *Recorder) Get() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

// Actions returns the recorded actions.
func (r *Recorder) Actions() []protocol.Action {
	var out []protocol.Action
	for _, ev := range r.Get() {
		if a, ok := ev.(protocol.Action); ok {
			out = append(out, a)
		}
	}
	return out
}

// LogMessages returns the recorded log messages of every level.
func (r *Recorder) LogMessages() []protocol.LogMessage {
	var out []protocol.LogMessage
	for _, ev := range r.Get() {
		if m, ok := ev.(protocol.LogMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

// CheckLoggedMessages reports whether the recorded log messages are exactly
// messages, in order, each at level and containing the expected text.
func (r *Recorder) CheckLoggedMessages(messages []string, level protocol.Level) error {
	got := r.LogMessages()
	if len(got) != len(messages) {
		return fmt.Errorf("expected %d log messages, got %d: %s", len(messages), len(got), formatMessages(got))
	}
	for i, want := range messages {
		if got[i].Level != level || !strings.Contains(got[i].Message, want) {
			return fmt.Errorf("log message %d: expected %s containing %q, got %s", i, level, want, formatMessages(got[i:i+1]))
		}
	}
	return nil
}

// ExpectLoggedMessages asserts CheckLoggedMessages.
func (r *Recorder) ExpectLoggedMessages(t assert.TestingT, messages []string, level protocol.Level) bool {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	return assert.NoError(t, r.CheckLoggedMessages(messages, level))
}

func formatMessages(msgs []protocol.LogMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = fmt.Sprintf("[%s] %q", m.Level, m.Message)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
