// Package instrument converts runtime activity inside a sandbox realm into
// preview events: console output, captured errors, instrumented callbacks,
// intercepted navigation and mount signals. Everything is delivered through
// a single Emitter handed over when the realm starts.
//
// The Aggregator in this package is a display concern layered on top of the
// raw stream; it never filters what the Emitter sees.
package instrument

import (
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/protocol"
)

// Emitter is the single outbound channel for events.
type Emitter func(protocol.Event)

// Console turns log calls into log-message events.
type Console struct {
	emit  Emitter
	clock clock.Clock
}

// NewConsole creates a console. A nil clock means wall time.
func NewConsole(emit Emitter, clk clock.Clock) *Console {
	if clk == nil {
		clk = clock.New()
	}
	return &Console{emit: emit, clock: clk}
}

// Log emits a log-level message built from args joined by spaces.
func (c *Console) Log(args ...interface{}) { c.write(protocol.LevelLog, sprint(args)) }

// Warn emits a warn-level message.
func (c *Console) Warn(args ...interface{}) { c.write(protocol.LevelWarn, sprint(args)) }

// Error emits an error-level message.
func (c *Console) Error(args ...interface{}) { c.write(protocol.LevelError, sprint(args)) }

func (c *Console) Logf(format string, args ...interface{}) {
	c.write(protocol.LevelLog, fmt.Sprintf(format, args...))
}

func (c *Console) Warnf(format string, args ...interface{}) {
	c.write(protocol.LevelWarn, fmt.Sprintf(format, args...))
}

func (c *Console) Errorf(format string, args ...interface{}) {
	c.write(protocol.LevelError, fmt.Sprintf(format, args...))
}

func (c *Console) write(level protocol.Level, message string) {
	c.emit(protocol.LogMessage{
		Level:     level,
		Message:   message,
		Timestamp: c.clock.Now().UnixMilli(),
	})
}

// CaptureError reports an uncaught error. When the error carries a source
// position the offending line is appended.
func (c *Console) CaptureError(err error) {
	if err == nil {
		return
	}
	c.write(protocol.LevelError, describe(err))
}

// CapturePanic reports a recovered panic value.
func (c *Console) CapturePanic(v interface{}) {
	if err, ok := v.(error); ok {
		c.CaptureError(err)
		return
	}
	c.write(protocol.LevelError, fmt.Sprint(v))
}

// Go runs fn on its own goroutine. A returned error or a panic is reported
// as an unhandled rejection.
func (c *Console) Go(fn func() error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.CapturePanic(r)
			}
		}()
		if err := fn(); err != nil {
			c.write(protocol.LevelError, "Unhandled rejection: "+describe(err))
		}
	}()
	return done
}

func describe(err error) string {
	message := perrors.Describe(err)
	var pe *perrors.PreviewError
	if errors.As(err, &pe) && pe.Line > 0 {
		if excerpt, ok := pe.Context["excerpt"].(string); ok && excerpt != "" {
			message += fmt.Sprintf("\n%d | %s", pe.Line, excerpt)
			if pe.Column > 0 {
				gutter := len(fmt.Sprint(pe.Line))
				message += "\n" + strings.Repeat(" ", gutter) + " | " + strings.Repeat(" ", pe.Column-1) + "^"
			}
		}
	}
	return message
}

func sprint(args []interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, " ")
}
