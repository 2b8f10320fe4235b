// Package protocol defines the messages exchanged between the host and a
// sandbox realm: preview events flowing out of the sandbox, requests and
// responses in both directions, and hot updates pushed by the host.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event kinds as they appear on the wire.
const (
	KindAction        = "action"
	KindLogMessage    = "log-message"
	KindRenderingDone = "rendering-done"
)

// ActionType says what kind of interaction an Action records.
type ActionType string

const (
	ActionFn  ActionType = "fn"
	ActionURL ActionType = "url"
)

// Level is the severity of a LogMessage.
type Level string

const (
	LevelLog   Level = "log"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a preview event. The set of implementations is closed.
type Event interface {
	Kind() string
	isEvent()
}

// Action records a callback invocation or an intercepted navigation.
type Action struct {
	Path string     `json:"path"`
	Type ActionType `json:"type"`
}

// LogMessage records console output or a captured error. Timestamp is in
// unix milliseconds, taken at capture time.
type LogMessage struct {
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// RenderingDone is emitted once per generation after the first successful
// mount.
type RenderingDone struct{}

func (Action) Kind() string        { return KindAction }
func (LogMessage) Kind() string    { return KindLogMessage }
func (RenderingDone) Kind() string { return KindRenderingDone }

func (Action) isEvent()        {}
func (LogMessage) isEvent()    {}
func (RenderingDone) isEvent() {}

// Envelope carries an event on the wire. Seq is the logical emission order
// within a realm and Generation the mount generation it was emitted in.
type Envelope struct {
	Seq        uint64          `json:"seq"`
	Generation uint64          `json:"generation"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Wrap builds the envelope for ev.
func Wrap(seq, generation uint64, ev Event) (Envelope, error) {
	env := Envelope{Seq: seq, Generation: generation, Kind: ev.Kind()}
	if _, ok := ev.(RenderingDone); ok {
		return env, nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	env.Payload = payload
	return env, nil
}

// Event decodes the wrapped event.
func (e Envelope) Event() (Event, error) {
	switch e.Kind {
	case KindAction:
		var a Action
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return nil, fmt.Errorf("invalid action event: %w", err)
		}
		return a, nil
	case KindLogMessage:
		var m LogMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, fmt.Errorf("invalid log-message event: %w", err)
		}
		return m, nil
	case KindRenderingDone:
		return RenderingDone{}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}
