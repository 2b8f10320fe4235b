package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates websocket frames.
type MessageType string

const (
	// TypeHello is the first frame a realm sends after connecting.
	TypeHello MessageType = "hello"
	// TypeEvent carries a preview event from the realm.
	TypeEvent MessageType = "event"
	// TypeRequest is a host to realm function call.
	TypeRequest MessageType = "request"
	// TypeResponse answers a request.
	TypeResponse MessageType = "response"
	// TypeUpdate pushes a hot update to the realm.
	TypeUpdate MessageType = "update"
)

// Methods the realm exposes to the host.
const (
	MethodRender                 = "render"
	MethodArmExpectedRefresh     = "armExpectedRefresh"
	MethodWaitForExpectedRefresh = "waitForExpectedRefresh"
)

// Error codes carried in responses.
const (
	CodeNotInitialized = "not-initialized"
	CodeUnknownMethod  = "unknown-method"
	CodeBadRequest     = "bad-request"
	CodeCanceled       = "canceled"
)

// ErrNotInitialized is returned while a realm has not finished its first
// render cycle and cannot honor refresh synchronization yet.
var ErrNotInitialized = errors.New("refresh synchronization is not initialized")

// Message is a single websocket frame. Exactly one of the optional fields is
// set, depending on Type.
type Message struct {
	Type MessageType `json:"type"`

	// Hello
	Realm string `json:"realm,omitempty"`

	// Request and Response
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`

	Event  *Envelope `json:"event,omitempty"`
	Update *Update   `json:"update,omitempty"`
}

// ResponseError is a failed request.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps well-known codes onto sentinel errors.
func (e *ResponseError) Unwrap() error {
	if e.Code == CodeNotInitialized {
		return ErrNotInitialized
	}
	return nil
}

// Module is one bundled module as shipped to the realm.
type Module struct {
	ID          string   `json:"id"`
	File        string   `json:"file"`
	Code        string   `json:"code"`
	SourceLabel string   `json:"sourceLabel,omitempty"`
	Imports     []string `json:"imports,omitempty"`
}

// Bundle is the module set needed to render one component.
type Bundle struct {
	Entry   string   `json:"entry"`
	Modules []Module `json:"modules"`
}

// Lookup returns the module with id.
func (b *Bundle) Lookup(id string) (Module, bool) {
	if b == nil {
		return Module{}, false
	}
	for _, m := range b.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return Module{}, false
}

// Merge replaces or adds modules by id.
func (b *Bundle) Merge(modules []Module) {
	for _, m := range modules {
		replaced := false
		for i := range b.Modules {
			if b.Modules[i].ID == m.ID {
				b.Modules[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			b.Modules = append(b.Modules, m)
		}
	}
}

// BuildError describes an initial build that failed. Chain lists the module
// ids along the failed import chain, entry first.
type BuildError struct {
	Message string   `json:"message"`
	Chain   []string `json:"chain"`
}

// RenderRequest asks a realm to render a component.
type RenderRequest struct {
	// ComponentID is "<project relative file>:<component name>".
	ComponentID string `json:"componentId"`
	// Props is the JSON object produced by prop-type analysis.
	Props json.RawMessage `json:"props,omitempty"`
	// Callbacks lists function-typed prop paths, e.g. "slot.onClick".
	Callbacks []string    `json:"callbacks,omitempty"`
	Bundle    *Bundle     `json:"bundle,omitempty"`
	Error     *BuildError `json:"error,omitempty"`
}

// UpdateType discriminates hot updates.
type UpdateType string

const (
	UpdateHot        UpdateType = "hot"
	UpdateFullReload UpdateType = "full-reload"
)

// Update is a hot update. Error is set when the changed modules failed to
// load; the realm keeps showing what it had.
type Update struct {
	Type    UpdateType `json:"type"`
	Path    string     `json:"path"`
	Modules []Module   `json:"modules,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// NewRequest builds a request frame.
func NewRequest(id uint64, method string, params interface{}) (Message, error) {
	msg := Message{Type: TypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse answers request id. A nil err means success.
func NewResponse(id uint64, result interface{}, err error) Message {
	msg := Message{Type: TypeResponse, ID: id}
	if err != nil {
		var re *ResponseError
		switch {
		case errors.As(err, &re):
			msg.Error = re
		case errors.Is(err, ErrNotInitialized):
			msg.Error = &ResponseError{Code: CodeNotInitialized, Message: err.Error()}
		default:
			msg.Error = &ResponseError{Code: CodeBadRequest, Message: err.Error()}
		}
		return msg
	}
	if result != nil {
		if raw, mErr := json.Marshal(result); mErr == nil {
			msg.Result = raw
		}
	}
	return msg
}
