package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/conneroisu/isolate/internal/instrument"
	"github.com/conneroisu/isolate/internal/protocol"
)

// RenderContext is everything an adapter needs to render one component.
type RenderContext struct {
	ComponentID string
	// File is the project relative module file of the component.
	File string
	// Name is the component name inside File.
	Name string
	// Props are the component props with every callback instrumented.
	Props   map[string]interface{}
	Bundle  *protocol.Bundle
	Console *instrument.Console
}

// Adapter mounts a component for one UI technology and returns its markup.
type Adapter interface {
	Render(ctx context.Context, rc RenderContext) (string, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, rc RenderContext) (string, error)

// Render implements Adapter.
func (f AdapterFunc) Render(ctx context.Context, rc RenderContext) (string, error) {
	return f(ctx, rc)
}

// ModuleError is returned by adapters when a module of the bundle cannot be
// evaluated at all, as opposed to the component failing while it renders.
type ModuleError struct {
	Module string
	Err    error
}

func (e *ModuleError) Error() string { return e.Err.Error() }

func (e *ModuleError) Unwrap() error { return e.Err }

// SplitComponentID splits "<file>:<name>".
func SplitComponentID(id string) (file, name string, err error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("invalid component id %q, expected <file>:<name>", id)
	}
	return id[:i], id[i+1:], nil
}
