// Package gohtml renders components written as html/template modules. The
// entry module of a bundle is the component template; every other .gohtml
// module is available to it as a partial named after its file.
package gohtml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"path"
	"strings"

	"github.com/a-h/templ"
	"github.com/conneroisu/isolate/internal/instrument"
	"github.com/conneroisu/isolate/internal/sandbox"
)

// Ext is the module extension this adapter evaluates.
const Ext = ".gohtml"

// StaticComponent builds a compiled templ component from props.
type StaticComponent func(props map[string]interface{}) templ.Component

// Adapter implements sandbox.Adapter for html/template components.
type Adapter struct {
	funcs   template.FuncMap
	statics map[string]StaticComponent
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithFuncs adds template functions.
func WithFuncs(funcs template.FuncMap) Option {
	return func(a *Adapter) {
		for name, fn := range funcs {
			a.funcs[name] = fn
		}
	}
}

// WithComponent registers a compiled component that templates can embed
// with {{component "Name" .}}.
func WithComponent(name string, fn StaticComponent) Option {
	return func(a *Adapter) {
		a.statics[name] = fn
	}
}

// New creates an adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		funcs:   template.FuncMap{},
		statics: map[string]StaticComponent{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Render implements sandbox.Adapter.
func (a *Adapter) Render(ctx context.Context, rc sandbox.RenderContext) (string, error) {
	entry, ok := rc.Bundle.Lookup(rc.Bundle.Entry)
	if !ok {
		return "", &sandbox.ModuleError{
			Module: rc.Bundle.Entry,
			Err:    fmt.Errorf("entry module %s is not part of the bundle", rc.Bundle.Entry),
		}
	}

	tmpl, err := template.New(rc.Name).
		Option("missingkey=error").
		Funcs(a.builtins(ctx, rc)).
		Funcs(a.funcs).
		Parse(entry.Code)
	if err != nil {
		return "", &sandbox.ModuleError{Module: entry.ID, Err: err}
	}

	for _, m := range rc.Bundle.Modules {
		if m.ID == entry.ID || path.Ext(m.File) != Ext {
			continue
		}
		name := strings.TrimSuffix(path.Base(m.File), Ext)
		if _, err := tmpl.New(name).Parse(m.Code); err != nil {
			return "", &sandbox.ModuleError{Module: m.ID, Err: err}
		}
	}

	var buf bytes.Buffer
	if err := templ.FromGoHTML(tmpl, rc.Props).Render(ctx, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (a *Adapter) builtins(ctx context.Context, rc sandbox.RenderContext) template.FuncMap {
	return template.FuncMap{
		"component": func(name string, args ...interface{}) (template.HTML, error) {
			fn, ok := a.statics[name]
			if !ok {
				return "", fmt.Errorf("component %q is not registered", name)
			}
			props, err := propsFrom(args)
			if err != nil {
				return "", fmt.Errorf("component %q: %w", name, err)
			}
			return templ.ToGoHTML(ctx, fn(props))
		},
		"log": func(args ...interface{}) string {
			rc.Console.Log(args...)
			return ""
		},
		"warn": func(args ...interface{}) string {
			rc.Console.Warn(args...)
			return ""
		},
		"fail": func(msg string) (string, error) {
			return "", fmt.Errorf("%s", msg)
		},
		// async calls the callback prop at path after the render, the way
		// an effect would. A returned error or a panic is an unhandled
		// rejection.
		"async": func(path string, args ...interface{}) string {
			rc.Console.Go(func() error {
				value, ok := instrument.Lookup(rc.Props, path)
				if !ok {
					return fmt.Errorf("%s is not a function", path)
				}
				cb, ok := value.(instrument.Callback)
				if !ok {
					return fmt.Errorf("%s is not a function", path)
				}
				if err, ok := cb(args...).(error); ok {
					return err
				}
				return nil
			})
			return ""
		},
		"reject": func(msg string) string {
			rc.Console.Go(func() error { return errors.New(msg) })
			return ""
		},
	}
}

// propsFrom accepts either a single map or alternating key/value pairs.
func propsFrom(args []interface{}) (map[string]interface{}, error) {
	if len(args) == 1 {
		if m, ok := args[0].(map[string]interface{}); ok {
			return m, nil
		}
	}
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("expected key/value pairs, got %d arguments", len(args))
	}
	props := make(map[string]interface{}, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			return nil, fmt.Errorf("prop name %v is not a string", args[i])
		}
		props[key] = args[i+1]
	}
	return props, nil
}
