// Package bundler is the host side module pipeline of a preview. It walks
// the import graph of a component through a resolver chain (the bridge
// first, then plain store probing), loads every module, records the graph
// and turns file changes into hot updates for the sandbox.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/isolate/internal/bridge"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/graph"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/metrics"
	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/conneroisu/isolate/internal/vfs"
	"github.com/sourcegraph/conc/pool"
)

const defaultConcurrency = 8

// Hot update results recorded in metrics.
const (
	resultOK         = "ok"
	resultError      = "error"
	resultFullReload = "full-reload"
)

// ImportError is a build failure along an import chain. Chain lists module
// ids from the entry to the module that failed.
type ImportError struct {
	Err   error
	Chain []string
}

func (e *ImportError) Error() string { return e.Err.Error() }

func (e *ImportError) Unwrap() error { return e.Err }

// BuildError converts a Build failure into its wire form.
func BuildError(err error) *protocol.BuildError {
	if err == nil {
		return nil
	}
	be := &protocol.BuildError{Message: perrors.Describe(err)}
	var ie *ImportError
	if errors.As(err, &ie) {
		be.Chain = append([]string(nil), ie.Chain...)
	}
	return be
}

// Options configures a Bundler.
type Options struct {
	Bridge *bridge.Bridge
	// Store is the layered store the bridge reads from.
	Store   vfs.Reader
	Graph   *graph.Graph
	Logger  logging.Logger
	Metrics *metrics.Metrics
	// Concurrency bounds sibling imports loaded in parallel.
	Concurrency int
}

// Bundler builds bundles and hot updates. Safe for concurrent use.
type Bundler struct {
	bridge      *bridge.Bridge
	store       vfs.Reader
	graph       *graph.Graph
	root        string
	logger      logging.Logger
	metrics     *metrics.Metrics
	concurrency int

	mu    sync.Mutex
	built bool
}

// New creates a Bundler.
func New(opts Options) *Bundler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	g := opts.Graph
	if g == nil {
		g = graph.New()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Bundler{
		bridge:      opts.Bridge,
		store:       opts.Store,
		graph:       g,
		root:        opts.Bridge.Root(),
		logger:      logger.WithComponent("bundler"),
		metrics:     opts.Metrics,
		concurrency: concurrency,
	}
}

// Graph returns the module graph, or nil until the first build.
func (b *Bundler) Graph() *graph.Graph {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.built {
		return nil
	}
	return b.graph
}

// module is a resolved import target.
type module struct {
	id   string
	file string
	// external modules are left to the runtime.
	external bool
}

// resolve runs the resolver chain for spec imported from importer (an
// absolute file path).
func (b *Bundler) resolve(spec, importer string) (module, error) {
	if isExternal(spec) {
		return module{external: true}, nil
	}

	res := b.bridge.Resolve(spec, importer)
	switch res.Outcome {
	case bridge.Resolved:
		return module{id: res.ID, file: filepath.FromSlash(res.ID)}, nil
	case bridge.Absent:
		return module{}, b.unresolved(spec, importer)
	}

	if isBare(spec) {
		if _, ok := b.store.Read(filepath.Join(b.root, "node_modules", filepath.FromSlash(spec))); ok {
			return module{external: true}, nil
		}
		return module{}, b.unresolved(spec, importer)
	}

	var bases []string
	switch {
	case res.Hint != "":
		bases = []string{res.Hint}
	case strings.HasPrefix(spec, "/") || filepath.IsAbs(spec):
		abs := filepath.FromSlash(spec)
		bases = []string{abs, filepath.Join(b.root, abs)}
	default:
		bases = []string{filepath.Join(filepath.Dir(importer), filepath.FromSlash(spec))}
	}
	for _, base := range bases {
		if file, _, ok := bridge.Probe(b.store, base); ok {
			return module{id: filepath.ToSlash(file), file: file}, nil
		}
	}
	return module{}, b.unresolved(spec, importer)
}

func (b *Bundler) unresolved(spec, importer string) error {
	b.metrics.RecordResolution(bridge.Absent.String())
	return perrors.UnresolvedImport(spec, b.relative(importer))
}

// load runs the loader chain for a resolved module.
func (b *Bundler) load(id, file string) (string, error) {
	res, err := b.bridge.Load(id)
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(file)
	code := res.Code
	switch res.Kind {
	case bridge.LoadTransformed:
		return code, nil
	case bridge.LoadPassThrough:
		content, ok, err := vfs.ReadFile(b.store, file)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", perrors.NewIOError(perrors.ErrCodeFileNotFound,
				fmt.Sprintf("Unable to read file from %s", file), nil)
		}
		code = content
	}

	if bridge.IsScript(ext) {
		return bridge.Transform(code, b.relative(file), bridge.LoaderFor(ext))
	}
	// Stylesheets and markup are shipped as is; broken content is the
	// runtime's problem.
	return code, nil
}

func (b *Bundler) relative(file string) string {
	if file == "" {
		return ""
	}
	rel, err := filepath.Rel(b.root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

// walker loads modules reachable from a start module.
type walker struct {
	b *Bundler
	// skip reports modules that need no visit.
	skip func(id string) bool

	mu      sync.Mutex
	seen    map[string]struct{}
	modules map[string]protocol.Module
}

func (b *Bundler) newWalker(skip func(string) bool) *walker {
	if skip == nil {
		skip = func(string) bool { return false }
	}
	return &walker{
		b:       b,
		skip:    skip,
		seen:    make(map[string]struct{}),
		modules: make(map[string]protocol.Module),
	}
}

func (w *walker) visit(ctx context.Context, m module, chain []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	if _, ok := w.seen[m.id]; ok || w.skip(m.id) {
		w.mu.Unlock()
		return nil
	}
	w.seen[m.id] = struct{}{}
	w.mu.Unlock()

	chain = append(chain[:len(chain):len(chain)], m.id)
	mod, deps, err := w.b.loadModule(m)
	if err != nil {
		return &ImportError{Err: err, Chain: chain}
	}

	w.mu.Lock()
	w.modules[m.id] = mod
	w.mu.Unlock()

	if len(deps) == 0 {
		return nil
	}
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError().WithMaxGoroutines(w.b.concurrency)
	for _, dep := range deps {
		dep := dep
		p.Go(func(ctx context.Context) error {
			return w.visit(ctx, dep, chain)
		})
	}
	return p.Wait()
}

// loadModule loads m, rescans its imports and relinks it in the graph. It
// returns the module and the imports that still need a visit.
func (b *Bundler) loadModule(m module) (protocol.Module, []module, error) {
	b.graph.Ensure(m.id, m.file)
	code, err := b.load(m.id, m.file)
	b.graph.SetResult(m.id, code, err)
	if err != nil {
		return protocol.Module{}, nil, err
	}

	found, err := scanImports(m.file, code)
	if err != nil {
		b.graph.SetResult(m.id, code, err)
		return protocol.Module{}, nil, err
	}
	b.graph.Unlink(m.id)

	var deps []module
	var ids []string
	add := func(spec string, optional bool) error {
		dep, err := b.resolve(spec, m.file)
		if err != nil {
			if optional {
				return nil
			}
			return err
		}
		if dep.external {
			return nil
		}
		b.graph.Ensure(dep.id, dep.file)
		b.graph.Link(m.id, dep.id)
		deps = append(deps, dep)
		ids = append(ids, dep.id)
		return nil
	}
	for _, spec := range found.required {
		if err := add(spec, false); err != nil {
			return protocol.Module{}, nil, err
		}
	}
	for _, spec := range found.optional {
		_ = add(spec, true)
	}

	rel := b.relative(m.file)
	return protocol.Module{
		ID:          m.id,
		File:        rel,
		Code:        code,
		SourceLabel: rel,
		Imports:     ids,
	}, deps, nil
}

// Build bundles the component module at file, relative to the root.
func (b *Bundler) Build(ctx context.Context, file string) (*protocol.Bundle, error) {
	op := logging.StartOperation(b.logger, "build")

	abs := filepath.Join(b.root, filepath.FromSlash(file))
	entryFile, _, ok := bridge.Probe(b.store, abs)
	if !ok {
		err := &ImportError{
			Err: perrors.NewIOError(perrors.ErrCodeFileNotFound,
				fmt.Sprintf("Unable to read file from %s", abs), nil),
			Chain: []string{filepath.ToSlash(abs)},
		}
		op.EndWithError(ctx, err)
		return nil, err
	}
	entry := module{id: filepath.ToSlash(entryFile), file: entryFile}

	w := b.newWalker(nil)
	err := w.visit(ctx, entry, nil)

	b.mu.Lock()
	b.built = true
	b.mu.Unlock()

	if err != nil {
		op.EndWithError(ctx, err)
		return nil, err
	}
	op.End(ctx)

	return &protocol.Bundle{Entry: entry.id, Modules: w.ordered(entry.id)}, nil
}

// ordered returns the collected modules, start module first.
func (w *walker) ordered(first string) []protocol.Module {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]protocol.Module, 0, len(w.modules))
	for _, m := range w.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ID == first) != (out[j].ID == first) {
			return out[i].ID == first
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HotUpdate maps a change to absPath onto an update for the sandbox. It
// reports false when the file is not part of the current graph.
func (b *Bundler) HotUpdate(ctx context.Context, absPath string) (*protocol.Update, bool) {
	g := b.Graph()
	if g == nil {
		return nil, false
	}

	nodes := map[string]*graph.Node{}
	for _, n := range b.bridge.OnFileSystemChange(absPath) {
		nodes[n.ID] = n
	}
	for _, n := range g.ModulesByFile(absPath) {
		nodes[n.ID] = n
	}
	if len(nodes) == 0 {
		return nil, false
	}

	path := "/" + b.relative(absPath)
	if _, ok := b.store.Read(absPath); !ok {
		b.logger.Info(ctx, "Module removed, requesting full reload", "path", path)
		for id := range nodes {
			g.Remove(id)
		}
		b.metrics.RecordHotUpdate(resultFullReload)
		return &protocol.Update{Type: protocol.UpdateFullReload, Path: path}, true
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Only imports that were never loaded, or failed last time, are walked.
	w := b.newWalker(func(id string) bool {
		n, ok := g.ModuleByID(id)
		return ok && n.Code != "" && n.Err == nil
	})
	var modules []protocol.Module
	for _, id := range ids {
		n := nodes[id]
		mod, deps, err := b.loadModule(module{id: n.ID, file: n.File})
		if err != nil {
			b.logger.Warn(ctx, err, "Hot update failed", "path", path)
			b.metrics.RecordHotUpdate(resultError)
			return &protocol.Update{Type: protocol.UpdateHot, Path: path, Error: perrors.Describe(err)}, true
		}
		modules = append(modules, mod)

		for _, dep := range deps {
			if err := w.visit(ctx, dep, []string{n.ID}); err != nil {
				b.logger.Warn(ctx, err, "Hot update failed", "path", path)
				b.metrics.RecordHotUpdate(resultError)
				return &protocol.Update{Type: protocol.UpdateHot, Path: path, Error: perrors.Describe(err)}, true
			}
		}
	}
	for _, m := range w.ordered("") {
		modules = append(modules, m)
	}

	b.logger.Debug(ctx, "Hot update", "path", path, "modules", len(modules))
	b.metrics.RecordHotUpdate(resultOK)
	return &protocol.Update{Type: protocol.UpdateHot, Path: path, Modules: modules}, true
}
