// Package bridge plugs the layered content store into the bundler's
// resolve, load and hot update hooks. It decides which module identifiers
// are virtual, transforms script content and maps filesystem changes back to
// module graph nodes.
//
// The bridge never shadows package resolution: any identifier containing
// /node_modules/ passes straight through.
package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/graph"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/metrics"
	"github.com/conneroisu/isolate/internal/vfs"
)

const packageMarker = "/node_modules/"

// Outcome tags a Resolution.
type Outcome int

const (
	// PassThrough means no opinion; the next resolver decides.
	PassThrough Outcome = iota
	// Resolved means the identifier maps to a module in the store.
	Resolved
	// Absent means no resolver could find the module.
	Absent
)

func (o Outcome) String() string {
	switch o {
	case PassThrough:
		return "pass-through"
	case Resolved:
		return "resolved"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Resolution is the result of resolving a module identifier.
type Resolution struct {
	Outcome Outcome
	// ID is the forward-slash absolute identifier when Outcome is Resolved.
	ID string
	// Hint is the joined absolute path of a relative asset the bridge
	// refused to virtualize, for the next resolver to use.
	Hint string
}

// LoadKind tags a LoadResult.
type LoadKind int

const (
	LoadPassThrough LoadKind = iota
	LoadRaw
	LoadTransformed
)

// LoadResult is what Load hands back to the bundler.
type LoadResult struct {
	Kind        LoadKind
	Code        string
	SourceLabel string
	// File is the absolute path the module was read from.
	File string
}

// Options configures a Bridge.
type Options struct {
	// Store is the layered store, overlay first.
	Store vfs.Reader
	// Disk is the real filesystem layer of Store.
	Disk vfs.Reader
	// Root is the absolute project root.
	Root string
	// Graph returns the live module graph, or nil before the bundler has
	// built one.
	Graph   func() *graph.Graph
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Bridge is safe for concurrent use; it holds no mutable state.
type Bridge struct {
	store   vfs.Reader
	disk    vfs.Reader
	root    string
	graph   func() *graph.Graph
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New creates a Bridge.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	disk := opts.Disk
	if disk == nil {
		disk = vfs.NewFileSystemReader(logger)
	}
	graphFn := opts.Graph
	if graphFn == nil {
		graphFn = func() *graph.Graph { return nil }
	}
	return &Bridge{
		store:   opts.Store,
		disk:    disk,
		root:    filepath.Clean(opts.Root),
		graph:   graphFn,
		logger:  logger.WithComponent("bridge"),
		metrics: opts.Metrics,
	}
}

// Root returns the project root.
func (b *Bridge) Root() string { return b.root }

// Resolve maps id, imported from importer, to a virtual module.
func (b *Bridge) Resolve(id, importer string) Resolution {
	res := b.resolve(id, importer)
	b.metrics.RecordResolution(res.Outcome.String())
	return res
}

func (b *Bridge) resolve(id, importer string) Resolution {
	if strings.Contains(id, packageMarker) {
		return Resolution{Outcome: PassThrough}
	}

	ext := filepath.Ext(id)
	var absoluteID string
	if filepath.IsAbs(id) {
		absoluteID = id
	} else {
		if importer == "" || strings.Contains(importer, packageMarker) {
			return Resolution{Outcome: PassThrough}
		}
		absoluteID = filepath.Join(filepath.Dir(filepath.FromSlash(importer)), filepath.FromSlash(id))
		if ext != "" && !IsScript(ext) && ext != ".svg" {
			// Stylesheets and other assets stay real paths for their processors.
			return Resolution{Outcome: PassThrough, Hint: absoluteID}
		}
	}

	file, _, ok := b.probeModule(absoluteID)
	if !ok {
		return Resolution{Outcome: PassThrough}
	}
	if _, onDisk := b.disk.Read(file); onDisk {
		return Resolution{Outcome: PassThrough}
	}

	resolved := filepath.ToSlash(file)
	b.logger.Debug(context.Background(), "Resolved virtual module", "id", id, "resolved", resolved)
	return Resolution{Outcome: Resolved, ID: resolved}
}

// Load returns the content of a resolved module.
func (b *Bridge) Load(id string) (LoadResult, error) {
	if strings.Contains(id, packageMarker) {
		return LoadResult{Kind: LoadPassThrough}, nil
	}

	file, entry, ok := b.probeModule(filepath.FromSlash(id))
	if !ok {
		if dir, isDir := b.directoryAt(filepath.FromSlash(id)); isDir {
			return LoadResult{}, errors.NewLoadError(
				errors.ErrCodeLoadDirectory,
				fmt.Sprintf("Unable to read file from %s", dir),
				nil,
			).WithLocation(dir, 0, 0)
		}
		// Handled by another loader.
		return LoadResult{Kind: LoadPassThrough}, nil
	}

	source, err := entry.Read()
	if err != nil {
		return LoadResult{}, errors.NewIOError(errors.ErrCodeFileNotFound,
			fmt.Sprintf("Unable to read file from %s", file), err)
	}

	label := b.relative(file)
	if !IsScript(filepath.Ext(file)) {
		return LoadResult{Kind: LoadRaw, Code: source, SourceLabel: label, File: file}, nil
	}

	moduleExt := filepath.Ext(id)
	if moduleExt != "" && moduleExt != ".js" {
		// Leave the transform to the loader that owns this extension.
		return LoadResult{Kind: LoadRaw, Code: source, SourceLabel: label, File: file}, nil
	}

	code, err := Transform(source, label, LoaderFor(".tsx"))
	if err != nil {
		return LoadResult{}, err
	}
	return LoadResult{Kind: LoadTransformed, Code: code, SourceLabel: label, File: file}, nil
}

// OnFileSystemChange returns the graph nodes to invalidate for a change to
// absPath, or nil when there is no graph yet or no node for the file.
func (b *Bridge) OnFileSystemChange(absPath string) []*graph.Node {
	g := b.graph()
	if g == nil {
		return nil
	}

	rel, err := filepath.Rel(b.root, absPath)
	if err != nil {
		return nil
	}
	absoluteFilePath := filepath.Join(b.root, rel)

	entry, ok := b.store.Read(absoluteFilePath)
	if !ok || entry.Kind() != vfs.KindFile {
		return nil
	}

	node, ok := g.ModuleByID(filepath.ToSlash(absoluteFilePath))
	if !ok {
		return nil
	}
	return []*graph.Node{node}
}

// probeModule tries id as given, then relative to the root.
func (b *Bridge) probeModule(id string) (string, vfs.File, bool) {
	if file, entry, ok := Probe(b.store, id); ok {
		return file, entry, true
	}
	return Probe(b.store, filepath.Join(b.root, id))
}

func (b *Bridge) directoryAt(id string) (string, bool) {
	for _, candidate := range []string{id, filepath.Join(b.root, id)} {
		if entry, ok := b.store.Read(candidate); ok && entry.Kind() == vfs.KindDirectory {
			return candidate, true
		}
	}
	return "", false
}

func (b *Bridge) relative(file string) string {
	rel, err := filepath.Rel(b.root, file)
	if err != nil {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

// Probe runs the module probe order against r: the exact path, then each
// script extension appended, then /index plus each script extension. Only
// files match.
func Probe(r vfs.Reader, base string) (string, vfs.File, bool) {
	for _, candidate := range Candidates(base) {
		entry, ok := r.Read(candidate)
		if !ok {
			continue
		}
		if file, isFile := entry.(vfs.File); isFile && entry.Kind() == vfs.KindFile {
			return candidate, file, true
		}
	}
	return "", nil, false
}

// Candidates lists the probe order for base.
func Candidates(base string) []string {
	out := make([]string, 0, 1+2*len(scriptExtensions))
	out = append(out, base)
	for _, ext := range scriptExtensions {
		out = append(out, base+ext)
	}
	for _, ext := range scriptExtensions {
		out = append(out, base+string(filepath.Separator)+"index"+ext)
	}
	return out
}
