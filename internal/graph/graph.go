// Package graph holds the bundler's live module graph: one node per loaded
// module identifier with its import edges in both directions.
package graph

import (
	"sort"
	"sync"
)

// Node is a module in the graph.
type Node struct {
	// ID is the identifier the module was resolved to (forward slashes).
	ID string
	// File is the absolute filesystem path backing the module.
	File string
	// Code is the last successfully loaded module body.
	Code string
	// Err is set when the last load of this module failed.
	Err error

	imports   map[string]struct{}
	importers map[string]struct{}
}

// Imports returns the ids this node imports, sorted.
func (n *Node) Imports() []string { return sortedKeys(n.imports) }

// Importers returns the ids importing this node, sorted.
func (n *Node) Importers() []string { return sortedKeys(n.importers) }

// Graph is safe for concurrent use. Nodes returned by it are snapshots.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Ensure returns the node for id, creating it if needed.
func (g *Graph) Ensure(id, file string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensure(id, file).snapshot()
}

func (g *Graph) ensure(id, file string) *Node {
	n, ok := g.nodes[id]
	if !ok {
		n = &Node{ID: id, File: file, imports: map[string]struct{}{}, importers: map[string]struct{}{}}
		g.nodes[id] = n
	}
	if file != "" {
		n.File = file
	}
	return n
}

// SetResult records the outcome of loading id.
func (g *Graph) SetResult(id, code string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.ensure(id, "")
	if err != nil {
		n.Err = err
		return
	}
	n.Code = code
	n.Err = nil
}

// ModuleByID returns the node for id.
func (g *Graph) ModuleByID(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.snapshot(), true
}

// ModulesByFile returns every node backed by file.
func (g *Graph) ModulesByFile(file string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Node
	for _, n := range g.nodes {
		if n.File == file {
			out = append(out, n.snapshot())
		}
	}
	sortNodes(out)
	return out
}

// Link records that importer imports imported.
func (g *Graph) Link(importer, imported string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	from := g.ensure(importer, "")
	to := g.ensure(imported, "")
	from.imports[imported] = struct{}{}
	to.importers[importer] = struct{}{}
}

// Unlink drops every outgoing edge of id, ahead of re-scanning its imports.
func (g *Graph) Unlink(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for imported := range n.imports {
		if to, ok := g.nodes[imported]; ok {
			delete(to.importers, id)
		}
	}
	n.imports = map[string]struct{}{}
}

// Invalidate returns id and every module that transitively imports it.
func (g *Graph) Invalidate(id string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil
	}

	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []*Node
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		out = append(out, n.snapshot())
		for importer := range n.importers {
			if !seen[importer] {
				seen[importer] = true
				queue = append(queue, importer)
			}
		}
	}
	return out
}

// Remove deletes id and its edges.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for imported := range n.imports {
		if to, ok := g.nodes[imported]; ok {
			delete(to.importers, id)
		}
	}
	for importer := range n.importers {
		if from, ok := g.nodes[importer]; ok {
			delete(from.imports, id)
		}
	}
	delete(g.nodes, id)
}

// Roots returns the nodes nothing imports.
func (g *Graph) Roots() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Node
	for _, n := range g.nodes {
		if len(n.importers) == 0 {
			out = append(out, n.snapshot())
		}
	}
	sortNodes(out)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Reset drops every node.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*Node)
}

func (n *Node) snapshot() *Node {
	cp := *n
	cp.imports = make(map[string]struct{}, len(n.imports))
	for k := range n.imports {
		cp.imports[k] = struct{}{}
	}
	cp.importers = make(map[string]struct{}, len(n.importers))
	for k := range n.importers {
		cp.importers[k] = struct{}{}
	}
	return &cp
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
