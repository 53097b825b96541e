// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph maintains a file-level static dependency graph over
// JavaScript and TypeScript sources.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAnalyzerInit indicates the module analyzer could not be initialized.
	ErrAnalyzerInit = errors.New("module analyzer initialization failed")

	// ErrNodeNotFound indicates the file is not in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrSnapshotNotFound indicates no snapshot exists for the given ID or project.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Node is one file in the dependency graph.
//
// The relation is symmetric: b is in a.Dependencies exactly when a is in
// b.Dependents.
type Node struct {
	// Path is the absolute, canonical file path.
	Path string

	// Dependencies are the files this file imports.
	Dependencies map[string]struct{}

	// Dependents are the files that import this file.
	Dependents map[string]struct{}
}

func newNode(path string) *Node {
	return &Node{
		Path:         path,
		Dependencies: make(map[string]struct{}),
		Dependents:   make(map[string]struct{}),
	}
}

// GraphOption configures a DependencyGraph.
type GraphOption func(*DependencyGraph)

// WithGraphLogger sets the graph's logger.
func WithGraphLogger(logger *slog.Logger) GraphOption {
	return func(g *DependencyGraph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithProjectRoot records the project root, used to key snapshots.
func WithProjectRoot(root string) GraphOption {
	return func(g *DependencyGraph) {
		g.ProjectRoot = root
	}
}

// DependencyGraph is a directed graph of file imports.
//
// Description:
//
//	Raw import extraction is delegated to a ModuleAnalyzer; the graph owns
//	the symmetric node structure and answers transitive queries by depth
//	first traversal.
//
// Thread Safety:
//
//	Not safe for concurrent use. Callers serialize access; the watcher
//	does so under its own lock.
type DependencyGraph struct {
	// ProjectRoot is the root directory the graph was built for.
	ProjectRoot string

	// BuiltAtMilli is when the graph was last fully built (Unix ms).
	BuiltAtMilli int64

	analyzer ModuleAnalyzer
	nodes    map[string]*Node
	logger   *slog.Logger

	// detached holds the importers of removed files, so a file that comes
	// back (atomic save, branch switch) gets its dependents again.
	detached map[string]map[string]struct{}
}

// NewDependencyGraph creates an empty graph backed by analyzer.
func NewDependencyGraph(analyzer ModuleAnalyzer, opts ...GraphOption) *DependencyGraph {
	g := &DependencyGraph{
		analyzer: analyzer,
		nodes:    make(map[string]*Node),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BuildGraph replaces the graph with one built from files.
//
// Description:
//
//	Every file gets a node, whether or not it could be analyzed. Imported
//	files outside the set get nodes too, so dependents of a changed
//	dependency are always found.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - files: Files to analyze. Paths are canonicalized.
//
// Outputs:
//   - error: Wraps ErrAnalyzerInit when the analyzer is unusable. The
//     graph is left unchanged on error.
func (g *DependencyGraph) BuildGraph(ctx context.Context, files []string) error {
	ctx, span := tracer.Start(ctx, "graph.BuildGraph",
		trace.WithAttributes(attribute.Int("files", len(files))))
	defer span.End()
	start := time.Now()

	canonical := canonicalAll(files)
	adjacency, err := g.analyzer.Analyze(ctx, canonical)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("building dependency graph: %w", err)
	}

	nodes := make(map[string]*Node, len(canonical))
	ensure := func(path string) *Node {
		n, ok := nodes[path]
		if !ok {
			n = newNode(path)
			nodes[path] = n
		}
		return n
	}
	for _, file := range canonical {
		ensure(file)
	}
	for file, deps := range adjacency {
		from := ensure(file)
		for _, dep := range deps {
			if dep == file {
				continue
			}
			to := ensure(dep)
			from.Dependencies[dep] = struct{}{}
			to.Dependents[file] = struct{}{}
		}
	}

	g.nodes = nodes
	g.detached = nil
	g.BuiltAtMilli = time.Now().UnixMilli()

	recordBuild(time.Since(start), len(g.nodes), g.EdgeCount())
	span.SetAttributes(
		attribute.Int("nodes", len(g.nodes)),
		attribute.Int("edges", g.EdgeCount()),
	)
	g.logger.Debug("dependency graph built",
		slog.Int("nodes", len(g.nodes)),
		slog.Int("edges", g.EdgeCount()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// AddNode adds or refreshes one file.
//
// The file is re-analyzed; its outgoing edges are replaced and its
// dependents are kept. When the file was removed earlier, the files that
// imported it are re-analyzed too and linked back if they still import it.
func (g *DependencyGraph) AddNode(ctx context.Context, file string) error {
	path := canonicalPath(file)
	importers := g.detachedImporters(path)
	adjacency, err := g.analyzer.Analyze(ctx, append([]string{path}, importers...))
	if err != nil {
		return fmt.Errorf("analyzing %s: %w", path, err)
	}

	g.link(path, adjacency[path])
	for _, importer := range importers {
		if deps, ok := adjacency[importer]; ok {
			g.link(importer, deps)
		}
	}
	delete(g.detached, path)
	if len(importers) > 0 {
		g.logger.Debug("relinked importers of re-added file",
			slog.String("file", path),
			slog.Int("importers", len(g.nodes[path].Dependents)))
	}
	recordSize(len(g.nodes), g.EdgeCount())
	return nil
}

// link replaces the outgoing edges of path with deps, creating nodes as
// needed.
func (g *DependencyGraph) link(path string, deps []string) {
	node, ok := g.nodes[path]
	if !ok {
		node = newNode(path)
		g.nodes[path] = node
	}
	for dep := range node.Dependencies {
		if target, ok := g.nodes[dep]; ok {
			delete(target.Dependents, path)
		}
	}
	node.Dependencies = make(map[string]struct{})

	for _, dep := range deps {
		if dep == path {
			continue
		}
		target, ok := g.nodes[dep]
		if !ok {
			target = newNode(dep)
			g.nodes[dep] = target
		}
		node.Dependencies[dep] = struct{}{}
		target.Dependents[path] = struct{}{}
	}
}

// detachedImporters returns the remembered importers of a removed path
// that are still in the graph, sorted.
func (g *DependencyGraph) detachedImporters(path string) []string {
	var out []string
	for importer := range g.detached[path] {
		if _, ok := g.nodes[importer]; ok && importer != path {
			out = append(out, importer)
		}
	}
	sort.Strings(out)
	return out
}

// RemoveNode unlinks file from every neighbour and deletes it. Its
// importers are remembered for a later AddNode of the same path.
func (g *DependencyGraph) RemoveNode(file string) error {
	path := canonicalPath(file)
	node, ok := g.nodes[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, path)
	}
	for dep := range node.Dependencies {
		if n, ok := g.nodes[dep]; ok {
			delete(n.Dependents, path)
		}
	}
	for dependent := range node.Dependents {
		if n, ok := g.nodes[dependent]; ok {
			delete(n.Dependencies, path)
		}
	}
	if len(node.Dependents) > 0 {
		if g.detached == nil {
			g.detached = make(map[string]map[string]struct{})
		}
		importers := g.detached[path]
		if importers == nil {
			importers = make(map[string]struct{}, len(node.Dependents))
			g.detached[path] = importers
		}
		for dependent := range node.Dependents {
			importers[dependent] = struct{}{}
		}
	}
	delete(g.nodes, path)
	recordSize(len(g.nodes), g.EdgeCount())
	return nil
}

// Has reports whether file is in the graph.
func (g *DependencyGraph) Has(file string) bool {
	_, ok := g.nodes[canonicalPath(file)]
	return ok
}

// Len returns the number of nodes.
func (g *DependencyGraph) Len() int {
	return len(g.nodes)
}

// EdgeCount returns the number of import edges.
func (g *DependencyGraph) EdgeCount() int {
	count := 0
	for _, n := range g.nodes {
		count += len(n.Dependencies)
	}
	return count
}

// Files returns every node path, sorted.
func (g *DependencyGraph) Files() []string {
	out := make([]string, 0, len(g.nodes))
	for path := range g.nodes {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// DirectDependencies returns the files file imports, sorted.
func (g *DependencyGraph) DirectDependencies(file string) []string {
	if n, ok := g.nodes[canonicalPath(file)]; ok {
		return sortedKeys(n.Dependencies)
	}
	return nil
}

// DirectDependents returns the files importing file, sorted.
func (g *DependencyGraph) DirectDependents(file string) []string {
	if n, ok := g.nodes[canonicalPath(file)]; ok {
		return sortedKeys(n.Dependents)
	}
	return nil
}

// Dependents returns every file that transitively imports file, sorted.
// file itself is excluded even when it sits on a cycle.
func (g *DependencyGraph) Dependents(file string) []string {
	return g.closure(canonicalPath(file), func(n *Node) map[string]struct{} { return n.Dependents })
}

// Dependencies returns every file file transitively imports, sorted.
func (g *DependencyGraph) Dependencies(file string) []string {
	return g.closure(canonicalPath(file), func(n *Node) map[string]struct{} { return n.Dependencies })
}

func (g *DependencyGraph) closure(start string, next func(*Node) map[string]struct{}) []string {
	if _, ok := g.nodes[start]; !ok {
		return nil
	}
	visited := map[string]struct{}{start: {}}
	stack := []string{start}
	var out []string
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := g.nodes[current]
		if !ok {
			continue
		}
		for neighbour := range next(node) {
			if _, seen := visited[neighbour]; seen {
				continue
			}
			visited[neighbour] = struct{}{}
			out = append(out, neighbour)
			stack = append(stack, neighbour)
		}
	}
	sort.Strings(out)
	return out
}

// FindCircularDependencies returns every distinct import cycle.
//
// Each cycle starts at its lexicographically smallest file and follows
// import direction. Cycles are sorted; the result is deterministic.
func (g *DependencyGraph) FindCircularDependencies() [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	seen := make(map[string]struct{})
	var (
		cycles [][]string
		stack  []string
	)

	var visit func(path string)
	visit = func(path string) {
		color[path] = grey
		stack = append(stack, path)
		for _, dep := range sortedKeys(g.nodes[path].Dependencies) {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				cycle := extractCycle(stack, dep)
				key := fmt.Sprint(cycle)
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					cycles = append(cycles, cycle)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[path] = black
	}

	for _, path := range g.Files() {
		if color[path] == white {
			visit(path)
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return fmt.Sprint(cycles[i]) < fmt.Sprint(cycles[j])
	})
	return cycles
}

// extractCycle returns the stack suffix starting at entry, rotated so the
// smallest path comes first.
func extractCycle(stack []string, entry string) []string {
	start := len(stack) - 1
	for start >= 0 && stack[start] != entry {
		start--
	}
	cycle := append([]string(nil), stack[start:]...)

	minIdx := 0
	for i, p := range cycle {
		if p < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[minIdx:]...)
	return append(rotated, cycle[:minIdx]...)
}

// Validate checks the symmetry invariant and reports the first violation.
func (g *DependencyGraph) Validate() error {
	for _, path := range g.Files() {
		node := g.nodes[path]
		for dep := range node.Dependencies {
			target, ok := g.nodes[dep]
			if !ok {
				return fmt.Errorf("%s depends on missing node %s", path, dep)
			}
			if _, ok := target.Dependents[path]; !ok {
				return fmt.Errorf("%s -> %s has no reverse edge", path, dep)
			}
		}
		for dependent := range node.Dependents {
			source, ok := g.nodes[dependent]
			if !ok {
				return fmt.Errorf("%s has missing dependent %s", path, dependent)
			}
			if _, ok := source.Dependencies[path]; !ok {
				return fmt.Errorf("%s <- %s has no forward edge", path, dependent)
			}
		}
	}
	return nil
}

func canonicalPath(path string) string {
	if c, err := Canonical(path); err == nil {
		return c
	}
	return path
}

func canonicalAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		c := canonicalPath(p)
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
