// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GraphSchemaVersion is the version of the serialization schema.
// Increment when the serialization format changes in a breaking way.
const GraphSchemaVersion = "1.0"

// SerializableGraph is the JSON form of a DependencyGraph.
//
// Description:
//
//	Files are sorted by path and each file's dependencies are sorted, so
//	equal graphs serialize to equal bytes. Dependents are not stored; they
//	are rebuilt from the dependencies on load.
type SerializableGraph struct {
	// SchemaVersion identifies the serialization format version.
	SchemaVersion string `json:"schema_version"`

	// ProjectRoot is the root directory the graph was built for.
	ProjectRoot string `json:"project_root"`

	// BuiltAtMilli is when the graph was built (Unix ms).
	BuiltAtMilli int64 `json:"built_at_milli"`

	// GraphHash is the deterministic hash of the edge set.
	GraphHash string `json:"graph_hash"`

	// Files holds every node, sorted by path.
	Files []SerializableFile `json:"files"`
}

// SerializableFile is one node and its outgoing edges.
type SerializableFile struct {
	Path         string   `json:"path"`
	Dependencies []string `json:"dependencies"`
}

// Hash returns the hex SHA256 of the sorted node and edge list.
func (g *DependencyGraph) Hash() string {
	h := sha256.New()
	for _, path := range g.Files() {
		fmt.Fprintf(h, "%s\n", path)
		for _, dep := range sortedKeys(g.nodes[path].Dependencies) {
			fmt.Fprintf(h, "\t%s\n", dep)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ToSerializable converts the graph to its deterministic JSON form.
func (g *DependencyGraph) ToSerializable() *SerializableGraph {
	files := make([]SerializableFile, 0, len(g.nodes))
	for _, path := range g.Files() {
		files = append(files, SerializableFile{
			Path:         path,
			Dependencies: sortedKeys(g.nodes[path].Dependencies),
		})
	}
	return &SerializableGraph{
		SchemaVersion: GraphSchemaVersion,
		ProjectRoot:   g.ProjectRoot,
		BuiltAtMilli:  g.BuiltAtMilli,
		GraphHash:     g.Hash(),
		Files:         files,
	}
}

// FromSerializable rebuilds a graph from its serialized form.
//
// Description:
//
//	Nodes and both edge directions are recreated, then the symmetry
//	invariant is verified. analyzer may be nil when the graph is only
//	queried, never refreshed.
//
// Outputs:
//   - *DependencyGraph: The rebuilt graph.
//   - error: Non-nil for a nil input, an unknown schema version or an
//     inconsistent edge list.
func FromSerializable(sg *SerializableGraph, analyzer ModuleAnalyzer, opts ...GraphOption) (*DependencyGraph, error) {
	if sg == nil {
		return nil, fmt.Errorf("serializable graph must not be nil")
	}
	if sg.SchemaVersion != GraphSchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %q (expected %q)", sg.SchemaVersion, GraphSchemaVersion)
	}

	g := NewDependencyGraph(analyzer, append([]GraphOption{WithProjectRoot(sg.ProjectRoot)}, opts...)...)
	for _, f := range sg.Files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, fmt.Errorf("serialized graph contains an empty path")
		}
		if _, ok := g.nodes[f.Path]; !ok {
			g.nodes[f.Path] = newNode(f.Path)
		}
	}
	for _, f := range sg.Files {
		from := g.nodes[f.Path]
		for _, dep := range f.Dependencies {
			to, ok := g.nodes[dep]
			if !ok {
				to = newNode(dep)
				g.nodes[dep] = to
			}
			from.Dependencies[dep] = struct{}{}
			to.Dependents[f.Path] = struct{}{}
		}
	}
	g.BuiltAtMilli = sg.BuiltAtMilli

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("reconstructed graph is inconsistent: %w", err)
	}
	if sg.GraphHash != "" && sg.GraphHash != g.Hash() {
		return nil, fmt.Errorf("graph hash mismatch: stored %s, rebuilt %s", sg.GraphHash, g.Hash())
	}
	return g, nil
}
