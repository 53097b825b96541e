// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"sort"
)

// CallGraph maps each declared unit to the units triggered from its body.
type CallGraph map[string]map[string]struct{}

// Callees returns the units triggered by name, sorted.
func (g CallGraph) Callees(name string) []string {
	out := make([]string, 0, len(g[name]))
	for callee := range g[name] {
		out = append(out, callee)
	}
	sort.Strings(out)
	return out
}

// BuildCallGraph attributes each trigger call to the declaration whose body
// contains it.
//
// Description:
//
//	Only declarations in the same file as the call are candidates. When
//	bodies nest, the innermost one wins. Calls outside every body (module
//	level code) are not attributed to any unit.
//
// Inputs:
//   - decls: Every declaration in scope.
//   - callsByFile: Trigger calls keyed by file path.
//
// Outputs:
//   - CallGraph: Contains an entry for every declared unit, possibly empty.
func BuildCallGraph(decls []Declaration, callsByFile map[string][]TriggerCall) CallGraph {
	graph := make(CallGraph, len(decls))
	byFile := make(map[string][]Declaration)
	for _, d := range decls {
		if _, ok := graph[d.DeclaredName]; !ok {
			graph[d.DeclaredName] = make(map[string]struct{})
		}
		byFile[d.File] = append(byFile[d.File], d)
	}

	for file, calls := range callsByFile {
		local := byFile[file]
		for _, call := range calls {
			owner, ok := innermostOwner(local, call)
			if !ok {
				continue
			}
			graph[owner.DeclaredName][call.TargetName] = struct{}{}
		}
	}
	return graph
}

func innermostOwner(decls []Declaration, call TriggerCall) (Declaration, bool) {
	var (
		best  Declaration
		found bool
	)
	for _, d := range decls {
		if !d.BodyRange.Contains(call.CallRange) {
			continue
		}
		if !found || d.BodyRange.Len() < best.BodyRange.Len() {
			best = d
			found = true
		}
	}
	return best, found
}

// Reachable returns every unit reachable from roots in g.
//
// Roots are included as given, declared or not. Cycles are handled by the
// visited set.
func (g CallGraph) Reachable(roots []string) map[string]bool {
	visited := make(map[string]bool, len(g))
	stack := make([]string, 0, len(roots))
	for _, r := range roots {
		if !visited[r] {
			visited[r] = true
			stack = append(stack, r)
		}
	}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for callee := range g[current] {
			if visited[callee] {
				continue
			}
			visited[callee] = true
			stack = append(stack, callee)
		}
	}
	return visited
}

// PruneToReachable computes the set of units transitively triggered from
// roots.
//
// Description:
//
//	Only direct `<unit>.trigger(...)` calls are edges. A trigger stored in a
//	variable or container and called later is not seen, so its target is
//	treated as unused.
//
// Inputs:
//   - decls: Every declaration in scope.
//   - roots: Entry point unit names.
//   - callsByFile: Trigger calls keyed by file path.
//
// Outputs:
//   - map[string]bool: Reachable unit names, roots included.
func PruneToReachable(decls []Declaration, roots []string, callsByFile map[string][]TriggerCall) map[string]bool {
	return BuildCallGraph(decls, callsByFile).Reachable(roots)
}

// unusedUnits lists the declared names absent from reachable, sorted and
// deduplicated.
func unusedUnits(decls []Declaration, reachable map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range decls {
		if reachable[d.DeclaredName] || seen[d.DeclaredName] {
			continue
		}
		seen[d.DeclaredName] = true
		out = append(out, d.DeclaredName)
	}
	sort.Strings(out)
	return out
}
