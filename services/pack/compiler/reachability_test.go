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
	"reflect"
	"sort"
	"testing"

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

func decl(name, file string, start, end int) Declaration {
	return Declaration{Kind: UnitJob, File: file, DeclaredName: name, BodyRange: ast.Range{Start: start, End: end}}
}

func call(target, file string, at int) TriggerCall {
	return TriggerCall{Kind: UnitJob, File: file, TargetName: target, CallRange: ast.Range{Start: at, End: at + 5}}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func TestPruneToReachable_Chain(t *testing.T) {
	decls := []Declaration{
		decl("A", "f.ts", 0, 100),
		decl("B", "f.ts", 100, 200),
		decl("C", "f.ts", 200, 300),
		decl("D", "f.ts", 300, 400),
	}
	calls := map[string][]TriggerCall{
		"f.ts": {call("B", "f.ts", 10), call("C", "f.ts", 150)},
	}

	got := keys(PruneToReachable(decls, []string{"A"}, calls))
	if !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("reachable = %v, want [A B C]", got)
	}
	if unused := unusedUnits(decls, PruneToReachable(decls, []string{"A"}, calls)); !reflect.DeepEqual(unused, []string{"D"}) {
		t.Errorf("unused = %v, want [D]", unused)
	}
}

func TestPruneToReachable_Cycle(t *testing.T) {
	decls := []Declaration{decl("A", "f.ts", 0, 100), decl("B", "f.ts", 100, 200)}
	calls := map[string][]TriggerCall{
		"f.ts": {call("B", "f.ts", 10), call("A", "f.ts", 110)},
	}
	got := keys(PruneToReachable(decls, []string{"B"}, calls))
	if !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("reachable = %v, want [A B]", got)
	}
}

func TestBuildCallGraph_InnermostBodyAndSameFileOnly(t *testing.T) {
	decls := []Declaration{
		decl("outer", "a.ts", 0, 100),
		decl("inner", "a.ts", 20, 60),
		decl("other", "b.ts", 0, 100),
	}
	calls := map[string][]TriggerCall{
		"a.ts": {call("X", "a.ts", 30), call("Y", "a.ts", 70), call("Z", "a.ts", 500)},
	}
	g := BuildCallGraph(decls, calls)

	if got := g.Callees("inner"); !reflect.DeepEqual(got, []string{"X"}) {
		t.Errorf("inner callees = %v", got)
	}
	if got := g.Callees("outer"); !reflect.DeepEqual(got, []string{"Y"}) {
		t.Errorf("outer callees = %v", got)
	}
	if got := g.Callees("other"); len(got) != 0 {
		t.Errorf("calls in a.ts must not be attributed to b.ts, got %v", got)
	}
}

func TestPruneToReachable_RootsIncludedAsGiven(t *testing.T) {
	got := keys(PruneToReachable(nil, []string{"ghost"}, nil))
	if !reflect.DeepEqual(got, []string{"ghost"}) {
		t.Errorf("reachable = %v, want [ghost]", got)
	}
}
