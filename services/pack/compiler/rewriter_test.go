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
	"errors"
	"strings"
	"testing"
)

func TestApplyEdits_OrderIndependent(t *testing.T) {
	src := "abcdefghij"
	edits := []Edit{
		{Start: 0, End: 1, Text: "A"},
		{Start: 8, End: 10, Text: ""},
		{Start: 3, End: 3, Text: "+"},
		{Start: 4, End: 6, Text: "EF!"},
	}
	got, err := ApplyEdits(src, edits)
	if err != nil {
		t.Fatalf("ApplyEdits: %v", err)
	}
	if got != "Abc+dEF!gh" {
		t.Errorf("got %q", got)
	}

	reversed := []Edit{edits[3], edits[2], edits[1], edits[0]}
	again, err := ApplyEdits(src, reversed)
	if err != nil || again != got {
		t.Errorf("edit order changed result: %q, %v", again, err)
	}
}

func TestApplyEdits_Overlap(t *testing.T) {
	_, err := ApplyEdits("abcdef", []Edit{{Start: 0, End: 3}, {Start: 2, End: 4}})
	if !errors.Is(err, ErrOverlappingEdits) {
		t.Fatalf("expected ErrOverlappingEdits, got %v", err)
	}
}

func TestApplyEdits_OutOfBounds(t *testing.T) {
	if _, err := ApplyEdits("abc", []Edit{{Start: 2, End: 9}}); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestRewrite_NoOpWithoutPatterns(t *testing.T) {
	src := `const queue = makeQueue();
export async function run() {
  await queue.trigger({ a: 1 });
  return defineJob({ name: "x", body: () => {} });
}
`
	f := parseSource(t, "plain.ts", src)
	decls := FindDeclarations(f, UnitJob, DefaultJobFactory)
	calls := FindTriggerCalls(f, nil, nil)
	if len(decls) != 0 || len(calls) != 0 {
		t.Fatalf("fixture should contain no recognized pattern, got %d decls %d calls", len(decls), len(calls))
	}

	got, err := Rewrite(src, "x", decls, calls, RewriteOptions{})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != src {
		t.Errorf("expected byte-identical output, got:\n%s", got)
	}
}

// rewriteFixture runs the whole per-file pipeline on src for target.
func rewriteFixture(t *testing.T, src, target string) string {
	t.Helper()
	f := parseSource(t, "fixture.ts", src)
	bindings := scanBindings(f)
	decls := append(
		findDeclarations(f, UnitJob, newBindingSet(DefaultJobFactory, bindings)),
		findDeclarations(f, UnitWorkflow, newBindingSet(DefaultWorkflowFactory, bindings))...,
	)

	jobs, workflows := map[string]string{}, map[string]string{}
	for _, d := range decls {
		if d.Kind == UnitJob {
			jobs[d.ExportBindingName] = d.DeclaredName
		} else {
			workflows[d.ExportBindingName] = d.DeclaredName
		}
	}
	calls := FindTriggerCalls(f, jobs, workflows)

	out, err := Rewrite(src, target, decls, calls, RewriteOptions{RuntimeIdentifier: "rt"})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	return out
}

func TestRewrite_AwaitStripped(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
export const a = defineJob({ name: "a", body: async () => { const r = await b.trigger({ n: 1 }); return r; } });
export const b = defineJob({ name: "b", body: async (x) => x });
`
	out := rewriteFixture(t, src, "a")
	if !strings.Contains(out, `const r = rt.invokeJob("b", { n: 1 }); return r;`) {
		t.Errorf("expected synchronous runtime call, got:\n%s", out)
	}
	if strings.Contains(out, "await rt.invokeJob") || strings.Contains(out, ".trigger(") {
		t.Errorf("suspend wrapper or trigger left behind:\n%s", out)
	}
}

func TestRewrite_AwaitStrippedThroughParentheses(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
export const a = defineJob({ name: "a", body: async () => { const r = await (b.trigger(2)); return r; } });
export const b = defineJob({ name: "b", body: async (x) => x });
`
	out := rewriteFixture(t, src, "a")
	if !strings.Contains(out, `const r = rt.invokeJob("b", 2); return r;`) {
		t.Errorf("expected await and parentheses removed, got:\n%s", out)
	}
}

func TestRewrite_AuthInvokerPassthrough(t *testing.T) {
	src := `import { defineJob, defineWorkflow } from "@jobpack/sdk";
export const a = defineJob({ name: "a", body: async (authInvoker) => {
  await wf.trigger({ id: 1 }, { authInvoker });
  await wf.trigger({ id: 2 }, { authInvoker: someExpr });
} });
export const wf = defineWorkflow({ name: "wf", body: async () => {} });
`
	out := rewriteFixture(t, src, "a")
	if !strings.Contains(out, `await rt.invokeWorkflow("wf", { id: 1 }, { authInvoker: authInvoker });`) {
		t.Errorf("shorthand auth invoker not passed through:\n%s", out)
	}
	if !strings.Contains(out, `await rt.invokeWorkflow("wf", { id: 2 }, { authInvoker: someExpr });`) {
		t.Errorf("explicit auth invoker not passed through:\n%s", out)
	}
}

func TestRewrite_NestedTriggersCompose(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
export const a = defineJob({ name: "a", body: () => b.trigger(c.trigger(1)) });
export const b = defineJob({ name: "b", body: (x) => x });
export const c = defineJob({ name: "c", body: (x) => x });
`
	out := rewriteFixture(t, src, "a")
	if !strings.Contains(out, `body: () => rt.invokeJob("b", rt.invokeJob("c", 1))`) {
		t.Errorf("nested triggers not rewritten:\n%s", out)
	}
}

func TestRewrite_StandInWithoutStatementRange(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
export const main = defineJob({ name: "main", body: async () => {} });
export function register() {
  const side = defineJob({ name: "side", body: async () => { await main.trigger(1); } });
  const method = defineJob({ name: "method", async body() { work(); } });
  return [side, method];
}
`
	out := rewriteFixture(t, src, "main")
	if !strings.Contains(out, `const side = defineJob({ name: "side", body: () => {} });`) {
		t.Errorf("expected function stand-in:\n%s", out)
	}
	if !strings.Contains(out, `const method = defineJob({ name: "method", async body() {} });`) {
		t.Errorf("expected method block stand-in:\n%s", out)
	}
	if strings.Contains(out, "invokeJob") {
		t.Errorf("trigger inside a stubbed body must not be rewritten:\n%s", out)
	}
}

func TestRewrite_TriggerInsideDeletedDeclarationSkipped(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
export const a = defineJob({ name: "a", body: async () => {} });
export const d = defineJob({ name: "d", body: async () => { a.trigger(1); } });
`
	out := rewriteFixture(t, src, "a")
	want := `import { defineJob } from "@jobpack/sdk";
export const a = defineJob({ name: "a", body: async () => {} });
`
	if out != want {
		t.Errorf("got:\n%s\nwant:\n%s", out, want)
	}
}

func TestRewrite_TriggeredUnitsRemovedFromBundle(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
export const a = defineJob({ name: "A", body: async () => { await b.trigger({}); } });
export const b = defineJob({ name: "B", body: async () => { secretWork(); } });
`
	out := rewriteFixture(t, src, "A")
	want := `import { defineJob } from "@jobpack/sdk";
export const a = defineJob({ name: "A", body: async () => { rt.invokeJob("B", {}); } });
`
	if out != want {
		t.Errorf("got:\n%s\nwant:\n%s", out, want)
	}
	if strings.Contains(out, "secretWork") {
		t.Errorf("body of triggered unit B leaked into A's bundle:\n%s", out)
	}
}

func TestRewrite_DefaultWorkflowRemovedEvenAsTarget(t *testing.T) {
	src := `import { defineWorkflow } from "@jobpack/sdk";
export default defineWorkflow({ name: "main-flow", body: async () => {} });
`
	out := rewriteFixture(t, src, "main-flow")
	if out != `import { defineWorkflow } from "@jobpack/sdk";
` {
		t.Errorf("default-exported workflow survived:\n%s", out)
	}
}

func TestQuoteJS(t *testing.T) {
	if got := quoteJS(`say "hi"`); got != `"say \"hi\""` {
		t.Errorf("quoteJS = %s", got)
	}
}
