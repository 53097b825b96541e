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
	"context"
	"strings"
	"testing"

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

func parseSource(t *testing.T, path, src string) *ast.File {
	t.Helper()
	f, err := ast.NewParser().Parse(context.Background(), []byte(src), path)
	if err != nil {
		t.Fatalf("Parse(%s): %v", path, err)
	}
	t.Cleanup(f.Close)
	return f
}

const jobDecl = `({ name: "a", body: async () => {} });`

func TestFindDeclarations_BindingStyles(t *testing.T) {
	fixtures := map[string]string{
		"named":       `import { defineJob } from "@jobpack/sdk";` + "\nexport const a = defineJob" + jobDecl + "\n",
		"renamed":     `import { defineJob as dj } from "@jobpack/sdk";` + "\nexport const a = dj" + jobDecl + "\n",
		"namespace":   `import * as sdk from "@jobpack/sdk";` + "\nexport const a = sdk.defineJob" + jobDecl + "\n",
		"dynamic":     `const sdk = await import("@jobpack/sdk");` + "\nexport const a = sdk.defineJob" + jobDecl + "\n",
		"destructure": `const { defineJob: dj } = await import("@jobpack/sdk");` + "\nexport const a = dj" + jobDecl + "\n",
	}

	for name, src := range fixtures {
		t.Run(name, func(t *testing.T) {
			f := parseSource(t, "jobs/"+name+".ts", src)
			decls := FindDeclarations(f, UnitJob, DefaultJobFactory)
			if len(decls) != 1 {
				t.Fatalf("expected 1 declaration, got %d", len(decls))
			}
			d := decls[0]
			if d.DeclaredName != "a" || d.ExportBindingName != "a" {
				t.Errorf("got name=%q binding=%q, want a/a", d.DeclaredName, d.ExportBindingName)
			}
			if d.StatementRange == nil {
				t.Fatal("expected statement range")
			}
			if !d.StatementRange.Contains(d.NameRange) {
				t.Errorf("name range %v not inside statement range %v", d.NameRange, *d.StatementRange)
			}
			if !strings.HasPrefix(f.Slice(*d.StatementRange), "export const a") {
				t.Errorf("statement range covers %q", f.Slice(*d.StatementRange))
			}
		})
	}
}

func TestResolveBindings_Shapes(t *testing.T) {
	src := `import def from "a";
import * as ns from "b";
import { defineJob, defineJob as alias, other } from "c";
const mod = require("d");
const { defineJob: fromReq, defineJob: again = fallback } = require("e");
const { defineJob = fallback } = await import("f");
`
	f := parseSource(t, "bind.ts", src)
	set := ResolveBindings(f, DefaultJobFactory)

	want := []string{"alias", "defineJob", "fromReq", "ns:def", "ns:mod", "ns:ns"}
	if got := strings.Join(set.Names(), ","); got != strings.Join(want, ",") {
		t.Errorf("Names() = %s, want %s", got, strings.Join(want, ","))
	}
	if set.HasDirect("other") {
		t.Error("unrelated import must not be bound")
	}
	if got := strings.Join(set.Direct(), ","); got != "alias,defineJob,fromReq" {
		t.Errorf("Direct() = %s", got)
	}
}

func TestFindDeclarations_NotImportedIsIgnored(t *testing.T) {
	src := `function defineJob(x) { return x; }
export const a = defineJob({ name: "a", body: () => {} });
export const b = helpers.defineJob({ name: "b", body: () => {} });
`
	f := parseSource(t, "local.ts", src)
	if decls := FindDeclarations(f, UnitJob, DefaultJobFactory); len(decls) != 0 {
		t.Errorf("expected no declarations, got %d", len(decls))
	}
}

func TestFindDeclarations_RequiresLiteralNameAndFunctionBody(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
const prefix = "x";
export const computed = defineJob({ name: prefix + "a", body: () => {} });
export const template = defineJob({ name: ` + "`t`" + `, body: () => {} });
export const noBody = defineJob({ name: "nobody" });
export const notFn = defineJob({ name: "notfn", body: 42 });
export const method = defineJob({ name: "method", async body() { await work(); } });
`
	f := parseSource(t, "jobs.ts", src)
	decls := FindDeclarations(f, UnitJob, DefaultJobFactory)
	if len(decls) != 1 {
		t.Fatalf("expected only the method declaration, got %d", len(decls))
	}
	d := decls[0]
	if d.DeclaredName != "method" || !d.BodyIsMethod || !d.BodyIsFunction {
		t.Errorf("unexpected declaration %+v", d)
	}
	if got := f.Slice(d.BodyRange); got != "{ await work(); }" {
		t.Errorf("method body range covers %q", got)
	}
}

func TestFindDeclarations_Workflows(t *testing.T) {
	src := `import { defineWorkflow } from "@jobpack/sdk";
export const flow = defineWorkflow({ name: "flow", body: async () => {} });
export const bare = defineWorkflow({ name: "bare", steps: [] });
export default defineWorkflow({ name: "main" });
`
	f := parseSource(t, "flows.ts", src)
	decls := FindDeclarations(f, UnitWorkflow, DefaultWorkflowFactory)
	if len(decls) != 3 {
		t.Fatalf("expected 3 workflows, got %d", len(decls))
	}

	if !decls[0].BodyIsFunction || f.Slice(decls[0].BodyRange) != "async () => {}" {
		t.Errorf("flow body = %q", f.Slice(decls[0].BodyRange))
	}
	if decls[1].BodyIsFunction || f.Slice(decls[1].BodyRange) != `{ name: "bare", steps: [] }` {
		t.Errorf("bare workflow body should be its config object, got %q", f.Slice(decls[1].BodyRange))
	}
	if decls[0].IsDefaultExport || decls[1].IsDefaultExport {
		t.Error("named exports must not be default exports")
	}
	main := decls[2]
	if !main.IsDefaultExport {
		t.Error("expected default export")
	}
	if main.ExportBindingName != "" {
		t.Errorf("default export has no binding, got %q", main.ExportBindingName)
	}
	if main.StatementRange == nil || f.Slice(*main.StatementRange) != `export default defineWorkflow({ name: "main" });` {
		t.Error("expected statement range to cover the export default statement")
	}
}

func TestFindDeclarations_StatementRangeFallback(t *testing.T) {
	src := `import { defineJob } from "@jobpack/sdk";
export function register() {
  return defineJob({ name: "inner", body: () => {} });
}
export const x = 1, y = defineJob({ name: "pair", body: () => {} });
defineJob({ name: "bare", body: () => {} });
`
	f := parseSource(t, "nested.ts", src)
	decls := FindDeclarations(f, UnitJob, DefaultJobFactory)
	if len(decls) != 3 {
		t.Fatalf("expected 3 declarations, got %d", len(decls))
	}
	if decls[0].StatementRange != nil {
		t.Error("declaration inside a function must not be removable by statement")
	}
	if decls[0].ExportBindingName != "" {
		t.Errorf("expected no binding across function boundary, got %q", decls[0].ExportBindingName)
	}
	if decls[1].StatementRange != nil {
		t.Error("multi-declarator statement must not be removable")
	}
	if decls[1].ExportBindingName != "y" {
		t.Errorf("binding = %q, want y", decls[1].ExportBindingName)
	}
	if decls[2].StatementRange == nil {
		t.Error("bare expression statement should be removable")
	}
}
