// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sitter "github.com/smacker/go-tree-sitter"
)

func mustParse(t *testing.T, src, path string) *File {
	t.Helper()
	f, err := NewParser().Parse(context.Background(), []byte(src), path)
	if err != nil {
		t.Fatalf("Parse(%s): %v", path, err)
	}
	t.Cleanup(f.Close)
	return f
}

func TestLanguageForPath(t *testing.T) {
	cases := map[string]Language{
		"a.ts":   LanguageTypeScript,
		"a.mts":  LanguageTypeScript,
		"a.tsx":  LanguageTSX,
		"a.jsx":  LanguageTSX,
		"a.js":   LanguageJavaScript,
		"a.cjs":  LanguageJavaScript,
		"A.TS":   LanguageTypeScript,
		"x/y.js": LanguageJavaScript,
	}
	for path, want := range cases {
		got, err := LanguageForPath(path)
		if err != nil {
			t.Errorf("LanguageForPath(%q): unexpected error %v", path, err)
			continue
		}
		if got != want {
			t.Errorf("LanguageForPath(%q) = %q, want %q", path, got, want)
		}
	}

	if _, err := LanguageForPath("main.go"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage for main.go, got %v", err)
	}
}

func TestParser_Parse_TypeScript(t *testing.T) {
	f := mustParse(t, "export const x: number = 1;\n", "x.ts")

	if f.Root.Type() != NodeProgram {
		t.Errorf("expected program root, got %q", f.Root.Type())
	}
	if f.Language != LanguageTypeScript {
		t.Errorf("expected typescript, got %q", f.Language)
	}
	if f.Hash == "" {
		t.Error("expected hash to be set")
	}
}

func TestParser_Parse_TSX(t *testing.T) {
	f := mustParse(t, "export const View = () => <div>hi</div>;\n", "view.tsx")
	if f.Language != LanguageTSX {
		t.Errorf("expected tsx, got %q", f.Language)
	}
}

func TestParser_Parse_FileTooLarge(t *testing.T) {
	p := NewParser(WithMaxFileSize(8))
	_, err := p.Parse(context.Background(), []byte("const abc = 12345;"), "big.ts")
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestParser_Parse_InvalidUTF8(t *testing.T) {
	_, err := NewParser().Parse(context.Background(), []byte{0xff, 0xfe, 0x00}, "bad.ts")
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestParser_Parse_SyntaxError(t *testing.T) {
	src := []byte("export const = = {;\n")

	_, err := NewParser().Parse(context.Background(), src, "broken.ts")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected ErrSyntax in strict mode, got %v", err)
	}

	f, err := NewParser(WithStrictSyntax(false)).Parse(context.Background(), src, "broken.ts")
	if err != nil {
		t.Fatalf("lenient parse failed: %v", err)
	}
	defer f.Close()
	if !f.Root.HasError() {
		t.Error("expected lenient tree to carry error nodes")
	}
}

func TestParser_Parse_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewParser().Parse(ctx, []byte("const a = 1;"), "a.ts")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParser_ParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.js")
	if err := os.WriteFile(path, []byte("module.exports = {};\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := NewParser().ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	defer f.Close()
	if f.Path != path {
		t.Errorf("expected path %q, got %q", path, f.Path)
	}

	if _, err := NewParser().ParseFile(context.Background(), filepath.Join(dir, "missing.js")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCollect_PathIsAncestorChain(t *testing.T) {
	f := mustParse(t, "const a = foo(bar);\n", "a.ts")

	type hit struct {
		text  string
		chain []string
	}
	hits := Collect(f.Root, func(n *sitter.Node, path []*sitter.Node) []hit {
		if n.Type() != NodeIdentifier || f.Text(n) != "bar" {
			return nil
		}
		chain := make([]string, len(path))
		for i, p := range path {
			chain[i] = p.Type()
		}
		return []hit{{text: f.Text(n), chain: chain}}
	})

	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	got := strings.Join(hits[0].chain, ">")
	want := "program>lexical_declaration>variable_declarator>call_expression>arguments"
	if got != want {
		t.Errorf("path = %s, want %s", got, want)
	}
}

func TestCollect_SiblingPathsIndependent(t *testing.T) {
	f := mustParse(t, "a(b, c);\n", "a.ts")

	var paths [][]*sitter.Node
	Collect(f.Root, func(n *sitter.Node, path []*sitter.Node) []struct{} {
		if n.Type() == NodeIdentifier {
			paths = append(paths, path)
		}
		return nil
	})

	if len(paths) != 3 {
		t.Fatalf("expected 3 identifiers, got %d", len(paths))
	}
	for i, p := range paths[1:] {
		if p[len(p)-1].Type() != NodeArguments {
			t.Errorf("identifier %d: expected arguments parent, got %s", i+1, p[len(p)-1].Type())
		}
	}
}

func TestObjectProperty(t *testing.T) {
	src := `x({ name: "a", "body": () => 1, authInvoker, run() {} });`
	f := mustParse(t, src, "a.ts")

	var obj *sitter.Node
	Collect(f.Root, func(n *sitter.Node, _ []*sitter.Node) []struct{} {
		if n.Type() == NodeObject {
			obj = n
		}
		return nil
	})
	if obj == nil {
		t.Fatal("object literal not found")
	}

	for key, wantType := range map[string]string{
		"name":        NodePair,
		"body":        NodePair,
		"authInvoker": NodeShorthandProperty,
		"run":         NodeMethodDefinition,
	} {
		prop := ObjectProperty(f, obj, key)
		if prop == nil {
			t.Errorf("property %q not found", key)
			continue
		}
		if prop.Type() != wantType {
			t.Errorf("property %q: type %s, want %s", key, prop.Type(), wantType)
		}
	}
	if ObjectProperty(f, obj, "missing") != nil {
		t.Error("expected nil for missing key")
	}

	name, ok := StringValue(f, ObjectProperty(f, obj, "name").ChildByFieldName("value"))
	if !ok || name != "a" {
		t.Errorf("StringValue = %q, %v; want \"a\", true", name, ok)
	}
}

func TestStaticImportSource(t *testing.T) {
	src := "const a = await import(\"./a\");\nconst b = require('./b');\nconst c = load('./c');\n"
	f := mustParse(t, src, "m.ts")

	var got []string
	Collect(f.Root, func(n *sitter.Node, _ []*sitter.Node) []struct{} {
		if n.Type() == NodeVariableDeclarator {
			if src, ok := StaticImportSource(f, n.ChildByFieldName("value")); ok {
				got = append(got, src)
			}
		}
		return nil
	})

	if strings.Join(got, ",") != "./a,./b" {
		t.Errorf("sources = %v, want [./a ./b]", got)
	}
}

func TestRange(t *testing.T) {
	outer := Range{Start: 0, End: 10}
	if !outer.Contains(Range{Start: 2, End: 10}) {
		t.Error("expected containment")
	}
	if outer.Contains(Range{Start: 5, End: 11}) {
		t.Error("unexpected containment")
	}
	if !outer.Overlaps(Range{Start: 9, End: 12}) {
		t.Error("expected overlap")
	}
	if outer.Overlaps(Range{Start: 10, End: 12}) {
		t.Error("half-open ranges touching at 10 must not overlap")
	}
	if outer.Len() != 10 {
		t.Errorf("Len = %d, want 10", outer.Len())
	}
}
