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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

// namespaceTag prefixes names that denote a module handle rather than the
// factory itself. A colon can never appear in an identifier.
const namespaceTag = "ns:"

// binding is one local name introduced by an import or module load.
type binding struct {
	// Local is the name visible in the file.
	Local string

	// Imported is the exported name it refers to. Empty for namespace
	// handles, which refer to the whole module.
	Imported string

	// Source is the module specifier the name was loaded from.
	Source string
}

func (b binding) namespace() bool { return b.Imported == "" }

// BindingSet holds the local names known to denote one factory function.
//
// Description:
//
//	Direct names are stored as-is; namespace and default handles are stored
//	with the "ns:" tag so call recognition can tell "this name is the
//	function" from "a member of this name might be the function".
//
// Thread Safety: Immutable after construction.
type BindingSet struct {
	factory string
	names   map[string]struct{}
}

// Factory returns the factory name the set was resolved for.
func (b BindingSet) Factory() string { return b.factory }

// Empty reports whether the file introduces no binding for the factory.
func (b BindingSet) Empty() bool { return len(b.names) == 0 }

// HasDirect reports whether name itself denotes the factory.
func (b BindingSet) HasDirect(name string) bool {
	_, ok := b.names[name]
	return ok
}

// HasNamespace reports whether name is a module handle that may expose the factory.
func (b BindingSet) HasNamespace(name string) bool {
	_, ok := b.names[namespaceTag+name]
	return ok
}

// Names returns all bindings, sorted, with namespace handles tagged.
func (b BindingSet) Names() []string {
	out := make([]string, 0, len(b.names))
	for n := range b.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Direct returns the untagged names, sorted.
func (b BindingSet) Direct() []string {
	out := make([]string, 0, len(b.names))
	for n := range b.names {
		if !strings.HasPrefix(n, namespaceTag) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// MatchesCall reports whether call invokes the factory.
//
// A call matches when its callee is an identifier in the direct set, or a
// non-computed member access whose object is a namespace handle and whose
// property is the factory name.
func (b BindingSet) MatchesCall(f *ast.File, call *sitter.Node) bool {
	if len(b.names) == 0 || call == nil || call.Type() != ast.NodeCallExpression {
		return false
	}
	callee := ast.Unwrap(call.ChildByFieldName("function"))
	if callee == nil {
		return false
	}
	switch callee.Type() {
	case ast.NodeIdentifier:
		return b.HasDirect(f.Text(callee))
	case ast.NodeMemberExpression:
		object := callee.ChildByFieldName("object")
		property := callee.ChildByFieldName("property")
		if object == nil || property == nil {
			return false
		}
		if object.Type() != ast.NodeIdentifier || property.Type() != ast.NodePropertyIdentifier {
			return false
		}
		return b.HasNamespace(f.Text(object)) && f.Text(property) == b.factory
	}
	return false
}

// ResolveBindings returns every local name in f that denotes factory.
//
// Description:
//
//	Recognized shapes:
//	  import { factory } from "m"              -> factory
//	  import { factory as alias } from "m"     -> alias
//	  import * as ns from "m"                  -> ns:ns
//	  import handle from "m"                   -> ns:handle
//	  const m = await import("m") / require()  -> ns:m
//	  const { factory: alias } = await import("m") -> alias
//	Anything else is ignored; a missed binding is preferred over a false one.
//
// Inputs:
//   - f: The parsed file. Must not be nil.
//   - factory: The exported factory name, e.g. "defineJob".
//
// Outputs:
//   - BindingSet: Possibly empty, never nil-valued.
func ResolveBindings(f *ast.File, factory string) BindingSet {
	return newBindingSet(factory, scanBindings(f))
}

func newBindingSet(factory string, bindings []binding) BindingSet {
	set := BindingSet{factory: factory, names: make(map[string]struct{})}
	for _, b := range bindings {
		switch {
		case b.namespace():
			set.names[namespaceTag+b.Local] = struct{}{}
		case b.Imported == factory:
			set.names[b.Local] = struct{}{}
		}
	}
	return set
}

// directImports returns the bindings that name a single export.
// Used to join unit bindings across files.
func directImports(bindings []binding) []binding {
	var out []binding
	for _, b := range bindings {
		if !b.namespace() {
			out = append(out, b)
		}
	}
	return out
}

// scanBindings lists every import-introduced binding in f.
func scanBindings(f *ast.File) []binding {
	return ast.Collect(f.Root, func(n *sitter.Node, _ []*sitter.Node) []binding {
		switch n.Type() {
		case ast.NodeImportStatement:
			return importStatementBindings(f, n)
		case ast.NodeVariableDeclarator:
			return moduleLoadBindings(f, n)
		}
		return nil
	})
}

// importStatementBindings handles static `import ... from` statements.
func importStatementBindings(f *ast.File, stmt *sitter.Node) []binding {
	// import type { X } can never be called
	if ast.HasAnonymousChild(stmt, "type") {
		return nil
	}

	source, _ := ast.StringValue(f, stmt.ChildByFieldName("source"))

	var out []binding
	for _, child := range ast.NamedChildren(stmt) {
		if child.Type() != ast.NodeImportClause {
			continue
		}
		for _, clause := range ast.NamedChildren(child) {
			switch clause.Type() {
			case ast.NodeIdentifier:
				out = append(out, binding{Local: f.Text(clause), Source: source})
			case ast.NodeNamespaceImport:
				for _, id := range ast.NamedChildren(clause) {
					if id.Type() == ast.NodeIdentifier {
						out = append(out, binding{Local: f.Text(id), Source: source})
					}
				}
			case ast.NodeNamedImports:
				for _, spec := range ast.NamedChildren(clause) {
					if spec.Type() != ast.NodeImportSpecifier {
						continue
					}
					if b, ok := importSpecifierBinding(f, spec); ok {
						b.Source = source
						out = append(out, b)
					}
				}
			}
		}
	}
	return out
}

func importSpecifierBinding(f *ast.File, spec *sitter.Node) (binding, bool) {
	if ast.HasAnonymousChild(spec, "type") {
		return binding{}, false
	}
	name := spec.ChildByFieldName("name")
	if name == nil || name.Type() != ast.NodeIdentifier {
		return binding{}, false
	}
	imported := f.Text(name)
	local := imported
	if alias := spec.ChildByFieldName("alias"); alias != nil {
		local = f.Text(alias)
	}
	return binding{Local: local, Imported: imported}, true
}

// moduleLoadBindings handles variables initialized from import() or require().
func moduleLoadBindings(f *ast.File, decl *sitter.Node) []binding {
	source, ok := ast.StaticImportSource(f, decl.ChildByFieldName("value"))
	if !ok {
		return nil
	}
	name := decl.ChildByFieldName("name")
	if name == nil {
		return nil
	}

	switch name.Type() {
	case ast.NodeIdentifier:
		return []binding{{Local: f.Text(name), Source: source}}
	case ast.NodeObjectPattern:
		out := destructuredBindings(f, name)
		for i := range out {
			out[i].Source = source
		}
		return out
	}
	return nil
}

func destructuredBindings(f *ast.File, pattern *sitter.Node) []binding {
	var out []binding
	for _, prop := range ast.NamedChildren(pattern) {
		switch prop.Type() {
		case ast.NodeShorthandPattern:
			text := f.Text(prop)
			out = append(out, binding{Local: text, Imported: text})
		case ast.NodeObjectAssignmentPattern:
			// { factory = fallback }
			left := prop.ChildByFieldName("left")
			if left != nil && left.Type() == ast.NodeShorthandPattern {
				text := f.Text(left)
				out = append(out, binding{Local: text, Imported: text})
			}
		case ast.NodePairPattern:
			key := prop.ChildByFieldName("key")
			value := prop.ChildByFieldName("value")
			if key == nil || value == nil || value.Type() != ast.NodeIdentifier {
				continue
			}
			if key.Type() != ast.NodePropertyIdentifier && key.Type() != ast.NodeIdentifier {
				continue
			}
			out = append(out, binding{Local: f.Text(value), Imported: f.Text(key)})
		}
	}
	return out
}
