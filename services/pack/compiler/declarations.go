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
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

// workflowBodyKeys are the config properties that may hold a workflow's
// handler, in lookup order.
var workflowBodyKeys = []string{"body", "handler"}

// FindDeclarations locates every call to factory in f that declares a unit.
//
// Description:
//
//	A call qualifies when its single argument is an object literal with a
//	string-literal `name`. Jobs additionally need a function-valued `body`.
//	Calls with a computed name are skipped: they can never be referenced
//	by name, so they are neither pruned nor rewritten.
//
// Inputs:
//   - f: The parsed file.
//   - kind: UnitJob or UnitWorkflow.
//   - factory: The factory function name, e.g. "defineJob".
//
// Outputs:
//   - []Declaration: In source order. Nil when nothing matched.
func FindDeclarations(f *ast.File, kind UnitKind, factory string) []Declaration {
	return findDeclarations(f, kind, ResolveBindings(f, factory))
}

func findDeclarations(f *ast.File, kind UnitKind, bindings BindingSet) []Declaration {
	if bindings.Empty() {
		return nil
	}
	return ast.Collect(f.Root, func(n *sitter.Node, path []*sitter.Node) []Declaration {
		if n.Type() != ast.NodeCallExpression || !bindings.MatchesCall(f, n) {
			return nil
		}
		decl, ok := declarationAt(f, kind, n, path)
		if !ok {
			return nil
		}
		return []Declaration{decl}
	})
}

// declarationAt extracts the declaration made by the factory call n.
func declarationAt(f *ast.File, kind UnitKind, call *sitter.Node, path []*sitter.Node) (Declaration, bool) {
	args := ast.Arguments(call)
	if len(args) != 1 {
		return Declaration{}, false
	}
	config := ast.Unwrap(args[0])
	if config == nil || config.Type() != ast.NodeObject {
		return Declaration{}, false
	}

	nameProp := ast.ObjectProperty(f, config, "name")
	if nameProp == nil || nameProp.Type() != ast.NodePair {
		return Declaration{}, false
	}
	nameNode := nameProp.ChildByFieldName("value")
	declared, ok := ast.StringValue(f, nameNode)
	if !ok || declared == "" {
		return Declaration{}, false
	}

	decl := Declaration{
		Kind:              kind,
		File:              f.Path,
		DeclaredName:      declared,
		NameRange:         ast.RangeOf(nameNode),
		ExportBindingName: enclosingBindingName(f, path),
		StatementRange:    removableStatement(path),
	}

	switch kind {
	case UnitJob:
		if !setFunctionBody(f, &decl, config, "body") {
			return Declaration{}, false
		}
	case UnitWorkflow:
		found := false
		for _, key := range workflowBodyKeys {
			if setFunctionBody(f, &decl, config, key) {
				found = true
				break
			}
		}
		if !found {
			decl.BodyRange = ast.RangeOf(config)
		}
		decl.IsDefaultExport = isDefaultExportValue(path)
	}

	return decl, true
}

// setFunctionBody fills the body fields of decl from the config property
// key. Returns false when the property is missing or not a function.
func setFunctionBody(f *ast.File, decl *Declaration, config *sitter.Node, key string) bool {
	prop := ast.ObjectProperty(f, config, key)
	if prop == nil {
		return false
	}
	switch prop.Type() {
	case ast.NodePair:
		value := ast.Unwrap(prop.ChildByFieldName("value"))
		if !ast.IsFunction(value) {
			return false
		}
		decl.BodyRange = ast.RangeOf(value)
		decl.BodyIsFunction = true
		return true
	case ast.NodeMethodDefinition:
		// Only the block is replaceable; the method head must stay.
		block := prop.ChildByFieldName("body")
		if block == nil {
			return false
		}
		decl.BodyRange = ast.RangeOf(block)
		decl.BodyIsFunction = true
		decl.BodyIsMethod = true
		return true
	}
	return false
}

// enclosingBindingName returns the name of the nearest variable declarator
// around the call, without crossing a function or block boundary.
func enclosingBindingName(f *ast.File, path []*sitter.Node) string {
	for i := len(path) - 1; i >= 0; i-- {
		p := path[i]
		switch {
		case p.Type() == ast.NodeVariableDeclarator:
			name := p.ChildByFieldName("name")
			if name != nil && name.Type() == ast.NodeIdentifier {
				return f.Text(name)
			}
			return ""
		case isScopeBoundary(p):
			return ""
		}
	}
	return ""
}

// removableStatement returns the range of the top-level statement holding
// the call, or nil when deleting it would take unrelated code with it.
//
// path[0] is the program node, so path[1] is the top-level statement.
func removableStatement(path []*sitter.Node) *ast.Range {
	if len(path) < 2 {
		return nil
	}
	top := path[1]
	switch top.Type() {
	case ast.NodeExportStatement, ast.NodeLexicalDeclaration, ast.NodeVariableDeclaration:
	case ast.NodeExpressionStatement:
		// Only `factory({...});` on its own.
		if len(path) != 2 {
			return nil
		}
	default:
		return nil
	}

	for _, p := range path[2:] {
		if isScopeBoundary(p) {
			return nil
		}
		switch p.Type() {
		case ast.NodeLexicalDeclaration, ast.NodeVariableDeclaration:
			if declaratorCount(p) != 1 {
				return nil
			}
		}
	}
	if declaratorCount(top) > 1 {
		return nil
	}

	r := ast.RangeOf(top)
	return &r
}

func declaratorCount(n *sitter.Node) int {
	count := 0
	for _, child := range ast.NamedChildren(n) {
		if child.Type() == ast.NodeVariableDeclarator {
			count++
		}
	}
	return count
}

// isDefaultExportValue reports whether the call whose ancestors are path is
// the direct operand of `export default`.
func isDefaultExportValue(path []*sitter.Node) bool {
	if len(path) == 0 {
		return false
	}
	parent := path[len(path)-1]
	return parent.Type() == ast.NodeExportStatement && ast.HasAnonymousChild(parent, ast.NodeDefault)
}

func isScopeBoundary(n *sitter.Node) bool {
	if ast.IsFunction(n) {
		return true
	}
	switch n.Type() {
	case ast.NodeStatementBlock, ast.NodeClassBody, ast.NodeMethodDefinition, ast.NodeFunctionDeclaration:
		return true
	}
	return false
}
