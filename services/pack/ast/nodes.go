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
	sitter "github.com/smacker/go-tree-sitter"
)

// Node types shared by the tree-sitter JavaScript, TypeScript and TSX grammars.
const (
	NodeProgram                 = "program"
	NodeComment                 = "comment"
	NodeIdentifier              = "identifier"
	NodePropertyIdentifier      = "property_identifier"
	NodeShorthandProperty       = "shorthand_property_identifier"
	NodeShorthandPattern        = "shorthand_property_identifier_pattern"
	NodeString                  = "string"
	NodeStringFragment          = "string_fragment"
	NodeTemplateString          = "template_string"
	NodeImportStatement         = "import_statement"
	NodeImportClause            = "import_clause"
	NodeNamespaceImport         = "namespace_import"
	NodeNamedImports            = "named_imports"
	NodeImportSpecifier         = "import_specifier"
	NodeImport                  = "import"
	NodeExportStatement         = "export_statement"
	NodeDefault                 = "default"
	NodeLexicalDeclaration      = "lexical_declaration"
	NodeVariableDeclaration     = "variable_declaration"
	NodeVariableDeclarator      = "variable_declarator"
	NodeExpressionStatement     = "expression_statement"
	NodeCallExpression          = "call_expression"
	NodeMemberExpression        = "member_expression"
	NodeAwaitExpression         = "await_expression"
	NodeParenthesizedExpression = "parenthesized_expression"
	NodeArguments               = "arguments"
	NodeObject                  = "object"
	NodePair                    = "pair"
	NodeObjectPattern           = "object_pattern"
	NodePairPattern             = "pair_pattern"
	NodeObjectAssignmentPattern = "object_assignment_pattern"
	NodeSpreadElement           = "spread_element"
	NodeStatementBlock          = "statement_block"
	NodeClassBody               = "class_body"
	NodeMethodDefinition        = "method_definition"
	NodeArrowFunction           = "arrow_function"
	NodeFunction                = "function"
	NodeFunctionExpression      = "function_expression"
	NodeFunctionDeclaration     = "function_declaration"
	NodeGeneratorFunction       = "generator_function"
	NodeAsExpression            = "as_expression"
	NodeSatisfiesExpression     = "satisfies_expression"
)

// Range is a half-open byte range [Start, End) into a file's content.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RangeOf returns the byte range spanned by n.
func RangeOf(n *sitter.Node) Range {
	return Range{Start: int(n.StartByte()), End: int(n.EndByte())}
}

// Len returns the number of bytes in r.
func (r Range) Len() int {
	return r.End - r.Start
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// VisitFunc inspects one node. path holds the node's ancestors, outermost
// first, and is never modified after the call returns, so implementations
// may keep it. The returned records are appended to the walk's result.
type VisitFunc[T any] func(n *sitter.Node, path []*sitter.Node) []T

// Collect walks the named nodes under root depth-first, in source order,
// and concatenates the records returned by fn.
//
// The ancestor path is threaded through the recursion as a value and
// copied on every push; no state outlives a single call.
func Collect[T any](root *sitter.Node, fn VisitFunc[T]) []T {
	return collect(root, nil, fn)
}

func collect[T any](n *sitter.Node, path []*sitter.Node, fn VisitFunc[T]) []T {
	if n == nil {
		return nil
	}
	out := fn(n, path)

	// Full slice expression forces append to allocate, so siblings never
	// share a backing array.
	childPath := append(path[:len(path):len(path)], n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, collect(n.NamedChild(i), childPath, fn)...)
	}
	return out
}

// Arguments returns the argument expressions of a call_expression,
// skipping comments.
func Arguments(call *sitter.Node) []*sitter.Node {
	args := call.ChildByFieldName("arguments")
	if args == nil || args.Type() != NodeArguments {
		return nil
	}
	return namedChildren(args)
}

// namedChildren returns the named children of n, skipping comments.
func namedChildren(n *sitter.Node) []*sitter.Node {
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child == nil || child.Type() == NodeComment {
			continue
		}
		out = append(out, child)
	}
	return out
}

// NamedChildren returns the named children of n, skipping comments.
func NamedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	return namedChildren(n)
}

// StringValue returns the unquoted value of a plain string literal.
//
// Template strings and anything else that is not a "string" node yield
// ok == false. Escape sequences are returned as written.
func StringValue(f *File, n *sitter.Node) (string, bool) {
	if n == nil || n.Type() != NodeString {
		return "", false
	}
	text := f.Text(n)
	if len(text) < 2 {
		return "", false
	}
	return text[1 : len(text)-1], true
}

// IsFunction reports whether n is a function-valued expression.
func IsFunction(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case NodeArrowFunction, NodeFunction, NodeFunctionExpression, NodeGeneratorFunction:
		return true
	}
	return false
}

// Unwrap strips parentheses and TypeScript `as` / `satisfies` wrappers.
func Unwrap(n *sitter.Node) *sitter.Node {
	for n != nil {
		switch n.Type() {
		case NodeParenthesizedExpression, NodeAsExpression, NodeSatisfiesExpression:
			inner := n.NamedChild(0)
			if inner == nil {
				return n
			}
			n = inner
		default:
			return n
		}
	}
	return n
}

// HasAnonymousChild reports whether n has an unnamed child token of the
// given type, such as the "default" keyword of an export statement.
func HasAnonymousChild(n *sitter.Node, tokenType string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child != nil && !child.IsNamed() && child.Type() == tokenType {
			return true
		}
	}
	return false
}

// ObjectProperty finds a property of an object literal by key.
//
// Returns the property node itself (pair, shorthand_property_identifier or
// method_definition) or nil. Computed keys never match.
func ObjectProperty(f *File, obj *sitter.Node, key string) *sitter.Node {
	if obj == nil || obj.Type() != NodeObject {
		return nil
	}
	for _, prop := range namedChildren(obj) {
		switch prop.Type() {
		case NodePair:
			if propertyKey(f, prop.ChildByFieldName("key")) == key {
				return prop
			}
		case NodeShorthandProperty:
			if f.Text(prop) == key {
				return prop
			}
		case NodeMethodDefinition:
			if propertyKey(f, prop.ChildByFieldName("name")) == key {
				return prop
			}
		}
	}
	return nil
}

// propertyKey returns the static key text of an object key node.
func propertyKey(f *File, key *sitter.Node) string {
	if key == nil {
		return ""
	}
	switch key.Type() {
	case NodePropertyIdentifier, NodeIdentifier:
		return f.Text(key)
	case NodeString:
		v, _ := StringValue(f, key)
		return v
	}
	return ""
}

// StaticImportSource returns the module specifier of a dynamic import()
// or require() call with a single string argument. await wrappers are
// looked through.
func StaticImportSource(f *File, n *sitter.Node) (string, bool) {
	n = Unwrap(n)
	if n != nil && n.Type() == NodeAwaitExpression {
		n = Unwrap(n.NamedChild(0))
	}
	if n == nil || n.Type() != NodeCallExpression {
		return "", false
	}
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return "", false
	}
	switch {
	case fn.Type() == NodeImport:
	case fn.Type() == NodeIdentifier && f.Text(fn) == "require":
	default:
		return "", false
	}
	args := Arguments(n)
	if len(args) != 1 {
		return "", false
	}
	return StringValue(f, args[0])
}
