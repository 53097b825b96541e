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

const (
	triggerMethod   = "trigger"
	authInvokerProp = "authInvoker"
)

// FindTriggerCalls locates every `<identifier>.trigger(...)` call in f whose
// identifier denotes a known unit.
//
// Description:
//
//	jobs and workflows map local identifiers to declared unit names. An
//	identifier present in both maps is ambiguous and ignored. Job calls
//	need exactly one argument. Workflow calls need exactly two, the second
//	an object literal with an `authInvoker` property written either as
//	shorthand or as `authInvoker: <expr>`. Calls that do not fit are left
//	out entirely.
//
// Inputs:
//   - f: The parsed file.
//   - jobs: Local identifier to job name.
//   - workflows: Local identifier to workflow name.
//
// Outputs:
//   - []TriggerCall: In source order, outer calls before nested ones.
func FindTriggerCalls(f *ast.File, jobs, workflows map[string]string) []TriggerCall {
	if len(jobs) == 0 && len(workflows) == 0 {
		return nil
	}
	return ast.Collect(f.Root, func(n *sitter.Node, path []*sitter.Node) []TriggerCall {
		if n.Type() != ast.NodeCallExpression {
			return nil
		}
		call, ok := triggerCallAt(f, n, path, jobs, workflows)
		if !ok {
			return nil
		}
		return []TriggerCall{call}
	})
}

func triggerCallAt(f *ast.File, n *sitter.Node, path []*sitter.Node, jobs, workflows map[string]string) (TriggerCall, bool) {
	ident, ok := triggerReceiver(f, n)
	if !ok {
		return TriggerCall{}, false
	}

	jobName, isJob := jobs[ident]
	workflowName, isWorkflow := workflows[ident]
	if isJob == isWorkflow {
		return TriggerCall{}, false
	}

	args := ast.Arguments(n)
	for _, arg := range args {
		if arg.Type() == ast.NodeSpreadElement {
			return TriggerCall{}, false
		}
	}

	call := TriggerCall{
		File:             f.Path,
		TargetIdentifier: ident,
		CallRange:        ast.RangeOf(n),
	}

	if isJob {
		if len(args) != 1 {
			return TriggerCall{}, false
		}
		call.Kind = UnitJob
		call.TargetName = jobName
	} else {
		if len(args) != 2 {
			return TriggerCall{}, false
		}
		auth, ok := authInvokerOf(f, args[1])
		if !ok {
			return TriggerCall{}, false
		}
		call.Kind = UnitWorkflow
		call.TargetName = workflowName
		call.AuthInvoker = auth
	}

	call.ArgsRange = ast.RangeOf(args[0])
	call.ArgsText = f.Text(args[0])
	call.FullRange = call.CallRange

	if wrapper := suspendWrapper(path); wrapper != nil {
		call.HasSuspend = true
		call.FullRange = ast.RangeOf(wrapper)
	}

	return call, true
}

// suspendWrapper returns the await expression around a call, looking
// through any parentheses between them, or nil.
func suspendWrapper(path []*sitter.Node) *sitter.Node {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i].Type() {
		case ast.NodeParenthesizedExpression:
			continue
		case ast.NodeAwaitExpression:
			return path[i]
		}
		return nil
	}
	return nil
}

// triggerReceiver returns x for a call of the form `x.trigger(...)`.
func triggerReceiver(f *ast.File, call *sitter.Node) (string, bool) {
	callee := call.ChildByFieldName("function")
	if callee == nil || callee.Type() != ast.NodeMemberExpression {
		return "", false
	}
	object := callee.ChildByFieldName("object")
	property := callee.ChildByFieldName("property")
	if object == nil || property == nil {
		return "", false
	}
	if object.Type() != ast.NodeIdentifier || property.Type() != ast.NodePropertyIdentifier {
		return "", false
	}
	if f.Text(property) != triggerMethod {
		return "", false
	}
	return f.Text(object), true
}

// authInvokerOf extracts the authInvoker expression from a trigger's
// options argument.
func authInvokerOf(f *ast.File, options *sitter.Node) (*AuthInvoker, bool) {
	options = ast.Unwrap(options)
	if options == nil || options.Type() != ast.NodeObject {
		return nil, false
	}
	prop := ast.ObjectProperty(f, options, authInvokerProp)
	if prop == nil {
		return nil, false
	}
	switch prop.Type() {
	case ast.NodeShorthandProperty:
		return &AuthInvoker{IsShorthand: true, ValueText: f.Text(prop)}, true
	case ast.NodePair:
		value := prop.ChildByFieldName("value")
		if value == nil {
			return nil, false
		}
		return &AuthInvoker{ValueText: f.Text(value)}, true
	}
	return nil, false
}
