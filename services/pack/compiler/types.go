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

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

var (
	// ErrUnknownTarget indicates no declaration carries the requested name.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrOverlappingEdits indicates two text edits cover the same bytes.
	ErrOverlappingEdits = errors.New("overlapping edits")

	// ErrNoFiles indicates Analyze was called with an empty file set.
	ErrNoFiles = errors.New("no source files")
)

// UnitKind distinguishes jobs from workflows.
type UnitKind int

const (
	// UnitJob is a unit declared through the job factory.
	UnitJob UnitKind = iota

	// UnitWorkflow is a unit declared through the workflow factory.
	UnitWorkflow
)

// String returns the string representation of the UnitKind.
func (k UnitKind) String() string {
	switch k {
	case UnitJob:
		return "job"
	case UnitWorkflow:
		return "workflow"
	default:
		return "unknown"
	}
}

// Declaration locates one job or workflow declaration in a file.
//
// Description:
//
//	Produced by FindDeclarations. All ranges are byte ranges into the
//	content of File. NameRange is always contained in StatementRange when
//	the latter is present.
type Declaration struct {
	// Kind is job or workflow.
	Kind UnitKind `json:"kind"`

	// File is the path of the declaring file.
	File string `json:"file"`

	// DeclaredName is the literal value of the `name` property.
	DeclaredName string `json:"declared_name"`

	// ExportBindingName is the variable the factory result was assigned to.
	// Empty when the call is not the value of a variable declarator.
	ExportBindingName string `json:"export_binding_name,omitempty"`

	// NameRange covers the `name` string literal, quotes included.
	NameRange ast.Range `json:"name_range"`

	// BodyRange covers the body function, or the configuration object for
	// workflows without one.
	BodyRange ast.Range `json:"body_range"`

	// StatementRange covers the whole removable top-level statement,
	// including any export marker. Nil when no safe statement was found.
	StatementRange *ast.Range `json:"statement_range,omitempty"`

	// BodyIsFunction is true when BodyRange is a function expression.
	BodyIsFunction bool `json:"body_is_function"`

	// BodyIsMethod is true when the body was written with method shorthand.
	BodyIsMethod bool `json:"body_is_method"`

	// IsDefaultExport is true when a workflow factory call is the direct
	// value of `export default`.
	IsDefaultExport bool `json:"is_default_export"`
}

// AuthInvoker is the authorization identity expression of a workflow trigger.
type AuthInvoker struct {
	// IsShorthand is true for `{ authInvoker }`.
	IsShorthand bool `json:"is_shorthand"`

	// ValueText is the verbatim source of the value expression.
	ValueText string `json:"value_text"`
}

// TriggerCall is one recognized `<identifier>.trigger(...)` call site.
type TriggerCall struct {
	// File is the path of the file containing the call.
	File string `json:"file"`

	// TargetIdentifier is the local identifier the call is made on.
	TargetIdentifier string `json:"target_identifier"`

	// TargetName is the declared name of the unit the identifier denotes.
	TargetName string `json:"target_name"`

	// Kind is the kind of the target unit.
	Kind UnitKind `json:"kind"`

	// CallRange covers the call expression.
	CallRange ast.Range `json:"call_range"`

	// ArgsRange covers the first argument.
	ArgsRange ast.Range `json:"args_range"`

	// ArgsText is the verbatim source of the first argument.
	ArgsText string `json:"args_text"`

	// HasSuspend is true when the call is the operand of `await`.
	HasSuspend bool `json:"has_suspend"`

	// FullRange equals CallRange, or covers the await wrapper as well.
	FullRange ast.Range `json:"full_range"`

	// AuthInvoker is set for workflow targets only.
	AuthInvoker *AuthInvoker `json:"auth_invoker,omitempty"`
}
