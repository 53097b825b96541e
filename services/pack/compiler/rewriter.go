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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

// DefaultRuntimeIdentifier is the global the rewritten calls are made on.
const DefaultRuntimeIdentifier = "__jobpackRuntime"

const (
	functionStandIn = "() => {}"
	blockStandIn    = "{}"
)

// Edit replaces the bytes [Start, End) of a source with Text.
type Edit struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

func (e Edit) rng() ast.Range { return ast.Range{Start: e.Start, End: e.End} }

// ApplyEdits applies every edit to src in one pass.
//
// Description:
//
//	Edits are sorted by descending start offset and applied back to front,
//	so each edit sees the original offsets. Edits must be disjoint.
//
// Inputs:
//   - src: The original source.
//   - edits: Replacements in any order. Not modified.
//
// Outputs:
//   - string: The edited source. src itself when edits is empty.
//   - error: ErrOverlappingEdits when two edits share bytes, or an
//     out-of-bounds error.
func ApplyEdits(src string, edits []Edit) (string, error) {
	if len(edits) == 0 {
		return src, nil
	}

	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start > sorted[j].Start
	})

	parts := make([]string, 0, 2*len(sorted)+1)
	cursor := len(src)
	for i, e := range sorted {
		if e.Start < 0 || e.Start > e.End || e.End > len(src) {
			return "", fmt.Errorf("edit [%d,%d) out of bounds for %d bytes", e.Start, e.End, len(src))
		}
		if i > 0 && e.End > sorted[i-1].Start {
			return "", fmt.Errorf("%w: [%d,%d) and [%d,%d)",
				ErrOverlappingEdits, e.Start, e.End, sorted[i-1].Start, sorted[i-1].End)
		}
		parts = append(parts, src[e.End:cursor], e.Text)
		cursor = e.Start
	}
	parts = append(parts, src[:cursor])

	var b strings.Builder
	b.Grow(len(src))
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
	}
	return b.String(), nil
}

// RewriteOptions configures the text produced for rewritten trigger calls.
type RewriteOptions struct {
	// RuntimeIdentifier is the object invokeJob and invokeWorkflow are
	// called on. Defaults to DefaultRuntimeIdentifier.
	RuntimeIdentifier string
}

// Rewrite produces the bundle source for target from one file's source.
//
// Description:
//
//	Applies, in order:
//	  1. Every declaration other than target is deleted by statement, or
//	     has its body replaced by an inert stand-in when no removable
//	     statement was found. Units the target triggers live in their own
//	     bundles and are reached through the runtime.
//	  2. Default-exported workflows are deleted, even when named target.
//	  3. Job triggers become `<rt>.invokeJob("<name>", <args>)`. An await
//	     around the call is removed with it.
//	  4. Workflow triggers become
//	     `<rt>.invokeWorkflow("<name>", <args>, { authInvoker: <expr> })`.
//	Triggers inside removed code are left alone. With no recognized
//	pattern the source is returned unchanged.
//
// Inputs:
//   - src: Source of a single file.
//   - target: The unit the bundle is built for.
//   - decls: Declarations found in src.
//   - calls: Trigger calls found in src.
//   - opts: Output options.
//
// Outputs:
//   - string: The rewritten source.
//   - error: Non-nil only on an internal inconsistency such as overlapping edits.
func Rewrite(src, target string, decls []Declaration, calls []TriggerCall, opts RewriteOptions) (string, error) {
	runtime := opts.RuntimeIdentifier
	if runtime == "" {
		runtime = DefaultRuntimeIdentifier
	}

	removals := planRemovals(src, target, decls)
	edits := make([]Edit, 0, len(removals)+2*len(calls))
	edits = append(edits, removals...)
	edits = append(edits, planTriggerEdits(runtime, calls, removals)...)

	return ApplyEdits(src, edits)
}

// planRemovals returns the deletion and stand-in edits for rules 1 and 2,
// with nested ranges folded into the outermost one.
func planRemovals(src, target string, decls []Declaration) []Edit {
	var candidates []Edit
	for _, d := range decls {
		drop := d.Kind == UnitWorkflow && d.IsDefaultExport
		if !drop && d.DeclaredName == target {
			continue
		}
		candidates = append(candidates, removalFor(src, d))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return candidates[i].End > candidates[j].End
	})

	var out []Edit
	for _, c := range candidates {
		if len(out) > 0 && out[len(out)-1].rng().Overlaps(c.rng()) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func removalFor(src string, d Declaration) Edit {
	if d.StatementRange != nil {
		end := d.StatementRange.End
		// Take the line break with the statement so no blank line remains.
		if strings.HasPrefix(src[end:], "\r\n") {
			end += 2
		} else if strings.HasPrefix(src[end:], "\n") {
			end++
		}
		return Edit{Start: d.StatementRange.Start, End: end}
	}

	standIn := blockStandIn
	if d.BodyIsFunction && !d.BodyIsMethod {
		standIn = functionStandIn
	}
	return Edit{Start: d.BodyRange.Start, End: d.BodyRange.End, Text: standIn}
}

// planTriggerEdits rewrites each trigger as a prefix and a suffix edit
// around its first argument, so triggers nested in that argument compose.
func planTriggerEdits(runtime string, calls []TriggerCall, removals []Edit) []Edit {
	ordered := make([]TriggerCall, len(calls))
	copy(ordered, calls)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].FullRange, ordered[j].FullRange
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End > b.End
	})

	var (
		out      []Edit
		consumed []ast.Range
	)
	for _, call := range ordered {
		if overlapsAny(call.FullRange, removals) || overlapsRanges(call.FullRange, consumed) {
			continue
		}

		var prefix, suffix Edit
		name := quoteJS(call.TargetName)
		switch call.Kind {
		case UnitJob:
			prefix = Edit{
				Start: call.FullRange.Start,
				End:   call.ArgsRange.Start,
				Text:  runtime + ".invokeJob(" + name + ", ",
			}
			suffix = Edit{Start: call.ArgsRange.End, End: call.FullRange.End, Text: ")"}
		case UnitWorkflow:
			if call.AuthInvoker == nil {
				continue
			}
			prefix = Edit{
				Start: call.CallRange.Start,
				End:   call.ArgsRange.Start,
				Text:  runtime + ".invokeWorkflow(" + name + ", ",
			}
			suffix = Edit{
				Start: call.ArgsRange.End,
				End:   call.CallRange.End,
				Text:  ", { authInvoker: " + call.AuthInvoker.ValueText + " })",
			}
		default:
			continue
		}

		out = append(out, prefix, suffix)
		consumed = append(consumed, prefix.rng(), suffix.rng())
	}
	return out
}

func overlapsAny(r ast.Range, edits []Edit) bool {
	for _, e := range edits {
		if r.Overlaps(e.rng()) {
			return true
		}
	}
	return false
}

func overlapsRanges(r ast.Range, ranges []ast.Range) bool {
	for _, o := range ranges {
		if r.Overlaps(o) {
			return true
		}
	}
	return false
}

// quoteJS renders s as a double-quoted string literal valid in JavaScript.
func quoteJS(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
