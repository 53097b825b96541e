// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

// typeScriptTwins maps emitted JavaScript extensions to the TypeScript
// sources they are compiled from, so `import "./a.js"` finds a.ts.
var typeScriptTwins = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

// IsRelativeSpecifier reports whether spec names a file rather than a package.
func IsRelativeSpecifier(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") ||
		spec == "." || spec == ".." || filepath.IsAbs(spec)
}

// ResolveSpecifier maps a relative module specifier to a source file.
//
// Description:
//
//	Candidates are tried in order: the path as written, the path with each
//	source extension appended, the TypeScript twin of a .js style path,
//	and finally <path>/index with each extension. Bare package specifiers
//	never resolve.
//
// Inputs:
//   - from: The importing file. Its directory anchors relative specifiers.
//   - spec: The specifier as written in the import.
//   - exists: Reports whether a candidate path is a known file.
//
// Outputs:
//   - string: The resolved path, cleaned, in the same form (relative or
//     absolute) as from.
//   - bool: False when nothing matched.
func ResolveSpecifier(from, spec string, exists func(string) bool) (string, bool) {
	if spec == "" || !IsRelativeSpecifier(spec) {
		return "", false
	}

	base := spec
	if !filepath.IsAbs(spec) {
		base = filepath.Join(filepath.Dir(from), filepath.FromSlash(spec))
	}

	for _, candidate := range resolutionCandidates(base) {
		if exists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func resolutionCandidates(base string) []string {
	exts := ast.Extensions()
	out := make([]string, 0, 2*len(exts)+4)

	if ast.IsSourceFile(base) {
		out = append(out, base)
	}
	for _, ext := range exts {
		out = append(out, base+ext)
	}
	ext := filepath.Ext(base)
	if twins, ok := typeScriptTwins[strings.ToLower(ext)]; ok {
		stem := strings.TrimSuffix(base, ext)
		for _, twin := range twins {
			out = append(out, stem+twin)
		}
	}
	for _, ext := range exts {
		out = append(out, filepath.Join(base, "index"+ext))
	}
	return out
}

// fileExists reports whether path is a regular file on disk.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Canonical returns the absolute, cleaned form of path with symlinks
// resolved. A deleted file still canonicalizes through its directory, so
// unlink events map to the same node the file had.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs)), nil
	}
	return filepath.Clean(abs), nil
}
