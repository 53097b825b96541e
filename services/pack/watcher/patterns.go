// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/AleutianAI/jobpack/services/pack/graph"
)

// absPattern anchors a relative pattern at root.
func absPattern(root, pattern string) string {
	pattern = filepath.FromSlash(pattern)
	if filepath.IsAbs(pattern) {
		return filepath.Clean(pattern)
	}
	return filepath.Join(root, pattern)
}

// resolvePatterns expands patterns to the canonical paths of the regular
// files they match. A pattern matching nothing is not an error.
func resolvePatterns(root string, patterns []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, p := range patterns {
		matches, err := doublestar.Glob(absPattern(root, p))
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if c, err := graph.Canonical(m); err == nil {
				m = c
			}
			out[m] = struct{}{}
		}
	}
	return out, nil
}

// matchesAny reports whether path matches one of patterns.
func matchesAny(root string, patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.PathMatch(absPattern(root, p), path); err == nil && ok {
			return true
		}
	}
	return false
}

// patternBase returns the longest leading directory of pattern that holds
// no glob metacharacters.
func patternBase(root, pattern string) string {
	abs := absPattern(root, pattern)
	parts := strings.Split(abs, string(filepath.Separator))
	for i, part := range parts {
		if strings.ContainsAny(part, "*?[{") {
			base := strings.Join(parts[:i], string(filepath.Separator))
			if base == "" {
				return string(filepath.Separator)
			}
			return base
		}
	}
	return filepath.Dir(abs)
}

func parentDir(path string) string {
	return filepath.Dir(path)
}
