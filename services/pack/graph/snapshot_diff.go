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
	"fmt"
	"sort"
)

// GraphDiff lists the differences between two dependency graphs.
type GraphDiff struct {
	FilesAdded   []string `json:"files_added"`
	FilesRemoved []string `json:"files_removed"`

	// FilesChanged are files present in both graphs whose imports differ.
	FilesChanged []FileDiff `json:"files_changed"`

	EdgesAdded   int `json:"edges_added"`
	EdgesRemoved int `json:"edges_removed"`

	// ChangeRatio is the fraction of files added, removed or changed.
	ChangeRatio float64 `json:"change_ratio"`
}

// FileDiff is the import delta of one file.
type FileDiff struct {
	Path           string   `json:"path"`
	ImportsAdded   []string `json:"imports_added,omitempty"`
	ImportsRemoved []string `json:"imports_removed,omitempty"`
}

// Empty reports whether the graphs were identical.
func (d *GraphDiff) Empty() bool {
	return len(d.FilesAdded) == 0 && len(d.FilesRemoved) == 0 && len(d.FilesChanged) == 0
}

// DiffGraphs compares base against target. Output lists are sorted.
func DiffGraphs(base, target *DependencyGraph) (*GraphDiff, error) {
	if base == nil || target == nil {
		return nil, fmt.Errorf("both graphs must be non-nil")
	}
	diff := &GraphDiff{
		FilesAdded:   []string{},
		FilesRemoved: []string{},
		FilesChanged: []FileDiff{},
	}

	for path, tNode := range target.nodes {
		bNode, ok := base.nodes[path]
		if !ok {
			diff.FilesAdded = append(diff.FilesAdded, path)
			diff.EdgesAdded += len(tNode.Dependencies)
			continue
		}
		added := setDifference(tNode.Dependencies, bNode.Dependencies)
		removed := setDifference(bNode.Dependencies, tNode.Dependencies)
		diff.EdgesAdded += len(added)
		diff.EdgesRemoved += len(removed)
		if len(added) > 0 || len(removed) > 0 {
			diff.FilesChanged = append(diff.FilesChanged, FileDiff{
				Path:           path,
				ImportsAdded:   added,
				ImportsRemoved: removed,
			})
		}
	}
	for path, bNode := range base.nodes {
		if _, ok := target.nodes[path]; !ok {
			diff.FilesRemoved = append(diff.FilesRemoved, path)
			diff.EdgesRemoved += len(bNode.Dependencies)
		}
	}

	sort.Strings(diff.FilesAdded)
	sort.Strings(diff.FilesRemoved)
	sort.Slice(diff.FilesChanged, func(i, j int) bool {
		return diff.FilesChanged[i].Path < diff.FilesChanged[j].Path
	})

	total := max(len(base.nodes), len(target.nodes))
	if total > 0 {
		changed := len(diff.FilesAdded) + len(diff.FilesRemoved) + len(diff.FilesChanged)
		diff.ChangeRatio = float64(changed) / float64(total)
	}
	return diff, nil
}

// setDifference returns the sorted keys of a not present in b.
func setDifference(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
