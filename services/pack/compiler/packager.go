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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// typeConfigName is the file FindTypeConfig looks for.
const typeConfigName = "tsconfig.json"

// Artifact is one rewritten bundle target ready for packaging.
type Artifact struct {
	// Target is the declared name of the bundle target.
	Target string `json:"target"`

	// Source is the rewritten source text.
	Source string `json:"source"`

	// SourceFile is the path of the file the source came from.
	SourceFile string `json:"source_file"`

	// TypeConfigPath is the nearest tsconfig.json, if any.
	TypeConfigPath string `json:"type_config_path,omitempty"`
}

// Packager turns a rewritten source into a deployable artifact.
//
// Implementations own every packaging decision (bundling, minification,
// source maps); the compiler only supplies the source.
type Packager interface {
	Package(ctx context.Context, artifact Artifact) error
}

// DirPackager writes each artifact's source to <Dir>/<target><ext>, where
// ext is the extension of the originating file.
type DirPackager struct {
	Dir    string
	Logger *slog.Logger
}

// NewDirPackager creates a DirPackager writing into dir.
func NewDirPackager(dir string) *DirPackager {
	return &DirPackager{Dir: dir, Logger: slog.Default()}
}

// Package implements Packager.
func (p *DirPackager) Package(ctx context.Context, artifact Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	ext := filepath.Ext(artifact.SourceFile)
	if ext == "" {
		ext = ".js"
	}
	out := filepath.Join(p.Dir, artifactFileName(artifact.Target)+ext)
	if err := os.WriteFile(out, []byte(artifact.Source), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("packaged target",
		slog.String("target", artifact.Target),
		slog.String("output", out),
		slog.String("tsconfig", artifact.TypeConfigPath))
	return nil
}

// artifactFileName maps a unit name to a safe file name.
func artifactFileName(target string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, target)
}

// FindTypeConfig walks up from the directory of path looking for
// tsconfig.json.
func FindTypeConfig(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	dir := filepath.Dir(abs)
	for {
		candidate := filepath.Join(dir, typeConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
