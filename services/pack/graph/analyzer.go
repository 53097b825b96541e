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
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/jobpack/services/pack/ast"
)

// ModuleAnalyzer extracts file-level static imports.
//
// Analyze returns, for every file it could read, the resolved files that
// file imports. Files it could not read or parse are omitted. An error
// wrapping ErrAnalyzerInit means no result can be trusted.
type ModuleAnalyzer interface {
	Analyze(ctx context.Context, files []string) (map[string][]string, error)
}

// ImportAnalyzer is the tree-sitter backed ModuleAnalyzer.
//
// Description:
//
//	Collects the specifiers of `import ... from`, `export ... from`,
//	dynamic `import("...")` and `require("...")` with a literal argument,
//	and resolves relative specifiers against the filesystem. Package
//	imports are ignored.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ImportAnalyzer struct {
	parser      *ast.Parser
	logger      *slog.Logger
	concurrency int

	initOnce sync.Once
	initErr  error
}

// AnalyzerOption configures an ImportAnalyzer.
type AnalyzerOption func(*ImportAnalyzer)

// WithAnalyzerLogger sets the analyzer's logger.
func WithAnalyzerLogger(logger *slog.Logger) AnalyzerOption {
	return func(a *ImportAnalyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAnalyzerConcurrency bounds the number of files parsed at once.
func WithAnalyzerConcurrency(n int) AnalyzerOption {
	return func(a *ImportAnalyzer) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// NewImportAnalyzer creates an ImportAnalyzer.
func NewImportAnalyzer(opts ...AnalyzerOption) *ImportAnalyzer {
	a := &ImportAnalyzer{
		parser:      ast.NewParser(),
		logger:      slog.Default(),
		concurrency: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// initProbe exercises every grammar the analyzer depends on.
var initProbe = map[string]string{
	"probe.ts":  `import a from "./a"; export * from "./b";`,
	"probe.tsx": `import a from "./a"; const v = <div />;`,
	"probe.js":  `const a = require("./a");`,
}

// Init checks that the parser grammars load and parse. Analyze calls it
// once on first use.
func (a *ImportAnalyzer) Init(ctx context.Context) error {
	a.initOnce.Do(func() {
		for name, src := range initProbe {
			f, err := a.parser.Parse(ctx, []byte(src), name)
			if err != nil {
				a.initErr = fmt.Errorf("%w: probing %s grammar: %v", ErrAnalyzerInit, name, err)
				return
			}
			f.Close()
		}
	})
	return a.initErr
}

// Analyze implements ModuleAnalyzer.
func (a *ImportAnalyzer) Analyze(ctx context.Context, files []string) (map[string][]string, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = make(map[string][]string, len(files))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, file := range files {
		file := file
		g.Go(func() error {
			deps, err := a.analyzeFile(gctx, file)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				a.logger.Warn("skipping file in dependency analysis",
					slog.String("file", file),
					slog.Any("error", err))
				analyzerSkipped.Inc()
				return nil
			}
			mu.Lock()
			out[file] = deps
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *ImportAnalyzer) analyzeFile(ctx context.Context, path string) ([]string, error) {
	f, err := a.parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var deps []string
	for _, spec := range ImportSpecifiers(f) {
		resolved, ok := ResolveSpecifier(path, spec, fileExists)
		if !ok {
			continue
		}
		if canonical, err := Canonical(resolved); err == nil {
			resolved = canonical
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		deps = append(deps, resolved)
	}
	sort.Strings(deps)
	return deps, nil
}

// ImportSpecifiers returns every static module specifier in f, in source order.
func ImportSpecifiers(f *ast.File) []string {
	return ast.Collect(f.Root, func(n *sitter.Node, _ []*sitter.Node) []string {
		switch n.Type() {
		case ast.NodeImportStatement, ast.NodeExportStatement:
			if spec, ok := ast.StringValue(f, n.ChildByFieldName("source")); ok {
				return []string{spec}
			}
		case ast.NodeCallExpression:
			if spec, ok := ast.StaticImportSource(f, n); ok {
				return []string{spec}
			}
		}
		return nil
	})
}
