// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compiler finds job and workflow declarations in JavaScript and
// TypeScript sources, computes which units are reachable from a bundle
// target and rewrites the target's source for packaging.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/jobpack/services/pack/ast"
	"github.com/AleutianAI/jobpack/services/pack/graph"
)

// Default factory names recognized in user code.
const (
	DefaultJobFactory      = "defineJob"
	DefaultWorkflowFactory = "defineWorkflow"
)

// Options configures a Compiler.
type Options struct {
	// JobFactory is the exported name of the job factory.
	JobFactory string

	// WorkflowFactory is the exported name of the workflow factory.
	WorkflowFactory string

	// RuntimeIdentifier is the object rewritten trigger calls are made on.
	RuntimeIdentifier string

	// Concurrency bounds parallel parses and rewrites. 0 means runtime.NumCPU().
	Concurrency int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		JobFactory:        DefaultJobFactory,
		WorkflowFactory:   DefaultWorkflowFactory,
		RuntimeIdentifier: DefaultRuntimeIdentifier,
	}
}

func (o Options) concurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return runtime.NumCPU()
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithFactories overrides the recognized factory names. Empty values keep
// the current name.
func WithFactories(job, workflow string) CompilerOption {
	return func(c *Compiler) {
		if job != "" {
			c.opts.JobFactory = job
		}
		if workflow != "" {
			c.opts.WorkflowFactory = workflow
		}
	}
}

// WithRuntimeIdentifier sets the object rewritten calls are made on.
func WithRuntimeIdentifier(name string) CompilerOption {
	return func(c *Compiler) {
		if name != "" {
			c.opts.RuntimeIdentifier = name
		}
	}
}

// WithConcurrency bounds parallel parses and rewrites.
func WithConcurrency(n int) CompilerOption {
	return func(c *Compiler) {
		c.opts.Concurrency = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) CompilerOption {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithParser replaces the source parser.
func WithParser(p *ast.Parser) CompilerOption {
	return func(c *Compiler) {
		if p != nil {
			c.parser = p
		}
	}
}

// Compiler analyzes a set of source files into a Project.
//
// Thread Safety:
//
//	Compiler is safe for concurrent use; every Analyze call builds its own
//	Project.
type Compiler struct {
	opts   Options
	parser *ast.Parser
	logger *slog.Logger
}

// NewCompiler creates a Compiler.
//
// Example:
//
//	c := compiler.NewCompiler(compiler.WithConcurrency(4))
//	project, err := c.Analyze(ctx, files)
func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{
		opts:   DefaultOptions(),
		parser: ast.NewParser(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Options returns the effective options.
func (c *Compiler) Options() Options {
	return c.opts
}

// sourceFile is one input to analysis.
type sourceFile struct {
	path    string
	content []byte
}

// Analyze reads and analyzes files.
//
// Description:
//
//	Files that cannot be read or parsed are skipped with a warning; one bad
//	file never fails the whole analysis.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - paths: Source files in scope. Must not be empty.
//
// Outputs:
//   - *Project: The analyzed project.
//   - error: ErrNoFiles, or a context error.
func (c *Compiler) Analyze(ctx context.Context, paths []string) (*Project, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}

	files := make([]sourceFile, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("skipping unreadable source file",
				slog.String("file", path),
				slog.Any("error", err))
			filesSkipped.Inc()
			continue
		}
		files = append(files, sourceFile{path: path, content: content})
	}
	return c.analyze(ctx, files)
}

// AnalyzeSources analyzes in-memory sources keyed by path.
func (c *Compiler) AnalyzeSources(ctx context.Context, sources map[string]string) (*Project, error) {
	if len(sources) == 0 {
		return nil, ErrNoFiles
	}
	files := make([]sourceFile, 0, len(sources))
	for path, content := range sources {
		files = append(files, sourceFile{path: path, content: []byte(content)})
	}
	return c.analyze(ctx, files)
}

// RewriteForTarget analyzes files and returns the rewritten source of the
// file declaring target.
func (c *Compiler) RewriteForTarget(ctx context.Context, target string, files []string) (string, error) {
	project, err := c.Analyze(ctx, files)
	if err != nil {
		return "", err
	}
	return project.RewriteForTarget(ctx, target)
}

// parsedFile is the per-file state kept between analysis phases.
type parsedFile struct {
	file     *ast.File
	bindings []binding
	decls    []Declaration
}

func (c *Compiler) analyze(ctx context.Context, files []sourceFile) (*Project, error) {
	ctx, span := tracer.Start(ctx, "compiler.Analyze",
		trace.WithAttributes(attribute.Int("files", len(files))))
	defer span.End()
	start := time.Now()
	defer func() { analyzeDuration.Observe(time.Since(start).Seconds()) }()

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	parsed, err := c.parseAll(ctx, files)
	defer func() {
		for _, pf := range parsed {
			if pf != nil {
				pf.file.Close()
			}
		}
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	project := &Project{
		opts:        c.opts,
		logger:      c.logger,
		files:       make(map[string]*projectFile, len(files)),
		byName:      make(map[string]Declaration),
		callsByFile: make(map[string][]TriggerCall),
	}

	exports := make(map[string]map[string]Declaration)
	jobs, workflows := 0, 0
	for _, pf := range parsed {
		if pf == nil {
			continue
		}
		path := pf.file.Path
		project.files[path] = &projectFile{path: path, content: string(pf.file.Content)}
		project.order = append(project.order, path)
		for _, d := range pf.decls {
			if existing, dup := project.byName[d.DeclaredName]; dup {
				c.logger.Warn("duplicate unit name; keeping first declaration",
					slog.String("name", d.DeclaredName),
					slog.String("kept", existing.File),
					slog.String("ignored", d.File))
			} else {
				project.byName[d.DeclaredName] = d
			}
			if d.Kind == UnitJob {
				jobs++
			} else {
				workflows++
			}
			project.decls = append(project.decls, d)
			project.files[path].decls = append(project.files[path].decls, d)
			if d.ExportBindingName != "" {
				if exports[path] == nil {
					exports[path] = make(map[string]Declaration)
				}
				exports[path][d.ExportBindingName] = d
			}
		}
	}
	recordUnits(jobs, workflows)

	resolver := newUnitResolver(exports)
	for _, pf := range parsed {
		if pf == nil {
			continue
		}
		jobMap, workflowMap := resolver.localUnits(pf)
		calls := FindTriggerCalls(pf.file, jobMap, workflowMap)
		if len(calls) > 0 {
			project.callsByFile[pf.file.Path] = calls
			project.files[pf.file.Path].calls = calls
		}
	}

	project.graph = BuildCallGraph(project.decls, project.callsByFile)

	span.SetAttributes(
		attribute.Int("units", len(project.byName)),
		attribute.Int("files_analyzed", len(project.order)),
	)
	c.logger.Debug("project analyzed",
		slog.Int("files", len(project.order)),
		slog.Int("jobs", jobs),
		slog.Int("workflows", workflows))

	return project, nil
}

// parseAll parses files concurrently and extracts bindings and
// declarations. Entries for skipped files are nil.
func (c *Compiler) parseAll(ctx context.Context, files []sourceFile) ([]*parsedFile, error) {
	parsed := make([]*parsedFile, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.concurrency())

	for i, src := range files {
		i, src := i, src
		g.Go(func() error {
			f, err := c.parser.Parse(gctx, src.content, src.path)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				c.logger.Warn("skipping source file that failed to parse",
					slog.String("file", src.path),
					slog.Any("error", err))
				filesSkipped.Inc()
				return nil
			}

			bindings := scanBindings(f)
			decls := findDeclarations(f, UnitJob, newBindingSet(c.opts.JobFactory, bindings))
			decls = append(decls, findDeclarations(f, UnitWorkflow, newBindingSet(c.opts.WorkflowFactory, bindings))...)
			sort.SliceStable(decls, func(a, b int) bool {
				return decls[a].NameRange.Start < decls[b].NameRange.Start
			})

			parsed[i] = &parsedFile{file: f, bindings: bindings, decls: decls}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return parsed, fmt.Errorf("parsing sources: %w", err)
	}
	return parsed, nil
}

// unitResolver joins import bindings with exported declarations across
// files.
type unitResolver struct {
	exports map[string]map[string]Declaration
	byName  map[string][]Declaration
}

func newUnitResolver(exports map[string]map[string]Declaration) *unitResolver {
	byName := make(map[string][]Declaration)
	for _, fileExports := range exports {
		for binding, d := range fileExports {
			byName[binding] = append(byName[binding], d)
		}
	}
	return &unitResolver{exports: exports, byName: byName}
}

func (r *unitResolver) exists(path string) bool {
	_, ok := r.exports[path]
	return ok
}

// localUnits returns the identifiers in pf that denote jobs and workflows.
func (r *unitResolver) localUnits(pf *parsedFile) (jobs, workflows map[string]string) {
	jobs = make(map[string]string)
	workflows = make(map[string]string)
	add := func(local string, d Declaration) {
		if d.Kind == UnitJob {
			jobs[local] = d.DeclaredName
		} else {
			workflows[local] = d.DeclaredName
		}
	}

	for _, d := range pf.decls {
		if d.ExportBindingName != "" {
			add(d.ExportBindingName, d)
		}
	}

	for _, b := range directImports(pf.bindings) {
		if d, ok := r.lookup(pf.file.Path, b); ok {
			add(b.Local, d)
		}
	}
	return jobs, workflows
}

func (r *unitResolver) lookup(from string, b binding) (Declaration, bool) {
	if resolved, ok := graph.ResolveSpecifier(from, b.Source, r.exists); ok {
		d, found := r.exports[resolved][b.Imported]
		return d, found
	}
	// Bare or unresolvable specifiers fall back to a unique export name.
	if candidates := r.byName[b.Imported]; len(candidates) == 1 {
		return candidates[0], true
	}
	return Declaration{}, false
}

// projectFile is the analyzed state of one source file.
type projectFile struct {
	path    string
	content string
	decls   []Declaration
	calls   []TriggerCall
}

// Project is the result of analyzing a set of source files.
//
// Thread Safety:
//
//	Project is immutable after Analyze returns and safe for concurrent use.
type Project struct {
	opts        Options
	logger      *slog.Logger
	files       map[string]*projectFile
	order       []string
	decls       []Declaration
	byName      map[string]Declaration
	callsByFile map[string][]TriggerCall
	graph       CallGraph
}

// Files returns the analyzed file paths, sorted.
func (p *Project) Files() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Units returns every declaration, sorted by declared name then file.
func (p *Project) Units() []Declaration {
	out := make([]Declaration, len(p.decls))
	copy(out, p.decls)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DeclaredName != out[j].DeclaredName {
			return out[i].DeclaredName < out[j].DeclaredName
		}
		return out[i].File < out[j].File
	})
	return out
}

// Targets returns the names of all declared jobs, sorted. Workflows are not
// bundle targets.
func (p *Project) Targets() []string {
	var out []string
	for name, d := range p.byName {
		if d.Kind == UnitJob {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup returns the declaration named name.
func (p *Project) Lookup(name string) (Declaration, bool) {
	d, ok := p.byName[name]
	return d, ok
}

// TriggerCalls returns the trigger calls recognized in path.
func (p *Project) TriggerCalls(path string) []TriggerCall {
	return p.callsByFile[path]
}

// CallGraph returns the unit call graph.
func (p *Project) CallGraph() CallGraph {
	return p.graph
}

// Reachable returns the units reachable from roots.
func (p *Project) Reachable(roots ...string) map[string]bool {
	return p.graph.Reachable(roots)
}

// Unused returns the declared units not reachable from roots, sorted.
func (p *Project) Unused(roots ...string) []string {
	return unusedUnits(p.decls, p.Reachable(roots...))
}

// RewriteForTarget returns the source of the file declaring target,
// rewritten for a bundle of target.
//
// Description:
//
//	Every unit other than target is removed from the file, as is a
//	default-exported workflow. Trigger calls left in the target are turned
//	into runtime calls.
//
// Inputs:
//   - ctx: Context for tracing and cancellation.
//   - target: Declared name of the bundle target.
//
// Outputs:
//   - string: The rewritten source.
//   - error: ErrUnknownTarget when no unit has that name.
func (p *Project) RewriteForTarget(ctx context.Context, target string) (string, error) {
	ctx, span := tracer.Start(ctx, "compiler.RewriteForTarget",
		trace.WithAttributes(attribute.String("target", target)))
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	decl, ok := p.byName[target]
	if !ok {
		recordRewrite(time.Since(start), "unknown_target")
		span.SetStatus(codes.Error, "unknown target")
		return "", fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}

	file := p.files[decl.File]
	p.logger.Debug("rewriting for target",
		slog.String("target", target),
		slog.String("file", decl.File),
		slog.Int("declarations", len(file.decls)),
		slog.Int("trigger_calls", len(file.calls)))

	out, err := Rewrite(file.content, target, file.decls, file.calls,
		RewriteOptions{RuntimeIdentifier: p.opts.RuntimeIdentifier})
	if err != nil {
		recordRewrite(time.Since(start), "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("rewriting %s for %q: %w", decl.File, target, err)
	}

	recordRewrite(time.Since(start), "success")
	span.SetAttributes(attribute.Int("output_bytes", len(out)))
	return out, nil
}

// RewriteTargets rewrites every target concurrently.
//
// Targets share only read-only project state, so each rewrite runs as its
// own task. The first failure cancels the rest.
func (p *Project) RewriteTargets(ctx context.Context, targets []string) (map[string]string, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]string, len(targets))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.concurrency())
	for _, target := range targets {
		target := target
		g.Go(func() error {
			src, err := p.RewriteForTarget(gctx, target)
			if err != nil {
				return err
			}
			mu.Lock()
			out[target] = src
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Package rewrites targets and hands each result to packager.
//
// Artifacts are delivered in target order. Packaging stops at the first
// error.
func (p *Project) Package(ctx context.Context, targets []string, packager Packager) error {
	if packager == nil {
		return errors.New("packager must not be nil")
	}
	sources, err := p.RewriteTargets(ctx, targets)
	if err != nil {
		return err
	}

	ordered := make([]string, 0, len(sources))
	for target := range sources {
		ordered = append(ordered, target)
	}
	sort.Strings(ordered)

	for _, target := range ordered {
		decl := p.byName[target]
		artifact := Artifact{
			Target:     target,
			Source:     sources[target],
			SourceFile: decl.File,
		}
		if tsconfig, ok := FindTypeConfig(decl.File); ok {
			artifact.TypeConfigPath = tsconfig
		}
		if err := packager.Package(ctx, artifact); err != nil {
			return fmt.Errorf("packaging %q: %w", target, err)
		}
	}
	return nil
}
