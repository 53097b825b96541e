// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/jobpack/services/pack/compiler"
	"github.com/AleutianAI/jobpack/services/pack/config"
)

func newUnitsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List declared jobs and workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := a.analyzeProject(cmd.Context())
			if err != nil {
				return err
			}
			units := project.Units()
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, units)
			}
			for _, u := range units {
				rel, err := filepath.Rel(a.cfg.Root, u.File)
				if err != nil {
					rel = u.File
				}
				fmt.Fprintf(out, "%-8s  %-24s  %s\n", u.Kind, u.DeclaredName, rel)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print declarations as JSON")
	return cmd
}

func newCompileCmd(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "compile [targets...]",
		Short: "Rewrite and package bundle targets",
		Long: `Rewrite each target's declaring file so that only the target's own
declaration remains, with its trigger calls turned into runtime calls, then
write the result to the output directory.

Targets default to the configured roots, then to every declared job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project, err := a.analyzeProject(ctx)
			if err != nil {
				return err
			}
			targets := resolveTargets(args, a.cfg.Roots, project)
			if len(targets) == 0 {
				return fmt.Errorf("no bundle targets: declare a job or pass target names")
			}
			if unused := project.Unused(targets...); len(unused) > 0 {
				a.logger.Info("units unreachable from every target", slog.Any("units", unused))
			}

			dir := outDir
			if dir == "" {
				dir = a.cfg.Resolve(a.cfg.OutDir)
			}
			packager := &compiler.DirPackager{Dir: dir, Logger: a.logger}
			if err := project.Package(ctx, targets, packager); err != nil {
				return err
			}
			a.logger.Info("compile complete",
				slog.Int("targets", len(targets)),
				slog.String("out_dir", dir))
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (overrides out_dir)")
	return cmd
}

// resolveTargets picks bundle targets: explicit arguments first, then the
// configured roots, then every declared job.
func resolveTargets(args, roots []string, project *compiler.Project) []string {
	switch {
	case len(args) > 0:
		return args
	case len(roots) > 0:
		return roots
	default:
		return project.Targets()
	}
}

func (a *app) newCompiler() *compiler.Compiler {
	return compiler.NewCompiler(
		compiler.WithFactories(a.cfg.Factories.Job, a.cfg.Factories.Workflow),
		compiler.WithRuntimeIdentifier(a.cfg.RuntimeIdentifier),
		compiler.WithConcurrency(a.cfg.Concurrency),
		compiler.WithLogger(a.logger),
	)
}

func (a *app) analyzeProject(ctx context.Context) (*compiler.Project, error) {
	files, err := discoverSources(a.cfg)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no source files match %v under %s", a.cfg.Sources, a.cfg.Root)
	}
	a.logger.Debug("sources discovered", slog.Int("files", len(files)))
	return a.newCompiler().Analyze(ctx, files)
}

// discoverSources expands the configured source globs to regular files,
// sorted and without duplicates.
func discoverSources(cfg *config.Config) ([]string, error) {
	seen := make(map[string]struct{})
	for _, pattern := range cfg.Sources {
		matches, err := doublestar.Glob(cfg.Resolve(pattern))
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[m] = struct{}{}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}
