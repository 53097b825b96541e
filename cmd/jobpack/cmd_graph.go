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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/jobpack/services/pack/graph"
)

func newGraphCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect and snapshot the import graph of the sources",
	}
	cmd.AddCommand(
		newGraphCyclesCmd(a),
		newGraphSnapshotCmd(a),
		newGraphSnapshotsCmd(a),
		newGraphDiffCmd(a),
	)
	return cmd
}

func newGraphCyclesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles",
		Short: "Print import cycles among the sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := a.buildGraph(cmd.Context())
			if err != nil {
				return err
			}
			cycles := g.FindCircularDependencies()
			out := cmd.OutOrStdout()
			if len(cycles) == 0 {
				fmt.Fprintln(out, "no import cycles")
				return nil
			}
			for _, c := range cycles {
				fmt.Fprintln(out, strings.Join(c, " -> ")+" -> "+c[0])
			}
			return fmt.Errorf("%d import cycle(s) found", len(cycles))
		},
	}
}

func newGraphSnapshotCmd(a *app) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Build the import graph and save it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			g, err := a.buildGraph(ctx)
			if err != nil {
				return err
			}
			mgr, closeDB, err := a.openSnapshots()
			if err != nil {
				return err
			}
			defer closeDB()

			meta, err := mgr.Save(ctx, g, label)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), meta.SnapshotID)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label stored with the snapshot")
	return cmd
}

func newGraphSnapshotsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List saved snapshots of this project, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, closeDB, err := a.openSnapshots()
			if err != nil {
				return err
			}
			defer closeDB()

			list, err := mgr.List(cmd.Context(), a.cfg.Root, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range list {
				created := time.UnixMilli(m.CreatedAtMilli).Format(time.RFC3339)
				fmt.Fprintf(out, "%s  %s  files=%d edges=%d  %s\n",
					m.SnapshotID, created, m.FileCount, m.EdgeCount, m.Label)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of snapshots")
	return cmd
}

func newGraphDiffCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <base-id> <target-id>",
		Short: "Compare two saved snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, closeDB, err := a.openSnapshots()
			if err != nil {
				return err
			}
			defer closeDB()

			base, _, err := mgr.Load(ctx, args[0])
			if err != nil {
				return err
			}
			target, _, err := mgr.Load(ctx, args[1])
			if err != nil {
				return err
			}
			diff, err := graph.DiffGraphs(base, target)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), diff)
		},
	}
}

// buildGraph analyzes the imports of every discovered source file.
func (a *app) buildGraph(ctx context.Context) (*graph.DependencyGraph, error) {
	files, err := discoverSources(a.cfg)
	if err != nil {
		return nil, err
	}
	opts := []graph.AnalyzerOption{graph.WithAnalyzerLogger(a.logger)}
	if a.cfg.Concurrency > 0 {
		opts = append(opts, graph.WithAnalyzerConcurrency(a.cfg.Concurrency))
	}
	analyzer := graph.NewImportAnalyzer(opts...)
	if err := analyzer.Init(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrAnalyzerInit, err)
	}

	g := graph.NewDependencyGraph(analyzer,
		graph.WithProjectRoot(a.cfg.Root),
		graph.WithGraphLogger(a.logger))
	if err := g.BuildGraph(ctx, files); err != nil {
		return nil, err
	}
	return g, nil
}

// openSnapshots opens the on-disk snapshot store. The returned func closes
// it.
func (a *app) openSnapshots() (*graph.SnapshotManager, func(), error) {
	dir := strings.TrimSpace(a.cfg.Snapshot.Dir)
	if dir == "" {
		return nil, nil, fmt.Errorf("snapshot.dir is not set")
	}
	db, err := graph.OpenBadger(a.cfg.Resolve(dir))
	if err != nil {
		return nil, nil, err
	}
	mgr, err := graph.NewSnapshotManager(db, nil, a.logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			a.logger.Warn("closing snapshot store", slog.Any("error", err))
		}
	}
	return mgr, closeDB, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
