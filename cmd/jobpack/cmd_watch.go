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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/jobpack/services/pack"
	"github.com/AleutianAI/jobpack/services/pack/graph"
	"github.com/AleutianAI/jobpack/services/pack/watcher"
)

const shutdownTimeout = 5 * time.Second

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [-- command [args...]]",
		Short: "Watch dependency groups and restart a command when one changes",
		Long: `Watch the configured groups and everything they import. When a change
touches at least one group, the command after -- is restarted. Without a
command, restarts are only logged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWatch(cmd.Context(), args)
		},
	}
}

func (a *app) runWatch(parent context.Context, argv []string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(a.cfg.Watch.Groups) == 0 {
		return errors.New("no watch groups configured")
	}

	analyzerOpts := []graph.AnalyzerOption{graph.WithAnalyzerLogger(a.logger)}
	if a.cfg.Concurrency > 0 {
		analyzerOpts = append(analyzerOpts, graph.WithAnalyzerConcurrency(a.cfg.Concurrency))
	}
	w := watcher.New(
		watcher.WithRoot(a.cfg.Root),
		watcher.WithDebounce(a.cfg.Watch.Debounce),
		watcher.WithCacheSize(a.cfg.Watch.CacheSize),
		watcher.WithLogger(a.logger),
		watcher.WithAnalyzer(graph.NewImportAnalyzer(analyzerOpts...)),
	)
	if err := w.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := w.Stop(); err != nil {
			a.logger.Warn("stopping watcher", slog.Any("error", err))
		}
	}()

	for _, g := range a.cfg.Watch.Groups {
		if err := w.AddWatchGroup(ctx, g.ID, g.Patterns); err != nil {
			return fmt.Errorf("watch group %q: %w", g.ID, err)
		}
	}

	var sup *supervisor
	if len(argv) > 0 {
		var err error
		sup, err = newSupervisor(argv, a.cfg.Root, a.logger)
		if err != nil {
			return err
		}
		if err := sup.Start(); err != nil {
			return err
		}
		defer sup.Stop()
	}
	w.SetRestartCallback(func() {
		if sup == nil {
			a.logger.Info("restart requested")
			return
		}
		sup.Restart()
	})
	w.OnError(func(err error) {
		a.logger.Error("watcher error", slog.Any("error", err))
	})

	var snapshots *graph.SnapshotManager
	if a.cfg.Snapshot.Enabled {
		mgr, closeDB, err := a.openSnapshots()
		if err != nil {
			return err
		}
		defer closeDB()
		snapshots = mgr
	}

	if a.cfg.Status.Enabled {
		srv := a.startStatusServer(w, snapshots)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("status server shutdown", slog.Any("error", err))
			}
		}()
	}

	st := w.Status()
	a.logger.Info("watching",
		slog.String("session_id", st.SessionID),
		slog.Int("groups", len(st.Groups)),
		slog.Int("files", st.GraphNodes),
		slog.Int("dirs", st.WatchedDirs))

	<-ctx.Done()
	a.logger.Info("shutting down")

	if snapshots != nil {
		a.saveFinalSnapshot(w, snapshots)
	}
	return nil
}

func (a *app) startStatusServer(w *watcher.Watcher, snapshots *graph.SnapshotManager) *http.Server {
	if a.logger.Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := pack.NewHandlers(w, snapshots, a.logger)
	srv := &http.Server{
		Addr:              a.cfg.Status.Addr,
		Handler:           pack.NewRouter(serviceName, handlers),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("status server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server failed", slog.Any("error", err))
		}
	}()
	return srv
}

func (a *app) saveFinalSnapshot(w *watcher.Watcher, snapshots *graph.SnapshotManager) {
	g, err := w.SnapshotGraph()
	if err != nil {
		a.logger.Warn("copying graph for final snapshot", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := snapshots.Save(ctx, g, "watch-stop"); err != nil {
		a.logger.Warn("saving final snapshot", slog.Any("error", err))
	}
}
