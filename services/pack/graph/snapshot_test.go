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
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func newTestSnapshotManager(t *testing.T) (*SnapshotManager, *badger.DB) {
	t.Helper()
	db, err := OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	mgr, err := NewSnapshotManager(db, nil, logger)
	if err != nil {
		t.Fatalf("NewSnapshotManager: %v", err)
	}
	return mgr, db
}

func mustSave(t *testing.T, mgr *SnapshotManager, g *DependencyGraph, label string) *SnapshotMetadata {
	t.Helper()
	meta, err := mgr.Save(context.Background(), g, label)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	return meta
}

func mustLoad(t *testing.T, mgr *SnapshotManager, id string) *DependencyGraph {
	t.Helper()
	g, _, err := mgr.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%s): %v", id, err)
	}
	return g
}

func TestNewSnapshotManager_Validation(t *testing.T) {
	if _, err := NewSnapshotManager(nil, nil, slog.Default()); err == nil {
		t.Error("expected error for nil db")
	}

	_, db := newTestSnapshotManager(t)
	if _, err := NewSnapshotManager(db, nil, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestSnapshotManager_SaveAndLoad(t *testing.T) {
	mgr, _ := newTestSnapshotManager(t)
	ctx := context.Background()
	g, _ := newChainGraph(t)

	meta := mustSave(t, mgr, g, "baseline")
	if len(meta.SnapshotID) != 16 {
		t.Errorf("SnapshotID = %q, want 16 chars", meta.SnapshotID)
	}
	if meta.ProjectHash != ProjectHash("/proj") {
		t.Errorf("ProjectHash = %q", meta.ProjectHash)
	}
	if meta.FileCount != 4 || meta.EdgeCount != 4 {
		t.Errorf("FileCount = %d, EdgeCount = %d", meta.FileCount, meta.EdgeCount)
	}
	if meta.Label != "baseline" {
		t.Errorf("Label = %q", meta.Label)
	}
	if meta.CompressedSize <= 0 {
		t.Errorf("CompressedSize = %d", meta.CompressedSize)
	}

	loaded, loadedMeta, err := mgr.Load(ctx, meta.SnapshotID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loadedMeta.SnapshotID != meta.SnapshotID {
		t.Errorf("loaded metadata for %q", loadedMeta.SnapshotID)
	}
	if loaded.Hash() != g.Hash() || loaded.ProjectRoot != "/proj" {
		t.Error("loaded graph differs from saved graph")
	}
	if !reflect.DeepEqual(loaded.Dependents("/proj/d.ts"), g.Dependents("/proj/d.ts")) {
		t.Errorf("Dependents(d) = %v", loaded.Dependents("/proj/d.ts"))
	}

	latest, _, err := mgr.LoadLatest(ctx, "/proj")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if latest.Hash() != g.Hash() {
		t.Error("LoadLatest returned a different graph")
	}
}

func TestSnapshotManager_NotFound(t *testing.T) {
	mgr, _ := newTestSnapshotManager(t)
	ctx := context.Background()

	if _, _, err := mgr.Load(ctx, "deadbeefdeadbeef"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Load: got %v", err)
	}
	if _, _, err := mgr.LoadLatest(ctx, "/nowhere"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("LoadLatest: got %v", err)
	}
	if err := mgr.Delete(ctx, "deadbeefdeadbeef"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Delete: got %v", err)
	}
}

func TestSnapshotManager_ListAndDelete(t *testing.T) {
	mgr, _ := newTestSnapshotManager(t)
	ctx := context.Background()

	g, fa := newChainGraph(t)
	first := mustSave(t, mgr, g, "first")

	fa.set("/proj/a.ts", "/proj/b.ts")
	if err := g.AddNode(ctx, "/proj/a.ts"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	second := mustSave(t, mgr, g, "second")
	if first.SnapshotID == second.SnapshotID {
		t.Fatal("snapshot ids must differ")
	}

	mustSave(t, mgr, NewDependencyGraph(fa, WithProjectRoot("/other")), "")

	list, err := mgr.List(ctx, "/proj", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 snapshots for /proj, got %d", len(list))
	}
	if list[0].CreatedAtMilli < list[1].CreatedAtMilli {
		t.Error("list not newest first")
	}

	if all, err := mgr.List(ctx, "", 0); err != nil || len(all) != 3 {
		t.Errorf("List(all) = %d snapshots, %v", len(all), err)
	}
	if limited, err := mgr.List(ctx, "", 1); err != nil || len(limited) != 1 {
		t.Errorf("List(limit 1) = %d snapshots, %v", len(limited), err)
	}

	if err := mgr.Delete(ctx, second.SnapshotID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := mgr.LoadLatest(ctx, "/proj"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("latest pointer should be cleared with its snapshot, got %v", err)
	}
	mustLoad(t, mgr, first.SnapshotID)

	if list, err := mgr.List(ctx, "/proj", 0); err != nil || len(list) != 1 {
		t.Errorf("List after delete = %d snapshots, %v", len(list), err)
	}
}

func TestSnapshotManager_DiffLoadedSnapshots(t *testing.T) {
	mgr, _ := newTestSnapshotManager(t)
	ctx := context.Background()

	g, fa := newChainGraph(t)
	before := mustSave(t, mgr, g, "")

	fa.set("/proj/c.ts")
	if err := g.AddNode(ctx, "/proj/c.ts"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	after := mustSave(t, mgr, g, "")

	diff, err := DiffGraphs(mustLoad(t, mgr, before.SnapshotID), mustLoad(t, mgr, after.SnapshotID))
	if err != nil {
		t.Fatalf("DiffGraphs: %v", err)
	}
	want := []FileDiff{{Path: "/proj/c.ts", ImportsRemoved: []string{"/proj/d.ts"}}}
	if !reflect.DeepEqual(diff.FilesChanged, want) {
		t.Errorf("FilesChanged = %+v", diff.FilesChanged)
	}
	if diff.EdgesRemoved != 1 {
		t.Errorf("EdgesRemoved = %d", diff.EdgesRemoved)
	}
}
