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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/jobpack/services/pack/compiler"
	"github.com/AleutianAI/jobpack/services/pack/config"
)

const flowSource = `import { defineJob } from "@jobpack/sdk";
import { helper } from "./helper";

export const a = defineJob({
  name: "A",
  body: async (input) => {
    await b.trigger({ step: 1 });
  },
});

export const b = defineJob({
  name: "B",
  body: async () => {
    helper();
  },
});

export const d = defineJob({
  name: "D",
  body: async () => {
    console.log("never triggered");
  },
});
`

const helperSource = `export function helper() { return 1; }
`

// writeProject lays out a project with a config file and returns the
// config path.
func writeProject(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"jobpack.yaml":   yaml,
		"jobs/flow.ts":   flowSource,
		"jobs/helper.ts": helperSource,
		"jobs/notes.txt": "not a source",
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "jobpack.yaml")
}

// runCLI executes the root command and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// mustRunCLI is runCLI for invocations expected to succeed.
func mustRunCLI(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("jobpack %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// =============================================================================
// LOGGING
// =============================================================================

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("loud", io.Discard); err == nil {
		t.Error("expected error for unknown level")
	}

	var buf bytes.Buffer
	logger, err := newLogger("warn", &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", slog.String("k", "v"))

	if strings.Contains(buf.String(), "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Errorf("non-terminal writers should get JSON, got %q", buf.String())
	}
}

// =============================================================================
// SOURCE DISCOVERY AND TARGETS
// =============================================================================

func TestDiscoverSources(t *testing.T) {
	cfgPath := writeProject(t, "")
	cfg := config.Default()
	cfg.Root = filepath.Dir(cfgPath)
	cfg.Sources = []string{"jobs/*.ts", "jobs/flow.ts"}

	files, err := discoverSources(cfg)
	if err != nil {
		t.Fatalf("discoverSources: %v", err)
	}
	want := []string{
		filepath.Join(cfg.Root, "jobs", "flow.ts"),
		filepath.Join(cfg.Root, "jobs", "helper.ts"),
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("discoverSources = %v, want %v", files, want)
	}
}

func TestResolveTargets(t *testing.T) {
	project, err := compiler.NewCompiler().AnalyzeSources(context.Background(),
		map[string]string{"/virtual/flow.ts": flowSource})
	if err != nil {
		t.Fatalf("AnalyzeSources: %v", err)
	}

	cases := []struct {
		args, roots, want []string
	}{
		{[]string{"X"}, []string{"A"}, []string{"X"}},
		{nil, []string{"A"}, []string{"A"}},
		{nil, nil, []string{"A", "B", "D"}},
	}
	for _, tc := range cases {
		if got := resolveTargets(tc.args, tc.roots, project); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("resolveTargets(%v, %v) = %v, want %v", tc.args, tc.roots, got, tc.want)
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestCLI_Units(t *testing.T) {
	cfgPath := writeProject(t, "sources: [\"jobs/*.ts\"]\n")

	out := mustRunCLI(t, "--config", cfgPath, "units")
	for _, want := range []string{"job", "A", "B", "D", filepath.Join("jobs", "flow.ts")} {
		if !strings.Contains(out, want) {
			t.Errorf("units output missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_CompileKeepsOnlyTarget(t *testing.T) {
	cfgPath := writeProject(t, "sources: [\"jobs/*.ts\"]\nout_dir: out\n")

	mustRunCLI(t, "--config", cfgPath, "compile", "A")

	data, err := os.ReadFile(filepath.Join(filepath.Dir(cfgPath), "out", "A.ts"))
	if err != nil {
		t.Fatalf("reading bundle: %v", err)
	}
	src := string(data)
	for _, want := range []string{
		`__jobpackRuntime.invokeJob("B", { step: 1 })`,
		`name: "A"`,
		`import { helper } from "./helper";`,
	} {
		if !strings.Contains(src, want) {
			t.Errorf("bundle missing %q:\n%s", want, src)
		}
	}
	for _, unwanted := range []string{`name: "B"`, `name: "D"`} {
		if strings.Contains(src, unwanted) {
			t.Errorf("bundle still declares %s:\n%s", unwanted, src)
		}
	}
}

func TestCLI_CompileUnknownTarget(t *testing.T) {
	cfgPath := writeProject(t, "sources: [\"jobs/*.ts\"]\n")

	_, err := runCLI(t, "--config", cfgPath, "compile", "Nope")
	if !errors.Is(err, compiler.ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestCLI_CompileNoSources(t *testing.T) {
	cfgPath := writeProject(t, "sources: [\"missing/*.ts\"]\n")

	_, err := runCLI(t, "--config", cfgPath, "compile")
	if err == nil || !strings.Contains(err.Error(), "no source files") {
		t.Errorf("expected a no source files error, got %v", err)
	}
}

func TestCLI_GraphSnapshotAndList(t *testing.T) {
	cfgPath := writeProject(t, "sources: [\"jobs/*.ts\"]\nsnapshot: {dir: snaps}\n")

	id := strings.TrimSpace(mustRunCLI(t, "--config", cfgPath, "graph", "snapshot", "--label", "first"))
	if len(id) != 16 {
		t.Fatalf("snapshot id %q, want 16 chars", id)
	}

	out := mustRunCLI(t, "--config", cfgPath, "graph", "snapshots")
	for _, want := range []string{id, "first", "files=2 edges=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("snapshots output missing %q:\n%s", want, out)
		}
	}

	out = mustRunCLI(t, "--config", cfgPath, "graph", "diff", id, id)
	if !strings.Contains(out, `"edges_added": 0`) {
		t.Errorf("unexpected diff output:\n%s", out)
	}
}

func TestCLI_GraphCycles(t *testing.T) {
	cfgPath := writeProject(t, "sources: [\"jobs/*.ts\"]\n")

	if out := mustRunCLI(t, "--config", cfgPath, "graph", "cycles"); !strings.Contains(out, "no import cycles") {
		t.Errorf("unexpected output:\n%s", out)
	}

	dir := filepath.Dir(cfgPath)
	if err := os.WriteFile(filepath.Join(dir, "jobs", "helper.ts"),
		[]byte("import \"./flow\";\nexport function helper() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "--config", cfgPath, "graph", "cycles")
	if err == nil {
		t.Error("expected an error when cycles exist")
	}
	if !strings.Contains(out, "flow.ts") || !strings.Contains(out, "helper.ts") {
		t.Errorf("cycle not printed:\n%s", out)
	}
}

func TestCLI_InvalidConfig(t *testing.T) {
	cfgPath := writeProject(t, "watch: {debounce: 0s}\n")

	if _, err := runCLI(t, "--config", cfgPath, "units"); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// =============================================================================
// SUPERVISOR
// =============================================================================

func TestSupervisor_RestartReplacesChild(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup, err := newSupervisor([]string{sleep, "30"}, t.TempDir(), logger)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	sup.grace = time.Second

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := sup.Pid()
	if first == 0 {
		t.Fatal("no child after Start")
	}

	sup.Restart()
	if second := sup.Pid(); second == 0 || second == first {
		t.Errorf("Restart pid %d, previous %d", second, first)
	}

	sup.Stop()
	if pid := sup.Pid(); pid != 0 {
		t.Errorf("child %d still tracked after Stop", pid)
	}

	sup.Restart()
	if pid := sup.Pid(); pid != 0 {
		t.Errorf("restart after stop should do nothing, got pid %d", pid)
	}
}

func TestNewSupervisor_RequiresCommand(t *testing.T) {
	if _, err := newSupervisor(nil, "", slog.Default()); err == nil {
		t.Error("expected error for empty argv")
	}
}
