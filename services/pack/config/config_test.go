// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Root != "." {
		t.Errorf("Root = %q", cfg.Root)
	}
	if cfg.Factories.Job != "defineJob" || cfg.Factories.Workflow != "defineWorkflow" {
		t.Errorf("Factories = %+v", cfg.Factories)
	}
	if cfg.RuntimeIdentifier != "__jobpackRuntime" {
		t.Errorf("RuntimeIdentifier = %q", cfg.RuntimeIdentifier)
	}
	if cfg.Watch.Debounce != 100*time.Millisecond || cfg.Watch.CacheSize != 256 {
		t.Errorf("Watch = %+v", cfg.Watch)
	}
	if len(cfg.Watch.Groups) != 1 || cfg.Watch.Groups[0].ID != "jobs" {
		t.Errorf("Groups = %+v", cfg.Watch.Groups)
	}
	if cfg.Status.Enabled {
		t.Error("status server should be off by default")
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sources: ["jobs/*.ts"]
factories:
  job: job
roots: [A, B]
watch:
  debounce: 250ms
  groups:
    - id: api
      patterns: ["api/**/*.ts"]
    - id: worker
      patterns: ["worker/*.ts"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !reflect.DeepEqual(cfg.Sources, []string{"jobs/*.ts"}) {
		t.Errorf("Sources = %v", cfg.Sources)
	}
	if cfg.Factories.Job != "job" {
		t.Errorf("Factories.Job = %q", cfg.Factories.Job)
	}
	if cfg.Factories.Workflow != "defineWorkflow" {
		t.Errorf("unset keys should keep defaults, Factories.Workflow = %q", cfg.Factories.Workflow)
	}
	if !reflect.DeepEqual(cfg.Roots, []string{"A", "B"}) {
		t.Errorf("Roots = %v", cfg.Roots)
	}
	if cfg.Watch.Debounce != 250*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Watch.Debounce)
	}
	if len(cfg.Watch.Groups) != 2 || cfg.Watch.Groups[1].ID != "worker" {
		t.Errorf("Groups = %+v", cfg.Watch.Groups)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate group": `
watch:
  groups:
    - {id: a, patterns: ["*.ts"]}
    - {id: a, patterns: ["*.js"]}
`,
		"zero debounce":     "watch: {debounce: 0s}",
		"negative debounce": "watch: {debounce: -1s}",
		"empty patterns": `
watch:
  groups:
    - {id: a, patterns: []}
`,
		"blank group id": `
watch:
  groups:
    - {id: "", patterns: ["*.ts"]}
`,
		"no sources":           "sources: []",
		"empty factory":        "factories: {job: \"\"}",
		"status without addr":  "status: {enabled: true, addr: \"\"}",
		"snapshot without dir": "snapshot: {enabled: true, dir: \"\"}",
		"negative concurrency": "concurrency: -1",
		"malformed yaml":       "watch: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParse_ValidationErrorsWrapSentinel(t *testing.T) {
	for _, doc := range []string{"watch: {debounce: 0s}", "sources: []"} {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Parse(%q) = %v, want ErrInvalidConfig", doc, err)
		}
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvOutDir, "/tmp/out")
	t.Setenv(EnvDebounce, "40ms")
	t.Setenv(EnvStatusAddr, ":9999")
	t.Setenv(EnvConcurrency, "3")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.OutDir != "/tmp/out" {
		t.Errorf("OutDir = %q", cfg.OutDir)
	}
	if cfg.Watch.Debounce != 40*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Watch.Debounce)
	}
	if !cfg.Status.Enabled || cfg.Status.Addr != ":9999" {
		t.Errorf("Status = %+v", cfg.Status)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d", cfg.Concurrency)
	}

	t.Setenv(EnvDebounce, "soon")
	if _, err := Parse(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad duration: got %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_FileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("root: project\nout_dir: build\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvSnapshotDir+"=snaps\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvSnapshotDir) })

	cfg, err := Load(filepath.Join(dir, DefaultFileName))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != filepath.Join(dir, "project") {
		t.Errorf("Root = %q", cfg.Root)
	}
	if cfg.OutDir != "build" {
		t.Errorf("OutDir = %q", cfg.OutDir)
	}
	if !cfg.Snapshot.Enabled || cfg.Snapshot.Dir != "snaps" {
		t.Errorf("Snapshot = %+v", cfg.Snapshot)
	}
	if got := cfg.Resolve("src/a.ts"); got != filepath.Join(dir, "project", "src", "a.ts") {
		t.Errorf("Resolve = %q", got)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != dir {
		t.Errorf("Root = %q, want %q", cfg.Root, dir)
	}
	if cfg.OutDir != "dist/jobs" {
		t.Errorf("OutDir = %q", cfg.OutDir)
	}
}
