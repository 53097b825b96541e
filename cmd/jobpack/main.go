// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command jobpack compiles job declarations into per-target bundles and
// watches a project for changes that need a restart.
//
// Usage:
//
//	jobpack units                 # list declared jobs and workflows
//	jobpack compile               # package every root (or every job)
//	jobpack compile A B           # package only A and B
//	jobpack watch -- node dev.js  # restart node when a watched group changes
//	jobpack graph cycles          # print import cycles
//	jobpack graph snapshot        # save the dependency graph
//	jobpack graph diff ID1 ID2    # compare two saved graphs
//
// Settings come from jobpack.yaml (see --config), a .env file next to it
// and JOBPACK_* environment variables.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/jobpack/services/pack/config"
)

const serviceName = "jobpack"

// app holds state shared by every subcommand. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	configPath  string
	logLevel    string
	traceStdout bool

	cfg             *config.Config
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Compile job declarations into pruned bundles and watch their dependencies",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.shutdownTracing == nil {
				return nil
			}
			return a.shutdownTracing(context.Background())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultFileName, "path to the jobpack config file")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.BoolVar(&a.traceStdout, "trace-stdout", false, "export trace spans to stderr")

	root.AddCommand(
		newUnitsCmd(a),
		newCompileCmd(a),
		newWatchCmd(a),
		newGraphCmd(a),
	)
	return root
}

func (a *app) setup(stderr io.Writer) error {
	logger, err := newLogger(a.logLevel, stderr)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger.Debug("configuration loaded",
		slog.String("config", a.configPath),
		slog.String("root", cfg.Root),
		slog.Any("sources", cfg.Sources))

	shutdown, err := setupTracing(a.traceStdout, stderr)
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdown
	return nil
}

// newLogger returns a text logger on terminals and a JSON logger otherwise.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// setupTracing installs the global tracer provider. With export disabled
// the otel no-op provider stays in place.
func setupTracing(enabled bool, w io.Writer) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
