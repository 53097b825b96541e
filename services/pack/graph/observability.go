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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pack.graph")

var (
	buildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jobpack",
			Subsystem: "graph",
			Name:      "build_duration_seconds",
			Help:      "Duration of full dependency graph builds in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	graphNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobpack",
			Subsystem: "graph",
			Name:      "nodes",
			Help:      "Files currently in the dependency graph.",
		},
	)

	graphEdges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobpack",
			Subsystem: "graph",
			Name:      "edges",
			Help:      "Import edges currently in the dependency graph.",
		},
	)

	analyzerSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "graph",
			Name:      "analyzer_files_skipped_total",
			Help:      "Files skipped by the import analyzer because they could not be parsed.",
		},
	)

	// snapshotOps counts snapshot store operations.
	//
	// Labels:
	//   - op: "save", "load", "delete"
	//   - status: "success", "not_found", "error"
	snapshotOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "graph",
			Name:      "snapshot_operations_total",
			Help:      "Graph snapshot store operations by type and status.",
		},
		[]string{"op", "status"},
	)
)

func recordBuild(d time.Duration, nodes, edges int) {
	buildDuration.Observe(d.Seconds())
	recordSize(nodes, edges)
}

func recordSize(nodes, edges int) {
	graphNodes.Set(float64(nodes))
	graphEdges.Set(float64(edges))
}
