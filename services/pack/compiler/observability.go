// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pack.compiler")

var (
	analyzeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jobpack",
			Subsystem: "compiler",
			Name:      "analyze_duration_seconds",
			Help:      "Duration of project analysis in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	filesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "compiler",
			Name:      "files_skipped_total",
			Help:      "Source files skipped because they could not be read or parsed.",
		},
	)

	// unitsDeclared tracks the units found by the last analysis.
	//
	// Labels:
	//   - kind: "job" or "workflow"
	unitsDeclared = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobpack",
			Subsystem: "compiler",
			Name:      "units",
			Help:      "Units declared in the last analyzed project.",
		},
		[]string{"kind"},
	)

	// rewritesTotal counts per-target rewrites.
	//
	// Labels:
	//   - status: "success", "unknown_target", "error"
	rewritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "compiler",
			Name:      "rewrites_total",
			Help:      "Total per-target source rewrites by status.",
		},
		[]string{"status"},
	)

	rewriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jobpack",
			Subsystem: "compiler",
			Name:      "rewrite_duration_seconds",
			Help:      "Duration of a single target rewrite in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
)

func recordRewrite(d time.Duration, status string) {
	rewriteDuration.Observe(d.Seconds())
	rewritesTotal.WithLabelValues(status).Inc()
}

func recordUnits(jobs, workflows int) {
	unitsDeclared.WithLabelValues(UnitJob.String()).Set(float64(jobs))
	unitsDeclared.WithLabelValues(UnitWorkflow.String()).Set(float64(workflows))
}
