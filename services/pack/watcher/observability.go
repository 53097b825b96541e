// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pack.watcher")

var (
	// eventsTotal counts filesystem events after debouncing.
	//
	// Labels:
	//   - kind: "add", "change", "unlink"
	//   - outcome: "restart", "ignored", "error"
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Processed filesystem events by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	eventsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "watcher",
			Name:      "events_coalesced_total",
			Help:      "Raw events dropped because a later event for the same key replaced them.",
		},
	)

	eventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jobpack",
			Subsystem: "watcher",
			Name:      "event_duration_seconds",
			Help:      "Time to apply one debounced event to the graph and compute its impact.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	impactLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "watcher",
			Name:      "impact_lookups_total",
			Help:      "Impact calculations by cache result.",
		},
		[]string{"cache"},
	)

	watchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "watcher",
			Name:      "errors_total",
			Help:      "Errors routed to the error callback.",
		},
	)
)
