// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pack.ast")

var (
	// parseDuration measures tree-sitter parse latency.
	//
	// Labels:
	//   - status: "success", "syntax", "too_large", "invalid_content",
	//     "unsupported", "canceled", "error"
	parseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jobpack",
			Subsystem: "ast",
			Name:      "parse_duration_seconds",
			Help:      "Duration of source file parses in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"status"},
	)

	parsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpack",
			Subsystem: "ast",
			Name:      "parses_total",
			Help:      "Total source file parses by status.",
		},
		[]string{"status"},
	)
)

func startParseSpan(ctx context.Context, filePath string, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ast.Parse",
		trace.WithAttributes(
			attribute.String("file", filePath),
			attribute.Int("size_bytes", size),
		),
	)
}

func setParseSpanResult(span trace.Span, language string) {
	span.SetAttributes(attribute.String("language", language))
}

func recordParse(d time.Duration, status string) {
	parseDuration.WithLabelValues(status).Observe(d.Seconds())
	parsesTotal.WithLabelValues(status).Inc()
}
