// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pack exposes the watcher and dependency graph over HTTP.
package pack

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /pack endpoints on rg.
//
// Endpoints:
//
//	GET  /v1/pack/health - Health check
//	GET  /v1/pack/watch/status - Watcher counts and groups
//	GET  /v1/pack/watch/impact?file= - Blast radius of one file
//	GET  /v1/pack/graph/cycles - Import cycles
//	POST /v1/pack/graph/snapshot - Save the current graph
//	GET  /v1/pack/graph/snapshots - List saved graphs
//	GET  /v1/pack/graph/snapshot/diff?base=&target= - Compare two saved graphs
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	pack := rg.Group("/pack")
	{
		pack.GET("/health", handlers.HandleHealth)

		watch := pack.Group("/watch")
		{
			watch.GET("/status", handlers.HandleWatchStatus)
			watch.GET("/impact", handlers.HandleImpact)
		}

		g := pack.Group("/graph")
		{
			g.GET("/cycles", handlers.HandleCycles)
			g.POST("/snapshot", handlers.HandleSaveSnapshot)
			g.GET("/snapshots", handlers.HandleListSnapshots)
			g.GET("/snapshot/diff", handlers.HandleDiffSnapshots)
		}
	}
}

// NewRouter builds the status server engine: recovery, tracing, the /v1
// routes and /metrics.
func NewRouter(serviceName string, handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
