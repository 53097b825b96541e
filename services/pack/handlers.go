// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pack

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/jobpack/services/pack/graph"
	"github.com/AleutianAI/jobpack/services/pack/watcher"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CyclesResponse lists import cycles.
type CyclesResponse struct {
	Count  int        `json:"count"`
	Cycles [][]string `json:"cycles"`
}

// WatchSource is the part of the watcher the handlers read.
type WatchSource interface {
	Status() watcher.Status
	State() watcher.State
	CalculateImpact(file string) watcher.ImpactResult
	ReadGraph(fn func(g *graph.DependencyGraph))
	SnapshotGraph() (*graph.DependencyGraph, error)
}

// Handlers serves the status API.
//
// Thread Safety:
//
//	Safe for concurrent use. All state lives behind WatchSource and the
//	snapshot store.
type Handlers struct {
	watch     WatchSource
	snapshots *graph.SnapshotManager
	logger    *slog.Logger
}

// NewHandlers creates Handlers. snapshots may be nil, which disables the
// snapshot endpoints.
func NewHandlers(watch WatchSource, snapshots *graph.SnapshotManager, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{watch: watch, snapshots: snapshots, logger: logger}
}

// HandleHealth handles GET /v1/pack/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleWatchStatus handles GET /v1/pack/watch/status.
func (h *Handlers) HandleWatchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.watch.Status())
}

// HandleImpact handles GET /v1/pack/watch/impact.
//
// Query Parameters:
//
//	file: Path of the changed file (required)
//
// Response:
//
//	200 OK: watcher.ImpactResult
//	400 Bad Request: Missing file
//	503 Service Unavailable: Watcher not initialized
func (h *Handlers) HandleImpact(c *gin.Context) {
	file := c.Query("file")
	if file == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "file parameter is required", Code: "MISSING_PARAMETER"})
		return
	}
	if h.watch.State() == watcher.StateUninitialized {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "watcher is not running", Code: "NOT_READY"})
		return
	}
	c.JSON(http.StatusOK, h.watch.CalculateImpact(file))
}

// HandleCycles handles GET /v1/pack/graph/cycles.
func (h *Handlers) HandleCycles(c *gin.Context) {
	var cycles [][]string
	h.watch.ReadGraph(func(g *graph.DependencyGraph) {
		cycles = g.FindCircularDependencies()
	})
	if cycles == nil {
		cycles = [][]string{}
	}
	c.JSON(http.StatusOK, CyclesResponse{Count: len(cycles), Cycles: cycles})
}

// HandleSaveSnapshot handles POST /v1/pack/graph/snapshot.
//
// Query Parameters:
//
//	label: Optional label stored with the snapshot
func (h *Handlers) HandleSaveSnapshot(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSaveSnapshot")
	if !h.snapshotsEnabled(c) {
		return
	}
	g, err := h.watch.SnapshotGraph()
	if err != nil {
		logger.Error("copying graph for snapshot", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "SNAPSHOT_FAILED"})
		return
	}
	meta, err := h.snapshots.Save(c.Request.Context(), g, c.Query("label"))
	if err != nil {
		logger.Error("saving snapshot", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "SNAPSHOT_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, meta)
}

// HandleListSnapshots handles GET /v1/pack/graph/snapshots.
//
// Query Parameters:
//
//	project_root: Filter by project root (optional)
//	limit: Maximum results, default 100 (optional)
func (h *Handlers) HandleListSnapshots(c *gin.Context) {
	if !h.snapshotsEnabled(c) {
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := h.snapshots.List(c.Request.Context(), c.Query("project_root"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "SNAPSHOT_FAILED"})
		return
	}
	if list == nil {
		list = []*graph.SnapshotMetadata{}
	}
	c.JSON(http.StatusOK, list)
}

// HandleDiffSnapshots handles GET /v1/pack/graph/snapshot/diff.
//
// Query Parameters:
//
//	base: Base snapshot id (required)
//	target: Target snapshot id (required)
//
// Response:
//
//	200 OK: graph.GraphDiff
//	400 Bad Request: Missing id
//	404 Not Found: Unknown snapshot
func (h *Handlers) HandleDiffSnapshots(c *gin.Context) {
	if !h.snapshotsEnabled(c) {
		return
	}
	baseID, targetID := c.Query("base"), c.Query("target")
	if baseID == "" || targetID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "base and target parameters are required", Code: "MISSING_PARAMETER"})
		return
	}
	ctx := c.Request.Context()
	base, _, err := h.snapshots.Load(ctx, baseID)
	if err != nil {
		h.snapshotError(c, err)
		return
	}
	target, _, err := h.snapshots.Load(ctx, targetID)
	if err != nil {
		h.snapshotError(c, err)
		return
	}
	diff, err := graph.DiffGraphs(base, target)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "DIFF_FAILED"})
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (h *Handlers) snapshotsEnabled(c *gin.Context) bool {
	if h.snapshots != nil {
		return true
	}
	c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "snapshot store is not configured", Code: "NOT_CONFIGURED"})
	return false
}

func (h *Handlers) snapshotError(c *gin.Context, err error) {
	if errors.Is(err, graph.ErrSnapshotNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "SNAPSHOT_FAILED"})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", requestID(c)),
		slog.String("handler", handler))
}

// requestID returns the caller's request id, or a new one, and echoes it
// on the response.
func requestID(c *gin.Context) string {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(RequestIDHeader, id)
	return id
}
