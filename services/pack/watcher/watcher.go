// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher keeps a dependency graph current while files change and
// decides when the host process needs a restart.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/jobpack/services/pack/graph"
)

var (
	// ErrInvalidGroupID indicates an empty or blank watch group id.
	ErrInvalidGroupID = errors.New("watch group id must not be empty")

	// ErrEmptyPatterns indicates a watch group with no patterns.
	ErrEmptyPatterns = errors.New("watch group needs at least one pattern")

	// ErrDuplicateGroup indicates the id is already registered.
	ErrDuplicateGroup = errors.New("watch group already exists")

	// ErrGroupNotFound indicates the id is not registered.
	ErrGroupNotFound = errors.New("watch group not found")

	// ErrNotInitialized indicates Init has not been called, or Stop was.
	ErrNotInitialized = errors.New("watcher not initialized")

	// ErrAlreadyInitialized indicates Init was called twice without Stop.
	ErrAlreadyInitialized = errors.New("watcher already initialized")
)

// DefaultDebounce is the quiet period before a burst of events is processed.
const DefaultDebounce = 100 * time.Millisecond

// DefaultCacheSize bounds the impact cache.
const DefaultCacheSize = 256

// State is the watcher lifecycle state.
type State int

const (
	// StateUninitialized is the state before Init and after Stop.
	StateUninitialized State = iota

	// StateInitialized means filesystem hooks are armed but no group is registered.
	StateInitialized

	// StateRunning means at least one group is registered and the graph is built.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// WatchGroup is a named set of files resolved from glob patterns.
type WatchGroup struct {
	ID       string
	Patterns []string

	// Files are canonical absolute paths.
	Files map[string]struct{}
}

// ImpactResult is the blast radius of one changed file.
type ImpactResult struct {
	ChangedFile string `json:"changed_file"`

	// AffectedFiles is ChangedFile followed by its transitive dependents.
	AffectedFiles []string `json:"affected_files"`

	// AffectedGroups are the ids of groups owning any affected file, sorted.
	AffectedGroups []string `json:"affected_groups"`
}

// GroupStatus summarizes one watch group.
type GroupStatus struct {
	ID       string   `json:"id"`
	Patterns []string `json:"patterns"`
	Files    int      `json:"files"`
}

// Status is a point-in-time view of the watcher.
type Status struct {
	SessionID     string        `json:"session_id"`
	State         string        `json:"state"`
	Groups        []GroupStatus `json:"groups"`
	WatchedFiles  int           `json:"watched_files"`
	WatchedDirs   int           `json:"watched_dirs"`
	GraphNodes    int           `json:"graph_nodes"`
	GraphEdges    int           `json:"graph_edges"`
	CachedImpacts int           `json:"cached_impacts"`
	PendingEvents int           `json:"pending_events"`
	Restarts      int           `json:"restarts"`
	LastEventAt   *time.Time    `json:"last_event_at,omitempty"`
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRoot sets the directory relative patterns are resolved against.
func WithRoot(root string) Option {
	return func(w *Watcher) {
		if root != "" {
			w.root = root
		}
	}
}

// WithDebounce sets the per-key quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithCacheSize bounds the impact cache.
func WithCacheSize(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.cacheSize = n
		}
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithAnalyzer replaces the default tree-sitter import analyzer.
func WithAnalyzer(a graph.ModuleAnalyzer) Option {
	return func(w *Watcher) {
		if a != nil {
			w.analyzer = a
		}
	}
}

// initializer is implemented by analyzers that can fail to start.
type initializer interface {
	Init(ctx context.Context) error
}

// Watcher owns watch groups, the dependency graph and the filesystem hooks.
//
// Description:
//
//	Raw filesystem events are debounced per (kind, path) key. Debounced
//	events, fsnotify errors and fsnotify events are all handled on one
//	loop goroutine, so graph mutations never run in parallel. Public
//	methods take the same lock.
//
// Thread Safety:
//
//	Safe for concurrent use. Callbacks run on the loop goroutine and must
//	not call Stop.
type Watcher struct {
	root      string
	debounce  time.Duration
	cacheSize int
	logger    *slog.Logger
	analyzer  graph.ModuleAnalyzer

	mu        sync.Mutex
	state     State
	sessionID string
	graph     *graph.DependencyGraph
	groups    map[string]*WatchGroup
	cache     *lru.Cache[string, ImpactResult]
	fsw       *fsnotify.Watcher
	dirs      map[string]struct{}
	pending   map[eventKey]*pendingEvent
	seq       uint64
	restarts  int
	lastEvent time.Time

	onError   func(error)
	onRestart func()

	done     chan struct{}
	fired    chan firedEvent
	loopDone chan struct{}
}

// New creates an uninitialized Watcher.
func New(opts ...Option) *Watcher {
	w := &Watcher{
		root:      ".",
		debounce:  DefaultDebounce,
		cacheSize: DefaultCacheSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.analyzer == nil {
		w.analyzer = graph.NewImportAnalyzer(graph.WithAnalyzerLogger(w.logger))
	}
	if root, err := graph.Canonical(w.root); err == nil {
		w.root = root
	}
	w.reset()
	return w
}

func (w *Watcher) reset() {
	w.graph = graph.NewDependencyGraph(w.analyzer,
		graph.WithGraphLogger(w.logger),
		graph.WithProjectRoot(w.root))
	w.groups = make(map[string]*WatchGroup)
	w.dirs = make(map[string]struct{})
	w.pending = make(map[eventKey]*pendingEvent)
	w.cache, _ = lru.New[string, ImpactResult](w.cacheSize)
	w.restarts = 0
	w.lastEvent = time.Time{}
}

// Init arms the filesystem hooks and starts the event loop.
//
// Outputs:
//   - error: Wraps graph.ErrAnalyzerInit when the analyzer cannot start,
//     ErrAlreadyInitialized when called twice.
func (w *Watcher) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	if in, ok := w.analyzer.(initializer); ok {
		if err := in.Init(ctx); err != nil {
			if !errors.Is(err, graph.ErrAnalyzerInit) {
				err = fmt.Errorf("%w: %v", graph.ErrAnalyzerInit, err)
			}
			return err
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}

	w.reset()
	w.fsw = fsw
	w.sessionID = uuid.NewString()
	w.done = make(chan struct{})
	w.fired = make(chan firedEvent)
	w.loopDone = make(chan struct{})
	w.state = StateInitialized

	go w.loop(fsw, w.done, w.fired, w.loopDone)

	w.logger.Info("watcher initialized",
		slog.String("session_id", w.sessionID),
		slog.String("root", w.root),
		slog.Duration("debounce", w.debounce))
	return nil
}

// AddWatchGroup registers a group, arms watches for its files and rebuilds
// the graph over every group's files.
//
// Outputs:
//   - error: ErrInvalidGroupID, ErrEmptyPatterns or ErrDuplicateGroup for
//     invalid input; ErrNotInitialized before Init; a wrapped
//     graph.ErrAnalyzerInit when the rebuild cannot run. The group is not
//     registered on error.
func (w *Watcher) AddWatchGroup(ctx context.Context, id string, patterns []string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidGroupID
	}
	if len(patterns) == 0 {
		return ErrEmptyPatterns
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.groups[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, id)
	}
	if w.state == StateUninitialized {
		return ErrNotInitialized
	}

	ctx, span := tracer.Start(ctx, "watcher.AddWatchGroup")
	defer span.End()

	group := &WatchGroup{ID: id, Patterns: slices.Clone(patterns)}
	w.groups[id] = group
	if err := w.rebuildLocked(ctx); err != nil {
		delete(w.groups, id)
		return err
	}
	w.state = StateRunning

	w.logger.Info("watch group added",
		slog.String("group", id),
		slog.Any("patterns", patterns),
		slog.Int("files", len(group.Files)))
	return nil
}

// RemoveWatchGroup unregisters a group, unlinks its files from the graph
// and drops watches no other group needs.
func (w *Watcher) RemoveWatchGroup(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	group, ok := w.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	delete(w.groups, id)

	for file := range group.Files {
		if w.groupOwning(file) != "" {
			continue
		}
		if err := w.graph.RemoveNode(file); err != nil && !errors.Is(err, graph.ErrNodeNotFound) {
			w.logger.Warn("unlinking file from graph",
				slog.String("file", file),
				slog.Any("error", err))
		}
	}
	w.cache.Purge()
	w.syncWatchesLocked()
	if len(w.groups) == 0 && w.state == StateRunning {
		w.state = StateInitialized
	}

	w.logger.Info("watch group removed", slog.String("group", id))
	return nil
}

// CalculateImpact returns the files and groups affected by a change to file.
func (w *Watcher) CalculateImpact(file string) ImpactResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cloneImpact(w.impactLocked(file))
}

// Status reports counts for the current session.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		SessionID:     w.sessionID,
		State:         w.state.String(),
		Groups:        make([]GroupStatus, 0, len(w.groups)),
		WatchedDirs:   len(w.dirs),
		GraphNodes:    w.graph.Len(),
		GraphEdges:    w.graph.EdgeCount(),
		CachedImpacts: w.cache.Len(),
		PendingEvents: len(w.pending),
		Restarts:      w.restarts,
	}
	files := make(map[string]struct{})
	for _, id := range w.groupIDs() {
		g := w.groups[id]
		st.Groups = append(st.Groups, GroupStatus{ID: id, Patterns: slices.Clone(g.Patterns), Files: len(g.Files)})
		for f := range g.Files {
			files[f] = struct{}{}
		}
	}
	st.WatchedFiles = len(files)
	if !w.lastEvent.IsZero() {
		t := w.lastEvent
		st.LastEventAt = &t
	}
	return st
}

// State returns the lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// OnError registers the error callback. The last registration wins.
func (w *Watcher) OnError(cb func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = cb
}

// SetRestartCallback registers the restart callback. The last
// registration wins. The callback only signals; the caller restarts.
func (w *Watcher) SetRestartCallback(cb func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRestart = cb
}

// ReadGraph runs fn with the dependency graph under the watcher's lock.
// fn must not retain the graph or call back into the watcher.
func (w *Watcher) ReadGraph(fn func(g *graph.DependencyGraph)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.graph)
}

// SnapshotGraph returns a detached copy of the dependency graph, safe to
// use without the watcher's lock.
func (w *Watcher) SnapshotGraph() (*graph.DependencyGraph, error) {
	w.mu.Lock()
	sg := w.graph.ToSerializable()
	w.mu.Unlock()
	return graph.FromSerializable(sg, w.analyzer, graph.WithGraphLogger(w.logger))
}

// Stop cancels pending events, closes the filesystem hooks and waits for
// the loop to exit. No callback fires after Stop returns. Stop on an
// uninitialized watcher is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.state == StateUninitialized {
		w.mu.Unlock()
		return nil
	}
	w.state = StateUninitialized
	for key, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, key)
	}
	close(w.done)
	fsw, loopDone, session := w.fsw, w.loopDone, w.sessionID
	w.fsw = nil
	w.groups = make(map[string]*WatchGroup)
	w.dirs = make(map[string]struct{})
	w.cache.Purge()
	w.mu.Unlock()

	err := fsw.Close()
	<-loopDone

	w.logger.Info("watcher stopped", slog.String("session_id", session))
	if err != nil {
		return fmt.Errorf("closing filesystem watcher: %w", err)
	}
	return nil
}

// rebuildLocked re-resolves every group's patterns, rebuilds the graph over
// their union and re-syncs filesystem watches.
func (w *Watcher) rebuildLocked(ctx context.Context) error {
	resolved := make(map[string]map[string]struct{}, len(w.groups))
	union := make(map[string]struct{})
	for id, g := range w.groups {
		files, err := resolvePatterns(w.root, g.Patterns)
		if err != nil {
			return fmt.Errorf("resolving patterns for group %s: %w", id, err)
		}
		resolved[id] = files
		for f := range files {
			union[f] = struct{}{}
		}
	}

	all := make([]string, 0, len(union))
	for f := range union {
		all = append(all, f)
	}
	sort.Strings(all)
	if err := w.graph.BuildGraph(ctx, all); err != nil {
		return err
	}

	for id, files := range resolved {
		w.groups[id].Files = files
	}
	w.cache.Purge()
	w.syncWatchesLocked()
	return nil
}

// syncWatchesLocked makes the fsnotify watch list equal to the parent
// directories of group files and of every file in the graph, plus the
// static base of each pattern.
func (w *Watcher) syncWatchesLocked() {
	if w.fsw == nil {
		return
	}
	want := make(map[string]struct{})
	for _, f := range w.graph.Files() {
		if dir := parentDir(f); isDir(dir) {
			want[dir] = struct{}{}
		}
	}
	for _, g := range w.groups {
		for f := range g.Files {
			want[parentDir(f)] = struct{}{}
		}
		for _, p := range g.Patterns {
			if base := patternBase(w.root, p); isDir(base) {
				want[base] = struct{}{}
			}
		}
	}

	for dir := range w.dirs {
		if _, ok := want[dir]; ok {
			continue
		}
		if err := w.fsw.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			w.logger.Debug("removing watch", slog.String("dir", dir), slog.Any("error", err))
		}
		delete(w.dirs, dir)
	}
	for dir := range want {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("adding watch", slog.String("dir", dir), slog.Any("error", err))
			continue
		}
		w.dirs[dir] = struct{}{}
	}
}

// impactLocked computes, or returns the cached, impact of a change to file.
func (w *Watcher) impactLocked(file string) ImpactResult {
	path, err := graph.Canonical(file)
	if err != nil {
		path = file
	}
	if cached, ok := w.cache.Get(path); ok {
		impactLookups.WithLabelValues("hit").Inc()
		return cached
	}
	impactLookups.WithLabelValues("miss").Inc()

	affected := append([]string{path}, w.graph.Dependents(path)...)
	groups := []string{}
	for _, id := range w.groupIDs() {
		files := w.groups[id].Files
		for _, f := range affected {
			if _, ok := files[f]; ok {
				groups = append(groups, id)
				break
			}
		}
	}

	result := ImpactResult{ChangedFile: path, AffectedFiles: affected, AffectedGroups: groups}
	w.cache.Add(path, result)
	return result
}

func (w *Watcher) groupIDs() []string {
	ids := make([]string, 0, len(w.groups))
	for id := range w.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// groupOwning returns the first group id containing file, or "".
func (w *Watcher) groupOwning(file string) string {
	for _, id := range w.groupIDs() {
		if _, ok := w.groups[id].Files[file]; ok {
			return id
		}
	}
	return ""
}

func cloneImpact(r ImpactResult) ImpactResult {
	return ImpactResult{
		ChangedFile:    r.ChangedFile,
		AffectedFiles:  slices.Clone(r.AffectedFiles),
		AffectedGroups: slices.Clone(r.AffectedGroups),
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
