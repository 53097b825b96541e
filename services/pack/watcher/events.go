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
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/jobpack/services/pack/ast"
	"github.com/AleutianAI/jobpack/services/pack/graph"
)

// EventKind is the kind of a filesystem change.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventChange EventKind = "change"
	EventUnlink EventKind = "unlink"
)

type eventKey struct {
	kind EventKind
	path string
}

// pendingEvent is one debounce slot. seq identifies the schedule that
// owns the slot; a timer whose seq no longer matches was superseded.
type pendingEvent struct {
	timer *time.Timer
	seq   uint64
}

type firedEvent struct {
	key eventKey
	seq uint64
}

// kindOf maps an fsnotify operation to an event kind.
func kindOf(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventUnlink, true
	case op.Has(fsnotify.Create):
		return EventAdd, true
	case op.Has(fsnotify.Write):
		return EventChange, true
	default:
		return "", false
	}
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done <-chan struct{}, fired <-chan firedEvent, loopDone chan<- struct{}) {
	defer close(loopDone)
	for {
		select {
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if kind, ok := kindOf(ev.Op); ok && ast.IsSourceFile(ev.Name) {
				w.schedule(kind, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		case fe := <-fired:
			w.process(fe)
		}
	}
}

// schedule starts, or restarts, the debounce timer for (kind, path).
func (w *Watcher) schedule(kind EventKind, path string) {
	if canonical, err := graph.Canonical(path); err == nil {
		path = canonical
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateUninitialized {
		return
	}

	key := eventKey{kind: kind, path: path}
	if prev, ok := w.pending[key]; ok {
		prev.timer.Stop()
		eventsCoalesced.Inc()
	}
	w.seq++
	seq, done, fired := w.seq, w.done, w.fired
	w.pending[key] = &pendingEvent{
		seq: seq,
		timer: time.AfterFunc(w.debounce, func() {
			select {
			case fired <- firedEvent{key: key, seq: seq}:
			case <-done:
			}
		}),
	}
}

// process applies one debounced event and, when a group is affected,
// invokes the restart callback.
func (w *Watcher) process(fe firedEvent) {
	w.mu.Lock()
	p, ok := w.pending[fe.key]
	if !ok || p.seq != fe.seq || w.state == StateUninitialized {
		w.mu.Unlock()
		return
	}
	delete(w.pending, fe.key)

	ctx, span := tracer.Start(context.Background(), "watcher.process",
		trace.WithAttributes(
			attribute.String("kind", string(fe.key.kind)),
			attribute.String("file", fe.key.path)))
	start := time.Now()
	impact, err := w.applyLocked(ctx, fe.key)
	w.lastEvent = time.Now()
	eventDuration.Observe(time.Since(start).Seconds())
	span.End()

	restart := len(impact.AffectedGroups) > 0
	if restart {
		w.restarts++
	}
	onError, onRestart := w.onError, w.onRestart
	w.mu.Unlock()

	if err != nil {
		eventsTotal.WithLabelValues(string(fe.key.kind), "error").Inc()
		watchErrors.Inc()
		w.logger.Warn("applying file event",
			slog.String("kind", string(fe.key.kind)),
			slog.String("file", fe.key.path),
			slog.Any("error", err))
		if onError != nil {
			onError(err)
		}
	}
	if !restart {
		if err == nil {
			eventsTotal.WithLabelValues(string(fe.key.kind), "ignored").Inc()
		}
		w.logger.Debug("change affects no watch group",
			slog.String("kind", string(fe.key.kind)),
			slog.String("file", fe.key.path))
		return
	}

	eventsTotal.WithLabelValues(string(fe.key.kind), "restart").Inc()
	w.logger.Info("change requires restart",
		slog.String("kind", string(fe.key.kind)),
		slog.String("file", fe.key.path),
		slog.Any("groups", impact.AffectedGroups),
		slog.Int("affected_files", len(impact.AffectedFiles)))
	if onRestart != nil {
		onRestart()
	}
}

// applyLocked updates groups and the graph for one event and returns the
// event's impact. An unlinked file's impact is taken before its node is
// removed, since removal drops the edges to its dependents.
func (w *Watcher) applyLocked(ctx context.Context, key eventKey) (ImpactResult, error) {
	w.cache.Purge()

	if key.kind == EventUnlink {
		impact := w.impactLocked(key.path)
		for _, g := range w.groups {
			delete(g.Files, key.path)
		}
		err := w.graph.RemoveNode(key.path)
		if errors.Is(err, graph.ErrNodeNotFound) {
			err = nil
		}
		w.cache.Purge()
		w.syncWatchesLocked()
		return impact, err
	}

	if key.kind == EventAdd {
		for _, g := range w.groups {
			if matchesAny(w.root, g.Patterns, key.path) {
				g.Files[key.path] = struct{}{}
			}
		}
		w.syncWatchesLocked()
	}
	err := w.graph.AddNode(ctx, key.path)
	w.cache.Purge()
	w.syncWatchesLocked()
	return w.impactLocked(key.path), err
}

func (w *Watcher) reportError(err error) {
	w.mu.Lock()
	cb := w.onError
	w.mu.Unlock()

	watchErrors.Inc()
	w.logger.Warn("filesystem watch error", slog.Any("error", err))
	if cb != nil {
		cb(err)
	}
}
