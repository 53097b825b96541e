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
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB key layout for dependency graph snapshots.
//
//	deps:snap:{projectHash}:{snapshotID}:data -> gzip(JSON(SerializableGraph))
//	deps:snap:{projectHash}:{snapshotID}:meta -> JSON(SnapshotMetadata)
//	deps:snap:{projectHash}:latest            -> snapshotID
//	deps:index:{snapshotID}                   -> projectHash
const (
	keyPrefixSnap  = "deps:snap:"
	keyPrefixIndex = "deps:index:"
	keySuffixData  = ":data"
	keySuffixMeta  = ":meta"
	keyLatest      = "latest"
)

// SnapshotMetadata describes one saved dependency graph.
type SnapshotMetadata struct {
	// SnapshotID is SHA256(ProjectRoot:GraphHash:CreatedAtMilli)[:16].
	SnapshotID string `json:"snapshot_id"`

	ProjectRoot string `json:"project_root"`

	// ProjectHash groups snapshots of one project. See ProjectHash.
	ProjectHash string `json:"project_hash"`

	GraphHash string `json:"graph_hash"`

	// Label is an optional human-readable tag.
	Label string `json:"label,omitempty"`

	CreatedAtMilli int64 `json:"created_at_milli"`
	FileCount      int   `json:"file_count"`
	EdgeCount      int   `json:"edge_count"`

	SchemaVersion string `json:"schema_version"`

	// CompressedSize and ContentHash describe the stored payload and are
	// checked on load.
	CompressedSize int64  `json:"compressed_size"`
	ContentHash    string `json:"content_hash"`
}

type snapshotKeys struct {
	data, meta, latest, index string
}

func keysFor(projectHash, snapshotID string) snapshotKeys {
	base := keyPrefixSnap + projectHash + ":"
	return snapshotKeys{
		data:   base + snapshotID + keySuffixData,
		meta:   base + snapshotID + keySuffixMeta,
		latest: base + keyLatest,
		index:  keyPrefixIndex + snapshotID,
	}
}

// SnapshotManager stores dependency graph snapshots in BadgerDB.
//
// Description:
//
//	Lets the watcher persist the graph between runs and lets the CLI diff
//	two builds. The DB is opened and closed by the caller.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type SnapshotManager struct {
	db       *badger.DB
	analyzer ModuleAnalyzer
	logger   *slog.Logger
}

// NewSnapshotManager creates a SnapshotManager.
//
// Inputs:
//   - db: An opened BadgerDB instance. Must not be nil.
//   - analyzer: Attached to loaded graphs so they can be refreshed. May be nil.
//   - logger: Must not be nil.
func NewSnapshotManager(db *badger.DB, analyzer ModuleAnalyzer, logger *slog.Logger) (*SnapshotManager, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &SnapshotManager{db: db, analyzer: analyzer, logger: logger}, nil
}

// OpenBadger opens a BadgerDB at dir, or an in-memory one when dir is empty.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	return db, nil
}

// Save persists g and moves the project's latest pointer to it.
func (m *SnapshotManager) Save(ctx context.Context, g *DependencyGraph, label string) (*SnapshotMetadata, error) {
	if g == nil {
		return nil, fmt.Errorf("graph must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, span := tracer.Start(ctx, "graph.SnapshotManager.Save")
	defer span.End()

	sg := g.ToSerializable()
	payload, err := compressJSON(sg)
	if err != nil {
		snapshotOps.WithLabelValues("save", "error").Inc()
		return nil, err
	}

	now := time.Now().UnixMilli()
	projectHash := ProjectHash(g.ProjectRoot)
	meta := &SnapshotMetadata{
		SnapshotID:     hashString(fmt.Sprintf("%s:%s:%d", g.ProjectRoot, sg.GraphHash, now))[:16],
		ProjectRoot:    g.ProjectRoot,
		ProjectHash:    projectHash,
		GraphHash:      sg.GraphHash,
		Label:          label,
		CreatedAtMilli: now,
		FileCount:      g.Len(),
		EdgeCount:      g.EdgeCount(),
		SchemaVersion:  GraphSchemaVersion,
		CompressedSize: int64(len(payload)),
		ContentHash:    hashBytes(payload),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		snapshotOps.WithLabelValues("save", "error").Inc()
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	keys := keysFor(projectHash, meta.SnapshotID)
	err = m.db.Update(func(txn *badger.Txn) error {
		for _, kv := range [][2][]byte{
			{[]byte(keys.data), payload},
			{[]byte(keys.meta), metaJSON},
			{[]byte(keys.latest), []byte(meta.SnapshotID)},
			{[]byte(keys.index), []byte(projectHash)},
		} {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return fmt.Errorf("setting %s: %w", kv[0], err)
			}
		}
		return nil
	})
	if err != nil {
		snapshotOps.WithLabelValues("save", "error").Inc()
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}
	snapshotOps.WithLabelValues("save", "success").Inc()

	m.logger.Info("dependency snapshot saved",
		slog.String("snapshot_id", meta.SnapshotID),
		slog.String("project_root", g.ProjectRoot),
		slog.Int("files", meta.FileCount),
		slog.Int("edges", meta.EdgeCount),
		slog.Int64("compressed_size", meta.CompressedSize))
	return meta, nil
}

// Load returns the snapshot with the given ID.
//
// Outputs:
//   - error: Wraps ErrSnapshotNotFound when no such snapshot exists.
func (m *SnapshotManager) Load(ctx context.Context, snapshotID string) (*DependencyGraph, *SnapshotMetadata, error) {
	if snapshotID == "" {
		return nil, nil, fmt.Errorf("snapshot ID must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	projectHash, err := m.readString(keyPrefixIndex + snapshotID)
	if err != nil {
		return nil, nil, m.loadFailure(snapshotID, err)
	}
	return m.load(projectHash, snapshotID)
}

// LoadLatest returns the newest snapshot saved for projectRoot.
func (m *SnapshotManager) LoadLatest(ctx context.Context, projectRoot string) (*DependencyGraph, *SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	projectHash := ProjectHash(projectRoot)
	snapshotID, err := m.readString(keysFor(projectHash, "").latest)
	if err != nil {
		return nil, nil, m.loadFailure(projectRoot, err)
	}
	return m.load(projectHash, snapshotID)
}

// List returns snapshot metadata, newest first. An empty projectRoot lists
// every project; limit <= 0 means 100.
func (m *SnapshotManager) List(ctx context.Context, projectRoot string, limit int) ([]*SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	prefix := keyPrefixSnap
	if projectRoot != "" {
		prefix += ProjectHash(projectRoot) + ":"
	}

	var out []*SnapshotMetadata
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !strings.HasSuffix(key, keySuffixMeta) {
				continue
			}
			var meta SnapshotMetadata
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
				m.logger.Warn("skipping corrupt snapshot metadata",
					slog.String("key", key),
					slog.Any("error", err))
				continue
			}
			out = append(out, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAtMilli > out[j].CreatedAtMilli
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a snapshot, clearing the latest pointer if it named it.
func (m *SnapshotManager) Delete(ctx context.Context, snapshotID string) error {
	if snapshotID == "" {
		return fmt.Errorf("snapshot ID must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	projectHash, err := m.readString(keyPrefixIndex + snapshotID)
	if err != nil {
		snapshotOps.WithLabelValues("delete", statusOf(err)).Inc()
		return m.loadFailure(snapshotID, err)
	}
	keys := keysFor(projectHash, snapshotID)

	err = m.db.Update(func(txn *badger.Txn) error {
		for _, k := range []string{keys.data, keys.meta, keys.index} {
			if err := txn.Delete([]byte(k)); err != nil {
				return fmt.Errorf("deleting %s: %w", k, err)
			}
		}
		item, err := txn.Get([]byte(keys.latest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		latest, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(latest) == snapshotID {
			return txn.Delete([]byte(keys.latest))
		}
		return nil
	})
	if err != nil {
		snapshotOps.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("deleting snapshot %s: %w", snapshotID, err)
	}
	snapshotOps.WithLabelValues("delete", "success").Inc()
	m.logger.Info("dependency snapshot deleted", slog.String("snapshot_id", snapshotID))
	return nil
}

func (m *SnapshotManager) load(projectHash, snapshotID string) (*DependencyGraph, *SnapshotMetadata, error) {
	keys := keysFor(projectHash, snapshotID)

	var payload, metaJSON []byte
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		if payload, err = valueCopy(txn, keys.data); err != nil {
			return err
		}
		metaJSON, err = valueCopy(txn, keys.meta)
		return err
	})
	if err != nil {
		return nil, nil, m.loadFailure(snapshotID, err)
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		snapshotOps.WithLabelValues("load", "error").Inc()
		return nil, nil, fmt.Errorf("unmarshaling metadata for %s: %w", snapshotID, err)
	}
	if actual := hashBytes(payload); meta.ContentHash != "" && meta.ContentHash != actual {
		snapshotOps.WithLabelValues("load", "error").Inc()
		return nil, nil, fmt.Errorf("integrity check failed for %s: expected %s, got %s", snapshotID, meta.ContentHash, actual)
	}

	var sg SerializableGraph
	if err := decompressJSON(payload, &sg); err != nil {
		snapshotOps.WithLabelValues("load", "error").Inc()
		return nil, nil, fmt.Errorf("decoding snapshot %s: %w", snapshotID, err)
	}
	g, err := FromSerializable(&sg, m.analyzer)
	if err != nil {
		snapshotOps.WithLabelValues("load", "error").Inc()
		return nil, nil, fmt.Errorf("rebuilding snapshot %s: %w", snapshotID, err)
	}
	snapshotOps.WithLabelValues("load", "success").Inc()
	return g, &meta, nil
}

func (m *SnapshotManager) readString(key string) (string, error) {
	var out string
	err := m.db.View(func(txn *badger.Txn) error {
		val, err := valueCopy(txn, key)
		out = string(val)
		return err
	})
	return out, err
}

func (m *SnapshotManager) loadFailure(what string, err error) error {
	snapshotOps.WithLabelValues("load", statusOf(err)).Inc()
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, what)
	}
	return fmt.Errorf("reading snapshot %s: %w", what, err)
}

func statusOf(err error) string {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "not_found"
	}
	return "error"
}

func valueCopy(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func compressJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling graph: %w", err)
	}
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing graph: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressJSON(payload []byte, v any) error {
	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ProjectHash returns SHA256(projectRoot)[:16], the key prefix for a project.
func ProjectHash(projectRoot string) string {
	return hashString(projectRoot)[:16]
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
