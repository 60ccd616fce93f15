// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics maintains per-node and per-edge execution counters and
// derives the confidence score used by the UI and the pathfinder.
//
// Counters are created lazily on first execution and never deleted;
// resetting a tree's metrics is an explicit administrative action.
//
// Confidence combines execution volume and success rate:
//
//	confidence = 0.3*min(total/10, 1.0) + 0.7*success_rate
//
// clamped to [0,1]. Fewer than 10 executions can never reach full volume
// weight, so one lucky run never looks "proven". Tier thresholds are fixed
// at >=0.95 high and >=0.90 medium; consumers must use these, not
// re-derivations of their own.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
)

const keyPrefix = "metrics:"

// Confidence weighting constants. Shared by display and pathfinding.
const (
	volumeWeight      = 0.3
	successWeight     = 0.7
	fullVolumeAt      = 10
	tierHighThreshold = 0.95
	tierMedThreshold  = 0.90
)

// Tier labels for a confidence score.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// shardCount stripes entity locks so concurrent navigations hitting
// different entities never contend. Power of two.
const shardCount = 64

// Engine records execution outcomes and serves confidence queries.
//
// Thread Safety: Record uses per-entity striped locking, so updates to
// different entities proceed concurrently while updates to the same hot
// entity (a busy "home" edge) are serialized read-modify-write.
type Engine struct {
	db     *badger.DB
	logger *slog.Logger

	shards [shardCount]struct {
		mu      sync.Mutex
		entries map[string]*datatypes.ExecutionMetrics
	}
}

// NewEngine creates a metrics engine over the given database.
//
// The db may be nil for a purely in-memory engine (tests); otherwise every
// update is written through so history survives restarts.
func NewEngine(db *badger.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{db: db, logger: logger}
	for i := range e.shards {
		e.shards[i].entries = make(map[string]*datatypes.ExecutionMetrics)
	}
	return e
}

// Record applies one execution outcome to an entity's counters.
//
// Description:
//
//	Atomically increments total (and successful, on success), recomputes
//	the derived success rate and running average duration, and writes the
//	document through to storage.
//
// Inputs:
//
//	treeID - Owning tree (scopes the persisted key).
//	entityID - Node or edge id.
//	success - Whether the transition reached and verified its target.
//	durationMs - Elapsed transition time.
func (e *Engine) Record(ctx context.Context, treeID, entityID string, success bool, durationMs float64) {
	shard := &e.shards[shardIndex(treeID+":"+entityID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	m := shard.entries[treeID+":"+entityID]
	if m == nil {
		m = e.load(treeID, entityID)
		if m == nil {
			m = &datatypes.ExecutionMetrics{EntityID: entityID, TreeID: treeID}
		}
		shard.entries[treeID+":"+entityID] = m
	}

	prevTotal := float64(m.TotalExecutions)
	m.TotalExecutions++
	if success {
		m.SuccessfulExecutions++
	}
	m.SuccessRate = float64(m.SuccessfulExecutions) / float64(m.TotalExecutions)
	m.AvgExecutionTimeMs = (m.AvgExecutionTimeMs*prevTotal + durationMs) / float64(m.TotalExecutions)
	m.UpdatedAt = time.Now().UTC()

	e.persist(m)
}

// Get returns a copy of an entity's metrics, or nil if never executed.
func (e *Engine) Get(ctx context.Context, treeID, entityID string) *datatypes.ExecutionMetrics {
	shard := &e.shards[shardIndex(treeID+":"+entityID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	m := shard.entries[treeID+":"+entityID]
	if m == nil {
		m = e.load(treeID, entityID)
		if m == nil {
			return nil
		}
		shard.entries[treeID+":"+entityID] = m
	}
	cp := *m
	return &cp
}

// Confidence returns the entity's confidence score in [0,1].
// An entity with no history scores zero regardless of anything else.
func (e *Engine) Confidence(ctx context.Context, treeID, entityID string) float64 {
	m := e.Get(ctx, treeID, entityID)
	if m == nil {
		return 0
	}
	return Confidence(m.TotalExecutions, m.SuccessRate)
}

// Confidence computes the score from raw volume and success rate.
func Confidence(total int64, successRate float64) float64 {
	if total <= 0 {
		return 0
	}
	volume := float64(total) / fullVolumeAt
	if volume > 1 {
		volume = 1
	}
	c := volumeWeight*volume + successWeight*successRate
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Tier maps a confidence score onto the fixed high/medium/low thresholds.
func Tier(confidence float64) string {
	switch {
	case confidence >= tierHighThreshold:
		return TierHigh
	case confidence >= tierMedThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// TreeMetrics is the aggregate view for one tree.
type TreeMetrics struct {
	TreeID           string                        `json:"tree_id"`
	NodeMetrics      []*datatypes.ExecutionMetrics `json:"node_metrics"`
	EdgeMetrics      []*datatypes.ExecutionMetrics `json:"edge_metrics"`
	GlobalConfidence float64                       `json:"global_confidence"`
	GlobalTier       string                        `json:"global_tier"`
}

// ForTree aggregates all recorded metrics for a tree.
//
// Inputs:
//
//	nodeIDs/edgeIDs - Current entity ids, used to split the flat metric
//	                  documents into node and edge groups. Metrics for
//	                  deleted entities are retained but unclassified.
func (e *Engine) ForTree(ctx context.Context, treeID string, nodeIDs, edgeIDs map[string]bool) (*TreeMetrics, error) {
	out := &TreeMetrics{TreeID: treeID}
	if e.db == nil {
		return out, nil
	}

	var confSum float64
	var confCount int

	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix + treeID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m datatypes.ExecutionMetrics
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			cp := m
			switch {
			case nodeIDs[m.EntityID]:
				out.NodeMetrics = append(out.NodeMetrics, &cp)
			case edgeIDs[m.EntityID]:
				out.EdgeMetrics = append(out.EdgeMetrics, &cp)
			}
			if edgeIDs[m.EntityID] {
				confSum += Confidence(m.TotalExecutions, m.SuccessRate)
				confCount++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregating tree metrics: %w", err)
	}

	if confCount > 0 {
		out.GlobalConfidence = confSum / float64(confCount)
	}
	out.GlobalTier = Tier(out.GlobalConfidence)
	return out, nil
}

// Reset deletes all metric documents for a tree. Administrative action,
// not part of normal operation.
func (e *Engine) Reset(ctx context.Context, treeID string) error {
	for i := range e.shards {
		shard := &e.shards[i]
		shard.mu.Lock()
		for key := range shard.entries {
			if len(key) > len(treeID) && key[:len(treeID)+1] == treeID+":" {
				delete(shard.entries, key)
			}
		}
		shard.mu.Unlock()
	}

	if e.db == nil {
		return nil
	}
	return e.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix + treeID + ":")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) load(treeID, entityID string) *datatypes.ExecutionMetrics {
	if e.db == nil {
		return nil
	}
	var m datatypes.ExecutionMetrics
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + treeID + ":" + entityID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		e.logger.Warn("Failed to load metrics document",
			"tree_id", treeID,
			"entity_id", entityID,
			"error", err)
		return nil
	}
	return &m
}

// persist writes a metrics document through to storage. Failures are
// logged, not raised: in-memory counters stay authoritative in-process.
func (e *Engine) persist(m *datatypes.ExecutionMetrics) {
	if e.db == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		e.logger.Warn("Failed to marshal metrics", "entity_id", m.EntityID, "error", err)
		return
	}
	err = e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+m.TreeID+":"+m.EntityID), data)
	})
	if err != nil {
		e.logger.Warn("Failed to persist metrics",
			"tree_id", m.TreeID,
			"entity_id", m.EntityID,
			"error", err)
	}
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() & (shardCount - 1))
}
