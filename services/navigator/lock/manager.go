// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock provides session-scoped mutual exclusion over navigation
// trees during editing.
//
// Single-writer semantics: one active lock per tree. A second acquire from
// a different session gets a conflict carrying the current holder's info,
// so the caller can drop into read-only mode instead of erroring out.
//
// Expiry is lazy: every Acquire/Status/Validate call checks the inactivity
// window first. No background sweep is required for correctness; the
// optional CleanupExpired pass exists only for eventual storage cleanup.
//
// Locks gate structural mutations only. Navigation execution never takes
// the lock; a locked tree can still be navigated by another session.
package lock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
)

const keyPrefix = "lock:"

// ManagerConfig configures a lock Manager.
type ManagerConfig struct {
	// TTL is the inactivity window after which a lock expires.
	TTL time.Duration

	// Logger for lock events. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultManagerConfig returns a 15-minute inactivity window, matching the
// typical length of an editing session on a tree.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{TTL: 15 * time.Minute}
}

// Manager arbitrates write access to tree structures.
//
// Thread Safety: all public methods are safe for concurrent use.
type Manager struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*datatypes.Lock

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewManager creates a lock manager backed by the given database.
//
// Description:
//
//	Restores any persisted locks so holders survive a process restart
//	within their TTL. The db may be nil for a purely in-memory manager.
//
// Outputs:
//
//	*Manager - Ready-to-use manager.
//	error - Non-nil if restoring persisted locks fails.
func NewManager(db *badger.DB, cfg ManagerConfig) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultManagerConfig().TTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		db:     db,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		locks:  make(map[string]*datatypes.Lock),
		now:    time.Now,
	}

	if db != nil {
		if err := m.restore(); err != nil {
			return nil, fmt.Errorf("restoring persisted locks: %w", err)
		}
	}

	return m, nil
}

// Acquire takes the edit lock on a tree for a session.
//
// Description:
//
//	Re-acquiring from the holding session refreshes the lock and returns
//	the existing token. A different session gets a *datatypes.LockConflictError
//	(errors.Is ErrLockConflict) carrying the current holder's info.
//
// Inputs:
//
//	treeID - Tree to lock.
//	sessionID - Edit session requesting the lock.
//	holderID - Human/agent identity shown to conflicting callers.
//
// Outputs:
//
//	*datatypes.Lock - The held lock, including its token.
//	error - Conflict or persistence error.
func (m *Manager) Acquire(treeID, sessionID, holderID string) (*datatypes.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.liveLocked(treeID); existing != nil {
		if existing.SessionID == sessionID {
			existing.RefreshedAt = m.now()
			m.persist(existing)
			return existing, nil
		}
		return nil, &datatypes.LockConflictError{Holder: *existing}
	}

	now := m.now()
	lk := &datatypes.Lock{
		TreeID:      treeID,
		SessionID:   sessionID,
		HolderID:    holderID,
		Token:       uuid.NewString(),
		AcquiredAt:  now,
		RefreshedAt: now,
	}
	m.locks[treeID] = lk
	m.persist(lk)

	m.logger.Debug("Acquired tree lock",
		"tree_id", treeID,
		"session_id", sessionID,
		"holder_id", holderID)

	return lk, nil
}

// Release drops the lock held by a session.
//
// Returns ErrLockRequired if the session does not hold the tree's lock.
func (m *Manager) Release(treeID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.liveLocked(treeID)
	if existing == nil || existing.SessionID != sessionID {
		return datatypes.ErrLockRequired
	}

	delete(m.locks, treeID)
	m.unpersist(treeID)

	m.logger.Debug("Released tree lock",
		"tree_id", treeID,
		"session_id", sessionID)

	return nil
}

// Status returns the current live lock on a tree, or nil if unlocked.
func (m *Manager) Status(treeID string) *datatypes.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk := m.liveLocked(treeID)
	if lk == nil {
		return nil
	}
	cp := *lk
	return &cp
}

// Validate checks that a session holds a live lock on a tree, refreshing
// the inactivity window on success. Called by the graph store before every
// structural mutation.
//
// Outputs:
//
//	error - ErrLockRequired if the session holds no live lock;
//	        *datatypes.LockConflictError if a different session holds it.
func (m *Manager) Validate(treeID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.liveLocked(treeID)
	if existing == nil {
		return datatypes.ErrLockRequired
	}
	if existing.SessionID != sessionID {
		return &datatypes.LockConflictError{Holder: *existing}
	}

	existing.RefreshedAt = m.now()
	m.persist(existing)
	return nil
}

// CleanupExpired removes expired locks from memory and storage.
//
// Not required for correctness (expiry is lazy); keeps the lock keyspace
// from accumulating dead entries.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleaned := 0
	for treeID, lk := range m.locks {
		if m.expired(lk) {
			delete(m.locks, treeID)
			m.unpersist(treeID)
			cleaned++
			m.logger.Info("Cleaned up expired tree lock",
				"tree_id", treeID,
				"session_id", lk.SessionID)
		}
	}
	return cleaned
}

// liveLocked returns the non-expired lock for a tree, dropping it lazily
// if the inactivity window has passed. Caller must hold mu.
func (m *Manager) liveLocked(treeID string) *datatypes.Lock {
	lk, ok := m.locks[treeID]
	if !ok {
		return nil
	}
	if m.expired(lk) {
		delete(m.locks, treeID)
		m.unpersist(treeID)
		m.logger.Info("Tree lock expired",
			"tree_id", treeID,
			"session_id", lk.SessionID,
			"idle", m.now().Sub(lk.RefreshedAt).String())
		return nil
	}
	return lk
}

func (m *Manager) expired(lk *datatypes.Lock) bool {
	return m.now().Sub(lk.RefreshedAt) > m.ttl
}

// persist writes a lock document. Persistence errors are logged, not
// raised: the in-memory map is authoritative within the process.
func (m *Manager) persist(lk *datatypes.Lock) {
	if m.db == nil {
		return
	}
	data, err := json.Marshal(lk)
	if err != nil {
		m.logger.Warn("Failed to marshal lock", "tree_id", lk.TreeID, "error", err)
		return
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+lk.TreeID), data)
	})
	if err != nil {
		m.logger.Warn("Failed to persist lock", "tree_id", lk.TreeID, "error", err)
	}
}

func (m *Manager) unpersist(treeID string) {
	if m.db == nil {
		return
	}
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + treeID))
	})
	if err != nil {
		m.logger.Warn("Failed to remove persisted lock", "tree_id", treeID, "error", err)
	}
}

// restore loads persisted locks at startup. Expired entries are skipped;
// the lazy expiry path removes their documents on next touch.
func (m *Manager) restore() error {
	return m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var lk datatypes.Lock
				if err := json.Unmarshal(val, &lk); err != nil {
					m.logger.Warn("Skipping corrupt lock document", "error", err)
					return nil
				}
				if !m.expired(&lk) {
					m.locks[lk.TreeID] = &lk
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
