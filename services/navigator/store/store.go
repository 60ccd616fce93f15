// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the graph store: CRUD for trees, nodes and edges
// with structural invariants enforced at the write path.
//
// Documents are JSON under prefixed keys, all scoped by tree id:
//
//	tree:<treeID>
//	node:<treeID>:<nodeID>
//	edge:<treeID>:<edgeID>
//	ver:<treeID>   monotonic structure version (cache keying)
//	seq:<treeID>   edge insertion sequence (deterministic tie-breaks)
//
// An edge's action sets are embedded in the edge document so a single fetch
// yields the edge's complete behavior. The action-set resolver depends on
// this atomicity.
//
// Every structural mutation requires a live edit lock on the tree and bumps
// the tree's version counter inside the same transaction.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/lock"
)

const (
	treePrefix = "tree:"
	nodePrefix = "node:"
	edgePrefix = "edge:"
	verPrefix  = "ver:"
	seqPrefix  = "seq:"
)

// MutationHook is invoked after every successful structural mutation with
// the affected tree id. The unified graph builder registers one to drop
// its cached views.
type MutationHook func(treeID string)

// Store is the graph store.
//
// Thread Safety: safe for concurrent use. Badger transactions provide
// read-your-writes within a mutation; the lock manager serializes editors
// per tree.
type Store struct {
	db       *badger.DB
	locks    *lock.Manager
	validate *validator.Validate
	logger   *slog.Logger

	hookMu sync.RWMutex
	hooks  []MutationHook
}

// New creates a graph store over the given database and lock manager.
func New(db *badger.DB, locks *lock.Manager, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if locks == nil {
		return nil, errors.New("lock manager must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		locks:    locks,
		validate: validator.New(),
		logger:   logger,
	}, nil
}

// OnMutate registers a hook fired after every successful mutation.
func (s *Store) OnMutate(fn MutationHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) fireHooks(treeID string) {
	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(treeID)
	}
}

// -----------------------------------------------------------------------------
// Trees
// -----------------------------------------------------------------------------

// CreateTree persists a new tree record.
//
// Tree creation is not lock-gated: no lock can exist before the tree does.
// The caller supplies no id; one is assigned.
func (s *Store) CreateTree(ctx context.Context, t *datatypes.Tree) error {
	if err := s.validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", datatypes.ErrInvalidInput, err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	if t.ParentTreeID != "" {
		parent, err := s.GetTree(ctx, t.ParentTreeID)
		if err != nil {
			return fmt.Errorf("resolving parent tree: %w", err)
		}
		t.Depth = parent.Depth + 1
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, treePrefix+t.ID, t)
	})
	if err != nil {
		return fmt.Errorf("persisting tree: %w", err)
	}

	s.logger.Info("Created tree",
		"tree_id", t.ID,
		"team_id", t.TeamID,
		"name", t.Name)
	return nil
}

// GetTree fetches a tree by id.
func (s *Store) GetTree(ctx context.Context, treeID string) (*datatypes.Tree, error) {
	var t datatypes.Tree
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, treePrefix+treeID, &t)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("tree %s: %w", treeID, datatypes.ErrTreeNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTrees returns all trees for a team.
func (s *Store) ListTrees(ctx context.Context, teamID string) ([]*datatypes.Tree, error) {
	var out []*datatypes.Tree
	err := s.scan(treePrefix, func(data []byte) error {
		var t datatypes.Tree
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.TeamID == teamID {
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

// Version returns the tree's monotonic structure version. Zero means the
// tree has never been mutated.
func (s *Store) Version(treeID string) uint64 {
	var v uint64
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(verPrefix + treeID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				v = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	return v
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// CreateNode persists a new node.
//
// Description:
//
//	Enforces the structural invariants at the write path: label uniqueness
//	within the tree, a single entry node per tree (the entry node becomes
//	the tree's root), and a non-empty verification list for anything that
//	is not a pure waypoint.
//
// Outputs:
//
//	error - ErrLockRequired without a live lock; ErrDuplicateLabel,
//	        ErrDuplicateEntryNode or ErrInvalidInput on invariant breach.
func (s *Store) CreateNode(ctx context.Context, sessionID string, n *datatypes.Node) error {
	if err := s.locks.Validate(n.TreeID, sessionID); err != nil {
		return err
	}
	if err := s.validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", datatypes.ErrInvalidInput, err)
	}
	if len(n.Verifications) == 0 && n.Kind != datatypes.KindActionMarker {
		return fmt.Errorf("%w: node %q needs at least one verification (only action markers may have none)",
			datatypes.ErrInvalidInput, n.Label)
	}
	if n.PassCondition == "" {
		n.PassCondition = datatypes.PassAll
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	err := s.db.Update(func(txn *badger.Txn) error {
		tree, err := getTreeTxn(txn, n.TreeID)
		if err != nil {
			return err
		}
		if err := checkLabelFree(txn, n.TreeID, n.Label, n.ID); err != nil {
			return err
		}
		if n.Kind == datatypes.KindEntry {
			if tree.RootNodeID != "" && tree.RootNodeID != n.ID {
				return datatypes.ErrDuplicateEntryNode
			}
			tree.RootNodeID = n.ID
			tree.UpdatedAt = now
			if err := putJSON(txn, treePrefix+tree.ID, tree); err != nil {
				return err
			}
		}
		if err := putJSON(txn, nodeKey(n.TreeID, n.ID), n); err != nil {
			return err
		}
		return bumpVersion(txn, n.TreeID)
	})
	if err != nil {
		return err
	}

	s.fireHooks(n.TreeID)
	s.logger.Info("Created node",
		"tree_id", n.TreeID,
		"node_id", n.ID,
		"label", n.Label,
		"kind", string(n.Kind))
	return nil
}

// UpdateNode replaces an existing node's record, preserving creation time.
func (s *Store) UpdateNode(ctx context.Context, sessionID string, n *datatypes.Node) error {
	if err := s.locks.Validate(n.TreeID, sessionID); err != nil {
		return err
	}
	if err := s.validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", datatypes.ErrInvalidInput, err)
	}
	if len(n.Verifications) == 0 && n.Kind != datatypes.KindActionMarker {
		return fmt.Errorf("%w: node %q needs at least one verification (only action markers may have none)",
			datatypes.ErrInvalidInput, n.Label)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		var existing datatypes.Node
		if err := getJSON(txn, nodeKey(n.TreeID, n.ID), &existing); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("node %s: %w", n.ID, datatypes.ErrNodeNotFound)
			}
			return err
		}
		if err := checkLabelFree(txn, n.TreeID, n.Label, n.ID); err != nil {
			return err
		}
		if n.Kind == datatypes.KindEntry && existing.Kind != datatypes.KindEntry {
			tree, err := getTreeTxn(txn, n.TreeID)
			if err != nil {
				return err
			}
			if tree.RootNodeID != "" && tree.RootNodeID != n.ID {
				return datatypes.ErrDuplicateEntryNode
			}
			tree.RootNodeID = n.ID
			if err := putJSON(txn, treePrefix+tree.ID, tree); err != nil {
				return err
			}
		}
		if existing.Kind == datatypes.KindEntry && n.Kind != datatypes.KindEntry {
			tree, err := getTreeTxn(txn, n.TreeID)
			if err != nil {
				return err
			}
			if tree.RootNodeID == n.ID {
				tree.RootNodeID = ""
				if err := putJSON(txn, treePrefix+tree.ID, tree); err != nil {
					return err
				}
			}
		}
		n.CreatedAt = existing.CreatedAt
		n.UpdatedAt = time.Now().UTC()
		if n.PassCondition == "" {
			n.PassCondition = existing.PassCondition
		}
		if err := putJSON(txn, nodeKey(n.TreeID, n.ID), n); err != nil {
			return err
		}
		return bumpVersion(txn, n.TreeID)
	})
	if err != nil {
		return err
	}

	s.fireHooks(n.TreeID)
	return nil
}

// DeleteNode removes a node and cascades to every edge referencing it.
//
// Deleting a node that is someone's tracked "current position" is allowed
// (position tracking is external). Deleting the tree's entry node is
// refused while it still has edges, since that would orphan the graph;
// deleting an edgeless entry node clears the tree's root so a
// replacement entry can be created.
func (s *Store) DeleteNode(ctx context.Context, sessionID, treeID, nodeID string) error {
	if err := s.locks.Validate(treeID, sessionID); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		var n datatypes.Node
		if err := getJSON(txn, nodeKey(treeID, nodeID), &n); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("node %s: %w", nodeID, datatypes.ErrNodeNotFound)
			}
			return err
		}

		touching, err := edgesTouchingTxn(txn, treeID, nodeID)
		if err != nil {
			return err
		}
		if n.Kind == datatypes.KindEntry && len(touching) > 0 {
			return datatypes.ErrEntryNodeProtected
		}
		if n.Kind == datatypes.KindEntry {
			tree, err := getTreeTxn(txn, treeID)
			if err != nil {
				return err
			}
			if tree.RootNodeID == nodeID {
				tree.RootNodeID = ""
				if err := putJSON(txn, treePrefix+tree.ID, tree); err != nil {
					return err
				}
			}
		}

		for _, e := range touching {
			if err := txn.Delete([]byte(edgeKey(treeID, e.ID))); err != nil {
				return err
			}
		}
		if err := txn.Delete([]byte(nodeKey(treeID, nodeID))); err != nil {
			return err
		}
		return bumpVersion(txn, treeID)
	})
	if err != nil {
		return err
	}

	s.fireHooks(treeID)
	s.logger.Info("Deleted node",
		"tree_id", treeID,
		"node_id", nodeID)
	return nil
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, treeID, nodeID string) (*datatypes.Node, error) {
	var n datatypes.Node
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(treeID, nodeID), &n)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("node %s: %w", nodeID, datatypes.ErrNodeNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNodeByLabel fetches a node by its tree-unique label.
func (s *Store) GetNodeByLabel(ctx context.Context, treeID, label string) (*datatypes.Node, error) {
	var found *datatypes.Node
	err := s.scan(nodePrefix+treeID+":", func(data []byte) error {
		var n datatypes.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n.Label == label {
			found = &n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("node %q: %w", label, datatypes.ErrNodeNotFound)
	}
	return found, nil
}

// ListNodes returns all nodes in a tree.
func (s *Store) ListNodes(ctx context.Context, treeID string) ([]*datatypes.Node, error) {
	var out []*datatypes.Node
	err := s.scan(nodePrefix+treeID+":", func(data []byte) error {
		var n datatypes.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		out = append(out, &n)
		return nil
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Edges
// -----------------------------------------------------------------------------

// CreateEdge persists a new edge with canonical action-set ids.
//
// Description:
//
//	Derives the forward and reverse action-set ids from (source, target)
//	order and rekeys any supplied sets onto them. A non-conditional edge
//	may carry exactly one forward and one reverse set; anything else is
//	rejected. DefaultActionSetID always points at the forward set, which
//	is created empty when the caller supplies none.
//
// Outputs:
//
//	error - ErrLockRequired, ErrNodeNotFound for dangling endpoints, or
//	        ErrInvalidInput on set shape violations.
func (s *Store) CreateEdge(ctx context.Context, sessionID string, e *datatypes.Edge) error {
	if err := s.locks.Validate(e.TreeID, sessionID); err != nil {
		return err
	}
	if err := s.validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", datatypes.ErrInvalidInput, err)
	}
	if err := normalizeActionSets(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, nodeID := range []string{e.SourceID, e.TargetID} {
			if _, err := txn.Get([]byte(nodeKey(e.TreeID, nodeID))); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("edge endpoint %s: %w", nodeID, datatypes.ErrNodeNotFound)
				}
				return err
			}
		}
		seq, err := nextSeq(txn, e.TreeID)
		if err != nil {
			return err
		}
		e.Seq = seq
		if err := putJSON(txn, edgeKey(e.TreeID, e.ID), e); err != nil {
			return err
		}
		return bumpVersion(txn, e.TreeID)
	})
	if err != nil {
		return err
	}

	s.fireHooks(e.TreeID)
	s.logger.Info("Created edge",
		"tree_id", e.TreeID,
		"edge_id", e.ID,
		"source_id", e.SourceID,
		"target_id", e.TargetID,
		"conditional", e.Conditional)
	return nil
}

// UpdateEdge replaces an edge's record, preserving creation time and
// insertion sequence, and re-normalizing its action sets.
func (s *Store) UpdateEdge(ctx context.Context, sessionID string, e *datatypes.Edge) error {
	if err := s.locks.Validate(e.TreeID, sessionID); err != nil {
		return err
	}
	if err := s.validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", datatypes.ErrInvalidInput, err)
	}
	if err := normalizeActionSets(e); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		var existing datatypes.Edge
		if err := getJSON(txn, edgeKey(e.TreeID, e.ID), &existing); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("edge %s: %w", e.ID, datatypes.ErrEdgeNotFound)
			}
			return err
		}
		e.CreatedAt = existing.CreatedAt
		e.Seq = existing.Seq
		e.UpdatedAt = time.Now().UTC()
		if err := putJSON(txn, edgeKey(e.TreeID, e.ID), e); err != nil {
			return err
		}
		return bumpVersion(txn, e.TreeID)
	})
	if err != nil {
		return err
	}

	s.fireHooks(e.TreeID)
	return nil
}

// DeleteEdge removes an edge.
func (s *Store) DeleteEdge(ctx context.Context, sessionID, treeID, edgeID string) error {
	if err := s.locks.Validate(treeID, sessionID); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(edgeKey(treeID, edgeID))); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("edge %s: %w", edgeID, datatypes.ErrEdgeNotFound)
			}
			return err
		}
		if err := txn.Delete([]byte(edgeKey(treeID, edgeID))); err != nil {
			return err
		}
		return bumpVersion(txn, treeID)
	})
	if err != nil {
		return err
	}

	s.fireHooks(treeID)
	return nil
}

// GetEdge fetches an edge by id.
func (s *Store) GetEdge(ctx context.Context, treeID, edgeID string) (*datatypes.Edge, error) {
	var e datatypes.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, edgeKey(treeID, edgeID), &e)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("edge %s: %w", edgeID, datatypes.ErrEdgeNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEdges returns all edges in a tree.
func (s *Store) ListEdges(ctx context.Context, treeID string) ([]*datatypes.Edge, error) {
	var out []*datatypes.Edge
	err := s.scan(edgePrefix+treeID+":", func(data []byte) error {
		var e datatypes.Edge
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

// normalizeActionSets derives the canonical set ids and rekeys supplied
// sets onto them. Loose keys ("forward"/"reverse") are accepted from
// editors and rekeyed; anything else on a non-conditional edge is an error.
func normalizeActionSets(e *datatypes.Edge) error {
	fwdID := datatypes.ForwardActionSetID(e.SourceID, e.TargetID)
	revID := datatypes.ReverseActionSetID(e.SourceID, e.TargetID)

	sets := make(map[string]*datatypes.ActionSet, 2)
	for key, set := range e.ActionSets {
		if set == nil {
			continue
		}
		switch key {
		case fwdID, "forward":
			if _, dup := sets[fwdID]; dup {
				return fmt.Errorf("%w: more than one forward action set", datatypes.ErrInvalidInput)
			}
			set.ID = fwdID
			sets[fwdID] = set
		case revID, "reverse":
			if _, dup := sets[revID]; dup {
				return fmt.Errorf("%w: more than one reverse action set", datatypes.ErrInvalidInput)
			}
			set.ID = revID
			sets[revID] = set
		default:
			if !e.Conditional {
				return fmt.Errorf("%w: unexpected action set %q on non-conditional edge", datatypes.ErrInvalidInput, key)
			}
			set.ID = key
			sets[key] = set
		}
	}

	if _, ok := sets[fwdID]; !ok {
		sets[fwdID] = &datatypes.ActionSet{ID: fwdID}
	}
	if _, ok := sets[revID]; !ok {
		sets[revID] = &datatypes.ActionSet{ID: revID}
	}

	e.ActionSets = sets
	e.DefaultActionSetID = fwdID
	e.ReverseActionSetID = revID

	if e.Conditional {
		if e.Primary && e.SharedActionSetID == "" {
			e.SharedActionSetID = fwdID
		}
		if e.SharedActionSetID == "" {
			return fmt.Errorf("%w: conditional edge needs shared_action_set_id", datatypes.ErrInvalidInput)
		}
	}
	return nil
}

func nodeKey(treeID, nodeID string) string { return nodePrefix + treeID + ":" + nodeID }
func edgeKey(treeID, edgeID string) string { return edgePrefix + treeID + ":" + edgeID }

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func getTreeTxn(txn *badger.Txn, treeID string) (*datatypes.Tree, error) {
	var t datatypes.Tree
	if err := getJSON(txn, treePrefix+treeID, &t); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("tree %s: %w", treeID, datatypes.ErrTreeNotFound)
		}
		return nil, err
	}
	return &t, nil
}

func checkLabelFree(txn *badger.Txn, treeID, label, selfID string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(nodePrefix + treeID + ":")
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var n datatypes.Node
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		})
		if err != nil {
			return err
		}
		if n.Label == label && n.ID != selfID {
			return fmt.Errorf("label %q: %w", label, datatypes.ErrDuplicateLabel)
		}
	}
	return nil
}

func edgesTouchingTxn(txn *badger.Txn, treeID, nodeID string) ([]*datatypes.Edge, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(edgePrefix + treeID + ":")
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*datatypes.Edge
	for it.Rewind(); it.Valid(); it.Next() {
		var e datatypes.Edge
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
		if err != nil {
			return nil, err
		}
		if e.Touches(nodeID) {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// bumpVersion increments the tree's structure version within the mutating
// transaction, so readers either see the old version with the old data or
// the new version with the new data.
func bumpVersion(txn *badger.Txn, treeID string) error {
	return incrementCounter(txn, verPrefix+treeID)
}

func nextSeq(txn *badger.Txn, treeID string) (uint64, error) {
	key := seqPrefix + treeID
	if err := incrementCounter(txn, key); err != nil {
		return 0, err
	}
	item, err := txn.Get([]byte(key))
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) == 8 {
			v = binary.BigEndian.Uint64(val)
		}
		return nil
	})
	return v, err
}

func incrementCounter(txn *badger.Txn, key string) error {
	var current uint64
	item, err := txn.Get([]byte(key))
	if err == nil {
		err = item.Value(func(val []byte) error {
			if len(val) == 8 {
				current = binary.BigEndian.Uint64(val)
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current+1)
	return txn.Set([]byte(key), buf)
}

// scan iterates values under a key prefix outside any mutation.
func (s *Store) scan(prefix string, fn func(data []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				return fn(val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
