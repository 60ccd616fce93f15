// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph builds the unified traversable view of a tree and its
// linked subtrees, so pathfinding crosses subtree boundaries transparently.
//
// A node carrying a subtree link and that subtree's root node represent the
// same physical screen, so the builder merges them: subtree edges touching
// the subtree root are rewired onto the linking node, and the remaining
// subtree nodes and edges are copied in under their own ids.
//
// Built graphs are cached per (tree, team). Cache entries remember the
// structure version of every tree they were built from; a hit is served
// only while all of those versions still match the store, so a concurrent
// writer can never hand a reader a stale view. The store's mutation hook
// additionally drops affected entries eagerly.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/store"
)

// Graph is a unified, immutable-once-built view over one or more trees.
type Graph struct {
	RootTreeID  string
	TeamID      string
	EntryNodeID string

	Nodes map[string]*datatypes.Node
	Edges map[string]*datatypes.Edge

	// TreeVersions maps every tree merged into this view to its structure
	// version at build time.
	TreeVersions map[string]uint64

	// adjacency maps node id -> edges touching it (both orientations).
	adjacency map[string][]*datatypes.Edge
}

// EdgesAt returns the edges incident to a node.
func (g *Graph) EdgesAt(nodeID string) []*datatypes.Edge {
	return g.adjacency[nodeID]
}

// SiblingEdges returns the other members of a conditional group: edges
// from the same source sharing the given forward action-set id.
func (g *Graph) SiblingEdges(sourceID, sharedActionSetID string) []*datatypes.Edge {
	var out []*datatypes.Edge
	for _, e := range g.adjacency[sourceID] {
		if e.SourceID == sourceID && e.Conditional && e.SharedActionSetID == sharedActionSetID {
			out = append(out, e)
		}
	}
	return out
}

// Builder produces and caches unified graphs.
//
// Thread Safety: safe for concurrent use; cached graphs are shared
// read-only across concurrent pathfinding calls.
type Builder struct {
	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Graph
}

// NewBuilder creates a builder over the given store and registers its
// invalidation hook for structural mutations.
func NewBuilder(st *store.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		store:  st,
		logger: logger,
		cache:  make(map[string]*Graph),
	}
	st.OnMutate(b.Invalidate)
	return b
}

// GetUnifiedGraph returns the merged graph for a tree, serving a cached
// build when every underlying tree version still matches the store.
//
// Outputs:
//
//	*Graph - The unified view. Never mutated after return.
//	error - ErrTreeNotFound for an unknown or foreign-team tree;
//	        ErrCyclicSubtreeLink when a link chain revisits a tree.
func (b *Builder) GetUnifiedGraph(ctx context.Context, treeID, teamID string) (*Graph, error) {
	key := treeID + "|" + teamID

	b.mu.Lock()
	cached := b.cache[key]
	b.mu.Unlock()

	if cached != nil && b.fresh(cached) {
		return cached, nil
	}

	g, err := b.build(ctx, treeID, teamID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cache[key] = g
	b.mu.Unlock()

	b.logger.Debug("Built unified graph",
		"tree_id", treeID,
		"team_id", teamID,
		"nodes", len(g.Nodes),
		"edges", len(g.Edges),
		"trees_merged", len(g.TreeVersions))
	return g, nil
}

// Invalidate drops every cached graph that merged the given tree.
func (b *Builder) Invalidate(treeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, g := range b.cache {
		if _, involved := g.TreeVersions[treeID]; involved {
			delete(b.cache, key)
		}
	}
}

// fresh reports whether every tree version recorded at build time still
// matches the store.
func (b *Builder) fresh(g *Graph) bool {
	for treeID, ver := range g.TreeVersions {
		if b.store.Version(treeID) != ver {
			return false
		}
	}
	return true
}

func (b *Builder) build(ctx context.Context, treeID, teamID string) (*Graph, error) {
	root, err := b.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	if root.TeamID != teamID {
		return nil, fmt.Errorf("tree %s not in team %s: %w", treeID, teamID, datatypes.ErrTreeNotFound)
	}

	g := &Graph{
		RootTreeID:   treeID,
		TeamID:       teamID,
		Nodes:        make(map[string]*datatypes.Node),
		Edges:        make(map[string]*datatypes.Edge),
		TreeVersions: make(map[string]uint64),
		adjacency:    make(map[string][]*datatypes.Edge),
	}

	if err := b.merge(ctx, g, root, "", nil); err != nil {
		return nil, err
	}
	g.EntryNodeID = root.RootNodeID
	return g, nil
}

// merge folds one tree into the graph, then recurses depth-first into
// subtree links. linkNodeID is non-empty when this tree is a subtree; its
// root node is aliased onto that linking node.
//
// stack holds the tree ids currently being resolved; revisiting one is a
// cyclic subtree link, a defect in the data that is surfaced, never
// worked around.
func (b *Builder) merge(ctx context.Context, g *Graph, tree *datatypes.Tree, linkNodeID string, stack []string) error {
	for _, onStack := range stack {
		if onStack == tree.ID {
			return &datatypes.IntegrityError{
				Err:   datatypes.ErrCyclicSubtreeLink,
				Chain: append(append([]string{}, stack...), tree.ID),
			}
		}
	}
	stack = append(stack, tree.ID)

	// Capture the version before reading so a concurrent mutation makes
	// the cached entry stale rather than silently current.
	g.TreeVersions[tree.ID] = b.store.Version(tree.ID)

	var (
		nodes []*datatypes.Node
		edges []*datatypes.Edge
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		nodes, err = b.store.ListNodes(egCtx, tree.ID)
		return err
	})
	eg.Go(func() error {
		var err error
		edges, err = b.store.ListEdges(egCtx, tree.ID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("loading tree %s: %w", tree.ID, err)
	}

	// alias maps this tree's node ids onto unified ids. Only the subtree
	// root is ever remapped.
	alias := func(nodeID string) string {
		if linkNodeID != "" && nodeID == tree.RootNodeID {
			return linkNodeID
		}
		return nodeID
	}

	var linked []*datatypes.Node
	for _, n := range nodes {
		if linkNodeID != "" && n.ID == tree.RootNodeID {
			// The linking node already represents this screen.
			continue
		}
		g.Nodes[n.ID] = n
		if n.SubtreeID != "" {
			linked = append(linked, n)
		}
	}

	for _, e := range edges {
		cp := *e
		cp.SourceID = alias(e.SourceID)
		cp.TargetID = alias(e.TargetID)
		g.Edges[cp.ID] = &cp
		g.adjacency[cp.SourceID] = append(g.adjacency[cp.SourceID], &cp)
		g.adjacency[cp.TargetID] = append(g.adjacency[cp.TargetID], &cp)
	}

	for _, n := range linked {
		sub, err := b.store.GetTree(ctx, n.SubtreeID)
		if err != nil {
			return fmt.Errorf("resolving subtree of node %s: %w", n.ID, err)
		}
		if err := b.merge(ctx, g, sub, n.ID, stack); err != nil {
			return err
		}
	}
	return nil
}
