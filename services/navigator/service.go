// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/execution"
	"github.com/screentrail/screentrail/services/navigator/graph"
	"github.com/screentrail/screentrail/services/navigator/lock"
	"github.com/screentrail/screentrail/services/navigator/metrics"
	"github.com/screentrail/screentrail/services/navigator/pathfind"
	"github.com/screentrail/screentrail/services/navigator/store"
)

// ServiceConfig collects the tunables of every engine component.
type ServiceConfig struct {
	Lock   lock.ManagerConfig
	Engine execution.Config
	Runner execution.RunnerConfig
	Logger *slog.Logger
}

// DefaultServiceConfig returns production defaults for all components.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Lock:   lock.DefaultManagerConfig(),
		Engine: execution.DefaultConfig(),
		Runner: execution.DefaultRunnerConfig(),
	}
}

// Service wires the navigation engine together: graph store, unified
// graph builder, pathfinder, execution runner, lock manager and metrics.
//
// All engine state is passed explicitly: tree id, team id and session id
// arrive as parameters on every call, never through ambient state.
type Service struct {
	Store   *store.Store
	Builder *graph.Builder
	Runner  *execution.Runner
	Locks   *lock.Manager
	Metrics *metrics.Engine

	logger *slog.Logger
}

// NewService assembles the engine over a database and the host's device
// collaborators.
func NewService(db *badger.DB, executor execution.ActionExecutor, verifier execution.Verifier, cfg ServiceConfig) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	locks, err := lock.NewManager(db, cfg.Lock)
	if err != nil {
		return nil, fmt.Errorf("creating lock manager: %w", err)
	}
	st, err := store.New(db, locks, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating graph store: %w", err)
	}
	builder := graph.NewBuilder(st, cfg.Logger)
	metricsEngine := metrics.NewEngine(db, cfg.Logger)

	engine, err := execution.NewEngine(executor, verifier, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("creating execution engine: %w", err)
	}
	runner, err := execution.NewRunner(engine, metricsEngine, cfg.Runner)
	if err != nil {
		return nil, fmt.Errorf("creating navigation runner: %w", err)
	}

	return &Service{
		Store:   st,
		Builder: builder,
		Runner:  runner,
		Locks:   locks,
		Metrics: metricsEngine,
		logger:  cfg.Logger,
	}, nil
}

// Close shuts down background work. The database is owned by the caller.
func (s *Service) Close() {
	s.Runner.Close()
}

// NavigationRequest asks the engine to drive the device to a target node.
// Exactly one of TargetNodeID and TargetNodeLabel must be set.
type NavigationRequest struct {
	TreeID          string `json:"tree_id" binding:"required"`
	TeamID          string `json:"team_id" binding:"required"`
	TargetNodeID    string `json:"target_node_id,omitempty"`
	TargetNodeLabel string `json:"target_node_label,omitempty"`

	// CurrentNodeID is the caller's independently confirmed position.
	// Empty means the tree's entry node; the engine never probes the
	// device to find out where it is.
	CurrentNodeID string `json:"current_node_id,omitempty"`
}

// StartNavigation computes a path and begins executing it in the
// background.
//
// Description:
//
//	Builds (or reuses) the unified graph, resolves the target by id or
//	label, runs the pathfinder with confidence-weighted edges, and hands
//	the traversal sequence to the async runner.
//
// Outputs:
//
//	string - Execution id for the poll API.
//	error - ErrPathNotFound, ErrNodeNotFound, ErrTreeNotFound, or
//	        integrity errors from the graph builder. All surface
//	        immediately; none are retried.
func (s *Service) StartNavigation(ctx context.Context, req NavigationRequest) (string, error) {
	g, err := s.Builder.GetUnifiedGraph(ctx, req.TreeID, req.TeamID)
	if err != nil {
		return "", err
	}

	targetID := req.TargetNodeID
	if targetID == "" {
		if req.TargetNodeLabel == "" {
			return "", fmt.Errorf("%w: target node id or label required", datatypes.ErrInvalidInput)
		}
		for _, n := range g.Nodes {
			if n.Label == req.TargetNodeLabel {
				targetID = n.ID
				break
			}
		}
		if targetID == "" {
			return "", fmt.Errorf("node %q: %w", req.TargetNodeLabel, datatypes.ErrNodeNotFound)
		}
	}

	currentID := req.CurrentNodeID
	if currentID == "" {
		currentID = g.EntryNodeID
	}
	if currentID == "" {
		return "", fmt.Errorf("%w: tree has no entry node and no current position was supplied",
			datatypes.ErrInvalidInput)
	}

	finder := pathfind.NewFinder(func(ctx context.Context, edgeID string) float64 {
		return s.Metrics.Confidence(ctx, req.TreeID, edgeID)
	})
	path, err := finder.FindPath(ctx, g, currentID, targetID)
	if err != nil {
		return "", err
	}

	execID, err := s.Runner.Start(g, req.TreeID, currentID, path)
	if err != nil {
		return "", err
	}

	s.logger.Info("Navigation accepted",
		"execution_id", execID,
		"tree_id", req.TreeID,
		"from", currentID,
		"to", targetID,
		"transitions", len(path))
	return execID, nil
}

// GetMetrics aggregates node and edge metrics for a tree, classifying
// entities through the unified graph so subtree edges executed under this
// tree are included.
func (s *Service) GetMetrics(ctx context.Context, treeID, teamID string) (*metrics.TreeMetrics, error) {
	g, err := s.Builder.GetUnifiedGraph(ctx, treeID, teamID)
	if err != nil {
		// Metrics for a malformed tree are still aggregatable from the
		// tree's own entities.
		if !errors.Is(err, datatypes.ErrCyclicSubtreeLink) {
			return nil, err
		}
		return s.metricsFromStore(ctx, treeID)
	}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	for id := range g.Nodes {
		nodeIDs[id] = true
	}
	edgeIDs := make(map[string]bool, len(g.Edges))
	for id := range g.Edges {
		edgeIDs[id] = true
	}
	return s.Metrics.ForTree(ctx, treeID, nodeIDs, edgeIDs)
}

func (s *Service) metricsFromStore(ctx context.Context, treeID string) (*metrics.TreeMetrics, error) {
	nodes, err := s.Store.ListNodes(ctx, treeID)
	if err != nil {
		return nil, err
	}
	edges, err := s.Store.ListEdges(ctx, treeID)
	if err != nil {
		return nil, err
	}
	nodeIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeIDs[n.ID] = true
	}
	edgeIDs := make(map[string]bool, len(edges))
	for _, e := range edges {
		edgeIDs[e.ID] = true
	}
	return s.Metrics.ForTree(ctx, treeID, nodeIDs, edgeIDs)
}
