// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the domain model for the ScreenTrail navigation
// graph engine: screens (nodes), transitions (edges with action sets), trees,
// execution metrics, and edit locks.
//
// The engine models a device's UI as a directed multigraph. Callers ask for
// "navigate tree T to node X"; the engine computes a path, drives the device
// through it one edge at a time, and records outcome metrics per entity.
//
// Device control and screen verification are host concerns: the engine calls
// them through the ActionExecutor and Verifier interfaces in the execution
// package and never talks to hardware itself.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// NodeKind classifies what a node represents on the device.
type NodeKind string

const (
	// KindScreen is a full screen the device can land on.
	KindScreen NodeKind = "screen"

	// KindMenu is a menu or overlay within a screen.
	KindMenu NodeKind = "menu"

	// KindEntry is the tree's designated entry point. Exactly one node per
	// tree may carry this kind.
	KindEntry NodeKind = "entry"

	// KindActionMarker is a pure waypoint with no screen of its own
	// (e.g. "remote woken up"). Only action markers may have an empty
	// verification list.
	KindActionMarker NodeKind = "action-marker"
)

// PassCondition controls how a node's verification list is evaluated.
type PassCondition string

const (
	// PassAll requires every verification to pass.
	PassAll PassCondition = "all"

	// PassAny requires at least one verification to pass.
	PassAny PassCondition = "any"
)

// Verification is a single check proving the device is on a given screen.
// The engine treats the spec as opaque; the host's Verifier interprets it.
type Verification struct {
	// Kind names the check type (e.g. "image_match", "text_ocr", "ui_dump").
	Kind string `json:"kind" validate:"required"`

	// Params are check-specific parameters (template path, expected text, ...).
	Params map[string]string `json:"params,omitempty"`

	// TimeoutMs bounds the check. Zero means the verifier default.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Node is a screen/menu/entry state within a tree.
type Node struct {
	ID     string   `json:"id"`
	TreeID string   `json:"tree_id" validate:"required"`
	Label  string   `json:"label" validate:"required"`
	Kind   NodeKind `json:"kind" validate:"required,oneof=screen menu entry action-marker"`

	// Verifications are ordered checks proving arrival on this node.
	// May be empty only for action markers.
	Verifications []Verification `json:"verifications,omitempty"`

	// PassCondition selects all/any evaluation of Verifications.
	PassCondition PassCondition `json:"pass_condition,omitempty" validate:"omitempty,oneof=all any"`

	// SubtreeID links a nested tree reachable only through this node.
	SubtreeID string `json:"subtree_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Action is one atomic device command within an action set.
type Action struct {
	// Command is the device command name (e.g. "press", "tap", "launch").
	Command string `json:"command" validate:"required"`

	// Params are command parameters (key name, coordinates, package id, ...).
	Params map[string]string `json:"params,omitempty"`

	// WaitMs is the settle time applied after this action.
	WaitMs int `json:"wait_ms,omitempty"`

	// ContinueOnFail marks non-critical steps (dismissing an optional popup).
	// A failing action without this flag aborts the whole set.
	ContinueOnFail bool `json:"continue_on_fail,omitempty"`
}

// ActionSet is the ordered command list for one traversal direction of an
// edge, plus its retry and recovery fallbacks.
type ActionSet struct {
	ID string `json:"id"`

	// Actions is the primary command list.
	Actions []Action `json:"actions"`

	// RetryActions is an alternate list attempted exactly once if the
	// primary list's post-verification fails. Never retried recursively.
	RetryActions []Action `json:"retry_actions,omitempty"`

	// FailureActions run best-effort after retries are exhausted, to leave
	// the device in a recoverable state. Errors here are logged, not raised.
	FailureActions []Action `json:"failure_actions,omitempty"`

	// WaitAfterMs is the settle time applied after the last action, before
	// verification starts.
	WaitAfterMs int `json:"wait_after_ms,omitempty"`
}

// Direction selects which of an edge's two action sets a traversal uses.
type Direction string

const (
	// DirectionForward traverses source -> target.
	DirectionForward Direction = "forward"

	// DirectionReverse traverses target -> source.
	DirectionReverse Direction = "reverse"
)

// Edge is a bidirectional connection between exactly two nodes. It embeds
// both canonical action sets so one fetch yields the edge's full behavior.
type Edge struct {
	ID       string `json:"id"`
	TreeID   string `json:"tree_id" validate:"required"`
	SourceID string `json:"source_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required,nefield=SourceID"`

	// ActionSets holds the two canonical sets keyed by their derived ids.
	ActionSets map[string]*ActionSet `json:"action_sets"`

	// DefaultActionSetID always points at the forward set.
	DefaultActionSetID string `json:"default_action_set_id"`

	// ReverseActionSetID points at the reverse set. Stored alongside the
	// forward id so lookups survive endpoint aliasing during subtree
	// merging.
	ReverseActionSetID string `json:"reverse_action_set_id"`

	// Conditional marks this edge as part of a shared-action group: several
	// edges from the same source fire the same physical action but may land
	// on different destinations.
	Conditional bool `json:"conditional,omitempty"`

	// Primary marks the conditional-group member that owns the real action
	// list. Siblings resolve it at execution time via SharedActionSetID.
	Primary bool `json:"primary,omitempty"`

	// SharedActionSetID is the forward action-set id shared by the group.
	SharedActionSetID string `json:"shared_action_set_id,omitempty"`

	// Priority is the pathfinding weight tie-breaker. Higher is cheaper.
	// Zero means the default of 1.0.
	Priority float64 `json:"priority,omitempty"`

	// ThresholdMs is the verification latency above which a successful
	// transition is still considered suspect.
	ThresholdMs int `json:"threshold_ms,omitempty"`

	// ReusableActions enables sharing this edge's sets across structurally
	// similar screens.
	ReusableActions bool `json:"reusable_actions,omitempty"`

	// Seq is the per-tree insertion sequence, used for deterministic
	// tie-breaking in the pathfinder.
	Seq uint64 `json:"seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectivePriority returns the edge priority with the 1.0 default applied.
func (e *Edge) EffectivePriority() float64 {
	if e.Priority <= 0 {
		return 1.0
	}
	return e.Priority
}

// ForwardActionSetID derives the canonical id of the source->target set.
//
// The id depends only on (source, target) order, so both editors and the
// resolver arrive at the same id without coordination.
func ForwardActionSetID(sourceID, targetID string) string {
	return deriveSetID(sourceID, targetID)
}

// ReverseActionSetID derives the canonical id of the target->source set.
func ReverseActionSetID(sourceID, targetID string) string {
	return deriveSetID(targetID, sourceID)
}

// deriveSetID hashes the ordered endpoint pair. SHA256[:16] gives 64 bits,
// plenty of collision resistance for ids scoped to one tree.
func deriveSetID(fromID, toID string) string {
	h := sha256.Sum256([]byte(fromID + "\x00" + toID))
	return "as_" + hex.EncodeToString(h[:])[:16]
}

// ActionSetFor returns the edge's own embedded set for a direction, or nil.
// Lookup goes through the stored set ids, not the endpoints, so it keeps
// working on edges whose endpoints were aliased during subtree merging.
func (e *Edge) ActionSetFor(dir Direction) *ActionSet {
	if e.ActionSets == nil {
		return nil
	}
	if dir == DirectionReverse {
		return e.ActionSets[e.ReverseActionSetID]
	}
	return e.ActionSets[e.DefaultActionSetID]
}

// Touches reports whether the edge references the given node.
func (e *Edge) Touches(nodeID string) bool {
	return e.SourceID == nodeID || e.TargetID == nodeID
}

// Tree is a named graph belonging to a team/interface.
type Tree struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id" validate:"required"`
	Name   string `json:"name" validate:"required"`

	// RootNodeID is the designated entry node.
	RootNodeID string `json:"root_node_id,omitempty"`

	// ParentTreeID and ParentNodeID describe nested subtree linkage.
	ParentTreeID string `json:"parent_tree_id,omitempty"`
	ParentNodeID string `json:"parent_node_id,omitempty"`

	// Depth is the nesting depth below the root tree (root = 0).
	Depth int `json:"depth,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EdgeTraversal is one step of a computed path: traverse Edge EdgeID from
// SourceID to TargetID in the given direction.
type EdgeTraversal struct {
	EdgeID   string    `json:"edge_id"`
	SourceID string    `json:"source_id"`
	TargetID string    `json:"target_id"`
	Dir      Direction `json:"direction"`
}

// ExecutionMetrics are the per-entity (node or edge) execution counters.
// Created lazily on first execution, never deleted; resets are an explicit
// administrative action.
type ExecutionMetrics struct {
	EntityID             string    `json:"entity_id"`
	TreeID               string    `json:"tree_id"`
	TotalExecutions      int64     `json:"total_executions"`
	SuccessfulExecutions int64     `json:"successful_executions"`
	SuccessRate          float64   `json:"success_rate"`
	AvgExecutionTimeMs   float64   `json:"avg_execution_time_ms"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Lock is the single-writer edit lock over a tree.
type Lock struct {
	TreeID     string    `json:"tree_id"`
	SessionID  string    `json:"session_id"`
	HolderID   string    `json:"holder_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`

	// RefreshedAt advances on every authorized mutation; expiry is measured
	// from here, not from AcquiredAt.
	RefreshedAt time.Time `json:"refreshed_at"`
}
