// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// Sentinel errors for the navigation engine.
//
// Propagation policy: transient per-action failures are absorbed by the
// execution engine's retry/failure policy and surface only when exhausted.
// Pathfinding and lock failures surface immediately. Data-integrity errors
// (cyclic subtree links, empty conditional groups) are never worked around.
var (
	// ErrPathNotFound means the target is unreachable from the source.
	// Fatal for the request; never retried.
	ErrPathNotFound = errors.New("no path to target node")

	// ErrLockRequired is returned by structural mutations when the caller
	// holds no valid lock on the tree.
	ErrLockRequired = errors.New("tree lock required")

	// ErrLockConflict means another session already holds the tree lock.
	ErrLockConflict = errors.New("tree locked by another session")

	// ErrActionExecutionFailed means a single device action errored.
	ErrActionExecutionFailed = errors.New("action execution failed")

	// ErrVerificationFailed means the target node's checks did not pass
	// after a transition.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrTimeout means a step exceeded its allotted time. Distinct from
	// failure so callers can tell "slow device" from "rejected transition".
	ErrTimeout = errors.New("execution timed out")

	// ErrCancelled means the navigation was aborted by the caller.
	ErrCancelled = errors.New("execution cancelled")

	// ErrCyclicSubtreeLink means a subtree link chain revisits a tree.
	// Data-integrity defect in the tree itself.
	ErrCyclicSubtreeLink = errors.New("cyclic subtree link")

	// ErrNoActionsForConditionalEdge means a conditional group has no
	// primary sibling with a non-empty action list. Data-integrity defect.
	ErrNoActionsForConditionalEdge = errors.New("no actions for conditional edge")

	// ErrTreeNotFound is returned for an unknown tree id.
	ErrTreeNotFound = errors.New("tree not found")

	// ErrNodeNotFound is returned for an unknown node id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound is returned for an unknown edge id.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrExecutionNotFound is returned for an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrEntryNodeProtected blocks deleting an entry node that still has
	// outgoing edges (would orphan the graph).
	ErrEntryNodeProtected = errors.New("entry node with outgoing edges cannot be deleted")

	// ErrDuplicateEntryNode blocks a second entry node within one tree.
	ErrDuplicateEntryNode = errors.New("tree already has an entry node")

	// ErrDuplicateLabel blocks a second node with the same label in a tree.
	ErrDuplicateLabel = errors.New("node label already used in tree")

	// ErrInvalidInput is returned for structurally invalid records.
	ErrInvalidInput = errors.New("invalid input")
)

// LockConflictError carries the current holder so callers can drop into
// read-only mode instead of failing blind.
type LockConflictError struct {
	Holder Lock
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("tree %s locked by session %s (holder %s)",
		e.Holder.TreeID, e.Holder.SessionID, e.Holder.HolderID)
}

// Unwrap lets errors.Is(err, ErrLockConflict) work.
func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

// IntegrityError annotates a data-integrity defect with enough context
// (edge id, conditional group, subtree chain) to fix it in the tree editor.
type IntegrityError struct {
	Err     error
	EdgeID  string
	GroupID string
	Chain   []string
}

func (e *IntegrityError) Error() string {
	switch {
	case e.GroupID != "":
		return fmt.Sprintf("%v: edge %s, conditional group %s", e.Err, e.EdgeID, e.GroupID)
	case len(e.Chain) > 0:
		return fmt.Sprintf("%v: chain %v", e.Err, e.Chain)
	default:
		return fmt.Sprintf("%v: edge %s", e.Err, e.EdgeID)
	}
}

func (e *IntegrityError) Unwrap() error { return e.Err }
