// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package actionset selects the correct action set for a directed edge
// traversal, including the shared-action lookup for conditional edges.
//
// Conditional edges model one physical action with several possible
// destinations: multiple edges from the same source share one forward
// action-set id, exactly one of them (the primary) owns the real action
// list, and the siblings reference it by id. The reference is resolved
// here, at execution time, never duplicated into the sibling records.
package actionset

import (
	"fmt"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/graph"
)

// Resolver selects action sets for edge traversals.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the action set to execute for traversing an edge in a
// direction.
//
// Description:
//
//	Non-conditional edges trivially return their own forward or reverse
//	set. A conditional edge traversed forward resolves the primary
//	sibling's action list through the shared forward action-set id; its
//	reverse direction always uses the edge's own independent reverse set.
//
// Outputs:
//
//	*datatypes.ActionSet - The set to execute. Never nil on success.
//	error - ErrNoActionsForConditionalEdge (as *datatypes.IntegrityError,
//	        naming the edge and group) when no primary sibling with a
//	        non-empty action list exists. A malformed tree is surfaced,
//	        not patched around.
func (r *Resolver) Resolve(g *graph.Graph, edge *datatypes.Edge, dir datatypes.Direction) (*datatypes.ActionSet, error) {
	if !edge.Conditional || dir == datatypes.DirectionReverse {
		set := edge.ActionSetFor(dir)
		if set == nil {
			return nil, fmt.Errorf("edge %s has no %s action set: %w",
				edge.ID, dir, datatypes.ErrInvalidInput)
		}
		return set, nil
	}

	// Forward traversal of a conditional edge: the primary owns the list.
	if edge.Primary {
		set := edge.ActionSetFor(datatypes.DirectionForward)
		if set != nil && len(set.Actions) > 0 {
			return set, nil
		}
		return nil, &datatypes.IntegrityError{
			Err:     datatypes.ErrNoActionsForConditionalEdge,
			EdgeID:  edge.ID,
			GroupID: edge.SharedActionSetID,
		}
	}

	for _, sibling := range g.SiblingEdges(edge.SourceID, edge.SharedActionSetID) {
		if !sibling.Primary {
			continue
		}
		set := sibling.ActionSetFor(datatypes.DirectionForward)
		if set != nil && len(set.Actions) > 0 {
			return set, nil
		}
	}

	return nil, &datatypes.IntegrityError{
		Err:     datatypes.ErrNoActionsForConditionalEdge,
		EdgeID:  edge.ID,
		GroupID: edge.SharedActionSetID,
	}
}
