// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pathfind computes transition sequences over a unified graph.
//
// Weighted shortest path (Dijkstra) where an edge traversal costs the
// inverse of its priority plus a penalty equal to its accumulated
// historical failure rate, so confident edges win over shaky ones when
// several routes exist. Ties break on fewer hops, then on edge insertion
// order, making results deterministic across repeated calls on an
// unchanged graph.
//
// An edge with no execution history has confidence 0 and therefore
// carries the maximum failure penalty, the same as an edge that always
// fails. The bias is deliberately conservative: proven routes are
// preferred and unproven ones get no exploration bonus, so a new edge
// only wins when no proven alternative reaches the target.
//
// The pathfinder never probes the device. Callers who don't know their
// current position must determine it independently before asking for a
// path.
package pathfind

import (
	"container/heap"
	"context"
	"fmt"
	"math"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/graph"
)

// ConfidenceFunc supplies the historical confidence of an edge in [0,1].
// The metrics engine provides the production implementation; tests supply
// fixtures.
type ConfidenceFunc func(ctx context.Context, edgeID string) float64

// Finder computes paths over unified graphs.
type Finder struct {
	confidence ConfidenceFunc
}

// NewFinder creates a pathfinder. A nil confidence function treats every
// edge as fully proven (no failure penalty).
func NewFinder(confidence ConfidenceFunc) *Finder {
	if confidence == nil {
		confidence = func(context.Context, string) float64 { return 1 }
	}
	return &Finder{confidence: confidence}
}

// FindPath returns the ordered edge traversals from one node to another.
//
// Description:
//
//	from == to returns an empty path (a no-op navigation, not an error).
//	An unreachable target returns ErrPathNotFound immediately; that is a
//	hard failure for the request and is never retried here or upstream.
//
// Outputs:
//
//	[]datatypes.EdgeTraversal - Traversals in execution order; each step's
//	target is the next step's source.
//	error - ErrNodeNotFound for unknown endpoints, ErrPathNotFound for
//	        disconnected pairs.
func (f *Finder) FindPath(ctx context.Context, g *graph.Graph, fromID, toID string) ([]datatypes.EdgeTraversal, error) {
	if _, ok := g.Nodes[fromID]; !ok {
		return nil, fmt.Errorf("source node %s: %w", fromID, datatypes.ErrNodeNotFound)
	}
	if _, ok := g.Nodes[toID]; !ok {
		return nil, fmt.Errorf("target node %s: %w", toID, datatypes.ErrNodeNotFound)
	}
	if fromID == toID {
		return []datatypes.EdgeTraversal{}, nil
	}

	best := map[string]*visit{fromID: {}}

	pq := &queue{}
	heap.Init(pq)
	heap.Push(pq, &item{nodeID: fromID})

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*item)
		v := best[cur.nodeID]
		if v == nil || cur.dist > v.dist {
			continue // stale queue entry
		}
		if cur.nodeID == toID {
			break
		}

		for _, e := range g.EdgesAt(cur.nodeID) {
			next, dir := orient(e, cur.nodeID)
			w := f.weight(ctx, e)

			cand := visit{
				dist: v.dist + w,
				hops: v.hops + 1,
				seq:  e.Seq,
				prev: cur.nodeID,
				via: datatypes.EdgeTraversal{
					EdgeID:   e.ID,
					SourceID: cur.nodeID,
					TargetID: next,
					Dir:      dir,
				},
			}
			if better(&cand, best[next]) {
				cp := cand
				best[next] = &cp
				heap.Push(pq, &item{nodeID: next, dist: cand.dist, hops: cand.hops, seq: cand.seq})
			}
		}
	}

	if best[toID] == nil {
		return nil, fmt.Errorf("%s -> %s: %w", fromID, toID, datatypes.ErrPathNotFound)
	}

	// Walk predecessors back to the source.
	var rev []datatypes.EdgeTraversal
	for at := toID; at != fromID; at = best[at].prev {
		rev = append(rev, best[at].via)
	}
	path := make([]datatypes.EdgeTraversal, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path, nil
}

// weight is the traversal cost of an edge: inverse priority plus the
// historical failure rate (1 - confidence).
func (f *Finder) weight(ctx context.Context, e *datatypes.Edge) float64 {
	return 1.0/e.EffectivePriority() + (1.0 - f.confidence(ctx, e.ID))
}

const distEpsilon = 1e-9

// visit is the best-known way to reach a node during the search.
type visit struct {
	dist float64
	hops int
	seq  uint64 // seq of the arriving edge, for deterministic ties
	prev string
	via  datatypes.EdgeTraversal
}

// better compares a candidate visit against the incumbent: lower cost,
// then fewer hops, then lower edge insertion sequence.
func better(cand, cur *visit) bool {
	if cur == nil {
		return true
	}
	if cand.dist < cur.dist-distEpsilon {
		return true
	}
	if math.Abs(cand.dist-cur.dist) > distEpsilon {
		return false
	}
	if cand.hops != cur.hops {
		return cand.hops < cur.hops
	}
	return cand.seq < cur.seq
}

// orient resolves an edge relative to the node we stand on.
func orient(e *datatypes.Edge, at string) (next string, dir datatypes.Direction) {
	if e.SourceID == at {
		return e.TargetID, datatypes.DirectionForward
	}
	return e.SourceID, datatypes.DirectionReverse
}

// item is a priority queue entry. Ordered by (dist, hops, seq) so equal
// cost frontier nodes pop deterministically.
type item struct {
	nodeID string
	dist   float64
	hops   int
	seq    uint64
	index  int
}

type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if math.Abs(q[i].dist-q[j].dist) > distEpsilon {
		return q[i].dist < q[j].dist
	}
	if q[i].hops != q[j].hops {
		return q[i].hops < q[j].hops
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
