// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/graph"
)

type recordEntry struct {
	treeID   string
	entityID string
	success  bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []recordEntry
}

func (f *fakeRecorder) Record(ctx context.Context, treeID, entityID string, success bool, durationMs float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, recordEntry{treeID: treeID, entityID: entityID, success: success})
}

func (f *fakeRecorder) recorded() []recordEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// gateExecutor blocks its first command until released, so tests can act
// while a navigation is provably mid-transition.
type gateExecutor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateExecutor) Execute(ctx context.Context, action datatypes.Action) error {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chainFixture builds a linear graph node-0 -> node-1 -> ... -> node-n,
// each hop carrying a single distinct command ("go-1", "go-2", ...). The
// nodes are waypoints, so the verifier is never consulted.
func chainFixture(n int) (*graph.Graph, []datatypes.EdgeTraversal) {
	g := &graph.Graph{
		RootTreeID:  "tree-1",
		TeamID:      "team-1",
		EntryNodeID: "node-0",
		Nodes:       make(map[string]*datatypes.Node),
		Edges:       make(map[string]*datatypes.Edge),
	}
	path := make([]datatypes.EdgeTraversal, 0, n)

	for i := 0; i <= n; i++ {
		id := fmt.Sprintf("node-%d", i)
		kind := datatypes.KindScreen
		if i == 0 {
			kind = datatypes.KindEntry
		}
		g.Nodes[id] = &datatypes.Node{ID: id, TreeID: "tree-1", Label: fmt.Sprintf("Screen %d", i), Kind: kind}
	}
	for i := 1; i <= n; i++ {
		source := fmt.Sprintf("node-%d", i-1)
		target := fmt.Sprintf("node-%d", i)
		fwdID := datatypes.ForwardActionSetID(source, target)
		edge := &datatypes.Edge{
			ID:       fmt.Sprintf("edge-%d", i),
			TreeID:   "tree-1",
			SourceID: source,
			TargetID: target,
			ActionSets: map[string]*datatypes.ActionSet{
				fwdID: {ID: fwdID, Actions: []datatypes.Action{{Command: fmt.Sprintf("go-%d", i)}}},
			},
			DefaultActionSetID: fwdID,
		}
		g.Edges[edge.ID] = edge
		path = append(path, datatypes.EdgeTraversal{
			EdgeID:   edge.ID,
			SourceID: source,
			TargetID: target,
			Dir:      datatypes.DirectionForward,
		})
	}
	return g, path
}

func newTestRunner(t *testing.T, executor ActionExecutor, rec Recorder) *Runner {
	t.Helper()
	eng := newTestEngine(t, executor, &fakeVerifier{})
	r, err := NewRunner(eng, rec, RunnerConfig{
		PoolSize:          2,
		NavigationTimeout: 5 * time.Second,
		Retention:         time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// waitTerminal polls the runner until the execution leaves StatusRunning.
func waitTerminal(t *testing.T, r *Runner, executionID string) *StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Status(executionID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.Status != StatusRunning {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal status", executionID)
	return nil
}

func TestRunnerEmptyPath(t *testing.T) {
	r := newTestRunner(t, &fakeExecutor{}, nil)
	g, _ := chainFixture(1)

	id, err := r.Start(g, "tree-1", "node-0", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s without polling", snap.Status, StatusCompleted)
	}
	if snap.Result == nil || !snap.Result.Success {
		t.Fatal("empty path should complete as a success")
	}
	if snap.Result.FinalPositionNodeID != "node-0" {
		t.Errorf("final position = %q, want the starting node", snap.Result.FinalPositionNodeID)
	}
	if snap.Result.TotalTransitions != 0 {
		t.Errorf("total transitions = %d, want 0", snap.Result.TotalTransitions)
	}
}

func TestRunnerCompletesChain(t *testing.T) {
	executor := &fakeExecutor{}
	rec := &fakeRecorder{}
	r := newTestRunner(t, executor, rec)
	g, path := chainFixture(3)

	id, err := r.Start(g, "tree-1", "node-0", path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := waitTerminal(t, r, id)
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want %s", snap.Status, snap.Message, StatusCompleted)
	}
	if snap.Progress != 3 || snap.Total != 3 {
		t.Errorf("progress = %d/%d, want 3/3", snap.Progress, snap.Total)
	}
	if snap.Result.FinalPositionNodeID != "node-3" {
		t.Errorf("final position = %q, want node-3", snap.Result.FinalPositionNodeID)
	}
	if snap.Result.ErrorDetails != nil {
		t.Errorf("unexpected error details: %+v", snap.Result.ErrorDetails)
	}

	// One edge record and one target-node record per transition.
	entries := rec.recorded()
	if len(entries) != 6 {
		t.Fatalf("recorder entries = %d, want 6", len(entries))
	}
	for _, e := range entries {
		if e.treeID != "tree-1" || !e.success {
			t.Errorf("entry %+v, want a success in tree-1", e)
		}
	}
	if entries[0].entityID != "edge-1" || entries[1].entityID != "node-1" {
		t.Errorf("first transition recorded %q then %q, want edge-1 then node-1",
			entries[0].entityID, entries[1].entityID)
	}
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	executor := &fakeExecutor{failures: map[string]int{"go-2": 1}}
	rec := &fakeRecorder{}
	r := newTestRunner(t, executor, rec)
	g, path := chainFixture(3)

	id, err := r.Start(g, "tree-1", "node-0", path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := waitTerminal(t, r, id)
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want %s", snap.Status, StatusError)
	}
	res := snap.Result
	if res == nil || res.Success {
		t.Fatal("result should report failure")
	}
	if res.TransitionsExecuted != 1 || res.TotalTransitions != 3 {
		t.Errorf("transitions = %d/%d, want 1/3", res.TransitionsExecuted, res.TotalTransitions)
	}
	if res.FinalPositionNodeID != "node-1" {
		t.Errorf("final position = %q, want the last node reached (node-1)", res.FinalPositionNodeID)
	}
	if res.ErrorDetails == nil {
		t.Fatal("error details missing")
	}
	if res.ErrorDetails.Kind != "action_execution_failed" {
		t.Errorf("error kind = %q, want action_execution_failed", res.ErrorDetails.Kind)
	}
	if res.ErrorDetails.FailedEdgeID != "edge-2" {
		t.Errorf("failed edge = %q, want edge-2", res.ErrorDetails.FailedEdgeID)
	}

	entries := rec.recorded()
	if len(entries) != 4 {
		t.Fatalf("recorder entries = %d, want 4 (two per attempted transition)", len(entries))
	}
	if entries[2].entityID != "edge-2" || entries[2].success {
		t.Errorf("failed transition recorded %+v, want edge-2 failure", entries[2])
	}
	if entries[3].entityID != "node-2" || entries[3].success {
		t.Errorf("failed transition recorded %+v, want node-2 failure", entries[3])
	}
}

func TestRunnerCancelBetweenTransitions(t *testing.T) {
	executor := newGateExecutor()
	r := newTestRunner(t, executor, nil)
	g, path := chainFixture(2)

	id, err := r.Start(g, "tree-1", "node-0", path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-executor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first transition never started")
	}
	if err := r.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(executor.release)

	snap := waitTerminal(t, r, id)
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want %s", snap.Status, StatusError)
	}
	res := snap.Result
	if res.ErrorDetails == nil || res.ErrorDetails.Kind != "cancelled" {
		t.Fatalf("error details = %+v, want kind cancelled", res.ErrorDetails)
	}
	// The in-flight transition finishes before the request is honored.
	if res.TransitionsExecuted != 1 {
		t.Errorf("transitions executed = %d, want 1", res.TransitionsExecuted)
	}
	if res.FinalPositionNodeID != "node-1" {
		t.Errorf("final position = %q, want node-1", res.FinalPositionNodeID)
	}
}

func TestRunnerNavigationTimeout(t *testing.T) {
	executor := newGateExecutor() // never released: the deadline fires mid-action
	eng := newTestEngine(t, executor, &fakeVerifier{})
	r, err := NewRunner(eng, nil, RunnerConfig{
		PoolSize:          2,
		NavigationTimeout: 100 * time.Millisecond,
		Retention:         time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(r.Close)

	g, path := chainFixture(1)
	id, err := r.Start(g, "tree-1", "node-0", path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := waitTerminal(t, r, id)
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want %s", snap.Status, StatusError)
	}
	if snap.Result.ErrorDetails == nil || snap.Result.ErrorDetails.Kind != "timeout" {
		t.Fatalf("error details = %+v, want kind timeout", snap.Result.ErrorDetails)
	}
}

func TestRunnerUnknownExecution(t *testing.T) {
	r := newTestRunner(t, &fakeExecutor{}, nil)

	if _, err := r.Status("exec-ghost"); !errors.Is(err, datatypes.ErrExecutionNotFound) {
		t.Errorf("Status err = %v, want ErrExecutionNotFound", err)
	}
	if err := r.Cancel("exec-ghost"); !errors.Is(err, datatypes.ErrExecutionNotFound) {
		t.Errorf("Cancel err = %v, want ErrExecutionNotFound", err)
	}
	if _, _, err := r.Subscribe("exec-ghost"); !errors.Is(err, datatypes.ErrExecutionNotFound) {
		t.Errorf("Subscribe err = %v, want ErrExecutionNotFound", err)
	}
}

func TestRunnerSubscribe(t *testing.T) {
	t.Run("streams progress through the terminal event", func(t *testing.T) {
		executor := newGateExecutor()
		r := newTestRunner(t, executor, nil)
		g, path := chainFixture(2)

		id, err := r.Start(g, "tree-1", "node-0", path)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}

		ch, unsub, err := r.Subscribe(id)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer unsub()

		close(executor.release)

		var events []ProgressEvent
		deadline := time.After(10 * time.Second)
	collect:
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					break collect
				}
				events = append(events, ev)
			case <-deadline:
				t.Fatal("subscription channel never closed")
			}
		}
		if len(events) == 0 {
			t.Fatal("no events received")
		}
		last := events[len(events)-1]
		if !last.Terminal {
			t.Errorf("last event = %+v, want terminal", last)
		}
		if last.State != StateSucceeded {
			t.Errorf("terminal state = %s, want %s", last.State, StateSucceeded)
		}
		if last.TransitionIndex != 2 || last.TotalTransitions != 2 {
			t.Errorf("terminal progress = %d/%d, want 2/2", last.TransitionIndex, last.TotalTransitions)
		}
		for _, ev := range events {
			if ev.ExecutionID != id {
				t.Errorf("event carries execution %q, want %q", ev.ExecutionID, id)
			}
		}
	})

	t.Run("replays the terminal state for finished executions", func(t *testing.T) {
		r := newTestRunner(t, &fakeExecutor{}, nil)
		g, _ := chainFixture(1)

		id, err := r.Start(g, "tree-1", "node-0", nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}

		ch, unsub, err := r.Subscribe(id)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer unsub()

		ev, ok := <-ch
		if !ok {
			t.Fatal("channel closed before the replayed event")
		}
		if !ev.Terminal || ev.State != StateSucceeded {
			t.Errorf("replayed event = %+v, want terminal success", ev)
		}
		if _, ok := <-ch; ok {
			t.Error("channel should close after the replay")
		}
	})
}
