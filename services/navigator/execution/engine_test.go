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

// fakeExecutor records every command and fails the ones listed in
// failures, decrementing the remaining-failure count per command.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	failures map[string]int
}

func (f *fakeExecutor) Execute(ctx context.Context, action datatypes.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, action.Command)
	if n := f.failures[action.Command]; n > 0 {
		f.failures[action.Command] = n - 1
		return fmt.Errorf("device rejected %q", action.Command)
	}
	return nil
}

func (f *fakeExecutor) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// fakeVerifier returns the queued results in order, repeating the last
// one once the queue drains. An empty queue always passes.
type fakeVerifier struct {
	mu      sync.Mutex
	calls   int
	results []VerifyResult
	err     error
}

func (f *fakeVerifier) Verify(ctx context.Context, spec datatypes.Verification) (VerifyResult, error) {
	if err := ctx.Err(); err != nil {
		return VerifyResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return VerifyResult{}, f.err
	}
	if len(f.results) == 0 {
		return VerifyResult{Passed: true}, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// transitionFixture builds a two-node graph with a single edge whose
// forward action set carries the given lists.
func transitionFixture(actions, retry, failure []datatypes.Action) (*graph.Graph, datatypes.EdgeTraversal) {
	source := &datatypes.Node{
		ID:     "node-home",
		TreeID: "tree-1",
		Label:  "Home",
		Kind:   datatypes.KindEntry,
	}
	target := &datatypes.Node{
		ID:     "node-settings",
		TreeID: "tree-1",
		Label:  "Settings",
		Kind:   datatypes.KindScreen,
		Verifications: []datatypes.Verification{
			{Kind: "text_match", Params: map[string]string{"text": "Settings"}},
		},
		PassCondition: datatypes.PassAll,
	}

	fwdID := datatypes.ForwardActionSetID(source.ID, target.ID)
	revID := datatypes.ReverseActionSetID(source.ID, target.ID)
	edge := &datatypes.Edge{
		ID:       "edge-1",
		TreeID:   "tree-1",
		SourceID: source.ID,
		TargetID: target.ID,
		ActionSets: map[string]*datatypes.ActionSet{
			fwdID: {
				ID:             fwdID,
				Actions:        actions,
				RetryActions:   retry,
				FailureActions: failure,
			},
			revID: {
				ID:      revID,
				Actions: []datatypes.Action{{Command: "press_back"}},
			},
		},
		DefaultActionSetID: fwdID,
		ReverseActionSetID: revID,
	}

	g := &graph.Graph{
		RootTreeID:  "tree-1",
		TeamID:      "team-1",
		EntryNodeID: source.ID,
		Nodes:       map[string]*datatypes.Node{source.ID: source, target.ID: target},
		Edges:       map[string]*datatypes.Edge{edge.ID: edge},
	}
	tr := datatypes.EdgeTraversal{
		EdgeID:   edge.ID,
		SourceID: source.ID,
		TargetID: target.ID,
		Dir:      datatypes.DirectionForward,
	}
	return g, tr
}

func newTestEngine(t *testing.T, executor ActionExecutor, verifier Verifier) *Engine {
	t.Helper()
	eng, err := NewEngine(executor, verifier, Config{ActionRate: 0})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestExecuteTransitionSuccess(t *testing.T) {
	executor := &fakeExecutor{}
	verifier := &fakeVerifier{}
	eng := newTestEngine(t, executor, verifier)

	g, tr := transitionFixture(
		[]datatypes.Action{{Command: "press_down"}, {Command: "press_ok"}},
		nil, nil)

	res, err := eng.ExecuteTransition(context.Background(), g, tr)
	if err != nil {
		t.Fatalf("ExecuteTransition: %v", err)
	}
	if res.State != StateSucceeded {
		t.Fatalf("state = %s, want %s", res.State, StateSucceeded)
	}
	if res.UsedRetry {
		t.Error("retry list should not have been touched")
	}

	got := executor.sent()
	want := []string{"press_down", "press_ok"}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if verifier.callCount() != 1 {
		t.Errorf("verifier calls = %d, want 1", verifier.callCount())
	}
}

func TestExecuteTransitionActionFailure(t *testing.T) {
	t.Run("no retries skips verification", func(t *testing.T) {
		executor := &fakeExecutor{failures: map[string]int{"press_ok": 1}}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok"}}, nil, nil)

		res, err := eng.ExecuteTransition(context.Background(), g, tr)
		if !errors.Is(err, datatypes.ErrActionExecutionFailed) {
			t.Fatalf("err = %v, want ErrActionExecutionFailed", err)
		}
		if res.State != StateFailed {
			t.Errorf("state = %s, want %s", res.State, StateFailed)
		}
		if verifier.callCount() != 0 {
			t.Errorf("verifier called %d times on action failure without retries", verifier.callCount())
		}
	})

	t.Run("retry list recovers", func(t *testing.T) {
		executor := &fakeExecutor{failures: map[string]int{"press_ok": 1}}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture(
			[]datatypes.Action{{Command: "press_ok"}},
			[]datatypes.Action{{Command: "press_home"}, {Command: "press_ok"}},
			nil)

		res, err := eng.ExecuteTransition(context.Background(), g, tr)
		if err != nil {
			t.Fatalf("ExecuteTransition: %v", err)
		}
		if res.State != StateSucceeded {
			t.Fatalf("state = %s, want %s", res.State, StateSucceeded)
		}
		if !res.UsedRetry {
			t.Error("result should report the retry list was used")
		}
	})

	t.Run("retry list exhausted", func(t *testing.T) {
		executor := &fakeExecutor{failures: map[string]int{"press_ok": 2}}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture(
			[]datatypes.Action{{Command: "press_ok"}},
			[]datatypes.Action{{Command: "press_ok"}},
			nil)

		_, err := eng.ExecuteTransition(context.Background(), g, tr)
		if !errors.Is(err, datatypes.ErrActionExecutionFailed) {
			t.Fatalf("err = %v, want ErrActionExecutionFailed", err)
		}
		if verifier.callCount() != 0 {
			t.Errorf("verifier called %d times after exhausted retries", verifier.callCount())
		}
	})

	t.Run("continue_on_fail tolerates an error", func(t *testing.T) {
		executor := &fakeExecutor{failures: map[string]int{"optional_poke": 1}}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture(
			[]datatypes.Action{
				{Command: "optional_poke", ContinueOnFail: true},
				{Command: "press_ok"},
			},
			nil, nil)

		res, err := eng.ExecuteTransition(context.Background(), g, tr)
		if err != nil {
			t.Fatalf("ExecuteTransition: %v", err)
		}
		if res.State != StateSucceeded {
			t.Errorf("state = %s, want %s", res.State, StateSucceeded)
		}
		got := executor.sent()
		if len(got) != 2 || got[1] != "press_ok" {
			t.Errorf("commands = %v, want the list to continue past the tolerated failure", got)
		}
	})
}

func TestExecuteTransitionVerificationFailure(t *testing.T) {
	t.Run("retry then second verification passes", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{results: []VerifyResult{
			{Passed: false, Details: "still on home"},
			{Passed: true},
		}}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture(
			[]datatypes.Action{{Command: "press_ok"}},
			[]datatypes.Action{{Command: "press_ok"}},
			nil)

		res, err := eng.ExecuteTransition(context.Background(), g, tr)
		if err != nil {
			t.Fatalf("ExecuteTransition: %v", err)
		}
		if res.State != StateSucceeded {
			t.Fatalf("state = %s, want %s", res.State, StateSucceeded)
		}
		if !res.UsedRetry {
			t.Error("result should report the retry list was used")
		}
		if verifier.callCount() != 2 {
			t.Errorf("verifier calls = %d, want 2", verifier.callCount())
		}
	})

	t.Run("no retries is terminal and keeps the snapshot", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{results: []VerifyResult{
			{Passed: false, SnapshotURL: "snap://settings-miss"},
		}}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok"}}, nil, nil)

		res, err := eng.ExecuteTransition(context.Background(), g, tr)
		if !errors.Is(err, datatypes.ErrVerificationFailed) {
			t.Fatalf("err = %v, want ErrVerificationFailed", err)
		}
		if res.State != StateFailed {
			t.Errorf("state = %s, want %s", res.State, StateFailed)
		}
		if res.SnapshotURL != "snap://settings-miss" {
			t.Errorf("snapshot = %q, want the verifier's capture", res.SnapshotURL)
		}
	})

	t.Run("retry consumed by actions is not replayed for verification", func(t *testing.T) {
		executor := &fakeExecutor{failures: map[string]int{"press_ok": 1}}
		verifier := &fakeVerifier{results: []VerifyResult{{Passed: false}}}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture(
			[]datatypes.Action{{Command: "press_ok"}},
			[]datatypes.Action{{Command: "press_ok"}},
			nil)

		_, err := eng.ExecuteTransition(context.Background(), g, tr)
		if !errors.Is(err, datatypes.ErrVerificationFailed) {
			t.Fatalf("err = %v, want ErrVerificationFailed", err)
		}
		if verifier.callCount() != 1 {
			t.Errorf("verifier calls = %d, want 1 after the retry budget was spent on actions", verifier.callCount())
		}
	})
}

func TestExecuteTransitionFailureActions(t *testing.T) {
	t.Run("runs on terminal failure", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{results: []VerifyResult{{Passed: false}}}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture(
			[]datatypes.Action{{Command: "press_ok"}},
			nil,
			[]datatypes.Action{{Command: "press_home"}})

		_, err := eng.ExecuteTransition(context.Background(), g, tr)
		if !errors.Is(err, datatypes.ErrVerificationFailed) {
			t.Fatalf("err = %v, want ErrVerificationFailed", err)
		}
		got := executor.sent()
		if len(got) == 0 || got[len(got)-1] != "press_home" {
			t.Errorf("commands = %v, want failure actions to run last", got)
		}
	})

	t.Run("cleanup errors do not mask the cause", func(t *testing.T) {
		executor := &fakeExecutor{failures: map[string]int{
			"press_ok":   1,
			"press_home": 1,
		}}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture(
			[]datatypes.Action{{Command: "press_ok"}},
			nil,
			[]datatypes.Action{{Command: "press_home"}})

		_, err := eng.ExecuteTransition(context.Background(), g, tr)
		if !errors.Is(err, datatypes.ErrActionExecutionFailed) {
			t.Fatalf("err = %v, want the original ErrActionExecutionFailed", err)
		}
	})
}

func TestExecuteTransitionPassConditions(t *testing.T) {
	twoChecks := []datatypes.Verification{
		{Kind: "text_match", Params: map[string]string{"text": "Settings"}},
		{Kind: "icon_match", Params: map[string]string{"icon": "gear"}},
	}

	t.Run("any passes on a single hit", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{results: []VerifyResult{{Passed: true}}}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok"}}, nil, nil)
		g.Nodes[tr.TargetID].Verifications = twoChecks
		g.Nodes[tr.TargetID].PassCondition = datatypes.PassAny

		res, err := eng.ExecuteTransition(context.Background(), g, tr)
		if err != nil {
			t.Fatalf("ExecuteTransition: %v", err)
		}
		if res.State != StateSucceeded {
			t.Errorf("state = %s, want %s", res.State, StateSucceeded)
		}
		if verifier.callCount() != 1 {
			t.Errorf("verifier calls = %d, want short-circuit after the first pass", verifier.callCount())
		}
	})

	t.Run("all fails on a single miss", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{results: []VerifyResult{
			{Passed: true},
			{Passed: false},
		}}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok"}}, nil, nil)
		g.Nodes[tr.TargetID].Verifications = twoChecks
		g.Nodes[tr.TargetID].PassCondition = datatypes.PassAll

		_, err := eng.ExecuteTransition(context.Background(), g, tr)
		if !errors.Is(err, datatypes.ErrVerificationFailed) {
			t.Fatalf("err = %v, want ErrVerificationFailed", err)
		}
	})

	t.Run("waypoint without checks always passes", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok"}}, nil, nil)
		g.Nodes[tr.TargetID].Verifications = nil

		res, err := eng.ExecuteTransition(context.Background(), g, tr)
		if err != nil {
			t.Fatalf("ExecuteTransition: %v", err)
		}
		if res.State != StateSucceeded {
			t.Errorf("state = %s, want %s", res.State, StateSucceeded)
		}
		if verifier.callCount() != 0 {
			t.Errorf("verifier calls = %d, want 0 for a waypoint", verifier.callCount())
		}
	})
}

func TestExecuteTransitionContextErrors(t *testing.T) {
	t.Run("cancellation maps to ErrCancelled", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok"}}, nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := eng.ExecuteTransition(ctx, g, tr)
		if !errors.Is(err, datatypes.ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	})

	t.Run("deadline maps to ErrTimeout", func(t *testing.T) {
		executor := &fakeExecutor{}
		verifier := &fakeVerifier{}
		eng := newTestEngine(t, executor, verifier)

		// The post-action wait is long enough that the deadline fires
		// inside the settle suspension point.
		g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok", WaitMs: 2000}}, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := eng.ExecuteTransition(ctx, g, tr)
		if !errors.Is(err, datatypes.ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	})
}

func TestExecuteTransitionUnknownReferences(t *testing.T) {
	executor := &fakeExecutor{}
	verifier := &fakeVerifier{}
	eng := newTestEngine(t, executor, verifier)

	g, tr := transitionFixture([]datatypes.Action{{Command: "press_ok"}}, nil, nil)

	t.Run("missing edge", func(t *testing.T) {
		bad := tr
		bad.EdgeID = "edge-ghost"
		if _, err := eng.ExecuteTransition(context.Background(), g, bad); !errors.Is(err, datatypes.ErrEdgeNotFound) {
			t.Fatalf("err = %v, want ErrEdgeNotFound", err)
		}
	})

	t.Run("missing target node", func(t *testing.T) {
		bad := tr
		bad.TargetID = "node-ghost"
		if _, err := eng.ExecuteTransition(context.Background(), g, bad); !errors.Is(err, datatypes.ErrNodeNotFound) {
			t.Fatalf("err = %v, want ErrNodeNotFound", err)
		}
	})
}

func TestNewEngineRejectsNilCollaborators(t *testing.T) {
	if _, err := NewEngine(nil, &fakeVerifier{}, Config{}); err == nil {
		t.Error("nil executor should be rejected")
	}
	if _, err := NewEngine(&fakeExecutor{}, nil, Config{}); err == nil {
		t.Error("nil verifier should be rejected")
	}
}
