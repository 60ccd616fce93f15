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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/graph"
)

// Status of a navigation execution, as seen by the poll API.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Recorder receives per-entity execution outcomes. The metrics engine is
// the production implementation.
type Recorder interface {
	Record(ctx context.Context, treeID, entityID string, success bool, durationMs float64)
}

// ErrorDetails describes a failed navigation well enough to diagnose it
// without re-running: the exact transition that failed and, when the
// verifier could capture one, a device-state snapshot reference.
type ErrorDetails struct {
	Message      string `json:"message"`
	Kind         string `json:"kind"`
	FailedEdgeID string `json:"failed_edge_id,omitempty"`
	FailedSource string `json:"failed_source_id,omitempty"`
	FailedTarget string `json:"failed_target_id,omitempty"`
	SnapshotURL  string `json:"snapshot_url,omitempty"`
}

// NavigationResult is the terminal outcome of a navigation execution.
//
// Navigation is not transactional: on failure the result reports the
// furthest node actually reached, never a rollback.
type NavigationResult struct {
	Success             bool          `json:"success"`
	FinalPositionNodeID string        `json:"final_position_node_id"`
	TransitionsExecuted int           `json:"transitions_executed"`
	TotalTransitions    int           `json:"total_transitions"`
	ErrorDetails        *ErrorDetails `json:"error_details,omitempty"`
}

// ProgressEvent is pushed to stream subscribers after every transition.
type ProgressEvent struct {
	ExecutionID      string  `json:"execution_id"`
	TransitionIndex  int     `json:"transition_index"`
	TotalTransitions int     `json:"total_transitions"`
	State            State   `json:"state"`
	PositionNodeID   string  `json:"position_node_id"`
	ElapsedMs        float64 `json:"elapsed_ms"`
	Terminal         bool    `json:"terminal"`
}

// StatusSnapshot is the poll API's view of an execution.
type StatusSnapshot struct {
	ExecutionID string            `json:"execution_id"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	Total       int               `json:"total"`
	Message     string            `json:"message,omitempty"`
	Result      *NavigationResult `json:"result,omitempty"`
}

// navExecution is the runner's internal record of one navigation.
type navExecution struct {
	id     string
	treeID string
	total  int

	mu          sync.Mutex
	status      Status
	progress    int
	message     string
	result      *NavigationResult
	subscribers map[int]chan ProgressEvent
	nextSubID   int

	cancelRequested bool
}

// RunnerConfig tunes the navigation runner.
type RunnerConfig struct {
	// PoolSize caps concurrently running navigations.
	PoolSize int

	// NavigationTimeout bounds one whole navigation. Exceeding it reports
	// Timeout, distinct from Failed.
	NavigationTimeout time.Duration

	// Retention keeps finished executions queryable before eviction.
	Retention time.Duration

	// Logger for navigation logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultRunnerConfig sizes the pool for a small device lab.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PoolSize:          16,
		NavigationTimeout: 5 * time.Minute,
		Retention:         30 * time.Minute,
	}
}

// Runner executes navigations asynchronously on a worker pool and serves
// the start/poll/cancel contract.
//
// Thread Safety: all public methods are safe for concurrent use. The
// transitions of one navigation are strictly sequential; each depends on
// the device state left by the previous one.
type Runner struct {
	engine    *Engine
	recorder  Recorder
	pool      *ants.Pool
	timeout   time.Duration
	retention time.Duration
	logger    *slog.Logger

	mu         sync.RWMutex
	executions map[string]*navExecution
}

// NewRunner creates a navigation runner.
func NewRunner(engine *Engine, recorder Recorder, cfg RunnerConfig) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultRunnerConfig().PoolSize
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultRunnerConfig().NavigationTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRunnerConfig().Retention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &Runner{
		engine:     engine,
		recorder:   recorder,
		pool:       pool,
		timeout:    cfg.NavigationTimeout,
		retention:  cfg.Retention,
		logger:     cfg.Logger,
		executions: make(map[string]*navExecution),
	}, nil
}

// Close stops the worker pool. Running navigations finish their current
// transition and then observe cancellation.
func (r *Runner) Close() {
	r.mu.Lock()
	for _, exec := range r.executions {
		exec.mu.Lock()
		exec.cancelRequested = true
		exec.mu.Unlock()
	}
	r.mu.Unlock()
	r.pool.Release()
}

// Start begins executing a computed path in the background.
//
// Description:
//
//	Submits the navigation to the worker pool and returns immediately
//	with an execution id for the poll API. The empty path (a no-op
//	navigation, from == target) completes synchronously as a success at
//	the starting position.
//
// Inputs:
//
//	g - The unified graph the path was computed over.
//	startNodeID - Confirmed current position before the first transition.
//	path - Traversals from the pathfinder, executed strictly in order.
//
// Outputs:
//
//	string - Execution id.
//	error - Non-nil only if the pool rejects the task (saturated).
func (r *Runner) Start(g *graph.Graph, treeID, startNodeID string, path []datatypes.EdgeTraversal) (string, error) {
	exec := &navExecution{
		id:          uuid.NewString(),
		treeID:      treeID,
		total:       len(path),
		status:      StatusRunning,
		subscribers: make(map[int]chan ProgressEvent),
	}

	r.mu.Lock()
	r.executions[exec.id] = exec
	r.mu.Unlock()

	if len(path) == 0 {
		r.finish(exec, &NavigationResult{
			Success:             true,
			FinalPositionNodeID: startNodeID,
			TransitionsExecuted: 0,
			TotalTransitions:    0,
		}, "")
		return exec.id, nil
	}

	err := r.pool.Submit(func() {
		r.run(exec, g, startNodeID, path)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.executions, exec.id)
		r.mu.Unlock()
		return "", fmt.Errorf("submitting navigation: %w", err)
	}

	r.logger.Info("Navigation started",
		"execution_id", exec.id,
		"tree_id", treeID,
		"transitions", len(path))
	return exec.id, nil
}

// run executes the traversal sequence. Cancellation is checked between
// transitions, never mid-action, so the device is not left half-way
// through a command; the per-navigation timeout may still interrupt a
// suspension point inside a transition.
func (r *Runner) run(exec *navExecution, g *graph.Graph, startNodeID string, path []datatypes.EdgeTraversal) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	position := startNodeID
	for i, tr := range path {
		if exec.cancelled() {
			r.finish(exec, failureResult(i, len(path), position, tr, nil,
				datatypes.ErrCancelled, "navigation cancelled"), "cancelled")
			return
		}

		res, err := r.engine.ExecuteTransition(ctx, g, tr)

		elapsed := 0.0
		if res != nil {
			elapsed = res.ElapsedMs
		}
		success := err == nil
		if r.recorder != nil {
			r.recorder.Record(ctx, exec.treeID, tr.EdgeID, success, elapsed)
			r.recorder.Record(ctx, exec.treeID, tr.TargetID, success, elapsed)
		}

		if err != nil {
			r.logger.Warn("Navigation transition failed",
				"execution_id", exec.id,
				"edge_id", tr.EdgeID,
				"transition", i,
				"error", err)
			r.finish(exec, failureResult(i, len(path), position, tr, res, err, err.Error()),
				err.Error())
			return
		}

		position = tr.TargetID
		exec.advance(i+1, position, res)
	}

	r.finish(exec, &NavigationResult{
		Success:             true,
		FinalPositionNodeID: position,
		TransitionsExecuted: len(path),
		TotalTransitions:    len(path),
	}, "")
	r.logger.Info("Navigation completed",
		"execution_id", exec.id,
		"final_position", position)
}

// Status returns the poll snapshot for an execution.
func (r *Runner) Status(executionID string) (*StatusSnapshot, error) {
	r.mu.RLock()
	exec := r.executions[executionID]
	r.mu.RUnlock()
	if exec == nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, datatypes.ErrExecutionNotFound)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	snap := &StatusSnapshot{
		ExecutionID: exec.id,
		Status:      exec.status,
		Progress:    exec.progress,
		Total:       exec.total,
		Message:     exec.message,
	}
	if exec.result != nil {
		cp := *exec.result
		snap.Result = &cp
	}
	return snap, nil
}

// Cancel requests that an execution stop before its next transition.
// Reports ErrExecutionNotFound for unknown ids; cancelling an already
// finished execution is a harmless no-op.
func (r *Runner) Cancel(executionID string) error {
	r.mu.RLock()
	exec := r.executions[executionID]
	r.mu.RUnlock()
	if exec == nil {
		return fmt.Errorf("execution %s: %w", executionID, datatypes.ErrExecutionNotFound)
	}

	exec.mu.Lock()
	exec.cancelRequested = true
	exec.mu.Unlock()

	r.logger.Info("Navigation cancellation requested", "execution_id", executionID)
	return nil
}

// Subscribe attaches a progress listener to a running execution. The
// returned cancel function must be called to detach. The channel closes
// after the terminal event.
func (r *Runner) Subscribe(executionID string) (<-chan ProgressEvent, func(), error) {
	r.mu.RLock()
	exec := r.executions[executionID]
	r.mu.RUnlock()
	if exec == nil {
		return nil, nil, fmt.Errorf("execution %s: %w", executionID, datatypes.ErrExecutionNotFound)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()

	ch := make(chan ProgressEvent, 16)
	if exec.status != StatusRunning {
		// Already terminal: replay the final state and close.
		state := StateSucceeded
		if exec.status == StatusError {
			state = StateFailed
		}
		ch <- ProgressEvent{
			ExecutionID:      exec.id,
			TransitionIndex:  exec.progress,
			TotalTransitions: exec.total,
			State:            state,
			Terminal:         true,
		}
		close(ch)
		return ch, func() {}, nil
	}

	id := exec.nextSubID
	exec.nextSubID++
	exec.subscribers[id] = ch

	cancel := func() {
		exec.mu.Lock()
		if _, ok := exec.subscribers[id]; ok {
			delete(exec.subscribers, id)
			close(ch)
		}
		exec.mu.Unlock()
	}
	return ch, cancel, nil
}

// finish records the terminal result, notifies subscribers, and schedules
// eviction after the retention window.
func (r *Runner) finish(exec *navExecution, result *NavigationResult, message string) {
	exec.mu.Lock()
	if result.Success {
		exec.status = StatusCompleted
	} else {
		exec.status = StatusError
	}
	exec.result = result
	exec.progress = result.TransitionsExecuted
	exec.message = message

	ev := ProgressEvent{
		ExecutionID:      exec.id,
		TransitionIndex:  result.TransitionsExecuted,
		TotalTransitions: result.TotalTransitions,
		PositionNodeID:   result.FinalPositionNodeID,
		Terminal:         true,
	}
	if result.Success {
		ev.State = StateSucceeded
	} else {
		ev.State = StateFailed
	}
	for id, ch := range exec.subscribers {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
		delete(exec.subscribers, id)
	}
	exec.mu.Unlock()

	time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		delete(r.executions, exec.id)
		r.mu.Unlock()
	})
}

func (exec *navExecution) cancelled() bool {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.cancelRequested
}

// advance publishes progress after a successful transition.
func (exec *navExecution) advance(done int, position string, res *TransitionResult) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.progress = done

	ev := ProgressEvent{
		ExecutionID:      exec.id,
		TransitionIndex:  done,
		TotalTransitions: exec.total,
		State:            res.State,
		PositionNodeID:   position,
		ElapsedMs:        res.ElapsedMs,
	}
	for _, ch := range exec.subscribers {
		select {
		case ch <- ev:
		default: // slow subscriber drops events, never blocks the device
		}
	}
}

// failureResult builds the partial-progress result for a failed,
// cancelled, or timed-out navigation.
func failureResult(executed, total int, lastPosition string, tr datatypes.EdgeTraversal,
	res *TransitionResult, err error, message string,
) *NavigationResult {
	details := &ErrorDetails{
		Message:      message,
		Kind:         errorKind(err),
		FailedEdgeID: tr.EdgeID,
		FailedSource: tr.SourceID,
		FailedTarget: tr.TargetID,
	}
	if res != nil {
		details.SnapshotURL = res.SnapshotURL
	}
	return &NavigationResult{
		Success:             false,
		FinalPositionNodeID: lastPosition,
		TransitionsExecuted: executed,
		TotalTransitions:    total,
		ErrorDetails:        details,
	}
}

// errorKind maps an error onto the taxonomy names the API exposes.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, datatypes.ErrTimeout):
		return "timeout"
	case errors.Is(err, datatypes.ErrCancelled):
		return "cancelled"
	case errors.Is(err, datatypes.ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, datatypes.ErrActionExecutionFailed):
		return "action_execution_failed"
	case errors.Is(err, datatypes.ErrNoActionsForConditionalEdge):
		return "no_actions_for_conditional_edge"
	default:
		return "failed"
	}
}
