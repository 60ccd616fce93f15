// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package execution drives transitions against a live device.
//
// A single edge traversal runs the state machine
//
//	Pending -> Executing -> Verifying -> Succeeded
//	                     \-> Retrying -> Executing (once)
//	                     \-> FailedActions -> RecoveryExecuting -> Failed
//
// and a full navigation is a strictly sequential chain of traversals that
// aborts at the first failure, reporting partial progress instead of
// rolling back. Device latency is absorbed only in the post-action waits
// and during verification; those are the suspension points a per-call
// timeout can interrupt.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/screentrail/screentrail/services/navigator/actionset"
	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/graph"
)

var tracer = otel.Tracer("screentrail.execution")

var (
	transitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "navigator_transition_duration_seconds",
		Help:    "Time to execute and verify one edge traversal",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navigator_transitions_total",
		Help: "Edge traversals by terminal state",
	}, []string{"status"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navigator_device_actions_total",
		Help: "Device actions sent, by outcome",
	}, []string{"status"})

	activeTransitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navigator_active_transitions",
		Help: "Edge traversals currently executing",
	})
)

// State is a transition's position in the execution state machine.
type State string

const (
	StatePending           State = "pending"
	StateExecuting         State = "executing"
	StateVerifying         State = "verifying"
	StateSucceeded         State = "succeeded"
	StateRetrying          State = "retrying"
	StateFailedActions     State = "failed_actions"
	StateRecoveryExecuting State = "recovery_executing"
	StateFailed            State = "failed"
)

// ActionExecutor performs a single device command. Supplied by the host
// environment (ADB, IR blaster, web driver); the engine treats it as
// opaque. Actions may be retried, so implementations must be idempotent.
type ActionExecutor interface {
	Execute(ctx context.Context, action datatypes.Action) error
}

// VerifyResult is the outcome of one verification check.
type VerifyResult struct {
	Passed bool

	// Details describes what matched or why the check failed.
	Details string

	// SnapshotURL optionally references a device-state capture (screenshot
	// or UI dump) taken by the verifier, for post-mortem diagnosis.
	SnapshotURL string
}

// Verifier evaluates a single verification spec against the device.
type Verifier interface {
	Verify(ctx context.Context, spec datatypes.Verification) (VerifyResult, error)
}

// TransitionResult reports a completed (or failed) edge traversal.
type TransitionResult struct {
	Traversal datatypes.EdgeTraversal
	State     State
	ElapsedMs float64

	// UsedRetry marks that the retry action list was attempted.
	UsedRetry bool

	// SnapshotURL references the device state at failure time, when the
	// verifier could supply one.
	SnapshotURL string
}

// Config tunes the engine.
type Config struct {
	// ActionRate caps device commands per second, protecting physical
	// devices from being flooded. Zero disables pacing.
	ActionRate float64

	// ActionBurst is the rate limiter burst. Defaults to 1 when pacing
	// is enabled.
	ActionBurst int

	// Logger for transition logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig paces actions at 5/s, a safe floor for IR and ADB targets.
func DefaultConfig() Config {
	return Config{ActionRate: 5, ActionBurst: 1}
}

// Engine executes single edge traversals.
//
// Thread Safety: safe for concurrent use; transitions of one navigation
// are sequenced by the runner, but transitions of independent navigations
// may run simultaneously.
type Engine struct {
	executor ActionExecutor
	verifier Verifier
	resolver *actionset.Resolver
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewEngine creates an execution engine over the host's device collaborators.
func NewEngine(executor ActionExecutor, verifier Verifier, cfg Config) (*Engine, error) {
	if executor == nil {
		return nil, errors.New("action executor must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("verifier must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.ActionRate > 0 {
		burst := cfg.ActionBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ActionRate), burst)
	}

	return &Engine{
		executor: executor,
		verifier: verifier,
		resolver: actionset.NewResolver(),
		limiter:  limiter,
		logger:   cfg.Logger,
	}, nil
}

// ExecuteTransition drives one edge traversal to a terminal state.
//
// Description:
//
//	Resolves the action set, executes it, waits, verifies arrival at the
//	target node, and applies the edge's retry/failure policy. The retry
//	list is attempted at most once and never recursively. Failure actions
//	are best-effort cleanup; their errors are logged, not escalated.
//
// Outputs:
//
//	*TransitionResult - Always non-nil, including on failure, so callers
//	can report elapsed time and the failure snapshot.
//	error - Nil when State is Succeeded. ErrActionExecutionFailed or
//	        ErrVerificationFailed when the policy is exhausted; ErrTimeout
//	        or ErrCancelled when the context ended a suspension point;
//	        integrity errors from the resolver propagate untouched.
func (e *Engine) ExecuteTransition(ctx context.Context, g *graph.Graph, tr datatypes.EdgeTraversal) (*TransitionResult, error) {
	edge, ok := g.Edges[tr.EdgeID]
	if !ok {
		return nil, fmt.Errorf("edge %s: %w", tr.EdgeID, datatypes.ErrEdgeNotFound)
	}
	target, ok := g.Nodes[tr.TargetID]
	if !ok {
		return nil, fmt.Errorf("target node %s: %w", tr.TargetID, datatypes.ErrNodeNotFound)
	}

	ctx, span := tracer.Start(ctx, "execution.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("edge.id", edge.ID),
		attribute.String("target.id", target.ID),
		attribute.String("direction", string(tr.Dir)),
	)

	activeTransitions.Inc()
	defer activeTransitions.Dec()

	res := &TransitionResult{Traversal: tr, State: StatePending}
	start := time.Now()
	finish := func(state State, err error) (*TransitionResult, error) {
		res.State = state
		res.ElapsedMs = float64(time.Since(start).Milliseconds())
		transitionDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
		transitionsTotal.WithLabelValues(string(state)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}

	set, err := e.resolver.Resolve(g, edge, tr.Dir)
	if err != nil {
		return finish(StateFailed, err)
	}

	logger := e.logger.With(
		"edge_id", edge.ID,
		"source_id", tr.SourceID,
		"target_id", tr.TargetID,
		"direction", string(tr.Dir))

	// Primary action pass.
	res.State = StateExecuting
	if err := e.runActions(ctx, set.Actions, logger); err != nil {
		if ctxErr := mapContextErr(ctx, err); ctxErr != nil {
			return finish(StateFailed, ctxErr)
		}
		if len(set.RetryActions) > 0 {
			res.State = StateRetrying
			res.UsedRetry = true
			logger.Warn("Primary actions failed, attempting retry list", "error", err)
			if retryErr := e.runActions(ctx, set.RetryActions, logger); retryErr != nil {
				return e.fail(ctx, res, set, logger, finish,
					fmt.Errorf("retry actions: %w: %v", datatypes.ErrActionExecutionFailed, retryErr))
			}
		} else {
			// No retries: terminal failure without attempting verification.
			return e.fail(ctx, res, set, logger, finish,
				fmt.Errorf("%w: %v", datatypes.ErrActionExecutionFailed, err))
		}
	}

	if err := e.settle(ctx, set.WaitAfterMs); err != nil {
		return finish(StateFailed, err)
	}

	// Verify arrival; one retry pass if the set provides one and the
	// primary pass hasn't already consumed it.
	res.State = StateVerifying
	ok, snapshot, err := e.verifyNode(ctx, target, edge, logger)
	if err != nil {
		return finish(StateFailed, err)
	}
	if !ok && !res.UsedRetry && len(set.RetryActions) > 0 {
		res.State = StateRetrying
		res.UsedRetry = true
		logger.Warn("Verification failed, attempting retry list")
		if retryErr := e.runActions(ctx, set.RetryActions, logger); retryErr != nil {
			if ctxErr := mapContextErr(ctx, retryErr); ctxErr != nil {
				return finish(StateFailed, ctxErr)
			}
			return e.fail(ctx, res, set, logger, finish,
				fmt.Errorf("retry actions: %w: %v", datatypes.ErrActionExecutionFailed, retryErr))
		}
		if err := e.settle(ctx, set.WaitAfterMs); err != nil {
			return finish(StateFailed, err)
		}
		res.State = StateVerifying
		ok, snapshot, err = e.verifyNode(ctx, target, edge, logger)
		if err != nil {
			return finish(StateFailed, err)
		}
	}

	if ok {
		logger.Debug("Transition succeeded", "elapsed_ms", time.Since(start).Milliseconds())
		return finish(StateSucceeded, nil)
	}

	res.SnapshotURL = snapshot
	return e.fail(ctx, res, set, logger, finish,
		fmt.Errorf("node %q: %w", target.Label, datatypes.ErrVerificationFailed))
}

// fail runs the recovery path: FailedActions -> RecoveryExecuting -> Failed.
func (e *Engine) fail(ctx context.Context, res *TransitionResult, set *datatypes.ActionSet,
	logger *slog.Logger, finish func(State, error) (*TransitionResult, error), cause error,
) (*TransitionResult, error) {
	res.State = StateFailedActions
	if len(set.FailureActions) > 0 {
		res.State = StateRecoveryExecuting
		logger.Warn("Running failure actions", "cause", cause)
		if err := e.runActions(ctx, set.FailureActions, logger); err != nil {
			// Best-effort cleanup only.
			logger.Warn("Failure actions errored", "error", err)
		}
	}
	return finish(StateFailed, cause)
}

// runActions executes an ordered list of device commands. An error from an
// action without continue_on_fail aborts the list immediately.
func (e *Engine) runActions(ctx context.Context, actions []datatypes.Action, logger *slog.Logger) error {
	for i, action := range actions {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := e.executor.Execute(ctx, action); err != nil {
			actionsTotal.WithLabelValues("error").Inc()
			if action.ContinueOnFail {
				logger.Debug("Non-critical action failed, continuing",
					"index", i,
					"command", action.Command,
					"error", err)
				continue
			}
			return fmt.Errorf("action %d (%s): %w", i, action.Command, err)
		}
		actionsTotal.WithLabelValues("ok").Inc()

		if action.WaitMs > 0 {
			if err := e.settle(ctx, action.WaitMs); err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyNode evaluates the target's checks per its all/any pass condition.
// Returns the last snapshot reference the verifier supplied, for failure
// reporting.
func (e *Engine) verifyNode(ctx context.Context, node *datatypes.Node, edge *datatypes.Edge, logger *slog.Logger) (bool, string, error) {
	if len(node.Verifications) == 0 {
		// Pure waypoint: nothing to prove.
		return true, "", nil
	}

	start := time.Now()
	var snapshot string
	passedAll := true
	passedAny := false

	for i, spec := range node.Verifications {
		vctx := ctx
		var cancel context.CancelFunc
		if spec.TimeoutMs > 0 {
			vctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMs)*time.Millisecond)
		}
		result, err := e.verifier.Verify(vctx, spec)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctxErr := mapContextErr(ctx, err); ctxErr != nil {
				return false, snapshot, ctxErr
			}
			logger.Debug("Verification check errored",
				"index", i,
				"kind", spec.Kind,
				"error", err)
			passedAll = false
			continue
		}
		if result.SnapshotURL != "" {
			snapshot = result.SnapshotURL
		}
		if result.Passed {
			passedAny = true
			if node.PassCondition == datatypes.PassAny {
				break
			}
		} else {
			passedAll = false
		}
	}

	latency := time.Since(start)
	if edge.ThresholdMs > 0 && latency > time.Duration(edge.ThresholdMs)*time.Millisecond {
		logger.Warn("Verification latency above edge threshold; transition suspect",
			"latency_ms", latency.Milliseconds(),
			"threshold_ms", edge.ThresholdMs)
	}

	if node.PassCondition == datatypes.PassAny {
		return passedAny, snapshot, nil
	}
	return passedAll, snapshot, nil
}

// settle sleeps for a device wait, honoring cancellation and timeout.
func (e *Engine) settle(ctx context.Context, waitMs int) error {
	if waitMs <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return mapContextErr(ctx, ctx.Err())
	}
}

// mapContextErr translates a context-caused error into the engine's
// taxonomy: deadline -> Timeout, cancel -> Cancelled. Returns nil when the
// context is still live (the error had another cause).
func mapContextErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", datatypes.ErrTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", datatypes.ErrCancelled, err)
	default:
		return nil
	}
}
