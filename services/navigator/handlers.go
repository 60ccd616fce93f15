// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package navigator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
)

// ServiceVersion is the navigator service version.
const ServiceVersion = "0.1.0"

// sessionHeader carries the caller's edit session id on mutating requests.
const sessionHeader = "X-Session-ID"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// Handlers contains the HTTP handlers for the navigator service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /v1/navigator/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": ServiceVersion})
}

// HandleReady handles GET /v1/navigator/ready.
//
// Readiness checks that the store answers a trivial read. Badger is
// embedded, so an error here means the database directory is gone or
// corrupt rather than a remote outage.
func (h *Handlers) HandleReady(c *gin.Context) {
	if _, err := h.svc.Store.ListTrees(c.Request.Context(), ""); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// HandleCreateTree handles POST /v1/navigator/trees.
//
// Request Body:
//
//	datatypes.Tree (id optional, team_id required)
//
// Response:
//
//	201 Created: the stored tree
//	400 Bad Request: validation error
func (h *Handlers) HandleCreateTree(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreateTree")

	var tree datatypes.Tree
	if err := c.ShouldBindJSON(&tree); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	if err := h.svc.Store.CreateTree(c.Request.Context(), &tree); err != nil {
		respondDomainError(c, logger, "Create tree failed", err)
		return
	}

	logger.Info("Tree created", "tree_id", tree.ID, "team_id", tree.TeamID)
	c.JSON(http.StatusCreated, tree)
}

// HandleListTrees handles GET /v1/navigator/trees?team_id=.
func (h *Handlers) HandleListTrees(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListTrees")

	trees, err := h.svc.Store.ListTrees(c.Request.Context(), c.Query("team_id"))
	if err != nil {
		respondDomainError(c, logger, "List trees failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trees": trees, "count": len(trees)})
}

// HandleGetTree handles GET /v1/navigator/trees/:treeID.
func (h *Handlers) HandleGetTree(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetTree")

	tree, err := h.svc.Store.GetTree(c.Request.Context(), c.Param("treeID"))
	if err != nil {
		respondDomainError(c, logger, "Get tree failed", err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// HandleCreateNode handles POST /v1/navigator/trees/:treeID/nodes.
//
// The caller must hold the tree's edit lock; the session id arrives in
// the X-Session-ID header.
func (h *Handlers) HandleCreateNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreateNode")

	var node datatypes.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	node.TreeID = c.Param("treeID")

	if err := h.svc.Store.CreateNode(c.Request.Context(), c.GetHeader(sessionHeader), &node); err != nil {
		respondDomainError(c, logger, "Create node failed", err)
		return
	}

	logger.Info("Node created", "tree_id", node.TreeID, "node_id", node.ID, "label", node.Label)
	c.JSON(http.StatusCreated, node)
}

// HandleListNodes handles GET /v1/navigator/trees/:treeID/nodes.
func (h *Handlers) HandleListNodes(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListNodes")

	nodes, err := h.svc.Store.ListNodes(c.Request.Context(), c.Param("treeID"))
	if err != nil {
		respondDomainError(c, logger, "List nodes failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

// HandleGetNode handles GET /v1/navigator/trees/:treeID/nodes/:nodeID.
//
// A label query form is also supported:
// GET /v1/navigator/trees/:treeID/nodes/by-label?label=Settings.
func (h *Handlers) HandleGetNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetNode")

	ctx := c.Request.Context()
	treeID := c.Param("treeID")

	var (
		node *datatypes.Node
		err  error
	)
	if c.Param("nodeID") == "by-label" {
		node, err = h.svc.Store.GetNodeByLabel(ctx, treeID, c.Query("label"))
	} else {
		node, err = h.svc.Store.GetNode(ctx, treeID, c.Param("nodeID"))
	}
	if err != nil {
		respondDomainError(c, logger, "Get node failed", err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// HandleUpdateNode handles PUT /v1/navigator/trees/:treeID/nodes/:nodeID.
func (h *Handlers) HandleUpdateNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpdateNode")

	var node datatypes.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	node.TreeID = c.Param("treeID")
	node.ID = c.Param("nodeID")

	if err := h.svc.Store.UpdateNode(c.Request.Context(), c.GetHeader(sessionHeader), &node); err != nil {
		respondDomainError(c, logger, "Update node failed", err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// HandleDeleteNode handles DELETE /v1/navigator/trees/:treeID/nodes/:nodeID.
//
// Deleting a node cascades to its touching edges. The entry node is
// protected while it still has outgoing edges.
func (h *Handlers) HandleDeleteNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeleteNode")

	err := h.svc.Store.DeleteNode(c.Request.Context(), c.GetHeader(sessionHeader),
		c.Param("treeID"), c.Param("nodeID"))
	if err != nil {
		respondDomainError(c, logger, "Delete node failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("nodeID")})
}

// HandleCreateEdge handles POST /v1/navigator/trees/:treeID/edges.
func (h *Handlers) HandleCreateEdge(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreateEdge")

	var edge datatypes.Edge
	if err := c.ShouldBindJSON(&edge); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	edge.TreeID = c.Param("treeID")

	if err := h.svc.Store.CreateEdge(c.Request.Context(), c.GetHeader(sessionHeader), &edge); err != nil {
		respondDomainError(c, logger, "Create edge failed", err)
		return
	}

	logger.Info("Edge created",
		"tree_id", edge.TreeID,
		"edge_id", edge.ID,
		"source", edge.SourceID,
		"target", edge.TargetID)
	c.JSON(http.StatusCreated, edge)
}

// HandleListEdges handles GET /v1/navigator/trees/:treeID/edges.
func (h *Handlers) HandleListEdges(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListEdges")

	edges, err := h.svc.Store.ListEdges(c.Request.Context(), c.Param("treeID"))
	if err != nil {
		respondDomainError(c, logger, "List edges failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges, "count": len(edges)})
}

// HandleGetEdge handles GET /v1/navigator/trees/:treeID/edges/:edgeID.
func (h *Handlers) HandleGetEdge(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetEdge")

	edge, err := h.svc.Store.GetEdge(c.Request.Context(), c.Param("treeID"), c.Param("edgeID"))
	if err != nil {
		respondDomainError(c, logger, "Get edge failed", err)
		return
	}
	c.JSON(http.StatusOK, edge)
}

// HandleUpdateEdge handles PUT /v1/navigator/trees/:treeID/edges/:edgeID.
func (h *Handlers) HandleUpdateEdge(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpdateEdge")

	var edge datatypes.Edge
	if err := c.ShouldBindJSON(&edge); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	edge.TreeID = c.Param("treeID")
	edge.ID = c.Param("edgeID")

	if err := h.svc.Store.UpdateEdge(c.Request.Context(), c.GetHeader(sessionHeader), &edge); err != nil {
		respondDomainError(c, logger, "Update edge failed", err)
		return
	}
	c.JSON(http.StatusOK, edge)
}

// HandleDeleteEdge handles DELETE /v1/navigator/trees/:treeID/edges/:edgeID.
func (h *Handlers) HandleDeleteEdge(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeleteEdge")

	err := h.svc.Store.DeleteEdge(c.Request.Context(), c.GetHeader(sessionHeader),
		c.Param("treeID"), c.Param("edgeID"))
	if err != nil {
		respondDomainError(c, logger, "Delete edge failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("edgeID")})
}

// LockRequest identifies the session and human holder taking a tree's
// edit lock.
type LockRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	HolderID  string `json:"holder_id,omitempty"`
}

// HandleAcquireLock handles POST /v1/navigator/trees/:treeID/lock.
//
// Response:
//
//	200 OK: the lock (acquire is idempotent for the holding session)
//	409 Conflict: held by another session; body includes the holder
func (h *Handlers) HandleAcquireLock(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAcquireLock")

	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	lk, err := h.svc.Locks.Acquire(c.Param("treeID"), req.SessionID, req.HolderID)
	if err != nil {
		var conflict *datatypes.LockConflictError
		if errors.As(err, &conflict) {
			logger.Info("Lock conflict",
				"tree_id", c.Param("treeID"),
				"holder_session", conflict.Holder.SessionID)
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Tree is locked by another session",
				"code":   "LOCK_CONFLICT",
				"holder": conflict.Holder,
			})
			return
		}
		respondDomainError(c, logger, "Acquire lock failed", err)
		return
	}

	logger.Info("Lock acquired", "tree_id", lk.TreeID, "session_id", lk.SessionID)
	c.JSON(http.StatusOK, lk)
}

// HandleReleaseLock handles DELETE /v1/navigator/trees/:treeID/lock.
func (h *Handlers) HandleReleaseLock(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReleaseLock")

	if err := h.svc.Locks.Release(c.Param("treeID"), c.GetHeader(sessionHeader)); err != nil {
		respondDomainError(c, logger, "Release lock failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": c.Param("treeID")})
}

// HandleLockStatus handles GET /v1/navigator/trees/:treeID/lock.
func (h *Handlers) HandleLockStatus(c *gin.Context) {
	lk := h.svc.Locks.Status(c.Param("treeID"))
	if lk == nil {
		c.JSON(http.StatusOK, gin.H{"locked": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true, "lock": lk})
}

// HandleStartNavigation handles POST /v1/navigator/navigate.
//
// Request Body:
//
//	NavigationRequest
//
// Response:
//
//	202 Accepted: {"execution_id": "..."} — poll or stream for progress
//	404 Not Found: unknown tree or target node, or no path exists
//	422 Unprocessable Entity: graph integrity violation
func (h *Handlers) HandleStartNavigation(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStartNavigation")

	var req NavigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	execID, err := h.svc.StartNavigation(c.Request.Context(), req)
	if err != nil {
		respondDomainError(c, logger, "Start navigation failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

// HandleExecutionStatus handles GET /v1/navigator/executions/:executionID.
func (h *Handlers) HandleExecutionStatus(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleExecutionStatus")

	snap, err := h.svc.Runner.Status(c.Param("executionID"))
	if err != nil {
		respondDomainError(c, logger, "Execution status failed", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleCancelExecution handles POST /v1/navigator/executions/:executionID/cancel.
//
// Cancellation is cooperative: the current transition finishes before
// the runner stops, so the device is never abandoned mid-action.
func (h *Handlers) HandleCancelExecution(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCancelExecution")

	if err := h.svc.Runner.Cancel(c.Param("executionID")); err != nil {
		respondDomainError(c, logger, "Cancel execution failed", err)
		return
	}

	logger.Info("Cancellation requested", "execution_id", c.Param("executionID"))
	c.JSON(http.StatusAccepted, gin.H{"cancelling": c.Param("executionID")})
}

// HandleTreeMetrics handles GET /v1/navigator/trees/:treeID/metrics?team_id=.
func (h *Handlers) HandleTreeMetrics(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTreeMetrics")

	tm, err := h.svc.GetMetrics(c.Request.Context(), c.Param("treeID"), c.Query("team_id"))
	if err != nil {
		respondDomainError(c, logger, "Tree metrics failed", err)
		return
	}
	c.JSON(http.StatusOK, tm)
}

// HandleResetMetrics handles POST /v1/navigator/trees/:treeID/metrics/reset.
//
// Admin operation: wipes the tree's recorded execution history so
// confidence scores restart from the neutral default.
func (h *Handlers) HandleResetMetrics(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResetMetrics")

	if err := h.svc.Metrics.Reset(c.Request.Context(), c.Param("treeID")); err != nil {
		respondDomainError(c, logger, "Reset metrics failed", err)
		return
	}

	logger.Info("Metrics reset", "tree_id", c.Param("treeID"))
	c.JSON(http.StatusOK, gin.H{"reset": c.Param("treeID")})
}

// respondDomainError maps domain sentinel errors onto HTTP statuses and
// writes the standard error body.
func respondDomainError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	statusCode := http.StatusInternalServerError
	errCode := "INTERNAL_ERROR"

	switch {
	case errors.Is(err, datatypes.ErrInvalidInput):
		statusCode = http.StatusBadRequest
		errCode = "INVALID_INPUT"
	case errors.Is(err, datatypes.ErrTreeNotFound):
		statusCode = http.StatusNotFound
		errCode = "TREE_NOT_FOUND"
	case errors.Is(err, datatypes.ErrNodeNotFound):
		statusCode = http.StatusNotFound
		errCode = "NODE_NOT_FOUND"
	case errors.Is(err, datatypes.ErrEdgeNotFound):
		statusCode = http.StatusNotFound
		errCode = "EDGE_NOT_FOUND"
	case errors.Is(err, datatypes.ErrExecutionNotFound):
		statusCode = http.StatusNotFound
		errCode = "EXECUTION_NOT_FOUND"
	case errors.Is(err, datatypes.ErrPathNotFound):
		statusCode = http.StatusNotFound
		errCode = "PATH_NOT_FOUND"
	case errors.Is(err, datatypes.ErrLockRequired):
		statusCode = http.StatusForbidden
		errCode = "LOCK_REQUIRED"
	case errors.Is(err, datatypes.ErrLockConflict):
		statusCode = http.StatusConflict
		errCode = "LOCK_CONFLICT"
	case errors.Is(err, datatypes.ErrEntryNodeProtected):
		statusCode = http.StatusConflict
		errCode = "ENTRY_NODE_PROTECTED"
	case errors.Is(err, datatypes.ErrDuplicateEntryNode):
		statusCode = http.StatusConflict
		errCode = "DUPLICATE_ENTRY_NODE"
	case errors.Is(err, datatypes.ErrDuplicateLabel):
		statusCode = http.StatusConflict
		errCode = "DUPLICATE_LABEL"
	case errors.Is(err, datatypes.ErrCyclicSubtreeLink):
		statusCode = http.StatusUnprocessableEntity
		errCode = "CYCLIC_SUBTREE_LINK"
	case errors.Is(err, datatypes.ErrNoActionsForConditionalEdge):
		statusCode = http.StatusUnprocessableEntity
		errCode = "NO_ACTIONS_FOR_CONDITIONAL_EDGE"
	}

	if statusCode >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	} else {
		logger.Warn(msg, "error", err)
	}
	c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode})
}

// getOrCreateRequestID returns the request's X-Request-ID header,
// generating one if absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
