// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package navigator

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all navigator routes with the router.
//
// Description:
//
//	Registers all /v1/navigator/* endpoints with the given Gin router
//	group. The router group should already have any required middleware
//	applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//	stream - The websocket progress stream handler
//
// Endpoints:
//
//	POST   /v1/navigator/trees - Create a tree
//	GET    /v1/navigator/trees - List trees for a team
//	GET    /v1/navigator/trees/:treeID - Get a tree
//	POST   /v1/navigator/trees/:treeID/nodes - Create a node
//	GET    /v1/navigator/trees/:treeID/nodes - List nodes
//	GET    /v1/navigator/trees/:treeID/nodes/:nodeID - Get a node
//	PUT    /v1/navigator/trees/:treeID/nodes/:nodeID - Update a node
//	DELETE /v1/navigator/trees/:treeID/nodes/:nodeID - Delete a node
//	POST   /v1/navigator/trees/:treeID/edges - Create an edge
//	GET    /v1/navigator/trees/:treeID/edges - List edges
//	GET    /v1/navigator/trees/:treeID/edges/:edgeID - Get an edge
//	PUT    /v1/navigator/trees/:treeID/edges/:edgeID - Update an edge
//	DELETE /v1/navigator/trees/:treeID/edges/:edgeID - Delete an edge
//	POST   /v1/navigator/trees/:treeID/lock - Acquire the edit lock
//	GET    /v1/navigator/trees/:treeID/lock - Lock status
//	DELETE /v1/navigator/trees/:treeID/lock - Release the edit lock
//	GET    /v1/navigator/trees/:treeID/metrics - Aggregate tree metrics
//	POST   /v1/navigator/trees/:treeID/metrics/reset - Reset tree metrics
//	POST   /v1/navigator/navigate - Start a navigation
//	GET    /v1/navigator/executions/:executionID - Poll execution status
//	POST   /v1/navigator/executions/:executionID/cancel - Cancel execution
//	GET    /v1/navigator/executions/:executionID/stream - Progress websocket
//	GET    /v1/navigator/health - Health check
//	GET    /v1/navigator/ready - Readiness check
//
// Example:
//
//	service, _ := navigator.NewService(db, executor, verifier, navigator.DefaultServiceConfig())
//	handlers := navigator.NewHandlers(service)
//	stream := navigator.NewStreamHandler(service.Runner)
//
//	v1 := router.Group("/v1")
//	navigator.RegisterRoutes(v1, handlers, stream)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, stream *StreamHandler) {
	nav := rg.Group("/navigator")
	{
		// Tree lifecycle
		nav.POST("/trees", handlers.HandleCreateTree)
		nav.GET("/trees", handlers.HandleListTrees)
		nav.GET("/trees/:treeID", handlers.HandleGetTree)

		// Graph editing (lock-gated)
		nav.POST("/trees/:treeID/nodes", handlers.HandleCreateNode)
		nav.GET("/trees/:treeID/nodes", handlers.HandleListNodes)
		nav.GET("/trees/:treeID/nodes/:nodeID", handlers.HandleGetNode)
		nav.PUT("/trees/:treeID/nodes/:nodeID", handlers.HandleUpdateNode)
		nav.DELETE("/trees/:treeID/nodes/:nodeID", handlers.HandleDeleteNode)

		nav.POST("/trees/:treeID/edges", handlers.HandleCreateEdge)
		nav.GET("/trees/:treeID/edges", handlers.HandleListEdges)
		nav.GET("/trees/:treeID/edges/:edgeID", handlers.HandleGetEdge)
		nav.PUT("/trees/:treeID/edges/:edgeID", handlers.HandleUpdateEdge)
		nav.DELETE("/trees/:treeID/edges/:edgeID", handlers.HandleDeleteEdge)

		// Edit locks
		nav.POST("/trees/:treeID/lock", handlers.HandleAcquireLock)
		nav.GET("/trees/:treeID/lock", handlers.HandleLockStatus)
		nav.DELETE("/trees/:treeID/lock", handlers.HandleReleaseLock)

		// Metrics
		nav.GET("/trees/:treeID/metrics", handlers.HandleTreeMetrics)
		nav.POST("/trees/:treeID/metrics/reset", handlers.HandleResetMetrics)

		// Navigation
		nav.POST("/navigate", handlers.HandleStartNavigation)
		nav.GET("/executions/:executionID", handlers.HandleExecutionStatus)
		nav.POST("/executions/:executionID/cancel", handlers.HandleCancelExecution)
		nav.GET("/executions/:executionID/stream", stream.HandleStream)

		// Health checks
		nav.GET("/health", handlers.HandleHealth)
		nav.GET("/ready", handlers.HandleReady)
	}
}
