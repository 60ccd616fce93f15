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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/execution"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pingInterval keeps idle connections alive through proxies.
	pingInterval = 30 * time.Second
)

// StreamHandler pushes navigation progress events over a websocket.
//
// The stream is push-only: after every transition the runner publishes a
// ProgressEvent, and the handler forwards it as one JSON frame. The final
// frame has terminal=true, after which the server closes the connection.
// Subscribing to an already finished execution replays the terminal event.
type StreamHandler struct {
	runner *execution.Runner
	logger *slog.Logger
}

// NewStreamHandler creates a stream handler over the given runner.
func NewStreamHandler(runner *execution.Runner) *StreamHandler {
	return &StreamHandler{runner: runner, logger: slog.Default()}
}

// HandleStream handles GET /v1/navigator/executions/:executionID/stream.
//
// Response:
//
//	101 Switching Protocols: websocket stream of ProgressEvent frames
//	404 Not Found: unknown execution id
func (s *StreamHandler) HandleStream(c *gin.Context) {
	executionID := c.Param("executionID")

	events, unsubscribe, err := s.runner.Subscribe(executionID)
	if err != nil {
		if errors.Is(err, datatypes.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "EXECUTION_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL_ERROR"})
		return
	}
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", "execution_id", executionID, "error", err)
		return
	}
	defer ws.Close()
	s.logger.Info("Progress stream connected", "execution_id", executionID)

	// Drain client frames so close handshakes and pongs are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Publisher closed the channel after the terminal event.
				deadline := time.Now().Add(writeWait)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Warn("Failed to write progress frame",
					"execution_id", executionID, "error", err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			s.logger.Info("Progress stream client disconnected", "execution_id", executionID)
			return
		}
	}
}
