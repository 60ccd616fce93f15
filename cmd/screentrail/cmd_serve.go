// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/screentrail/screentrail/services/navigator"
	"github.com/screentrail/screentrail/services/navigator/device"
	"github.com/screentrail/screentrail/services/navigator/storage/badgerstore"
	"github.com/screentrail/screentrail/services/navigator/telemetry"
)

// lockSweepInterval is how often expired edit locks are reaped.
const lockSweepInterval = time.Minute

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ScreenTrail API server",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, config.Telemetry)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	dbCfg := badgerstore.DefaultConfig(config.Database.Path)
	dbCfg.SyncWrites = config.Database.SyncWrites
	dbCfg.Logger = logger
	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		log.Fatalf("Failed to open database at %s: %v", config.Database.Path, err)
	}
	defer db.Close()

	gc, err := badgerstore.NewGCRunner(db, dbCfg, logger)
	if err != nil {
		log.Fatalf("Failed to create GC runner: %v", err)
	}
	gc.Start()
	defer gc.Stop()

	controller := device.NewClient(config.Device.ControllerURL)
	if config.Device.TimeoutSeconds > 0 {
		controller.WithTimeout(time.Duration(config.Device.TimeoutSeconds) * time.Second)
	}
	if err := controller.Health(ctx); err != nil {
		// The controller may come up after us; navigation fails cleanly
		// until it does.
		slog.Warn("Device controller not reachable at startup", "error", err)
	}

	svcCfg := navigator.DefaultServiceConfig()
	svcCfg.Logger = logger
	if config.Lock.TTLMinutes > 0 {
		svcCfg.Lock.TTL = time.Duration(config.Lock.TTLMinutes) * time.Minute
	}
	if config.Device.ActionsPerSecond > 0 {
		svcCfg.Engine.ActionRate = config.Device.ActionsPerSecond
	}
	if config.Runner.PoolSize > 0 {
		svcCfg.Runner.PoolSize = config.Runner.PoolSize
	}
	if config.Runner.TimeoutSeconds > 0 {
		svcCfg.Runner.NavigationTimeout = time.Duration(config.Runner.TimeoutSeconds) * time.Second
	}

	svc, err := navigator.NewService(db, controller, controller, svcCfg)
	if err != nil {
		log.Fatalf("Failed to create navigator service: %v", err)
	}
	defer svc.Close()

	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(lockSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := svc.Locks.CleanupExpired(); n > 0 {
					slog.Info("Expired edit locks reaped", "count", n)
				}
			case <-sweepStop:
				return
			}
		}
	}()
	defer close(sweepStop)

	if config.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(config.Telemetry.ServiceName))
	if config.Server.Debug {
		router.Use(gin.Logger())
	}

	handlers := navigator.NewHandlers(svc)
	stream := navigator.NewStreamHandler(svc.Runner)

	v1 := router.Group("/v1")
	navigator.RegisterRoutes(v1, handlers, stream)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	port := config.Server.Port
	if servePort != 0 {
		port = servePort
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		slog.Info("Starting ScreenTrail server",
			"port", port,
			"db_path", config.Database.Path,
			"controller_url", config.Device.ControllerURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down ScreenTrail server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
}
