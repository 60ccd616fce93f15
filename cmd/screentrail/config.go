// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/screentrail/screentrail/services/navigator/telemetry"
)

// Config is the application configuration, loaded from config.yaml.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Device    DeviceConfig     `yaml:"device"`
	Lock      LockConfig       `yaml:"lock"`
	Runner    RunnerConfig     `yaml:"runner"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port  int  `yaml:"port"`
	Debug bool `yaml:"debug"`
}

// DatabaseConfig configures the embedded BadgerDB store.
type DatabaseConfig struct {
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// DeviceConfig points the engine at its device controller.
type DeviceConfig struct {
	ControllerURL string `yaml:"controller_url"`

	// TimeoutSeconds bounds one controller request. Zero uses the
	// client default.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// ActionsPerSecond paces device commands; hardware input queues
	// silently drop events when flooded. Zero uses the engine default.
	ActionsPerSecond float64 `yaml:"actions_per_second"`
}

// LockConfig configures tree edit locks.
type LockConfig struct {
	// TTLMinutes is the lock idle expiry. Zero uses the manager default.
	TTLMinutes int `yaml:"ttl_minutes"`
}

// RunnerConfig configures the navigation runner.
type RunnerConfig struct {
	// PoolSize caps concurrently executing navigations.
	PoolSize int `yaml:"pool_size"`

	// TimeoutSeconds bounds one whole navigation.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultAppConfig returns the configuration used when config.yaml is
// absent: local single-device development.
func DefaultAppConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: 8086,
		},
		Database: DatabaseConfig{
			Path:       "./data/screentrail",
			SyncWrites: true,
		},
		Device: DeviceConfig{
			ControllerURL: "http://localhost:9010",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
