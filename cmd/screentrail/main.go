// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command screentrail manages the ScreenTrail navigation engine.
//
// Usage:
//
//	screentrail serve              # start the API server
//	screentrail serve --port 9090  # override the listen port
//
// Configuration is read from config.yaml in the working directory; every
// value has a sensible default, so a missing file is not an error.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var config Config

var rootCmd = &cobra.Command{
	Use:   "screentrail",
	Short: "ScreenTrail UI navigation engine",
	Long: `ScreenTrail models a device's UI as a navigation graph and drives
the device through it: compute a path to a target screen, execute the
per-edge actions, verify each arrival, and learn edge reliability from
the outcomes.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		config = DefaultAppConfig()

		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Fatalf("Error reading %s: %v", configPath, err)
			}
			return
		}
		if err := yaml.Unmarshal(yamlFile, &config); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
}

var configPath string
