// Package main provides the unified CLI entry point for the pulse services.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "pulse",
		Short: "Greenhouse device heartbeat service",
		Long: `The heartbeat and configuration sync service for greenhouse controllers:
- server: HTTP API that ingests device heartbeats and serves configuration
- sweep: one-shot pass marking silent devices offline
- agent: device-side heartbeat loop for Linux hosts
- simulate: drives a fake fleet against a running server`,
		Version: "1.0.0",
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/pulse/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	// Bind flags to viper
	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		log.Fatalf("failed to bind log-level flag: %v", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Log config file being used
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
