// Package main runs the DCOP broker daemon.
//
// The daemon listens on a per-user Unix socket and, unless -no-local is
// given, on a loopback TCP port. It writes an address file naming both so
// clients can find it, and removes that file again on shutdown.
//
// Configuration Loading Strategy:
// 1. -config flag: Uses the specified YAML file
// 2. Default file: config/dcopserver.yaml when present
// 3. Hardcoded defaults
//
// Command line flags override the loaded configuration.
//
// Called by: Session startup scripts, users
// Calls: config.Load(), run()
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenzoki/agen/dcop/internal/config"
	"github.com/tenzoki/agen/dcop/internal/logging"
)

const defaultConfigFile = "config/dcopserver.yaml"

func main() {
	configFile := flag.String("config", "", "path to YAML configuration")
	noLocal := flag.Bool("no-local", false, "disable the TCP transport")
	suicide := flag.Bool("suicide", false, "exit when the last non-daemon client is gone")
	debug := flag.Bool("debug", false, "log every frame")
	addressFile := flag.String("address-file", "", "override the address file path")
	flag.Parse()

	cfg, source, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *noLocal {
		cfg.Server.NoLocal = true
	}
	if *suicide {
		cfg.Lifecycle.Suicide = true
	}
	if *debug {
		cfg.Debug = true
	}
	if *addressFile != "" {
		cfg.Server.AddressFile = *addressFile
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Dir:    cfg.Logging.Dir,
		Prefix: "[dcopserver] ",
		Debug:  cfg.Debug,
		Quiet:  cfg.Logging.Quiet,
	})
	if err != nil {
		log.Fatalf("Failed to start logging: %v", err)
	}
	defer logger.Close()

	logger.Info("Starting %s using %s", cfg.AppName, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal: %s, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, fmt.Sprintf("config file: %s", path), nil
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		cfg, err := config.Load(defaultConfigFile)
		if err != nil {
			log.Printf("Warning: %s exists but failed to load: %v", defaultConfigFile, err)
			return config.Default(), "hardcoded defaults", nil
		}
		return cfg, defaultConfigFile + " (default)", nil
	}
	return config.Default(), "hardcoded defaults", nil
}
