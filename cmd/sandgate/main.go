// Package main is the entry point for sandgate, the credential-injecting
// proxy in front of a sandboxed agent gateway.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sandgate/sandgate/bootstrap"
	"github.com/sandgate/sandgate/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "sandgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	hotReload := flag.Bool("hot-reload", true, "Enable hot reload of configuration")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sandgate %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *validate {
		cfg, err := config.LoadWithFallback(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("  Gateway port: %d\n", cfg.Gateway.Port)
		fmt.Printf("  Gateway token configured: %v\n", cfg.Gateway.Token != "")
		fmt.Printf("  Audit: %v\n", cfg.Audit.Enabled)
		os.Exit(0)
	}

	path := *configPath
	if _, err := os.Stat(path); err != nil && config.HasEnvConfig() {
		path = ""
	}

	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: path,
		HotReload:  *hotReload,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		os.Exit(1)
	}

	// Run blocks until shutdown
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
