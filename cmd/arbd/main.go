package main

import (
	"flag"
	"fmt"
	"os"

	"funding_arb/internal/bootstrap"
	"funding_arb/internal/config"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/arbd.yaml", "Path to configuration file")
	dryRun := flag.Bool("dry-run", false, "Force paper venues regardless of config")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("arbd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.Strategy.DryRun = true
	}

	app, err := bootstrap.NewAppFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.Logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
}
