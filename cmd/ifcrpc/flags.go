package main

import (
	"flag"
	"fmt"
	"time"
)

// cliConfig holds the parsed command line flags.
type cliConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShowVersion     bool
	ValidateOnly    bool
	ShutdownTimeout time.Duration
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cfg := &cliConfig{}

	fs.StringVar(&cfg.ConfigPath, "config", "", "path to YAML config file (defaults apply when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "override logging.level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "override logging.format (json|text)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "validate configuration and exit")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for shutdown")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("shutdown-timeout must be positive")
	}
	return cfg, nil
}
