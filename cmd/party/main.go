package main

import (
	"context"
	"fmt"
	"os"

	"ShareLink/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	party, err := NewParty(cfg, os.Stdout)
	if err != nil {
		return fmt.Errorf("create party:\n%w", err)
	}
	defer party.Close()

	printStartupInfo(cfg)

	return party.Run(context.Background())
}

// printStartupInfo displays party configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting party",
		"id", cfg.PartyID,
		"parties", cfg.PartyCount,
		"zp", cfg.Modulus,
		"provider", cfg.ProviderAddr,
		"journal", cfg.JournalPath,
		"status", cfg.StatusAddr,
		"labels", cfg.Labels,
		"count", cfg.Count,
	)
}
