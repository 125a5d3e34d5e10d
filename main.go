// Package main is the entry point for the aegis threat feed engine.
package main

import (
	"flag"
	"fmt"
	"os"

	"aegis/bootstrap"
	"aegis/cmd"
)

// run initializes and starts the full service
func run(configPath string) error {
	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	// CLI subcommands run without bootstrapping the server.
	if len(os.Args) > 1 && os.Args[1] == "feeds" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		feedsCmd := cmd.NewFeedsCmd()
		if err := feedsCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "Path to config file (default: search ./aegis.yaml, ./config, /etc/aegis)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
