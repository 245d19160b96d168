package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/otterd/internal/cli"
)

func main() {
	// A child spawned by the manager re-enters this binary with the worker
	// environment set; it must never reach the CLI.
	if class, id, ok := cli.WorkerEnv(); ok {
		os.Exit(cli.RunWorker(class, id))
	}

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
