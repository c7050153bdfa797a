package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if len(os.Args) != 2 {
		_, _ = fmt.Fprintf(os.Stderr, "usage: %s CONFIG_PATH\n", os.Args[0])
		os.Exit(1)
	}
	configPath := os.Args[1]

	worker, err := NewWorker(configPath, os.Environ())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.Info("starting worker", "config", configPath)
	if err := worker.Run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
