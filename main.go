// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sundai-club/tasks-auto-complete/cmd"
	"github.com/sundai-club/tasks-auto-complete/internal/observability"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

// main is the entry point for the tasks-auto-complete CLI.
func main() {
	// Cancelled on SIGINT/SIGTERM so the monitor loop can stop cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		osExit(1)
	}
}
