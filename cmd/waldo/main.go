package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/kallaxis/waldo-cli/cmd"
	"github.com/kallaxis/waldo-cli/internal/observability"
)

// osExit is swappable so tests can observe the exit path.
var osExit = os.Exit

func main() {
	// Interrupts cancel the context; in-flight actions finish recording
	// and components shut down before the process leaves.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	osExit(exitCode(err))
}

// exitCode maps the command outcome onto a process status. A run cut short
// by the operator's own interrupt is a clean exit, not a failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}
