// The main package for the harvester executable.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/harvest-controller/cmd"
)

// main defers all execution to the Cobra CLI, cancelling on SIGINT or SIGTERM.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
