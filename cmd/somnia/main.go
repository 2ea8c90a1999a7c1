package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/Somnia/internal/cli"
)

func main() {
	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
