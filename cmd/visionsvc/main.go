package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/parkvision/visionsvc/internal/bootstrap"
	"github.com/parkvision/visionsvc/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := bootstrap.Run(ctx); err != nil {
		logging.Errorf("visionsvc exited with error: %v", err)
		os.Exit(1)
	}
}
