package commands

import (
	"context"
	"os/signal"
	"syscall"
)

// contextWithSignals returns a context cancelled on SIGINT/SIGTERM
func contextWithSignals() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
