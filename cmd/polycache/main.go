// Command polycache inspects and exercises a tiered cache built from
// configuration: an in-process L1, Redis as L2 when REDIS_ADDR is set and
// MongoDB as L3 when MONGO_URI is set.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
