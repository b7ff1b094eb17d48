package main

import (
	"context"
	"os/signal"
	"syscall"

	"artdb/pkg/telemetry"
	"artdb/services/ctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.SetupLogger("artdbctl", "console", "info")
	ctl.Execute(ctx, &ctl.Runtime{Logger: logger})
}
