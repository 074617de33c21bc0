// instance-agent runs on provisioned instances: it executes the job's
// startup script and reports the lifecycle back to the core.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mimiry/internal/agent"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := agent.LoadConfigFromEnv()

	runner, err := agent.NewRunner(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A SIGTERM means the instance is going away; stop the script and
	// let the terminal event report what happened.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	return runner.Run(ctx)
}
