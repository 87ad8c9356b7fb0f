// Command devworker is a stand-in worker for local development. It speaks
// the line protocol on stdin/stdout and keeps all state in memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"whisperlink/internal/adapter/devworker"
	"whisperlink/internal/infra/config"
	"whisperlink/internal/infra/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devworker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	level := os.Getenv("WHISPERLINK_DEVWORKER_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	// stdout carries the protocol, so logs always go to stderr.
	log, closeLog, err := logger.New(config.LoggerConfig{Level: level, Format: "auto", Output: "stderr"})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = os.Stdin.Close()
	}()

	log.Info("dev worker ready", "commands", len(devworker.Commands()))
	err = devworker.New().Serve(ctx, os.Stdin, os.Stdout, log)
	if errors.Is(err, context.Canceled) {
		log.Info("dev worker stopped by signal")
		return nil
	}
	return err
}
