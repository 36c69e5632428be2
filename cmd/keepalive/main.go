// Package main provides the keepalive CLI. It opens the target page in a
// browser, waits for the operator to prepare the session by hand, and then
// keeps that session running until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.1.0"

func main() {
	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling for graceful shutdown. Later signals are
	// swallowed; teardown is already under way after the first one.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	cmd := newRootCommand(os.Getenv)
	if err := cmd.ExecuteContext(ctx); err != nil {
		cancel() // Cancel context before exiting
		log.Printf("keepalive failed: %v", err)
		os.Exit(1)
	}
	cancel()
}
