// Shutdown signals for Unix-like platforms.
//
// The daemon must finalize open sessions before exiting, so both SIGINT
// (interactive Ctrl+C) and SIGTERM (systemd, container runtimes) are routed
// through the same graceful path instead of killing the process mid-write.

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// signalChannel returns the channel the event loop selects on for shutdown
// requests. A one-slot buffer keeps a signal delivered while the loop is
// mid-iteration from being dropped.
func signalChannel() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
