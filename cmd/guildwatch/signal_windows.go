// Shutdown signals for Windows.
//
// The daemon must finalize open sessions before exiting. Windows has no
// SIGTERM; os.Interrupt is the only registrable shutdown request, and the
// Go runtime folds CTRL_BREAK_EVENT and console-close into it, which covers
// the ways a Windows host actually stops a console daemon.

//go:build windows

package main

import (
	"os"
	"os/signal"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// signalChannel returns the channel the event loop selects on for shutdown
// requests. A one-slot buffer keeps a signal delivered while the loop is
// mid-iteration from being dropped.
func signalChannel() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch
}
