// PID-file locking for Unix-like platforms.
//
// Guildwatch allows one daemon per data directory; the PID file doubles as
// the mutual-exclusion point. flock(2) advisory locks fit because they die
// with the process: a crashed daemon leaves a stale file but never a stale
// lock, so startup can reclaim the directory without guessing at liveness.

//go:build !windows

package main

import (
	"fmt"
	"os"
	"syscall"
)

// ///////////////////////////////////////////////
// File Locking
// ///////////////////////////////////////////////

// lockFile takes the exclusive flock on the PID file without blocking.
// EWOULDBLOCK here means a live daemon owns the data directory.
func lockFile(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return nil
}

// unlockFile drops the flock ahead of PID-file removal. Closing the
// descriptor would release it anyway; the explicit drop keeps shutdown
// ordering obvious.
func unlockFile(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
