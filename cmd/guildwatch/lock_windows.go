// PID-file locking for Windows.
//
// Guildwatch allows one daemon per data directory; the PID file doubles as
// the mutual-exclusion point. Windows has no flock(2), so the Win32
// LockFileEx API (via [golang.org/x/sys/windows]) stands in, with
// LOCKFILE_FAIL_IMMEDIATELY giving the same try-lock behavior the Unix
// build gets from LOCK_NB.

//go:build windows

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// ///////////////////////////////////////////////
// File Locking
// ///////////////////////////////////////////////

// lockFile takes an exclusive byte-range lock on the PID file without
// blocking. A single byte at offset zero is enough: the lock is a liveness
// signal, not data protection.
func lockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1, 0,
		ol,
	); err != nil {
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return nil
}

// unlockFile releases the byte-range lock ahead of PID-file removal. The
// range must match the one taken in [lockFile].
func unlockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(
		windows.Handle(f.Fd()),
		0,
		1, 0,
		ol,
	); err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
